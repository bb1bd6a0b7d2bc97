package syncproto

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn frames Messages over a websocket. Reads must come from one goroutine; writes may come from many.
type Conn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read returns the next message. Text frames are skipped. A frame that cannot be decoded is reported with an error
// for which IsMalformed is true; the stream is still usable after it. Any other error means the connection is gone.
func (c *Conn) Read() (Message, error) {
	for {
		mt, p, err := c.ws.ReadMessage()
		if err != nil {
			return Message{}, fmt.Errorf("failed to read message: %w", err)
		}
		switch mt {
		case websocket.BinaryMessage:
			m, err := Decode(p)
			if err != nil {
				return Message{}, err
			}
			return m, nil
		default:
		}
	}
}

// Write sends one message as a binary frame.
func (c *Conn) Write(m Message) error {
	return c.WriteFrame(m.Bytes())
}

// WriteFrame sends an already encoded frame.
func (c *Conn) WriteFrame(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// CloseWith sends a close frame with the given code before closing the socket.
func (c *Conn) CloseWith(code int, reason string) error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.wmu.Unlock()
	return c.ws.Close()
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

// IsMalformed reports whether err came from a frame that could not be decoded rather than from the transport.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrEmptyFrame) || errors.Is(err, ErrUnknownKind)
}

// IsClosed reports whether err is an orderly close by the peer.
func IsClosed(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
		return true
	}
	return false
}

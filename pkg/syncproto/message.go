// Package syncproto frames the messages replicas exchange over a websocket. Every binary frame starts with a one byte
// kind followed by the payload:
//
//	0x00 sync-step-1  encoded rtd.StateVector
//	0x01 sync-step-2  encoded rtd update answering a step 1
//	0x02 update       encoded rtd update for steady-state relay
//	0x03 awareness    JSON awareness.Update
//
// Either side may send sync-step-1 at any time and the other must answer with sync-step-2 carrying what the sender
// is missing.
package syncproto

import (
	"errors"
	"fmt"

	"github.com/hasparus/gist-mom/pkg/awareness"
	"github.com/hasparus/gist-mom/pkg/rtd"
)

type Kind byte

const (
	KindSyncStep1 Kind = iota
	KindSyncStep2
	KindUpdate
	KindAwareness
)

func (k Kind) String() string {
	switch k {
	case KindSyncStep1:
		return "sync-step-1"
	case KindSyncStep2:
		return "sync-step-2"
	case KindUpdate:
		return "update"
	case KindAwareness:
		return "awareness"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

var (
	ErrEmptyFrame  = errors.New("empty frame")
	ErrUnknownKind = errors.New("unknown message kind")
)

// Message is one decoded frame.
type Message struct {
	Kind    Kind
	Payload []byte
}

// Bytes encodes the message as a frame.
func (m Message) Bytes() []byte {
	out := make([]byte, 0, 1+len(m.Payload))
	out = append(out, byte(m.Kind))
	return append(out, m.Payload...)
}

// Decode parses a frame. The payload aliases frame.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, ErrEmptyFrame
	}
	k := Kind(frame[0])
	if k > KindAwareness {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownKind, frame[0])
	}
	return Message{Kind: k, Payload: frame[1:]}, nil
}

// SyncStep1 announces what doc has seen.
func SyncStep1(doc *rtd.Document) (Message, error) {
	sv, err := doc.StateVector()
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindSyncStep1, Payload: sv.Encode()}, nil
}

// SyncStep2 answers a step 1 payload with everything doc holds that the sender lacks.
func SyncStep2(doc *rtd.Document, step1 []byte) (Message, error) {
	sv, err := rtd.DecodeStateVector(step1)
	if err != nil {
		return Message{}, err
	}
	update, err := doc.EncodeUpdateSince(sv)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindSyncStep2, Payload: update}, nil
}

// Update wraps an encoded rtd update for relay.
func Update(update []byte) Message {
	return Message{Kind: KindUpdate, Payload: update}
}

// Awareness wraps an awareness update.
func Awareness(u awareness.Update) (Message, error) {
	raw, err := u.Encode()
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindAwareness, Payload: raw}, nil
}

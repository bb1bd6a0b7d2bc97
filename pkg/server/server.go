// Package server exposes rooms and the gist API over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/hasparus/gist-mom/pkg/gist"
	"github.com/hasparus/gist-mom/pkg/room"
)

const roomPrefix = "/parties/gist-room/{id}"

type Server struct {
	rooms    *room.Registry
	gists    gist.Provider
	upgrader websocket.Upgrader
}

func New(rooms *room.Registry, gists gist.Provider) *Server {
	return &Server{
		rooms: rooms,
		gists: gists,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func logRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
	})
}

// Handler routes every endpoint the server offers.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests)

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)

	r.Methods(http.MethodGet).Path(roomPrefix).HandlerFunc(s.connect)
	r.Methods(http.MethodGet).Path(roomPrefix + "/").HandlerFunc(s.connect)
	r.Methods(http.MethodPost).Path(roomPrefix + "/seed").HandlerFunc(s.seed)
	r.Methods(http.MethodGet).Path(roomPrefix + "/content").HandlerFunc(s.content)
	r.Methods(http.MethodGet).Path(roomPrefix + "/state").HandlerFunc(s.state)
	r.Methods(http.MethodPost).Path(roomPrefix + "/committed").HandlerFunc(s.committed)
	r.Methods(http.MethodGet).Path(roomPrefix + "/history.svg").HandlerFunc(s.history)

	r.Methods(http.MethodGet).Path("/api/gists").HandlerFunc(s.listGists)
	r.Methods(http.MethodPost).Path("/api/gists").HandlerFunc(s.createGist)
	r.Methods(http.MethodGet).Path("/api/gists/{id}").HandlerFunc(s.openGist)
	r.Methods(http.MethodPost).Path("/api/gists/{id}/commit").HandlerFunc(s.commitGist)
	r.Methods(http.MethodGet).Path("/api/gists/{id}/commits").HandlerFunc(s.gistCommits)
	return r
}

// bearerToken returns the token of an "Authorization: Bearer" header, or "".
func bearerToken(request *http.Request) string {
	h := request.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeJSON(writer http.ResponseWriter, status int, v interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func writeError(writer http.ResponseWriter, status int, msg string) {
	writeJSON(writer, status, map[string]string{"error": msg})
}

func writeOK(writer http.ResponseWriter) {
	writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := writer.Write([]byte("ok")); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

// roomStatus maps a room failure to a response status.
func roomStatus(err error) int {
	switch {
	case errors.Is(err, room.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// gistStatus maps a GitHub failure to a response status: refusals GitHub explains pass through, the rest are a bad
// gateway.
func gistStatus(err error) int {
	var apiErr *gist.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return apiErr.Status
		}
	}
	return http.StatusBadGateway
}

func (s *Server) healthz(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]interface{}{"ok": true, "rooms": len(s.rooms.IDs())})
}

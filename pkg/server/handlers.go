package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hasparus/gist-mom/pkg/gist"
	"github.com/hasparus/gist-mom/pkg/room"
	"github.com/hasparus/gist-mom/pkg/rtd"
	"github.com/hasparus/gist-mom/pkg/viz"
)

const maxBody = 8 << 20

func (s *Server) connect(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	r, err := s.rooms.Get(request.Context(), id)
	if err != nil {
		slog.Error("failed to get room", "room", id, "err", err)
		writeError(writer, roomStatus(err), "room unavailable")
		return
	}
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	if err := r.Connect(request.Context(), conn, request.URL.Query().Get("site")); err != nil {
		slog.Warn("connection refused", "room", id, "err", err)
	}
}

func (s *Server) seed(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	var body struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(io.LimitReader(request.Body, maxBody)).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, "invalid seed body")
		return
	}
	if err := s.rooms.With(request.Context(), id, func(r *room.Room) error {
		return r.Seed(request.Context(), body.Filename, body.Content)
	}); err != nil {
		slog.Error("failed to seed", "room", id, "err", err)
		writeError(writer, roomStatus(err), "failed to seed")
		return
	}
	writeOK(writer)
}

func (s *Server) content(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	var c room.Content
	if err := s.rooms.With(request.Context(), id, func(r *room.Room) error {
		var err error
		c, err = r.ReadContent(request.Context())
		return err
	}); err != nil {
		writeError(writer, roomStatus(err), "failed to read document")
		return
	}
	writeJSON(writer, http.StatusOK, c)
}

// state reports a room's lifecycle state without waking it.
func (s *Server) state(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	writeJSON(writer, http.StatusOK, map[string]string{"state": s.rooms.State(id).String()})
}

func (s *Server) committed(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	raw, err := io.ReadAll(io.LimitReader(request.Body, maxBody))
	if err != nil {
		writeError(writer, http.StatusBadRequest, "failed to read body")
		return
	}
	if err := s.rooms.With(request.Context(), id, func(r *room.Room) error {
		return r.MarkCommitted(request.Context(), string(raw))
	}); err != nil {
		writeError(writer, roomStatus(err), "failed to mark committed")
		return
	}
	writeOK(writer)
}

func (s *Server) history(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	var buff bytes.Buffer
	if err := s.rooms.With(request.Context(), id, func(r *room.Room) error {
		return r.Document(request.Context(), func(doc *rtd.Document) error {
			return viz.Render(doc, viz.SVG, &buff)
		})
	}); err != nil {
		slog.Error("failed to render", "room", id, "err", err)
		writeError(writer, roomStatus(err), "failed to render")
		return
	}
	writer.Header().Set("Content-Type", "image/svg+xml")
	if _, err := writer.Write(buff.Bytes()); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

// gistSummary lists file names only; content stays in the room.
func gistSummary(g *gist.Gist) map[string]interface{} {
	files := make(map[string]map[string]string, len(g.Files))
	for name, f := range g.Files {
		files[name] = map[string]string{"filename": f.Filename}
	}
	return map[string]interface{}{
		"id":          g.ID,
		"description": g.Description,
		"owner":       g.Owner,
		"files":       files,
	}
}

func (s *Server) openGist(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	var g *gist.Gist
	err := s.rooms.With(request.Context(), id, func(r *room.Room) error {
		var err error
		g, err = gist.Open(request.Context(), s.gists, r, id, bearerToken(request))
		return err
	})
	if err != nil {
		var apiErr *gist.APIError
		if errors.As(err, &apiErr) {
			writeError(writer, gistStatus(err), apiErr.Error())
			return
		}
		slog.Error("failed to open gist", "gist", id, "err", err)
		writeError(writer, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(writer, http.StatusOK, gistSummary(g))
}

func (s *Server) commitGist(writer http.ResponseWriter, request *http.Request) {
	token := bearerToken(request)
	if token == "" {
		writeError(writer, http.StatusUnauthorized, "Not authenticated")
		return
	}
	id := mux.Vars(request)["id"]
	var g *gist.Gist
	err := s.rooms.With(request.Context(), id, func(r *room.Room) error {
		var err error
		g, err = gist.Commit(request.Context(), s.gists, r, id, token)
		return err
	})
	switch {
	case err == nil:
		writeJSON(writer, http.StatusOK, g)
	case errors.Is(err, gist.ErrNothingToCommit):
		writeError(writer, http.StatusConflict, "No changes to commit")
	case errors.Is(err, gist.ErrNoFilename):
		writeError(writer, http.StatusConflict, "Gist was never opened")
	default:
		slog.Error("failed to commit", "gist", id, "err", err)
		writeError(writer, http.StatusBadGateway, "Commit failed")
	}
}

func (s *Server) createGist(writer http.ResponseWriter, request *http.Request) {
	token := bearerToken(request)
	if token == "" {
		writeError(writer, http.StatusUnauthorized, "Not authenticated")
		return
	}
	var opts gist.CreateOptions
	if request.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(request.Body, maxBody)).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
			writeError(writer, http.StatusBadRequest, "invalid gist body")
			return
		}
	}
	g, err := s.gists.Create(request.Context(), opts, token)
	if err != nil {
		slog.Error("failed to create gist", "err", err)
		writeError(writer, http.StatusBadGateway, "GitHub API error")
		return
	}
	writeJSON(writer, http.StatusCreated, g)
}

func (s *Server) listGists(writer http.ResponseWriter, request *http.Request) {
	token := bearerToken(request)
	if token == "" {
		writeError(writer, http.StatusUnauthorized, "Not authenticated")
		return
	}
	list, err := s.gists.List(request.Context(), token)
	if err != nil {
		writeError(writer, gistStatus(err), "GitHub API error")
		return
	}
	writeJSON(writer, http.StatusOK, list)
}

func (s *Server) gistCommits(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	commits, err := s.gists.Commits(request.Context(), id, bearerToken(request))
	if err != nil {
		writeError(writer, gistStatus(err), "GitHub API error")
		return
	}
	writeJSON(writer, http.StatusOK, commits)
}

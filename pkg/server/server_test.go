package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hasparus/gist-mom/pkg/gist"
	"github.com/hasparus/gist-mom/pkg/room"
	"github.com/hasparus/gist-mom/pkg/store"
)

func eq(t *testing.T, got, want interface{}) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

type fakeProvider struct {
	gists     map[string]*gist.Gist
	updateErr error
	updates   []string
	tokens    []string
}

func (p *fakeProvider) Fetch(ctx context.Context, id, token string) (*gist.Gist, error) {
	p.tokens = append(p.tokens, token)
	g, ok := p.gists[id]
	if !ok {
		return nil, &gist.APIError{Status: http.StatusNotFound, Message: "Not Found"}
	}
	return g, nil
}

func (p *fakeProvider) Update(ctx context.Context, id, filename, content, token string) (*gist.Gist, error) {
	if p.updateErr != nil {
		return nil, p.updateErr
	}
	p.updates = append(p.updates, filename+":"+content)
	return &gist.Gist{ID: id}, nil
}

func (p *fakeProvider) Create(ctx context.Context, opts gist.CreateOptions, token string) (*gist.Gist, error) {
	return &gist.Gist{ID: "created", Description: opts.Description}, nil
}

func (p *fakeProvider) Commits(ctx context.Context, id, token string) ([]gist.Revision, error) {
	return []gist.Revision{{Version: "v1"}}, nil
}

func (p *fakeProvider) List(ctx context.Context, token string) ([]gist.Gist, error) {
	return []gist.Gist{{ID: "g1"}}, nil
}

type harness struct {
	t        *testing.T
	url      string
	provider *fakeProvider
}

func newHarness(t *testing.T) *harness {
	provider := &fakeProvider{gists: map[string]*gist.Gist{
		"g1": {ID: "g1", Description: "notes", Owner: &gist.Owner{Login: "octocat"}, Files: map[string]gist.File{
			"notes.md": {Filename: "notes.md", Content: "# Notes\n"},
		}},
	}}
	rooms := room.NewRegistry(store.NewMemory(), room.Options{FlushInterval: time.Hour, IdleTimeout: time.Hour})
	srv := httptest.NewServer(New(rooms, provider).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = rooms.Close(context.Background())
	})
	return &harness{t: t, url: srv.URL, provider: provider}
}

func (h *harness) do(method, path, token, body string) (int, string) {
	h.t.Helper()
	req, err := http.NewRequest(method, h.url+path, strings.NewReader(body))
	if err != nil {
		h.t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatal(err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		h.t.Fatal(err)
	}
	return res.StatusCode, string(raw)
}

func (h *harness) content(id string) room.Content {
	h.t.Helper()
	status, body := h.do(http.MethodGet, "/parties/gist-room/"+id+"/content", "", "")
	eq(h.t, status, http.StatusOK)
	var c room.Content
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		h.t.Fatal(err)
	}
	return c
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	status, body := h.do(http.MethodGet, "/healthz", "", "")
	eq(t, status, http.StatusOK)
	eq(t, strings.TrimSpace(body), `{"ok":true,"rooms":0}`)
}

func TestRoomRoutes(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(http.MethodPost, "/parties/gist-room/r1/seed", "", `{"filename":"a.md","content":"hello"}`)
	eq(t, status, http.StatusOK)
	eq(t, body, "ok")
	eq(t, h.content("r1"), room.Content{Content: "hello", Filename: "a.md", LastCommittedContent: "hello", CommitVersion: 1})

	// seeding a non-empty room keeps the text
	status, _ = h.do(http.MethodPost, "/parties/gist-room/r1/seed", "", `{"filename":"a.md","content":"other"}`)
	eq(t, status, http.StatusOK)
	eq(t, h.content("r1").Content, "hello")

	status, _ = h.do(http.MethodPost, "/parties/gist-room/r1/committed", "", "older")
	eq(t, status, http.StatusOK)
	c := h.content("r1")
	eq(t, c.LastCommittedContent, "older")
	eq(t, c.CommitVersion, int64(2))
	eq(t, c.Dirty(), true)

	status, _ = h.do(http.MethodPost, "/parties/gist-room/r1/seed", "", `not json`)
	eq(t, status, http.StatusBadRequest)

	req, err := http.NewRequest(http.MethodGet, h.url+"/parties/gist-room/r1/history.svg", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	eq(t, res.StatusCode, http.StatusOK)
	eq(t, res.Header.Get("Content-Type"), "image/svg+xml")
}

func TestRoomState(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(http.MethodGet, "/parties/gist-room/r2/state", "", "")
	eq(t, status, http.StatusOK)
	eq(t, strings.TrimSpace(body), `{"state":"cold"}`)

	h.content("r2")
	_, body = h.do(http.MethodGet, "/parties/gist-room/r2/state", "", "")
	eq(t, strings.TrimSpace(body), `{"state":"active"}`)
}

func TestOpenGist(t *testing.T) {
	h := newHarness(t)
	status, body := h.do(http.MethodGet, "/api/gists/g1", "tok", "")
	eq(t, status, http.StatusOK)
	var got map[string]interface{}
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatal(err)
	}
	eq(t, got["id"], "g1")
	eq(t, got["files"], map[string]interface{}{"notes.md": map[string]interface{}{"filename": "notes.md"}})
	eq(t, h.provider.tokens, []string{"tok"})
	eq(t, h.content("g1").Content, "# Notes\n")

	status, _ = h.do(http.MethodGet, "/api/gists/missing", "", "")
	eq(t, status, http.StatusNotFound)
}

func TestCommitGist(t *testing.T) {
	h := newHarness(t)
	status, _ := h.do(http.MethodPost, "/api/gists/g1/commit", "", "")
	eq(t, status, http.StatusUnauthorized)

	status, _ = h.do(http.MethodGet, "/api/gists/g1", "tok", "")
	eq(t, status, http.StatusOK)

	status, body := h.do(http.MethodPost, "/api/gists/g1/commit", "tok", "")
	eq(t, status, http.StatusConflict)
	eq(t, strings.TrimSpace(body), `{"error":"No changes to commit"}`)
	eq(t, len(h.provider.updates), 0)

	// pretend the last commit was something else so the room is dirty
	h.do(http.MethodPost, "/parties/gist-room/g1/committed", "", "# Old\n")

	h.provider.updateErr = errors.New("github is down")
	status, _ = h.do(http.MethodPost, "/api/gists/g1/commit", "tok", "")
	eq(t, status, http.StatusBadGateway)
	eq(t, h.content("g1").LastCommittedContent, "# Old\n")

	h.provider.updateErr = nil
	status, _ = h.do(http.MethodPost, "/api/gists/g1/commit", "tok", "")
	eq(t, status, http.StatusOK)
	eq(t, h.provider.updates, []string{"notes.md:# Notes\n"})
	c := h.content("g1")
	eq(t, c.Dirty(), false)
	eq(t, c.CommitVersion, int64(3))
}

func TestCreateAndListGists(t *testing.T) {
	h := newHarness(t)
	status, _ := h.do(http.MethodPost, "/api/gists", "", `{}`)
	eq(t, status, http.StatusUnauthorized)

	status, body := h.do(http.MethodPost, "/api/gists", "tok", `{"description":"fresh"}`)
	eq(t, status, http.StatusCreated)
	var g gist.Gist
	if err := json.Unmarshal([]byte(body), &g); err != nil {
		t.Fatal(err)
	}
	eq(t, g.ID, "created")
	eq(t, g.Description, "fresh")

	status, _ = h.do(http.MethodPost, "/api/gists", "tok", "")
	eq(t, status, http.StatusCreated)

	status, _ = h.do(http.MethodGet, "/api/gists", "", "")
	eq(t, status, http.StatusUnauthorized)
	status, body = h.do(http.MethodGet, "/api/gists", "tok", "")
	eq(t, status, http.StatusOK)
	eq(t, strings.Contains(body, `"id":"g1"`), true)

	status, body = h.do(http.MethodGet, "/api/gists/g1/commits", "", "")
	eq(t, status, http.StatusOK)
	eq(t, strings.Contains(body, `"version":"v1"`), true)
}

func TestBearerToken(t *testing.T) {
	for header, want := range map[string]string{
		"":             "",
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearer":       "",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		eq(t, bearerToken(req), want)
	}
}

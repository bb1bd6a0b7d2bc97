package gist

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/gorilla/mux"

	"github.com/hasparus/gist-mom/pkg/room"
)

func ok(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func eq(t *testing.T, got, want interface{}) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

// fakeGitHub serves just enough of the gists API, keyed by gist id.
type fakeGitHub struct {
	gists    map[string]*Gist
	requests []*http.Request
	bodies   []map[string]interface{}
}

func (f *fakeGitHub) serve(t *testing.T) *Client {
	r := mux.NewRouter()
	record := func(req *http.Request) {
		f.requests = append(f.requests, req)
		raw, _ := io.ReadAll(req.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		f.bodies = append(f.bodies, body)
	}
	writeJSON := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	r.HandleFunc("/gists/{id}", func(w http.ResponseWriter, req *http.Request) {
		record(req)
		g, found := f.gists[mux.Vars(req)["id"]]
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		writeJSON(w, http.StatusOK, g)
	}).Methods(http.MethodGet, http.MethodPatch)
	r.HandleFunc("/gists/{id}/commits", func(w http.ResponseWriter, req *http.Request) {
		record(req)
		writeJSON(w, http.StatusOK, []Revision{{Version: "abc", User: &Owner{Login: "octocat"}, ChangeStatus: ChangeStatus{Total: 2, Additions: 2}}})
	}).Methods(http.MethodGet)
	r.HandleFunc("/gists", func(w http.ResponseWriter, req *http.Request) {
		record(req)
		if req.Header.Get("Authorization") == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Requires authentication"})
			return
		}
		if req.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, []Gist{{ID: "g1"}})
			return
		}
		writeJSON(w, http.StatusCreated, Gist{ID: "new"})
	}).Methods(http.MethodGet, http.MethodPost)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "")
}

func TestClientFetch(t *testing.T) {
	f := &fakeGitHub{gists: map[string]*Gist{
		"g1": {ID: "g1", Owner: &Owner{Login: "octocat"}, Files: map[string]File{
			"b.md": {Filename: "b.md", Content: "bee"},
			"a.md": {Filename: "a.md", Content: "ay"},
		}},
	}}
	c := f.serve(t)

	g, err := c.Fetch(context.Background(), "g1", "tok")
	ok(t, err)
	eq(t, g.Owner.Login, "octocat")
	file, has := g.FirstFile()
	eq(t, has, true)
	eq(t, file, File{Filename: "a.md", Content: "ay"})

	req := f.requests[0]
	eq(t, req.Header.Get("Authorization"), "Bearer tok")
	eq(t, req.Header.Get("Accept"), "application/vnd.github+json")
	eq(t, req.Header.Get("User-Agent"), DefaultUserAgent)

	// public reads go without a token
	_, err = c.Fetch(context.Background(), "g1", "")
	ok(t, err)
	eq(t, f.requests[1].Header.Get("Authorization"), "")
}

func TestClientErrors(t *testing.T) {
	c := (&fakeGitHub{gists: map[string]*Gist{}}).serve(t)
	_, err := c.Fetch(context.Background(), "nope", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("got %v, want APIError", err)
	}
	eq(t, apiErr.Status, http.StatusNotFound)
	eq(t, apiErr.Error(), "GitHub API 404: Not Found")

	_, err = c.List(context.Background(), "")
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("got %v", err)
	}
}

func TestClientUpdateCreateCommits(t *testing.T) {
	f := &fakeGitHub{gists: map[string]*Gist{"g1": {ID: "g1"}}}
	c := f.serve(t)
	ctx := context.Background()

	_, err := c.Update(ctx, "g1", "a.md", "new text", "tok")
	ok(t, err)
	eq(t, f.requests[0].Method, http.MethodPatch)
	eq(t, f.bodies[0], map[string]interface{}{
		"files": map[string]interface{}{"a.md": map[string]interface{}{"content": "new text"}},
	})

	g, err := c.Create(ctx, CreateOptions{}, "tok")
	ok(t, err)
	eq(t, g.ID, "new")
	eq(t, f.bodies[1], map[string]interface{}{
		"description": "",
		"public":      false,
		"files":       map[string]interface{}{DefaultFilename: map[string]interface{}{"content": DefaultContent}},
	})

	commits, err := c.Commits(ctx, "g1", "")
	ok(t, err)
	eq(t, len(commits), 1)
	eq(t, commits[0].User.Login, "octocat")
	eq(t, commits[0].ChangeStatus.Total, 2)

	list, err := c.List(ctx, "tok")
	ok(t, err)
	eq(t, list[0].ID, "g1")
}

type fakeProvider struct {
	Provider
	gist    *Gist
	err     error
	updates []string
}

func (p *fakeProvider) Fetch(ctx context.Context, id, token string) (*Gist, error) {
	return p.gist, p.err
}

func (p *fakeProvider) Update(ctx context.Context, id, filename, content, token string) (*Gist, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.updates = append(p.updates, filename+":"+content)
	return &Gist{ID: id}, nil
}

type fakeRoom struct {
	content room.Content
	seeds   int
}

func (r *fakeRoom) Seed(ctx context.Context, filename, content string) error {
	r.seeds++
	r.content.Filename = filename
	if r.content.Content == "" {
		r.content.Content = content
		r.content.LastCommittedContent = content
		r.content.CommitVersion = 1
	}
	return nil
}

func (r *fakeRoom) ReadContent(ctx context.Context) (room.Content, error) {
	return r.content, nil
}

func (r *fakeRoom) MarkCommitted(ctx context.Context, baseline string) error {
	r.content.LastCommittedContent = baseline
	r.content.CommitVersion++
	return nil
}

func TestOpenSeedsFirstFile(t *testing.T) {
	p := &fakeProvider{gist: &Gist{ID: "g1", Files: map[string]File{
		"z.md": {Filename: "z.md", Content: "zed"},
		"m.md": {Filename: "m.md", Content: "em"},
	}}}
	r := &fakeRoom{}
	g, err := Open(context.Background(), p, r, "g1", "")
	ok(t, err)
	eq(t, g.ID, "g1")
	eq(t, r.content, room.Content{Content: "em", Filename: "m.md", LastCommittedContent: "em", CommitVersion: 1})

	// an empty gist seeds nothing
	r = &fakeRoom{}
	_, err = Open(context.Background(), &fakeProvider{gist: &Gist{ID: "g2"}}, r, "g2", "")
	ok(t, err)
	eq(t, r.seeds, 0)

	p.err = &APIError{Status: http.StatusForbidden}
	_, err = Open(context.Background(), p, r, "g1", "")
	var apiErr *APIError
	eq(t, errors.As(err, &apiErr), true)
}

func TestCommit(t *testing.T) {
	ctx := context.Background()
	r := &fakeRoom{content: room.Content{Content: "v1", Filename: "a.md", LastCommittedContent: "v1", CommitVersion: 1}}
	p := &fakeProvider{}

	_, err := Commit(ctx, p, r, "g1", "tok")
	eq(t, errors.Is(err, ErrNothingToCommit), true)
	eq(t, len(p.updates), 0)

	r.content.Content = "v2"
	_, err = Commit(ctx, p, r, "g1", "tok")
	ok(t, err)
	eq(t, p.updates, []string{"a.md:v2"})
	eq(t, r.content.LastCommittedContent, "v2")
	eq(t, r.content.CommitVersion, int64(2))

	// a refused update leaves the baseline alone
	r.content.Content = "v3"
	p.err = &APIError{Status: http.StatusBadGateway}
	_, err = Commit(ctx, p, r, "g1", "tok")
	var apiErr *APIError
	eq(t, errors.As(err, &apiErr), true)
	eq(t, r.content.LastCommittedContent, "v2")
	eq(t, r.content.CommitVersion, int64(2))
}

func TestCommitWithoutFilename(t *testing.T) {
	r := &fakeRoom{content: room.Content{Content: "typed before open"}}
	_, err := Commit(context.Background(), &fakeProvider{}, r, "g1", "tok")
	eq(t, errors.Is(err, ErrNoFilename), true)
}

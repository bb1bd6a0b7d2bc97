// Package gist talks to the GitHub gists API and reconciles room content with it.
package gist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	DefaultBaseURL   = "https://api.github.com"
	DefaultUserAgent = "gist.mom"

	DefaultFilename = "untitled.md"
	DefaultContent  = "# New Gist\n"
)

type File struct {
	Filename  string `json:"filename"`
	Content   string `json:"content,omitempty"`
	Language  string `json:"language,omitempty"`
	Size      int    `json:"size,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

type fileContent struct {
	Content string `json:"content"`
}

type Owner struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type Gist struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Public      bool            `json:"public"`
	Owner       *Owner          `json:"owner"`
	Files       map[string]File `json:"files"`
	HTMLURL     string          `json:"html_url,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// FirstFile returns the file a room edits: the first by name, since the API returns files as an unordered map.
func (g *Gist) FirstFile() (File, bool) {
	if len(g.Files) == 0 {
		return File{}, false
	}
	names := make([]string, 0, len(g.Files))
	for name := range g.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	f := g.Files[names[0]]
	if f.Filename == "" {
		f.Filename = names[0]
	}
	return f, true
}

type ChangeStatus struct {
	Total     int `json:"total"`
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// Revision is one entry of a gist's history.
type Revision struct {
	Version      string       `json:"version"`
	User         *Owner       `json:"user"`
	CommittedAt  time.Time    `json:"committed_at"`
	ChangeStatus ChangeStatus `json:"change_status"`
}

type CreateOptions struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	Description string `json:"description"`
	Public      bool   `json:"public"`
}

// APIError is a non-2xx answer from GitHub.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("GitHub API %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("GitHub API %d", e.Status)
}

// Provider is the subset of the gists API the server uses. token may be empty for public reads.
type Provider interface {
	Fetch(ctx context.Context, id, token string) (*Gist, error)
	Update(ctx context.Context, id, filename, content, token string) (*Gist, error)
	Create(ctx context.Context, opts CreateOptions, token string) (*Gist, error)
	Commits(ctx context.Context, id, token string) ([]Revision, error)
	List(ctx context.Context, token string) ([]Gist, error)
}

// Client is a Provider backed by the GitHub REST API.
type Client struct {
	BaseURL   string
	UserAgent string
	HTTP      *http.Client
}

func NewClient(baseURL, userAgent string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Client{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		UserAgent: userAgent,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", c.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call GitHub: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := &APIError{Status: res.StatusCode}
		var msg struct {
			Message string `json:"message"`
		}
		if raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096)); json.Unmarshal(raw, &msg) == nil {
			apiErr.Message = msg.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) Fetch(ctx context.Context, id, token string) (*Gist, error) {
	var g Gist
	if err := c.do(ctx, http.MethodGet, "/gists/"+url.PathEscape(id), token, nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) Update(ctx context.Context, id, filename, content, token string) (*Gist, error) {
	body := map[string]interface{}{
		"files": map[string]fileContent{filename: {Content: content}},
	}
	var g Gist
	if err := c.do(ctx, http.MethodPatch, "/gists/"+url.PathEscape(id), token, body, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) Create(ctx context.Context, opts CreateOptions, token string) (*Gist, error) {
	if opts.Filename == "" {
		opts.Filename = DefaultFilename
	}
	if opts.Content == "" {
		opts.Content = DefaultContent
	}
	body := map[string]interface{}{
		"description": opts.Description,
		"public":      opts.Public,
		"files":       map[string]fileContent{opts.Filename: {Content: opts.Content}},
	}
	var g Gist
	if err := c.do(ctx, http.MethodPost, "/gists", token, body, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) Commits(ctx context.Context, id, token string) ([]Revision, error) {
	var out []Revision
	if err := c.do(ctx, http.MethodGet, "/gists/"+url.PathEscape(id)+"/commits", token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) List(ctx context.Context, token string) ([]Gist, error) {
	var out []Gist
	if err := c.do(ctx, http.MethodGet, "/gists", token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

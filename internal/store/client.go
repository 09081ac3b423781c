// Package store is the HTTP adapter for the CouchDB database that the sync
// client replicates the vault into. It exposes typed documents and degrades
// to empty results on transport failures so a flaky backend never takes the
// protocol layer down.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/starford/laguz/internal/apperr"
)

const requestTimeout = 30 * time.Second

// allDocsPageSize bounds one _all_docs page during the fallback scan.
const allDocsPageSize = 200

// findPageSize bounds one _find page during the structured query.
const findPageSize = 200

// Config holds the connection settings for one CouchDB database.
type Config struct {
	BaseURL  string
	Database string
	User     string
	Password string
}

// Params shape a listing query.
type Params struct {
	Limit  int
	Skip   int
	SortBy string // "mtime", "ctime", "size", or "path"
	Order  string // "asc" or "desc"
}

// Store is the read surface the vault layer consumes. Implemented by Client
// and by test fakes.
type Store interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, id string) (Document, bool)
	Query(ctx context.Context, p Params) []Document
	Find(ctx context.Context, selector map[string]any, limit int) ([]Document, error)
}

// Client talks to a single CouchDB database over HTTP basic auth. Create it
// with New and release the underlying connections with Close.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// New creates a Client with a fixed request timeout.
func New(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: requestTimeout},
		log:  log,
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) dbURL(parts ...string) string {
	u := c.cfg.BaseURL + "/" + url.PathEscape(c.cfg.Database)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	var rd *bytes.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, err
	}
	if c.cfg.User != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

// Ping probes connectivity: GET {base}/{db} must answer 200.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.dbURL(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", apperr.ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// Get fetches one document by id. Not-found and request failure are both
// reported as absent; callers cannot and must not distinguish them.
func (c *Client) Get(ctx context.Context, id string) (Document, bool) {
	resp, err := c.do(ctx, http.MethodGet, c.dbURL(url.PathEscape(id)), nil)
	if err != nil {
		return Document{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Document{}, false
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Document{}, false
	}
	return ParseDocument(raw)
}

// Query lists note documents. It prefers a structured _find query and falls
// back to an _all_docs scan with client-side filtering when _find errors or
// the backend does not support it. Both paths apply the same filters (type
// whitelist, not deleted, note-like path), so callers observe identical
// results regardless of which executed. Failures degrade to empty results.
func (c *Client) Query(ctx context.Context, p Params) []Document {
	p = normalizeParams(p)
	if docs, err := c.queryFind(ctx, p); err == nil {
		return docs
	} else {
		c.log.Debug("structured query failed, falling back to bulk scan",
			slog.String("error", err.Error()))
	}
	return c.queryAllDocs(ctx, p)
}

func normalizeParams(p Params) Params {
	switch p.SortBy {
	case "mtime", "ctime", "size", "path":
	default:
		p.SortBy = "mtime"
	}
	if p.Order != "asc" {
		p.Order = "desc"
	}
	if p.Limit <= 0 {
		p.Limit = 100
	}
	if p.Skip < 0 {
		p.Skip = 0
	}
	return p
}

// queryFind pages through the selector view. The Mango selector cannot
// express the note-like path filter, so skip/limit must not be pushed to the
// server: a selector-matching attachment inside the window would shift the
// page relative to the fallback. Pages are filtered client-side and skip and
// limit apply to the filtered view, same as queryAllDocs.
func (c *Client) queryFind(ctx context.Context, p Params) ([]Document, error) {
	selector := map[string]any{
		"type":    map[string]any{"$in": []string{TypeNote, TypeChunked, TypePlain}},
		"deleted": map[string]any{"$ne": true},
		p.SortBy:  map[string]any{"$exists": true},
	}
	sortSpec := []map[string]string{{p.SortBy: p.Order}}
	want := p.Skip + p.Limit

	var docs []Document
	for offset := 0; ; offset += findPageSize {
		rows, err := c.findPage(ctx, selector, sortSpec, findPageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, raw := range rows {
			d, ok := ParseDocument(raw)
			if !ok || d.IsDeleted() || !d.IsNoteKind() || !notePathLike(d.Path) {
				continue
			}
			docs = append(docs, d)
		}
		if len(docs) >= want || len(rows) < findPageSize {
			break
		}
	}

	if p.Skip >= len(docs) {
		return nil, nil
	}
	docs = docs[p.Skip:]
	if len(docs) > p.Limit {
		docs = docs[:p.Limit]
	}
	return docs, nil
}

func (c *Client) findPage(ctx context.Context, selector map[string]any, sortSpec []map[string]string, limit, skip int) ([]json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"selector": selector,
		"limit":    limit,
		"skip":     skip,
		"sort":     sortSpec,
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, c.dbURL("_find"), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("_find: status %d", resp.StatusCode)
	}
	var out struct {
		Docs []json.RawMessage `json:"docs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Docs, nil
}

func (c *Client) queryAllDocs(ctx context.Context, p Params) []Document {
	var docs []Document
	// The scan must over-fetch: skip/limit apply to the filtered, sorted
	// view, not to raw rows. Collect everything note-like, then slice.
	for offset := 0; ; offset += allDocsPageSize {
		rows, ok := c.allDocsPage(ctx, allDocsPageSize, offset)
		if !ok {
			return nil
		}
		for _, raw := range rows {
			d, parsed := ParseDocument(raw)
			if !parsed || d.IsDeleted() || !d.IsNoteKind() || !notePathLike(d.Path) {
				continue
			}
			docs = append(docs, d)
		}
		if len(rows) < allDocsPageSize {
			break
		}
	}

	sortDocuments(docs, p.SortBy, p.Order)
	if p.Skip >= len(docs) {
		return nil
	}
	docs = docs[p.Skip:]
	if len(docs) > p.Limit {
		docs = docs[:p.Limit]
	}
	return docs
}

func (c *Client) allDocsPage(ctx context.Context, limit, skip int) ([]json.RawMessage, bool) {
	q := url.Values{}
	q.Set("include_docs", "true")
	q.Set("limit", fmt.Sprint(limit))
	q.Set("skip", fmt.Sprint(skip))
	resp, err := c.do(ctx, http.MethodGet, c.dbURL("_all_docs")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	var out struct {
		Rows []struct {
			Doc json.RawMessage `json:"doc"`
		} `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false
	}
	rows := make([]json.RawMessage, 0, len(out.Rows))
	for _, r := range out.Rows {
		if len(r.Doc) > 0 {
			rows = append(rows, r.Doc)
		}
	}
	return rows, true
}

func sortDocuments(docs []Document, sortBy, order string) {
	less := func(a, b Document) bool {
		switch sortBy {
		case "ctime":
			return a.Ctime < b.Ctime
		case "size":
			return a.Size < b.Size
		case "path":
			return a.Path < b.Path
		default:
			return a.Mtime < b.Mtime
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if order == "asc" {
			return less(docs[i], docs[j])
		}
		return less(docs[j], docs[i])
	})
}

// Find runs a raw _find with the caller's selector. Unlike Query it returns
// the error so the search engine can decide to fall back to client-side
// scanning.
func (c *Client) Find(ctx context.Context, selector map[string]any, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 100
	}
	body, err := json.Marshal(map[string]any{
		"selector": selector,
		"limit":    limit,
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, c.dbURL("_find"), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: _find status %d", apperr.ErrUnavailable, resp.StatusCode)
	}
	var out struct {
		Docs []json.RawMessage `json:"docs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUnavailable, err)
	}
	docs := make([]Document, 0, len(out.Docs))
	for _, raw := range out.Docs {
		if d, ok := ParseDocument(raw); ok && !d.IsDeleted() {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

// Package vault turns raw CouchDB documents into readable notes: it
// resolves logical paths to documents, reassembles chunked content,
// decrypts what a configured passphrase can unlock, and substitutes
// bracketed sentinel strings for anything it cannot — so a partially
// encrypted or partially corrupt vault stays browsable.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/starford/laguz/internal/crypto"
	"github.com/starford/laguz/internal/parser"
	"github.com/starford/laguz/internal/store"
)

// Defaults for the bounded scans. Both are empirically sized and tunable
// through Config.
const (
	DefaultResolveScanCap = 500
	DefaultSearchScanCap  = 5000
)

// Config tunes the vault service.
type Config struct {
	Passphrase      string
	PathObfuscation bool
	ResolveScanCap  int
	SearchScanCap   int
}

// Note is the read-only projection handed to the protocol layer. It is
// built per request and never cached.
type Note struct {
	Path        string         `json:"path"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	CreatedAt   int64          `json:"created_at"`
	ModifiedAt  int64          `json:"modified_at"`
	Size        int64          `json:"size"`
	Tags        []string       `json:"tags"`
	Aliases     []string       `json:"aliases"`
	Frontmatter map[string]any `json:"frontmatter,omitempty"`
}

// Service coordinates the store adapter, cipher engine, and note parsing.
type Service struct {
	store store.Store
	cfg   Config
	log   *slog.Logger
}

// NewService creates a vault service.
func NewService(st store.Store, cfg Config, log *slog.Logger) *Service {
	if cfg.ResolveScanCap <= 0 {
		cfg.ResolveScanCap = DefaultResolveScanCap
	}
	if cfg.SearchScanCap <= 0 {
		cfg.SearchScanCap = DefaultSearchScanCap
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, cfg: cfg, log: log}
}

// Ping probes the underlying store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// sentinel builds the bracketed placeholder embedded at the point of a
// failure. Sentinels are note content, not protocol errors.
func sentinel(kind, detail string) string {
	if detail == "" {
		return "[" + kind + "]"
	}
	return "[" + kind + ": " + detail + "]"
}

// Content returns the reconstructed content for a logical path. It never
// fails: unresolvable paths yield ok=false, and every internal failure
// inside a resolved document degrades to an inline sentinel.
func (s *Service) Content(ctx context.Context, path string) (string, bool) {
	doc, ok := s.resolve(ctx, path)
	if !ok {
		return "", false
	}
	return s.contentOf(ctx, doc), true
}

// resolve finds the document for a logical path. Strategies in order:
// direct id lookup, lowercased id lookup, then a most-recent-first scan of
// up to ResolveScanCap documents comparing (decrypted) paths. First exact
// match wins; scan order breaks ties by recency.
func (s *Service) resolve(ctx context.Context, path string) (store.Document, bool) {
	if !s.cfg.PathObfuscation {
		if doc, ok := s.store.Get(ctx, path); ok && doc.IsNoteKind() && !doc.IsDeleted() {
			return doc, true
		}
		if lower := strings.ToLower(path); lower != path {
			if doc, ok := s.store.Get(ctx, lower); ok && doc.IsNoteKind() && !doc.IsDeleted() {
				return doc, true
			}
		}
	}

	scanned := 0
	for scanned < s.cfg.ResolveScanCap {
		batch := s.cfg.ResolveScanCap - scanned
		if batch > 100 {
			batch = 100
		}
		docs := s.store.Query(ctx, store.Params{Limit: batch, Skip: scanned, SortBy: "mtime", Order: "desc"})
		if len(docs) == 0 {
			break
		}
		for _, doc := range docs {
			if s.logicalPath(doc) == path {
				return doc, true
			}
		}
		scanned += len(docs)
		if len(docs) < batch {
			break
		}
	}
	return store.Document{}, false
}

// logicalPath returns the plaintext path of a document, decrypting it when
// obfuscation is configured and the stored form looks obfuscated. An
// undecryptable path resolves to "".
func (s *Service) logicalPath(doc store.Document) string {
	if s.cfg.PathObfuscation && crypto.IsProbablyObfuscated(doc.Path) {
		if s.cfg.Passphrase == "" {
			return ""
		}
		p, err := crypto.DecryptPath(doc.Path, s.cfg.Passphrase)
		if err != nil {
			return ""
		}
		return p
	}
	return doc.Path
}

// contentOf produces the full content string for a resolved document.
func (s *Service) contentOf(ctx context.Context, doc store.Document) string {
	if doc.IsChunked() {
		return s.reassemble(ctx, doc)
	}
	return s.decodeContent(doc.Data)
}

// decodeContent applies the cipher engine to directly embedded content.
// Plaintext that does not look encrypted always passes through raw.
func (s *Service) decodeContent(raw string) string {
	if s.cfg.Passphrase != "" {
		if plain, ok := crypto.TryDecrypt(raw, s.cfg.Passphrase); ok {
			return plain
		}
		if crypto.LooksEncrypted(raw) {
			return sentinel("DECRYPTION FAILED", "content could not be decrypted with the configured passphrase")
		}
		return raw
	}
	if crypto.LooksEncrypted(raw) {
		return sentinel("ENCRYPTED CONTENT", "no passphrase configured")
	}
	return raw
}

// reassemble concatenates chunk contents in children order. A missing or
// malformed chunk degrades to an inline sentinel for that one chunk only.
func (s *Service) reassemble(ctx context.Context, doc store.Document) string {
	var b strings.Builder
	for _, id := range doc.Children {
		chunk, ok := s.store.Get(ctx, id)
		if !ok || chunk.Type != store.TypeLeaf {
			b.WriteString(sentinel("MISSING CHUNK", id))
			continue
		}
		b.WriteString(s.chunkContent(chunk))
	}
	out := b.String()
	if out == "" && len(doc.Children) > 0 {
		// Chunks existed but produced nothing readable; treat as encrypted.
		return sentinel("ENCRYPTED CONTENT", "no readable chunks")
	}
	return out
}

// chunkContent decodes a single leaf document. Eden envelopes take the
// widened-key path; everything else goes through the standard chain.
func (s *Service) chunkContent(chunk store.Document) string {
	if crypto.HasEdenEnvelope(chunk.Eden) {
		if s.cfg.Passphrase == "" {
			return sentinel("ENCRYPTED CONTENT", "no passphrase configured")
		}
		eden, err := crypto.DecryptEden(chunk.Eden, s.cfg.Passphrase)
		if err != nil {
			return sentinel("DECRYPTION FAILED", fmt.Sprintf("chunk %s", chunk.ID))
		}
		// The decrypted payload carries the chunk text under "data".
		if raw, ok := eden["data"]; ok {
			var data string
			if err := json.Unmarshal(raw, &data); err == nil {
				return data
			}
		}
		return sentinel("DECRYPTION FAILED", fmt.Sprintf("chunk %s", chunk.ID))
	}
	return s.decodeContent(chunk.Data)
}

// Process builds a Note from a document: content via the reconstructor,
// metadata via the parser. Absent only when the document has no resolvable
// path.
func (s *Service) Process(ctx context.Context, doc store.Document) (*Note, bool) {
	path := s.logicalPath(doc)
	if path == "" {
		return nil, false
	}
	content := s.contentOf(ctx, doc)
	res := parser.Parse(content, path)
	return &Note{
		Path:        path,
		Title:       res.Title,
		Content:     content,
		CreatedAt:   doc.Ctime,
		ModifiedAt:  doc.Mtime,
		Size:        doc.Size,
		Tags:        nonNil(res.Tags),
		Aliases:     nonNil(res.Aliases),
		Frontmatter: res.Frontmatter,
	}, true
}

// List returns non-deleted, note-like documents in the requested order.
func (s *Service) List(ctx context.Context, limit, skip int, sortBy, order string) []store.Document {
	return s.store.Query(ctx, store.Params{Limit: limit, Skip: skip, SortBy: sortBy, Order: order})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

package store

import (
	"encoding/json"
	"path"
	"strings"
)

// Document type tags as written by the sync client.
const (
	TypeNote    = "notes"   // content embedded in Data
	TypeChunked = "newnote" // content assembled from Children
	TypePlain   = "plain"   // chunked, possibly encrypted; same handling as newnote
	TypeLeaf    = "leaf"    // one chunk of a chunked document
)

// Document is one CouchDB document of the replicated vault. The union is
// discriminated by Type; fields not used by a given kind stay zero.
type Document struct {
	ID       string                     `json:"_id"`
	Rev      string                     `json:"_rev,omitempty"`
	Type     string                     `json:"type"`
	Path     string                     `json:"path,omitempty"`
	Data     string                     `json:"data,omitempty"`
	Children []string                   `json:"children,omitempty"`
	Ctime    int64                      `json:"ctime,omitempty"`
	Mtime    int64                      `json:"mtime,omitempty"`
	Size     int64                      `json:"size,omitempty"`
	Deleted  bool                       `json:"deleted,omitempty"`
	Removed  bool                       `json:"_deleted,omitempty"`
	Eden     map[string]json.RawMessage `json:"eden,omitempty"`
}

// IsDeleted covers both the sync client's soft flag and CouchDB's own
// tombstone marker.
func (d *Document) IsDeleted() bool {
	return d.Deleted || d.Removed
}

// IsNoteKind reports whether the document carries note content, directly or
// via chunks.
func (d *Document) IsNoteKind() bool {
	switch d.Type {
	case TypeNote, TypeChunked, TypePlain:
		return true
	}
	return false
}

// IsChunked reports whether content must be assembled from Children.
func (d *Document) IsChunked() bool {
	return d.Type == TypeChunked || d.Type == TypePlain
}

// ParseDocument decodes raw JSON into a Document, dispatching on the type
// tag. Unknown tags and structurally invalid documents return ok=false so
// future document kinds are skipped rather than crashing listings.
func ParseDocument(raw json.RawMessage) (Document, bool) {
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return Document{}, false
	}
	switch d.Type {
	case TypeNote:
		if d.ID == "" || d.Path == "" {
			return Document{}, false
		}
	case TypeChunked, TypePlain:
		if d.ID == "" || d.Path == "" || d.Children == nil {
			return Document{}, false
		}
	case TypeLeaf:
		if d.ID == "" {
			return Document{}, false
		}
	default:
		return Document{}, false
	}
	return d, true
}

// notePathLike reports whether a stored path belongs to a markdown-note-like
// file: extension .md, or no extension at all (extensionless note files).
// Obfuscated paths (prefix % or [) pass, since their stored form hides the
// real extension.
func notePathLike(p string) bool {
	if strings.HasPrefix(p, "%") || strings.HasPrefix(p, "[") {
		return true
	}
	ext := path.Ext(p)
	return ext == "" || strings.EqualFold(ext, ".md")
}

package mcpserver

import (
	"net/url"
	"strings"
)

// uriScheme is the custom scheme notes are exposed under:
// obsidian://{vault-id}/{percent-encoded path}.
const uriScheme = "obsidian"

// URICodec round-trips note paths through the exposed URI scheme
// byte-for-byte.
type URICodec struct {
	vaultID string
}

// NewURICodec creates a codec for one vault.
func NewURICodec(vaultID string) URICodec {
	if vaultID == "" {
		vaultID = "default"
	}
	return URICodec{vaultID: vaultID}
}

// Encode builds the URI for a note path.
func (c URICodec) Encode(path string) string {
	return uriScheme + "://" + c.vaultID + "/" + url.PathEscape(path)
}

// Decode extracts the note path from a URI. ok is false for foreign
// schemes, a different vault id, or broken percent-encoding.
func (c URICodec) Decode(uri string) (string, bool) {
	prefix := uriScheme + "://" + c.vaultID + "/"
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	path, err := url.PathUnescape(strings.TrimPrefix(uri, prefix))
	if err != nil || path == "" {
		return "", false
	}
	return path, true
}

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/laguz/internal/vault"
)

const (
	// maxInlineContent caps the content embedded in find_notes results;
	// full content is available via resources/read.
	maxInlineContent = 3000

	// autoContentThreshold: result sets this small get content inlined even
	// without include_content.
	autoContentThreshold = 3

	defaultFindLimit      = 10
	maxFindLimit          = 50
	defaultSummaryWords   = 300
	truncationNoticeRead  = "\n\n[Content truncated - use resources/read for full content]"
	truncationNoticeWords = "\n\n[Truncated to %d words]"
)

// notFoundError marks tool failures that should surface as the
// resource-not-found protocol code.
type notFoundError struct {
	uri string
}

func (e *notFoundError) Error() string {
	return "resource not found: " + e.uri
}

// toolCatalog is the static tool set advertised by tools/list.
func toolCatalog() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool("ping",
			mcp.WithDescription("Ping the server to check if it's alive."),
		),
		mcp.NewTool("find_notes",
			mcp.WithDescription("Search and browse vault notes. With a query, results are "+
				"relevance-ranked; without one, notes are listed by the chosen sort order. "+
				"Supports date filtering, pagination, and count/exists-only modes."),
			mcp.WithString("query", mcp.Description("Search query (empty to browse)")),
			mcp.WithNumber("since_days", mcp.Description("Only notes modified within this many days")),
			mcp.WithNumber("limit", mcp.Description("Maximum results, 1-50 (default 10)")),
			mcp.WithNumber("offset", mcp.Description("Results to skip for pagination")),
			mcp.WithString("sort_by", mcp.Description("Browse sort field: mtime, ctime, size, path (default mtime)")),
			mcp.WithString("sort_order", mcp.Description("asc or desc (default desc)")),
			mcp.WithBoolean("include_content", mcp.Description("Embed note content in results")),
			mcp.WithBoolean("count_only", mcp.Description("Return only the match count")),
			mcp.WithBoolean("exists_only", mcp.Description("Return only whether any note matches")),
		),
		mcp.NewTool("summarise_note",
			mcp.WithDescription("Return a note's content truncated to a word budget."),
			mcp.WithString("uri", mcp.Required(), mcp.Description("Note URI from find_notes or resources/list")),
			mcp.WithNumber("max_words", mcp.Description("Word budget (default 300)")),
		),
	}
}

// Loosely typed argument access: tools/call arguments arrive as a JSON
// object and numbers decode as float64.

func argString(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

type findNotesItem struct {
	URI     string   `json:"uri"`
	Title   string   `json:"title"`
	Path    string   `json:"path"`
	Mtime   int64    `json:"mtime"`
	Ctime   int64    `json:"ctime"`
	Tags    []string `json:"tags"`
	Content string   `json:"content,omitempty"`
}

// findNotes is the combined search/browse tool.
func (s *Server) findNotes(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	query := strings.TrimSpace(argString(args, "query", ""))
	sinceDays := argInt(args, "since_days", 0)
	limit := argInt(args, "limit", defaultFindLimit)
	if limit > maxFindLimit {
		limit = maxFindLimit
	}
	if limit < 1 {
		limit = defaultFindLimit
	}
	offset := argInt(args, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	sortBy := argString(args, "sort_by", "mtime")
	sortOrder := argString(args, "sort_order", "desc")

	if argBool(args, "count_only") {
		count := s.vault.Count(ctx, query, sinceDays)
		return jsonToolResult(map[string]any{"match_count": count})
	}

	var notes []*vault.Note
	if query != "" {
		// Over-fetch so the date filter and offset still leave a full page.
		scored := s.vault.Search(ctx, query, offset+limit*2)
		for _, sn := range scored {
			notes = append(notes, sn.Note)
		}
		notes = filterSince(notes, sinceDays)
		if offset < len(notes) {
			notes = notes[offset:]
		} else {
			notes = nil
		}
		if len(notes) > limit {
			notes = notes[:limit]
		}
	} else {
		docs := s.vault.List(ctx, limit*2, offset, sortBy, sortOrder)
		for _, doc := range docs {
			if note, ok := s.vault.Process(ctx, doc); ok {
				notes = append(notes, note)
			}
		}
		notes = filterSince(notes, sinceDays)
		if len(notes) > limit {
			notes = notes[:limit]
		}
	}

	if argBool(args, "exists_only") {
		return jsonToolResult(map[string]any{
			"exists":      len(notes) > 0,
			"match_count": len(notes),
		})
	}

	includeContent := argBool(args, "include_content") || len(notes) <= autoContentThreshold

	items := make([]findNotesItem, 0, len(notes))
	for _, n := range notes {
		item := findNotesItem{
			URI:   s.uri.Encode(n.Path),
			Title: n.Title,
			Path:  n.Path,
			Mtime: n.ModifiedAt,
			Ctime: n.CreatedAt,
			Tags:  n.Tags,
		}
		if includeContent && n.Content != "" {
			content := n.Content
			if len(content) > maxInlineContent {
				// Back up to a rune boundary so the cut never emits
				// invalid UTF-8.
				cut := maxInlineContent
				for cut > 0 && !utf8.RuneStart(content[cut]) {
					cut--
				}
				content = content[:cut] + truncationNoticeRead
			}
			item.Content = content
		}
		items = append(items, item)
	}
	return jsonToolResult(items)
}

func filterSince(notes []*vault.Note, sinceDays int) []*vault.Note {
	if sinceDays <= 0 {
		return notes
	}
	threshold := time.Now().UnixMilli() - int64(sinceDays)*24*time.Hour.Milliseconds()
	out := notes[:0]
	for _, n := range notes {
		if n.ModifiedAt >= threshold {
			out = append(out, n)
		}
	}
	return out
}

// summariseNote returns a note's content truncated to a word budget.
func (s *Server) summariseNote(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	uri := argString(args, "uri", "")
	if uri == "" {
		return mcp.NewToolResultError("'uri' is required"), nil
	}
	maxWords := argInt(args, "max_words", defaultSummaryWords)
	if maxWords < 1 {
		maxWords = defaultSummaryWords
	}

	path, ok := s.uri.Decode(uri)
	if !ok {
		return mcp.NewToolResultError("invalid note URI: " + uri), nil
	}
	content, ok := s.vault.Content(ctx, path)
	if !ok {
		return nil, &notFoundError{uri: uri}
	}

	words := strings.Fields(content)
	if len(words) > maxWords {
		content = strings.Join(words[:maxWords], " ") + fmt.Sprintf(truncationNoticeWords, maxWords)
	}
	return mcp.NewToolResultText(content), nil
}

func jsonToolResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(out)), nil
}

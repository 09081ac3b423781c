// Package parser extracts frontmatter, title, tags, and aliases from note
// content.
package parser

import (
	"path"
	"regexp"
	"strings"

	"github.com/adrg/frontmatter"
)

var (
	tagRe        = regexp.MustCompile(`#([A-Za-z0-9_/-]+)`)
	tagSplitRe   = regexp.MustCompile(`[,\s]+`)
	aliasSplitRe = regexp.MustCompile(`\s*,\s*`)
)

// Result holds the output of parsing a note.
type Result struct {
	Frontmatter map[string]any
	Body        string
	Title       string
	Tags        []string
	Aliases     []string
}

// Parse splits the leading frontmatter block from body and derives metadata.
// notePath supplies the filename fallback for the title. Malformed
// frontmatter is not an error: the whole content becomes the body.
func Parse(content, notePath string) *Result {
	fm := map[string]any{}
	rest, err := frontmatter.Parse(strings.NewReader(content), &fm)
	body := content
	if err != nil {
		fm = nil
	} else {
		body = string(rest)
		if len(fm) == 0 {
			fm = nil
		}
	}

	return &Result{
		Frontmatter: fm,
		Body:        body,
		Title:       deriveTitle(body, notePath),
		Tags:        extractTags(body, fm),
		Aliases:     extractAliases(fm),
	}
}

// deriveTitle returns the first H1 heading in the body, else the filename
// with any .md suffix stripped.
func deriveTitle(body, notePath string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	name := path.Base(notePath)
	return strings.TrimSuffix(name, ".md")
}

// extractTags collects hashtags from the body (outside fenced code blocks)
// and merges the frontmatter tags field, which may be a sequence or a
// comma/whitespace-delimited string. Duplicates are removed.
func extractTags(body string, fm map[string]any) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(tag string) {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return
		}
		if _, dup := seen[tag]; dup {
			return
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}

	inFence := false
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		for _, m := range tagRe.FindAllStringSubmatch(line, -1) {
			add(m[1])
		}
	}

	for _, t := range stringList(fm, "tags", tagSplitRe) {
		add(t)
	}
	return out
}

// extractAliases returns the frontmatter aliases in declared order, from a
// sequence or a comma-delimited string.
func extractAliases(fm map[string]any) []string {
	return stringList(fm, "aliases", aliasSplitRe)
}

func stringList(fm map[string]any, key string, split *regexp.Regexp) []string {
	if fm == nil {
		return nil
	}
	raw, ok := fm[key]
	if !ok {
		return nil
	}
	var out []string
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range split.Split(strings.TrimSpace(v), -1) {
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

package parser

import (
	"reflect"
	"testing"
)

func TestParseFrontmatter(t *testing.T) {
	content := `---
title: ignored
tags: [work, ideas]
aliases: [WI, Work Ideas]
---
# Weekly Ideas

Body text here.
`
	r := Parse(content, "notes/weekly.md")
	if r.Frontmatter == nil {
		t.Fatal("frontmatter not parsed")
	}
	if r.Title != "Weekly Ideas" {
		t.Errorf("title = %q, want %q", r.Title, "Weekly Ideas")
	}
	if !reflect.DeepEqual(r.Tags, []string{"work", "ideas"}) {
		t.Errorf("tags = %v", r.Tags)
	}
	if !reflect.DeepEqual(r.Aliases, []string{"WI", "Work Ideas"}) {
		t.Errorf("aliases = %v", r.Aliases)
	}
	if r.Body == content {
		t.Error("frontmatter block not stripped from body")
	}
}

func TestParseNoFrontmatter(t *testing.T) {
	r := Parse("Just a body.\n", "plain.md")
	if r.Frontmatter != nil {
		t.Errorf("frontmatter = %v, want nil", r.Frontmatter)
	}
	if r.Body != "Just a body.\n" {
		t.Errorf("body = %q", r.Body)
	}
	if r.Title != "plain" {
		t.Errorf("title = %q, want filename fallback", r.Title)
	}
}

func TestParseMalformedFrontmatter(t *testing.T) {
	content := "---\n: : not yaml [\n---\nBody survives.\n"
	r := Parse(content, "x.md")
	if r.Frontmatter != nil {
		t.Errorf("frontmatter = %v, want nil", r.Frontmatter)
	}
	if r.Body != content {
		t.Errorf("malformed frontmatter must leave the full content as body, got %q", r.Body)
	}
}

func TestDeriveTitle(t *testing.T) {
	cases := []struct {
		name string
		body string
		path string
		want string
	}{
		{"h1 wins", "intro\n# Real Title\ntext", "other.md", "Real Title"},
		{"indented h1", "  # Padded\n", "x.md", "Padded"},
		{"h2 ignored", "## Subsection\n", "notes/fallback.md", "fallback"},
		{"extensionless", "", "daily/2026-08-29", "2026-08-29"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := deriveTitle(tc.body, tc.path); got != tc.want {
				t.Errorf("title = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExtractTags(t *testing.T) {
	body := "Working on #project/alpha and #urgent.\n" +
		"```\n# not-a-heading and #not-a-tag\n```\n" +
		"Again #urgent\n"
	fm := map[string]any{"tags": "meta, fm-tag"}

	got := extractTags(body, fm)
	want := []string{"project/alpha", "urgent", "meta", "fm-tag"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("tags = %v, want %v", got, want)
	}
}

func TestExtractTagsFrontmatterSequence(t *testing.T) {
	got := extractTags("", map[string]any{"tags": []any{"a", " b ", ""}})
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("tags = %v", got)
	}
}

func TestExtractAliasesString(t *testing.T) {
	got := extractAliases(map[string]any{"aliases": "One, Two Words ,Three"})
	want := []string{"One", "Two Words", "Three"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("aliases = %v, want %v", got, want)
	}
}

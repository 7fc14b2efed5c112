package parser

import (
	"testing"
	"time"
)

func TestParseHeader_Basic(t *testing.T) {
	content := `---
title: Grocery idea
tags:
  - errands
  - Home
captured: 2026-03-04 08:15
mood: good
---
Buy more coffee.
`

	h, body := ParseHeader(content)

	if h.Title != "Grocery idea" {
		t.Errorf("expected title 'Grocery idea', got %q", h.Title)
	}
	if len(h.Tags) != 2 || h.Tags[0] != "errands" || h.Tags[1] != "Home" {
		t.Errorf("expected tags [errands Home], got %v", h.Tags)
	}
	want := time.Date(2026, 3, 4, 8, 15, 0, 0, time.UTC)
	if !h.Captured.Equal(want) {
		t.Errorf("expected captured %v, got %v", want, h.Captured)
	}
	if h.Extra["mood"] != "good" {
		t.Errorf("expected extra mood=good, got %v", h.Extra)
	}
	if _, ok := h.Extra["title"]; ok {
		t.Error("known fields should not be in Extra")
	}
	if body != "Buy more coffee.\n" {
		t.Errorf("unexpected body %q", body)
	}
}

func TestParseHeader_None(t *testing.T) {
	content := "Just a thought."

	h, body := ParseHeader(content)
	if h.Title != "" || len(h.Tags) != 0 {
		t.Errorf("expected empty header, got %+v", h)
	}
	if body != content {
		t.Errorf("expected body unchanged, got %q", body)
	}
}

func TestParseHeader_InvalidYAML(t *testing.T) {
	content := "---\ntitle: [unterminated\n---\nbody"

	_, body := ParseHeader(content)
	if body != content {
		t.Errorf("invalid header should leave content intact, got %q", body)
	}
}

func TestParseHeader_TagsAsString(t *testing.T) {
	tests := []struct {
		name string
		tags string
		want []string
	}{
		{"single", "tags: work", []string{"work"}},
		{"comma separated", "tags: work, ideas", []string{"work", "ideas"}},
		{"empty", `tags: ""`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := ParseHeader("---\n" + tt.tags + "\n---\n")
			if len(h.Tags) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, h.Tags)
			}
			for i := range tt.want {
				if h.Tags[i] != tt.want[i] {
					t.Errorf("tag %d: expected %q, got %q", i, tt.want[i], h.Tags[i])
				}
			}
		})
	}
}

func TestParseHeader_UnreadableDate(t *testing.T) {
	h, _ := ParseHeader("---\ncaptured: last tuesday\n---\n")
	if !h.Captured.IsZero() {
		t.Errorf("expected zero time, got %v", h.Captured)
	}
}

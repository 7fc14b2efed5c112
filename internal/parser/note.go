package parser

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const maxTitleLen = 80

var (
	// inlineTagRegex matches #tag but not #123 or HTML entities
	inlineTagRegex = regexp.MustCompile(`(?:^|[^&\w])#([a-zA-Z][a-zA-Z0-9_/-]*)`)

	codeBlockRegex  = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRegex = regexp.MustCompile("`[^`]+`")
)

// ErrNotText is returned for content that is not valid UTF-8
var ErrNotText = errors.New("content is not valid UTF-8 text")

// Note is a parsed text capture
type Note struct {
	Title    string
	Body     string
	Tags     []string
	Captured time.Time
	Extra    map[string]any
}

// ParseNote parses a text capture. The title falls back to the first
// non-empty body line, then to the file name.
func ParseNote(content []byte, name string) (*Note, error) {
	if !utf8.Valid(content) {
		return nil, ErrNotText
	}

	header, body := ParseHeader(string(content))
	body = strings.TrimSpace(body)

	note := &Note{
		Title:    header.Title,
		Body:     body,
		Tags:     MergeTags(header.Tags, InlineTags(body)),
		Captured: header.Captured,
		Extra:    header.Extra,
	}
	if note.Title == "" {
		note.Title = firstLine(body)
	}
	if note.Title == "" {
		base := filepath.Base(name)
		note.Title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return note, nil
}

func firstLine(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxTitleLen {
			line = string([]rune(line)[:maxTitleLen])
		}
		return line
	}
	return ""
}

// InlineTags finds #tags in content outside of code
func InlineTags(content string) []string {
	clean := codeBlockRegex.ReplaceAllString(content, "")
	clean = inlineCodeRegex.ReplaceAllString(clean, "")

	var tags []string
	for _, match := range inlineTagRegex.FindAllStringSubmatch(clean, -1) {
		tags = append(tags, match[1])
	}
	return MergeTags(tags)
}

// MergeTags lowercases and deduplicates tags, keeping first-seen order
func MergeTags(groups ...[]string) []string {
	seen := make(map[string]bool)
	var merged []string

	for _, group := range groups {
		for _, tag := range group {
			tag = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(tag, "#")))
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			merged = append(merged, tag)
		}
	}
	return merged
}

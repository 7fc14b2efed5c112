package parser

import (
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// frontmatterRegex matches a YAML header between --- delimiters
	frontmatterRegex = regexp.MustCompile(`(?s)^---\r?\n(.+?)\r?\n---\r?\n?`)

	// Date layouts accepted in the captured field
	dateFormats = []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
	}
)

// Header is the optional YAML block at the top of a text capture
type Header struct {
	Title    string
	Tags     []string
	Captured time.Time
	Extra    map[string]any
}

type rawHeader struct {
	Title    string     `yaml:"title"`
	Tags     any        `yaml:"tags"` // string or list
	Captured capturedAt `yaml:"captured"`
}

// capturedAt accepts several date layouts and ignores the ones it can't read
type capturedAt struct {
	time.Time
}

func (c *capturedAt) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err != nil {
		return nil
	}

	str = strings.TrimSpace(str)
	for _, format := range dateFormats {
		if t, err := time.Parse(format, str); err == nil {
			c.Time = t
			return nil
		}
	}
	return nil
}

// ParseHeader splits content into its header and body. Content without a
// header, or with one that is not valid YAML, is returned unchanged as body.
func ParseHeader(content string) (*Header, string) {
	h := &Header{Extra: make(map[string]any)}

	match := frontmatterRegex.FindStringSubmatch(content)
	if match == nil {
		return h, content
	}

	var raw rawHeader
	if err := yaml.Unmarshal([]byte(match[1]), &raw); err != nil {
		return h, content
	}

	h.Title = strings.TrimSpace(raw.Title)
	h.Tags = toStrings(raw.Tags)
	h.Captured = raw.Captured.Time

	var all map[string]any
	if err := yaml.Unmarshal([]byte(match[1]), &all); err == nil {
		for k, v := range all {
			switch k {
			case "title", "tags", "captured":
			default:
				h.Extra[k] = v
			}
		}
	}

	return h, content[len(match[0]):]
}

func toStrings(v any) []string {
	switch val := v.(type) {
	case string:
		var out []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

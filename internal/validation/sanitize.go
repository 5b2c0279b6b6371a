package validation

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/deka641/vellum-sub001/internal/blocks"
)

var (
	richPolicy  = newRichPolicy()
	// Plain text fields are stored HTML-escaped; renderers emit them as is.
	plainPolicy = bluemonday.StrictPolicy()

	allowedSchemes = map[string]bool{
		"http":   true,
		"https":  true,
		"mailto": true,
		"tel":    true,
	}

	richKeys = map[string]bool{"html": true}
	urlKeys  = map[string]bool{"src": true, "href": true, "url": true, "action": true}
)

func newRichPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "span", "strong", "b", "em", "i", "u", "s", "sub", "sup",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li", "blockquote", "code", "pre", "hr", "a",
	)
	p.AllowURLSchemes("http", "https", "mailto", "tel")
	p.AllowRelativeURLs(true)
	p.RequireParseableURLs(true)
	p.AllowAttrs("href", "title").OnElements("a")
	p.AllowAttrs("target").Matching(regexp.MustCompile(`^_(blank|self)$`)).OnElements("a")
	return p
}

// Sanitize returns a copy of list with every textual content field passed
// through an allow-list. Ids, parents, sort order and settings are untouched.
// Sanitizing already-sanitized content is a no-op.
func Sanitize(list []blocks.Block) []blocks.Block {
	out := blocks.CloneAll(list)
	for i := range out {
		if out[i].Content == nil {
			continue
		}
		for key, value := range out[i].Content {
			if out[i].Type == blocks.TypeCode && (key == "code" || key == "language") {
				continue
			}
			out[i].Content[key] = sanitizeValue(key, value)
		}
	}
	return out
}

func sanitizeValue(key string, value any) any {
	switch v := value.(type) {
	case string:
		switch {
		case richKeys[key]:
			return richPolicy.Sanitize(v)
		case urlKeys[key]:
			return SafeURL(v)
		default:
			return plainPolicy.Sanitize(v)
		}
	case []string:
		for i := range v {
			v[i] = sanitizeValue(key, v[i]).(string)
		}
		return v
	case []any:
		for i := range v {
			v[i] = sanitizeValue(key, v[i])
		}
		return v
	case map[string]any:
		for k := range v {
			v[k] = sanitizeValue(k, v[k])
		}
		return v
	default:
		return value
	}
}

// SafeURL returns raw (trimmed) when it is relative or uses an allowed
// scheme, and "" otherwise.
func SafeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return ""
	}
	if u.Scheme == "" {
		if strings.HasPrefix(trimmed, "//") || strings.ContainsAny(trimmed, "<>\"") {
			return ""
		}
		return trimmed
	}
	if !allowedSchemes[strings.ToLower(u.Scheme)] {
		return ""
	}
	return trimmed
}

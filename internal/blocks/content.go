package blocks

import (
	"encoding/json"
	"fmt"
)

const (
	DefaultColumns = 2
	MaxColumns     = 6
)

type HeadingContent struct {
	Text  string `json:"text"`
	Level int    `json:"level"`
}

type TextContent struct {
	HTML string `json:"html"`
}

type ImageContent struct {
	Src     string `json:"src"`
	Alt     string `json:"alt"`
	Caption string `json:"caption,omitempty"`
}

type ButtonContent struct {
	Text    string `json:"text"`
	Href    string `json:"href"`
	Variant string `json:"variant,omitempty"`
}

type SpacerContent struct {
	Height int `json:"height"`
}

type DividerContent struct{}

type ColumnsContent struct {
	Columns int `json:"columns"`
}

type VideoContent struct {
	URL string `json:"url"`
}

type QuoteContent struct {
	Text string `json:"text"`
	Cite string `json:"cite,omitempty"`
}

type ListContent struct {
	Items   []string `json:"items"`
	Ordered bool     `json:"ordered"`
}

type CodeContent struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

type EmbedContent struct {
	URL string `json:"url"`
}

type GalleryImage struct {
	Src string `json:"src"`
	Alt string `json:"alt"`
}

type GalleryContent struct {
	Images []GalleryImage `json:"images"`
}

type FormContent struct {
	Action      string `json:"action"`
	SubmitLabel string `json:"submitLabel"`
}

// Decode converts the boundary map of b into the typed payload for its type.
func Decode(b Block) (any, error) {
	var target any
	switch b.Type {
	case TypeHeading:
		target = &HeadingContent{}
	case TypeText:
		target = &TextContent{}
	case TypeImage:
		target = &ImageContent{}
	case TypeButton:
		target = &ButtonContent{}
	case TypeSpacer:
		target = &SpacerContent{}
	case TypeDivider:
		target = &DividerContent{}
	case TypeColumns:
		target = &ColumnsContent{}
	case TypeVideo:
		target = &VideoContent{}
	case TypeQuote:
		target = &QuoteContent{}
	case TypeList:
		target = &ListContent{}
	case TypeCode:
		target = &CodeContent{}
	case TypeEmbed:
		target = &EmbedContent{}
	case TypeGallery:
		target = &GalleryContent{}
	case TypeForm:
		target = &FormContent{}
	default:
		return nil, fmt.Errorf("unknown block type %q", b.Type)
	}
	raw, err := json.Marshal(b.Content)
	if err != nil {
		return nil, fmt.Errorf("encode %s content: %w", b.Type, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decode %s content: %w", b.Type, err)
	}
	return target, nil
}

// Encode converts a typed payload back into the boundary map form.
func Encode(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SlotCount returns the number of column slots a columns block exposes.
func SlotCount(b Block) int {
	if b.Type != TypeColumns {
		return 0
	}
	n, ok := intValue(b.Content["columns"])
	if !ok || n <= 0 {
		return DefaultColumns
	}
	if n > MaxColumns {
		return MaxColumns
	}
	return n
}

// DefaultContent is the initial payload for a freshly added block.
func DefaultContent(t Type) map[string]any {
	switch t {
	case TypeHeading:
		return map[string]any{"text": "Heading", "level": 2}
	case TypeText:
		return map[string]any{"html": "<p></p>"}
	case TypeImage:
		return map[string]any{"src": "", "alt": ""}
	case TypeButton:
		return map[string]any{"text": "Click me", "href": "#", "variant": "primary"}
	case TypeSpacer:
		return map[string]any{"height": 32}
	case TypeColumns:
		return map[string]any{"columns": DefaultColumns}
	case TypeVideo, TypeEmbed:
		return map[string]any{"url": ""}
	case TypeQuote:
		return map[string]any{"text": "", "cite": ""}
	case TypeList:
		return map[string]any{"items": []any{}, "ordered": false}
	case TypeCode:
		return map[string]any{"code": "", "language": ""}
	case TypeGallery:
		return map[string]any{"images": []any{}}
	case TypeForm:
		return map[string]any{"action": "", "submitLabel": "Send"}
	default:
		return map[string]any{}
	}
}

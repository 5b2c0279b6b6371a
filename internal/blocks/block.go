// Package blocks is the canonical page document model: a flat, ordered
// collection of typed content blocks whose hierarchy is expressed through
// ParentID links to columns blocks.
package blocks

import (
	"encoding/json"
	"errors"
)

type Type string

const (
	TypeHeading Type = "heading"
	TypeText    Type = "text"
	TypeImage   Type = "image"
	TypeButton  Type = "button"
	TypeSpacer  Type = "spacer"
	TypeDivider Type = "divider"
	TypeColumns Type = "columns"
	TypeVideo   Type = "video"
	TypeQuote   Type = "quote"
	TypeList    Type = "list"
	TypeCode    Type = "code"
	TypeEmbed   Type = "embed"
	TypeGallery Type = "gallery"
	TypeForm    Type = "form"
)

var knownTypes = map[Type]struct{}{
	TypeHeading: {},
	TypeText:    {},
	TypeImage:   {},
	TypeButton:  {},
	TypeSpacer:  {},
	TypeDivider: {},
	TypeColumns: {},
	TypeVideo:   {},
	TypeQuote:   {},
	TypeList:    {},
	TypeCode:    {},
	TypeEmbed:   {},
	TypeGallery: {},
	TypeForm:    {},
}

// SettingColumn is the settings key holding a child's slot inside its
// columns parent.
const SettingColumn = "column"

// Structural limits shared by the editor and server-side validation. Depth
// counts ancestors, so a top-level block has depth 0.
const (
	MaxDepth  = 3
	MaxBlocks = 1000
)

var (
	ErrNotFound     = errors.New("block not found")
	ErrNotContainer = errors.New("target block cannot contain children")
	ErrCycle        = errors.New("block cannot be moved into its own subtree")
	ErrSlotRange    = errors.New("column slot out of range")
	ErrTooDeep      = errors.New("blocks nested too deep")
	ErrTooMany      = errors.New("too many blocks on page")
)

// Known reports whether t belongs to the closed set of block kinds.
func Known(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// Nests reports whether blocks of this type may be referenced as a parent.
func (t Type) Nests() bool {
	return t == TypeColumns
}

type Block struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Content   map[string]any `json:"content"`
	Settings  map[string]any `json:"settings"`
	ParentID  *string        `json:"parentId"`
	SortOrder int            `json:"sortOrder"`
}

type blockJSON Block

func (b Block) MarshalJSON() ([]byte, error) {
	out := blockJSON(b)
	if out.Content == nil {
		out.Content = map[string]any{}
	}
	if out.Settings == nil {
		out.Settings = map[string]any{}
	}
	return json.Marshal(out)
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var in blockJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Content == nil {
		in.Content = map[string]any{}
	}
	if in.Settings == nil {
		in.Settings = map[string]any{}
	}
	*b = Block(in)
	return nil
}

// Parent returns the parent id or "" for top-level blocks.
func (b Block) Parent() string {
	if b.ParentID == nil {
		return ""
	}
	return *b.ParentID
}

// Column returns the slot index stored in settings, 0 when absent.
func (b Block) Column() int {
	n, _ := intValue(b.Settings[SettingColumn])
	return n
}

// SetColumn stores the slot index, or clears it for top-level blocks.
func (b *Block) SetColumn(slot int) {
	if b.Settings == nil {
		b.Settings = map[string]any{}
	}
	if b.ParentID == nil {
		delete(b.Settings, SettingColumn)
		return
	}
	b.Settings[SettingColumn] = slot
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

// Clone returns a deep copy; later mutation of either copy never affects the other.
func Clone(b Block) Block {
	out := b
	out.Content = cloneMap(b.Content)
	out.Settings = cloneMap(b.Settings)
	if b.ParentID != nil {
		parent := *b.ParentID
		out.ParentID = &parent
	}
	return out
}

func CloneAll(list []Block) []Block {
	if list == nil {
		return nil
	}
	out := make([]Block, len(list))
	for i, b := range list {
		out[i] = Clone(b)
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}

func StringPtr(s string) *string {
	return &s
}

// Package validation enforces block hierarchy rules and content safety on
// every server-side write path. Validate rejects; Sanitize never fails.
package validation

import (
	"time"

	"github.com/deka641/vellum-sub001/internal/blocks"
	"github.com/deka641/vellum-sub001/internal/pages"
)

const (
	MaxDepth  = blocks.MaxDepth
	MaxBlocks = blocks.MaxBlocks
)

// Validate returns nil for a structurally valid block set, or a
// *pages.ValidationError naming the first violation found.
func Validate(list []blocks.Block) error {
	if len(list) > MaxBlocks {
		return pages.Invalid("page has %d blocks, maximum is %d", len(list), MaxBlocks)
	}

	byID := make(map[string]blocks.Block, len(list))
	for _, b := range list {
		if b.ID == "" {
			return pages.Invalid("block id is required")
		}
		if _, dup := byID[b.ID]; dup {
			return pages.Invalid("duplicate block id %s", b.ID)
		}
		if !blocks.Known(b.Type) {
			return pages.Invalid("block %s has unknown type %q", b.ID, b.Type)
		}
		if _, err := blocks.Decode(b); err != nil {
			return pages.Invalid("block %s has malformed content: %v", b.ID, err)
		}
		byID[b.ID] = b
	}

	for _, b := range list {
		if b.ParentID == nil {
			continue
		}
		parent, ok := byID[*b.ParentID]
		if !ok {
			return pages.Invalid("block %s references missing parent %s", b.ID, *b.ParentID)
		}
		if !parent.Type.Nests() {
			return pages.Invalid("block %s has parent %s of type %s; only columns blocks may contain blocks", b.ID, parent.ID, parent.Type)
		}
		if slot := b.Column(); slot < 0 || slot >= blocks.SlotCount(parent) {
			return pages.Invalid("block %s uses column %d but parent %s has %d columns", b.ID, slot, parent.ID, blocks.SlotCount(parent))
		}
	}

	for _, b := range list {
		depth := 0
		visited := map[string]bool{b.ID: true}
		current := b
		for current.ParentID != nil {
			parentID := *current.ParentID
			if visited[parentID] {
				return pages.Invalid("cycle detected at block %s", b.ID)
			}
			visited[parentID] = true
			depth++
			if depth > MaxDepth {
				return pages.Invalid("block %s is nested %d levels deep, maximum is %d", b.ID, depth, MaxDepth)
			}
			current = byID[parentID]
		}
	}
	return nil
}

// Normalize fills nil maps and makes sortOrder dense per sibling group.
func Normalize(list []blocks.Block) []blocks.Block {
	out := blocks.Renumber(list)
	for i := range out {
		if out[i].Content == nil {
			out[i].Content = map[string]any{}
		}
		if out[i].Settings == nil {
			out[i].Settings = map[string]any{}
		}
	}
	return out
}

// ValidateSchedule checks a requested publish time against now.
func ValidateSchedule(at, now time.Time) error {
	if at.Before(now.Add(-pages.ScheduleSkew)) {
		return pages.Invalid("scheduled time must be in the future")
	}
	if at.After(now.Add(pages.MaxScheduleHorizon)) {
		return pages.Invalid("scheduled time must be within one year")
	}
	return nil
}

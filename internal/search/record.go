// Package search keeps the published-page index in Meilisearch current.
// Indexing happens after commit and never fails the write that triggered it.
package search

import (
	"strings"

	"github.com/deka641/vellum-sub001/internal/blocks"
	"github.com/deka641/vellum-sub001/internal/pages"
	"github.com/microcosm-cc/bluemonday"
)

// PageRecord is the data we index for a published page.
type PageRecord struct {
	ID          string `json:"id"`
	SiteID      string `json:"siteId"`
	OwnerID     string `json:"ownerId"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	PublishedAt int64  `json:"publishedAt"`
}

var stripTags = bluemonday.StrictPolicy()

// RecordFromPage flattens the page's visible text in document order.
func RecordFromPage(p pages.Page) PageRecord {
	rec := PageRecord{ID: p.ID, SiteID: p.SiteID, OwnerID: p.OwnerID, Title: p.Title}
	if p.PublishedAt != nil {
		rec.PublishedAt = p.PublishedAt.Unix()
	}

	tree := blocks.NewTree(p.Blocks)
	var parts []string
	var walk func(list []blocks.Block)
	walk = func(list []blocks.Block) {
		for _, b := range list {
			parts = append(parts, blockText(b)...)
			if b.Type.Nests() {
				slots, err := tree.Slots(b.ID)
				if err != nil {
					continue
				}
				for _, slot := range slots {
					walk(slot)
				}
			}
		}
	}
	walk(tree.TopLevel())
	rec.Body = strings.Join(parts, "\n")
	return rec
}

func blockText(b blocks.Block) []string {
	decoded, err := blocks.Decode(b)
	if err != nil {
		return nil
	}
	var out []string
	add := func(values ...string) {
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	switch c := decoded.(type) {
	case *blocks.HeadingContent:
		add(c.Text)
	case *blocks.TextContent:
		add(stripTags.Sanitize(c.HTML))
	case *blocks.QuoteContent:
		add(c.Text, c.Cite)
	case *blocks.ButtonContent:
		add(c.Text)
	case *blocks.ImageContent:
		add(c.Alt, c.Caption)
	case *blocks.ListContent:
		add(c.Items...)
	}
	return out
}

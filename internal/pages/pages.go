// Package pages holds the page contract shared by the server and the editor
// client: the page and revision records, the autosave payloads, and the
// error taxonomy callers branch on.
package pages

import (
	"time"

	"github.com/deka641/vellum-sub001/internal/blocks"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusPublished Status = "PUBLISHED"
)

const (
	RevisionRetention  = 20
	NotePublished      = "Published"
	NoteScheduled      = "Published (scheduled)"
	ScheduleSkew       = 60 * time.Second
	MaxScheduleHorizon = 365 * 24 * time.Hour
)

type Page struct {
	ID                 string         `json:"id"`
	SiteID             string         `json:"siteId"`
	OwnerID            string         `json:"ownerId"`
	Title              string         `json:"title"`
	Status             Status         `json:"status"`
	ScheduledPublishAt *time.Time     `json:"scheduledPublishAt"`
	PublishedAt        *time.Time     `json:"publishedAt"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
	DeletedAt          *time.Time     `json:"deletedAt,omitempty"`
	Blocks             []blocks.Block `json:"blocks,omitempty"`
}

// Revision is an immutable snapshot. Blocks is nil in metadata listings.
type Revision struct {
	ID        string         `json:"id"`
	PageID    string         `json:"pageId"`
	Number    int            `json:"number"`
	Title     string         `json:"title"`
	Note      string         `json:"note"`
	CreatedAt time.Time      `json:"createdAt"`
	Blocks    []blocks.Block `json:"blocks,omitempty"`
}

// LoadedPage is the full hydration payload for an editor session.
type LoadedPage struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title"`
	Status             Status         `json:"status"`
	ScheduledPublishAt *time.Time     `json:"scheduledPublishAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
	Blocks             []blocks.Block `json:"blocks"`
}

type SaveRequest struct {
	Blocks            []blocks.Block `json:"blocks"`
	Title             *string        `json:"title,omitempty"`
	ExpectedUpdatedAt *time.Time     `json:"expectedUpdatedAt,omitempty"`
	Force             bool           `json:"force,omitempty"`
}

type SaveResult struct {
	UpdatedAt time.Time `json:"updatedAt"`
}

// ServerState is the authoritative copy returned with a conflict.
type ServerState struct {
	Blocks    []blocks.Block `json:"serverBlocks"`
	Title     string         `json:"serverTitle"`
	UpdatedAt time.Time      `json:"serverUpdatedAt"`
}

type SweepResult struct {
	PublishedCount int      `json:"publishedCount"`
	PageIDs        []string `json:"pageIds"`
}

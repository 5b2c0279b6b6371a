package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/deka641/vellum-sub001/internal/blocks"
	"github.com/deka641/vellum-sub001/internal/pages"
)

const pageColumns = `id, owner_id, site_id, title, status, scheduled_publish_at, published_at, created_at, updated_at, deleted_at`

// NewPage is the input of CreatePages. Blocks must already be validated.
type NewPage struct {
	ID      string
	OwnerID string
	SiteID  string
	Title   string
	Blocks  []blocks.Block
}

// SaveInput is the autosave write. A nil ExpectedUpdatedAt or Force skips
// the version check.
type SaveInput struct {
	Blocks            []blocks.Block
	Title             *string
	ExpectedUpdatedAt *time.Time
	Force             bool
}

type pageRow struct {
	ID                 string
	OwnerID            string
	SiteID             string
	Title              string
	Status             string
	ScheduledPublishAt nullTime
	PublishedAt        nullTime
	CreatedAt          nullTime
	UpdatedAt          nullTime
	DeletedAt          nullTime
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(row rowScanner) (pageRow, error) {
	var r pageRow
	err := row.Scan(
		&r.ID,
		&r.OwnerID,
		&r.SiteID,
		&r.Title,
		&r.Status,
		&r.ScheduledPublishAt,
		&r.PublishedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.DeletedAt,
	)
	return r, err
}

func (r pageRow) page() pages.Page {
	return pages.Page{
		ID:                 r.ID,
		OwnerID:            r.OwnerID,
		SiteID:             r.SiteID,
		Title:              r.Title,
		Status:             pages.Status(r.Status),
		ScheduledPublishAt: r.ScheduledPublishAt.Ptr(),
		PublishedAt:        r.PublishedAt.Ptr(),
		CreatedAt:          r.CreatedAt.Time,
		UpdatedAt:          r.UpdatedAt.Time,
		DeletedAt:          r.DeletedAt.Ptr(),
	}
}

func scanBlock(row rowScanner) (blocks.Block, error) {
	var (
		b        blocks.Block
		kind     string
		content  []byte
		settings []byte
		parentID *string
	)
	if err := row.Scan(&b.ID, &kind, &content, &settings, &parentID, &b.SortOrder); err != nil {
		return blocks.Block{}, err
	}
	b.Type = blocks.Type(kind)
	b.ParentID = parentID
	if err := decodeMap(content, &b.Content); err != nil {
		return blocks.Block{}, fmt.Errorf("decode content of block %s: %w", b.ID, err)
	}
	if err := decodeMap(settings, &b.Settings); err != nil {
		return blocks.Block{}, fmt.Errorf("decode settings of block %s: %w", b.ID, err)
	}
	return b, nil
}

func decodeMap(raw []byte, dst *map[string]any) error {
	*dst = map[string]any{}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	if *dst == nil {
		*dst = map[string]any{}
	}
	return nil
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// nullTime scans timestamps from both drivers: pgx returns time.Time while
// SQLite may hand back text.
type nullTime struct {
	Time  time.Time
	Valid bool
}

var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func (n *nullTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*n = nullTime{}
		return nil
	case time.Time:
		*n = nullTime{Time: v.UTC(), Valid: true}
		return nil
	case []byte:
		return n.parse(string(v))
	case string:
		return n.parse(v)
	case int64:
		*n = nullTime{Time: time.Unix(v, 0).UTC(), Valid: true}
		return nil
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (n *nullTime) parse(s string) error {
	s = strings.TrimSpace(s)
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*n = nullTime{Time: t.UTC(), Valid: true}
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

func (n nullTime) Ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// dbTime is the canonical stored form: UTC, microsecond precision, which
// both Postgres and the JSON wire format round-trip exactly.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/deka641/vellum-sub001/internal/blocks"
	"github.com/deka641/vellum-sub001/internal/pages"
	"github.com/deka641/vellum-sub001/internal/util"
)

// SQLStore persists pages, blocks and revisions. Every operation that reads
// and then writes a page runs in one transaction with the page row locked.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// SetClock replaces the time source used for version tokens and revision
// timestamps.
func (s *SQLStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

func (s *SQLStore) q(query string) string {
	return rebind(s.dialect, query)
}

func (s *SQLStore) clock() time.Time {
	return dbTime(s.now())
}

// nextVersion returns a token strictly after prev.
func (s *SQLStore) nextVersion(prev time.Time) time.Time {
	next := s.clock()
	if !next.After(prev) {
		next = prev.Add(time.Microsecond)
	}
	return next
}

func (s *SQLStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, fmt.Errorf("begin tx: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *SQLStore) CreatePage(ctx context.Context, p NewPage) (pages.Page, error) {
	created, err := s.CreatePages(ctx, []NewPage{p})
	if err != nil {
		return pages.Page{}, err
	}
	return created[0], nil
}

// CreatePages inserts every page or none.
func (s *SQLStore) CreatePages(ctx context.Context, list []NewPage) ([]pages.Page, error) {
	now := s.clock()
	created := make([]pages.Page, 0, len(list))
	err := s.withTx(ctx, "create pages", func(tx *sql.Tx) error {
		for _, p := range list {
			_, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO pages (id, owner_id, site_id, title, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`), p.ID, p.OwnerID, p.SiteID, p.Title, string(pages.StatusDraft), now, now)
			if err != nil {
				return fmt.Errorf("insert page %s: %w", p.ID, err)
			}
			if err := s.insertBlocks(ctx, tx, p.ID, p.Blocks); err != nil {
				return err
			}
			created = append(created, pages.Page{
				ID:        p.ID,
				OwnerID:   p.OwnerID,
				SiteID:    p.SiteID,
				Title:     p.Title,
				Status:    pages.StatusDraft,
				CreatedAt: now,
				UpdatedAt: now,
				Blocks:    nonNil(blocks.CloneAll(p.Blocks)),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetPageMeta returns the page row without blocks. Soft-deleted pages are
// not found.
func (s *SQLStore) GetPageMeta(ctx context.Context, pageID string) (pages.Page, error) {
	row, err := s.readPage(ctx, s.db, pageID, false)
	if err != nil {
		return pages.Page{}, classify("get page", err)
	}
	return row.page(), nil
}

func (s *SQLStore) GetPage(ctx context.Context, pageID string) (pages.Page, error) {
	row, err := s.readPage(ctx, s.db, pageID, false)
	if err != nil {
		return pages.Page{}, classify("get page", err)
	}
	list, err := s.loadBlocks(ctx, s.db, pageID)
	if err != nil {
		return pages.Page{}, classify("get page", err)
	}
	page := row.page()
	page.Blocks = list
	return page, nil
}

// ListPages returns the owner's live pages, newest edit first. An empty
// siteID lists every site.
func (s *SQLStore) ListPages(ctx context.Context, ownerID, siteID string) ([]pages.Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages WHERE owner_id = ? AND deleted_at IS NULL`
	args := []any{ownerID}
	if siteID != "" {
		query += ` AND site_id = ?`
		args = append(args, siteID)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, classify("list pages", err)
	}
	defer rows.Close()

	var out []pages.Page
	for rows.Next() {
		row, err := scanPage(rows)
		if err != nil {
			return nil, classify("list pages", err)
		}
		out = append(out, row.page())
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list pages", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SaveBlocks replaces the page's blocks (and title when given). Unless
// forced, a stale ExpectedUpdatedAt returns *pages.ConflictError carrying
// the stored state and writes nothing.
func (s *SQLStore) SaveBlocks(ctx context.Context, pageID string, in SaveInput) (pages.SaveResult, error) {
	var result pages.SaveResult
	err := s.withTx(ctx, "save blocks", func(tx *sql.Tx) error {
		row, err := s.readPage(ctx, tx, pageID, true)
		if err != nil {
			return err
		}
		current := row.UpdatedAt.Time
		if !in.Force && in.ExpectedUpdatedAt != nil && !dbTime(*in.ExpectedUpdatedAt).Equal(current) {
			list, err := s.loadBlocks(ctx, tx, pageID)
			if err != nil {
				return err
			}
			return &pages.ConflictError{Server: pages.ServerState{
				Blocks:    list,
				Title:     row.Title,
				UpdatedAt: current,
			}}
		}

		if err := s.replaceBlocks(ctx, tx, pageID, in.Blocks); err != nil {
			return err
		}
		title := row.Title
		if in.Title != nil {
			title = *in.Title
		}
		next := s.nextVersion(current)
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE pages SET title = ?, updated_at = ? WHERE id = ?`), title, next, pageID); err != nil {
			return fmt.Errorf("update page: %w", err)
		}
		result.UpdatedAt = next
		return nil
	})
	if err != nil {
		return pages.SaveResult{}, err
	}
	return result, nil
}

// Publish promotes the page, snapshots it into a revision and prunes
// revisions beyond the retention cap, all in one transaction.
func (s *SQLStore) Publish(ctx context.Context, pageID string) (pages.Page, error) {
	var page pages.Page
	err := s.withTx(ctx, "publish page", func(tx *sql.Tx) error {
		row, err := s.readPage(ctx, tx, pageID, true)
		if err != nil {
			return err
		}
		now := s.clock()
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE pages SET status = ?, published_at = ?, scheduled_publish_at = NULL WHERE id = ?
		`), string(pages.StatusPublished), now, pageID); err != nil {
			return fmt.Errorf("update page: %w", err)
		}
		list, err := s.loadBlocks(ctx, tx, pageID)
		if err != nil {
			return err
		}
		if err := s.snapshot(ctx, tx, pageID, row.Title, list, pages.NotePublished, now); err != nil {
			return err
		}
		page = row.page()
		page.Status = pages.StatusPublished
		page.PublishedAt = &now
		page.ScheduledPublishAt = nil
		page.Blocks = list
		return nil
	})
	return page, err
}

// SchedulePublish records a future publish time; the page stays as it is
// until the sweep picks it up.
func (s *SQLStore) SchedulePublish(ctx context.Context, pageID string, at time.Time) (pages.Page, error) {
	return s.updateMeta(ctx, "schedule publish", pageID,
		`UPDATE pages SET scheduled_publish_at = ? WHERE id = ?`, dbTime(at), pageID)
}

// Unpublish reverts to draft and clears any schedule. Revisions are kept.
func (s *SQLStore) Unpublish(ctx context.Context, pageID string) (pages.Page, error) {
	return s.updateMeta(ctx, "unpublish page", pageID,
		`UPDATE pages SET status = ?, published_at = NULL, scheduled_publish_at = NULL WHERE id = ?`,
		string(pages.StatusDraft), pageID)
}

func (s *SQLStore) CancelSchedule(ctx context.Context, pageID string) (pages.Page, error) {
	return s.updateMeta(ctx, "cancel schedule", pageID,
		`UPDATE pages SET scheduled_publish_at = NULL WHERE id = ?`, pageID)
}

func (s *SQLStore) updateMeta(ctx context.Context, op, pageID, stmt string, args ...any) (pages.Page, error) {
	var page pages.Page
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		if _, err := s.readPage(ctx, tx, pageID, true); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(stmt), args...); err != nil {
			return fmt.Errorf("update page: %w", err)
		}
		row, err := s.readPage(ctx, tx, pageID, false)
		if err != nil {
			return err
		}
		page = row.page()
		return nil
	})
	return page, err
}

// PublishScheduled publishes every live draft whose schedule is at or
// before now. The whole batch commits or rolls back together; pages are
// snapshotted one after another because numbering and pruning are per page.
func (s *SQLStore) PublishScheduled(ctx context.Context, now time.Time) ([]pages.Page, error) {
	now = dbTime(now)
	var published []pages.Page
	err := s.withTx(ctx, "publish scheduled", func(tx *sql.Tx) error {
		query := `
			SELECT ` + pageColumns + ` FROM pages
			WHERE status = ? AND scheduled_publish_at IS NOT NULL AND deleted_at IS NULL
			ORDER BY id`
		if s.dialect == DialectPostgres {
			query += ` FOR UPDATE SKIP LOCKED`
		}
		rows, err := tx.QueryContext(ctx, s.q(query), string(pages.StatusDraft))
		if err != nil {
			return fmt.Errorf("select due pages: %w", err)
		}
		var due []pageRow
		for rows.Next() {
			row, err := scanPage(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan due page: %w", err)
			}
			if !row.ScheduledPublishAt.Time.After(now) {
				due = append(due, row)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(due) == 0 {
			return nil
		}

		ids := make([]any, 0, len(due)+2)
		ids = append(ids, string(pages.StatusPublished), now)
		marks := make([]string, len(due))
		for i, row := range due {
			ids = append(ids, row.ID)
			marks[i] = "?"
		}
		bulk := `UPDATE pages SET status = ?, published_at = ?, scheduled_publish_at = NULL WHERE id IN (` + strings.Join(marks, ", ") + `)`
		if _, err := tx.ExecContext(ctx, s.q(bulk), ids...); err != nil {
			return fmt.Errorf("bulk publish: %w", err)
		}

		for _, row := range due {
			list, err := s.loadBlocks(ctx, tx, row.ID)
			if err != nil {
				return err
			}
			if err := s.snapshot(ctx, tx, row.ID, row.Title, list, pages.NoteScheduled, now); err != nil {
				return err
			}
			page := row.page()
			page.Status = pages.StatusPublished
			page.PublishedAt = &now
			page.ScheduledPublishAt = nil
			page.Blocks = list
			published = append(published, page)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return published, nil
}

// ListRevisions returns revision metadata, newest first.
func (s *SQLStore) ListRevisions(ctx context.Context, pageID string) ([]pages.Revision, error) {
	if _, err := s.readPage(ctx, s.db, pageID, false); err != nil {
		return nil, classify("list revisions", err)
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, page_id, number, title, note, created_at
		FROM page_revisions
		WHERE page_id = ?
		ORDER BY number DESC
	`), pageID)
	if err != nil {
		return nil, classify("list revisions", err)
	}
	defer rows.Close()

	out := []pages.Revision{}
	for rows.Next() {
		var (
			rev       pages.Revision
			createdAt nullTime
		)
		if err := rows.Scan(&rev.ID, &rev.PageID, &rev.Number, &rev.Title, &rev.Note, &createdAt); err != nil {
			return nil, classify("list revisions", err)
		}
		rev.CreatedAt = createdAt.Time
		out = append(out, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list revisions", err)
	}
	return out, nil
}

func (s *SQLStore) GetRevision(ctx context.Context, pageID, revisionID string) (pages.Revision, error) {
	if _, err := s.readPage(ctx, s.db, pageID, false); err != nil {
		return pages.Revision{}, classify("get revision", err)
	}
	rev, err := s.readRevision(ctx, s.db, pageID, revisionID)
	return rev, classify("get revision", err)
}

// RestoreRevision replaces the page's blocks and title with the snapshot.
// prepare runs inside the transaction (validation, sanitization); when it
// fails nothing is written. Restoring never creates a revision.
func (s *SQLStore) RestoreRevision(ctx context.Context, pageID, revisionID string, prepare func([]blocks.Block) ([]blocks.Block, error)) (pages.Page, error) {
	var page pages.Page
	err := s.withTx(ctx, "restore revision", func(tx *sql.Tx) error {
		row, err := s.readPage(ctx, tx, pageID, true)
		if err != nil {
			return err
		}
		rev, err := s.readRevision(ctx, tx, pageID, revisionID)
		if err != nil {
			return err
		}
		list := rev.Blocks
		if prepare != nil {
			if list, err = prepare(list); err != nil {
				return err
			}
		}
		if err := s.replaceBlocks(ctx, tx, pageID, list); err != nil {
			return err
		}
		next := s.nextVersion(row.UpdatedAt.Time)
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE pages SET title = ?, updated_at = ? WHERE id = ?`), rev.Title, next, pageID); err != nil {
			return fmt.Errorf("update page: %w", err)
		}
		page = row.page()
		page.Title = rev.Title
		page.UpdatedAt = next
		page.Blocks = nonNil(list)
		return nil
	})
	return page, err
}

// SoftDeletePage hides the page from every other operation, including the
// scheduled sweep.
func (s *SQLStore) SoftDeletePage(ctx context.Context, pageID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE pages SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`), s.clock(), pageID)
	if err != nil {
		return classify("delete page", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify("delete page", err)
	}
	if affected == 0 {
		return &pages.NotFoundError{Resource: "page", ID: pageID}
	}
	return nil
}

func (s *SQLStore) readPage(ctx context.Context, q queryer, pageID string, lock bool) (pageRow, error) {
	query := `SELECT ` + pageColumns + ` FROM pages WHERE id = ? AND deleted_at IS NULL`
	if lock && s.dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}
	row, err := scanPage(q.QueryRowContext(ctx, s.q(query), pageID))
	if errors.Is(err, sql.ErrNoRows) {
		return pageRow{}, &pages.NotFoundError{Resource: "page", ID: pageID}
	}
	if err != nil {
		return pageRow{}, fmt.Errorf("read page: %w", err)
	}
	return row, nil
}

func (s *SQLStore) readRevision(ctx context.Context, q queryer, pageID, revisionID string) (pages.Revision, error) {
	var (
		rev       pages.Revision
		raw       []byte
		createdAt nullTime
	)
	err := q.QueryRowContext(ctx, s.q(`
		SELECT id, page_id, number, title, note, created_at, blocks
		FROM page_revisions
		WHERE id = ? AND page_id = ?
	`), revisionID, pageID).Scan(&rev.ID, &rev.PageID, &rev.Number, &rev.Title, &rev.Note, &createdAt, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return pages.Revision{}, &pages.NotFoundError{Resource: "revision", ID: revisionID}
	}
	if err != nil {
		return pages.Revision{}, fmt.Errorf("read revision: %w", err)
	}
	rev.CreatedAt = createdAt.Time
	if err := json.Unmarshal(raw, &rev.Blocks); err != nil {
		return pages.Revision{}, fmt.Errorf("decode revision %s: %w", revisionID, err)
	}
	rev.Blocks = nonNil(rev.Blocks)
	return rev, nil
}

func (s *SQLStore) loadBlocks(ctx context.Context, q queryer, pageID string) ([]blocks.Block, error) {
	rows, err := q.QueryContext(ctx, s.q(`
		SELECT id, type, content, settings, parent_id, sort_order
		FROM page_blocks
		WHERE page_id = ?
		ORDER BY position
	`), pageID)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	defer rows.Close()

	out := []blocks.Block{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	return out, nil
}

func (s *SQLStore) replaceBlocks(ctx context.Context, tx *sql.Tx, pageID string, list []blocks.Block) error {
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM page_blocks WHERE page_id = ?`), pageID); err != nil {
		return fmt.Errorf("delete blocks: %w", err)
	}
	return s.insertBlocks(ctx, tx, pageID, list)
}

func (s *SQLStore) insertBlocks(ctx context.Context, tx *sql.Tx, pageID string, list []blocks.Block) error {
	if len(list) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO page_blocks (page_id, id, type, content, settings, parent_id, sort_order, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("prepare block insert: %w", err)
	}
	defer stmt.Close()

	for i, b := range list {
		content, err := encodeMap(b.Content)
		if err != nil {
			return fmt.Errorf("encode content of block %s: %w", b.ID, err)
		}
		settings, err := encodeMap(b.Settings)
		if err != nil {
			return fmt.Errorf("encode settings of block %s: %w", b.ID, err)
		}
		var parent any
		if b.ParentID != nil {
			parent = *b.ParentID
		}
		if _, err := stmt.ExecContext(ctx, pageID, b.ID, string(b.Type), content, settings, parent, b.SortOrder, i); err != nil {
			return fmt.Errorf("insert block %s: %w", b.ID, err)
		}
	}
	return nil
}

// snapshot stores list as the next numbered revision of the page and
// deletes the oldest revisions beyond pages.RevisionRetention.
func (s *SQLStore) snapshot(ctx context.Context, tx *sql.Tx, pageID, title string, list []blocks.Block, note string, at time.Time) error {
	encoded, err := json.Marshal(nonNil(list))
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	var latest int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(number), 0) FROM page_revisions WHERE page_id = ?`), pageID).Scan(&latest); err != nil {
		return fmt.Errorf("read revision number: %w", err)
	}
	number := latest + 1
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO page_revisions (id, page_id, number, title, blocks, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), util.NewID("rev"), pageID, number, title, string(encoded), note, at); err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	if cutoff := number - pages.RevisionRetention; cutoff > 0 {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM page_revisions WHERE page_id = ? AND number <= ?`), pageID, cutoff); err != nil {
			return fmt.Errorf("prune revisions: %w", err)
		}
	}
	return nil
}

func nonNil(list []blocks.Block) []blocks.Block {
	if list == nil {
		return []blocks.Block{}
	}
	return list
}

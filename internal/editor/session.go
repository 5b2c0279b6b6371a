// Package editor holds the client-side editing session for one open page:
// the live block collection, bounded undo/redo history, selection and the
// dirty/saving/conflict flags the autosave coordinator drives.
package editor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deka641/vellum-sub001/internal/blocks"
	"github.com/deka641/vellum-sub001/internal/pages"
	"github.com/deka641/vellum-sub001/internal/util"
)

const HistoryDepth = 50

var (
	ErrUnknownType     = errors.New("unknown block type")
	ErrReservedSetting = errors.New("column placement is changed with MoveBlock")
	ErrNoConflict      = errors.New("no pending conflict")
)

// Draft is what the autosave coordinator sends: the session content at
// send time plus the counters needed to reconcile the response.
type Draft struct {
	PageID     string
	Title      string
	Blocks     []blocks.Block
	UpdatedAt  time.Time
	Generation uint64
	epoch      uint64
}

// State is a read-only copy of the session for display.
type State struct {
	PageID     string
	Title      string
	Status     pages.Status
	Blocks     []blocks.Block
	SelectedID string
	UpdatedAt  time.Time
	Generation uint64
	Dirty      bool
	Saving     bool
	SaveError  error
	Conflict   *pages.ServerState
	CanUndo    bool
	CanRedo    bool
}

type Session struct {
	mu sync.Mutex

	pageID    string
	title     string
	status    pages.Status
	updatedAt time.Time
	blocks    []blocks.Block
	undo      [][]blocks.Block
	redo      [][]blocks.Block
	selected  string

	dirty      bool
	generation uint64
	epoch      uint64
	saving     bool
	saveErr    error
	conflict   *pages.ServerState

	newID    func() string
	listener func()
}

type Option func(*Session)

// WithIDGenerator replaces the block id source, mostly for tests.
func WithIDGenerator(fn func() string) Option {
	return func(s *Session) { s.newID = fn }
}

func NewSession(opts ...Option) *Session {
	s := &Session{newID: util.NewBlockID}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange registers fn to run after every dirty-marking mutation. It is
// called without the session lock held.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	s.listener = fn
	s.mu.Unlock()
}

// SetPage (re)initializes the session from a loaded page. History, dirty
// state, selection, conflict and save error are all reset.
func (s *Session) SetPage(p pages.LoadedPage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageID = p.ID
	s.title = p.Title
	s.status = p.Status
	s.updatedAt = p.UpdatedAt
	s.blocks = blocks.CloneAll(p.Blocks)
	if s.blocks == nil {
		s.blocks = []blocks.Block{}
	}
	s.undo = nil
	s.redo = nil
	s.selected = ""
	s.dirty = false
	s.saveErr = nil
	s.conflict = nil
	s.epoch++
}

// AddBlock appends a block of type t with its default content at the end of
// the top level and returns its id.
func (s *Session) AddBlock(t blocks.Type) (string, error) {
	return s.InsertBlock(t, nil, 0, -1)
}

// InsertBlock adds a block of type t into the sibling group (parentID, slot)
// at index. A negative index appends.
func (s *Session) InsertBlock(t blocks.Type, parentID *string, slot, index int) (string, error) {
	if !blocks.Known(t) {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	id := s.newID()
	err := s.mutate(func(cur []blocks.Block) ([]blocks.Block, error) {
		b := blocks.Block{ID: id, Type: t, Content: blocks.DefaultContent(t), Settings: map[string]any{}}
		if parentID != nil {
			parent, ok := blocks.NewTree(cur).Get(*parentID)
			if !ok {
				return nil, blocks.ErrNotFound
			}
			if !parent.Type.Nests() {
				return nil, blocks.ErrNotContainer
			}
			if slot < 0 || slot >= blocks.SlotCount(parent) {
				return nil, blocks.ErrSlotRange
			}
			b.ParentID = blocks.StringPtr(*parentID)
			b.SetColumn(slot)
		}
		return withinLimits(blocks.Insert(cur, b, index))
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateBlockContent merges partial into the block's content. Keys mapped
// to nil are removed.
func (s *Session) UpdateBlockContent(id string, partial map[string]any) error {
	return s.mutate(func(cur []blocks.Block) ([]blocks.Block, error) {
		return patch(cur, id, func(b *blocks.Block) error {
			b.Content = merge(b.Content, partial)
			return nil
		})
	})
}

func (s *Session) UpdateBlockSettings(id string, partial map[string]any) error {
	if _, ok := partial[blocks.SettingColumn]; ok {
		return ErrReservedSetting
	}
	return s.mutate(func(cur []blocks.Block) ([]blocks.Block, error) {
		return patch(cur, id, func(b *blocks.Block) error {
			b.Settings = merge(b.Settings, partial)
			return nil
		})
	})
}

// RemoveBlock deletes id together with everything nested inside it.
func (s *Session) RemoveBlock(id string) error {
	var removed map[string]bool
	err := s.mutate(func(cur []blocks.Block) ([]blocks.Block, error) {
		removed = make(map[string]bool)
		for _, sub := range blocks.NewTree(cur).Subtree(id) {
			removed[sub] = true
		}
		return blocks.Remove(cur, id)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	if removed[s.selected] {
		s.selected = ""
	}
	s.mu.Unlock()
	return nil
}

// MoveBlock re-parents id into (parentID, slot) at index; nil parentID
// means the top level.
func (s *Session) MoveBlock(id string, parentID *string, slot, index int) error {
	return s.mutate(func(cur []blocks.Block) ([]blocks.Block, error) {
		next, err := blocks.Move(cur, id, parentID, slot, index)
		if err != nil {
			return nil, err
		}
		return withinLimits(next)
	})
}

// DuplicateBlock copies id and its subtree right after the original and
// selects the copy.
func (s *Session) DuplicateBlock(id string) (string, error) {
	var copyID string
	err := s.mutate(func(cur []blocks.Block) ([]blocks.Block, error) {
		next, root, err := blocks.Duplicate(cur, id, s.newID)
		if err != nil {
			return nil, err
		}
		copyID = root
		return withinLimits(next)
	})
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.selected = copyID
	s.mu.Unlock()
	return copyID, nil
}

// SetTitle marks the session dirty but is not recorded in undo history.
func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	if title == s.title {
		s.mu.Unlock()
		return
	}
	s.title = title
	s.markDirtyLocked()
	listener := s.listener
	s.mu.Unlock()
	notify(listener)
}

func (s *Session) Undo() bool {
	return s.swap(&s.undo, &s.redo)
}

func (s *Session) Redo() bool {
	return s.swap(&s.redo, &s.undo)
}

// Select tracks the focused block. It never marks the session dirty.
func (s *Session) Select(id string) {
	s.mu.Lock()
	s.selected = id
	s.mu.Unlock()
}

func (s *Session) Blocks() []blocks.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return blocks.CloneAll(s.blocks)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		PageID:     s.pageID,
		Title:      s.title,
		Status:     s.status,
		Blocks:     blocks.CloneAll(s.blocks),
		SelectedID: s.selected,
		UpdatedAt:  s.updatedAt,
		Generation: s.generation,
		Dirty:      s.dirty,
		Saving:     s.saving,
		SaveError:  s.saveErr,
		CanUndo:    len(s.undo) > 0,
		CanRedo:    len(s.redo) > 0,
	}
	if s.conflict != nil {
		server := *s.conflict
		server.Blocks = blocks.CloneAll(server.Blocks)
		st.Conflict = &server
	}
	return st
}

func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Draft captures the content to send right now.
func (s *Session) Draft() Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Draft{
		PageID:     s.pageID,
		Title:      s.title,
		Blocks:     blocks.CloneAll(s.blocks),
		UpdatedAt:  s.updatedAt,
		Generation: s.generation,
		epoch:      s.epoch,
	}
}

// MarkSaved records a successful save of d. The version token always
// advances; dirty is cleared only if nothing changed since d was taken.
// Results for a page that has since been replaced by SetPage are ignored.
func (s *Session) MarkSaved(d Draft, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.epoch != s.epoch {
		return
	}
	s.updatedAt = updatedAt
	s.saveErr = nil
	if s.generation == d.Generation {
		s.dirty = false
	}
}

func (s *Session) SetSaving(saving bool) {
	s.mu.Lock()
	s.saving = saving
	s.mu.Unlock()
}

func (s *Session) SetSaveError(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

// DismissSaveError clears the error banner. The edits stay dirty.
func (s *Session) DismissSaveError() {
	s.SetSaveError(nil)
}

func (s *Session) SetConflict(server pages.ServerState) {
	s.mu.Lock()
	server.Blocks = blocks.CloneAll(server.Blocks)
	s.conflict = &server
	s.mu.Unlock()
}

func (s *Session) ClearConflict() {
	s.mu.Lock()
	s.conflict = nil
	s.mu.Unlock()
}

// LoadConflictServer replaces the session with the server copy held in the
// pending conflict, discarding local edits.
func (s *Session) LoadConflictServer() error {
	s.mu.Lock()
	server := s.conflict
	pageID, status := s.pageID, s.status
	s.mu.Unlock()
	if server == nil {
		return ErrNoConflict
	}
	s.SetPage(pages.LoadedPage{
		ID:        pageID,
		Title:     server.Title,
		Status:    status,
		UpdatedAt: server.UpdatedAt,
		Blocks:    server.Blocks,
	})
	return nil
}

func (s *Session) mutate(fn func([]blocks.Block) ([]blocks.Block, error)) error {
	s.mu.Lock()
	next, err := fn(s.blocks)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.pushLocked(&s.undo, s.blocks)
	s.redo = nil
	s.blocks = next
	s.markDirtyLocked()
	listener := s.listener
	s.mu.Unlock()
	notify(listener)
	return nil
}

func (s *Session) swap(from, to *[][]blocks.Block) bool {
	s.mu.Lock()
	if len(*from) == 0 {
		s.mu.Unlock()
		return false
	}
	last := len(*from) - 1
	prev := (*from)[last]
	*from = (*from)[:last]
	s.pushLocked(to, s.blocks)
	s.blocks = prev
	if s.selected != "" {
		if _, ok := blocks.NewTree(prev).Get(s.selected); !ok {
			s.selected = ""
		}
	}
	s.markDirtyLocked()
	listener := s.listener
	s.mu.Unlock()
	notify(listener)
	return true
}

func (s *Session) pushLocked(stack *[][]blocks.Block, snapshot []blocks.Block) {
	*stack = append(*stack, snapshot)
	if over := len(*stack) - HistoryDepth; over > 0 {
		*stack = append([][]blocks.Block(nil), (*stack)[over:]...)
	}
}

func (s *Session) markDirtyLocked() {
	s.dirty = true
	s.generation++
}

func notify(fn func()) {
	if fn != nil {
		fn()
	}
}

// withinLimits keeps every structural edit savable.
func withinLimits(next []blocks.Block) ([]blocks.Block, error) {
	if err := blocks.CheckLimits(next); err != nil {
		return nil, err
	}
	return next, nil
}

func patch(list []blocks.Block, id string, fn func(*blocks.Block) error) ([]blocks.Block, error) {
	out := blocks.CloneAll(list)
	for i := range out {
		if out[i].ID == id {
			if err := fn(&out[i]); err != nil {
				return nil, err
			}
			return out, nil
		}
	}
	return nil, blocks.ErrNotFound
}

func merge(base, partial map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(partial))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range partial {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	// Wrapping in a throwaway block reuses the deep copy in Clone.
	b := blocks.Clone(blocks.Block{Content: map[string]any{"v": v}})
	return b.Content["v"]
}

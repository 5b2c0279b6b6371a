package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deka641/vellum-sub001/internal/blocks"
	"github.com/deka641/vellum-sub001/internal/editor"
	"github.com/deka641/vellum-sub001/internal/pages"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeSaver struct {
	mu      sync.Mutex
	calls   []pages.SaveRequest
	gate    chan struct{}
	respond func(n int, req pages.SaveRequest) (pages.SaveResult, error)
}

func (f *fakeSaver) SaveBlocks(ctx context.Context, pageID string, req pages.SaveRequest) (pages.SaveResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	respond := f.respond
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if respond != nil {
		return respond(n, req)
	}
	return pages.SaveResult{UpdatedAt: t0.Add(time.Duration(n) * time.Minute)}, nil
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSaver) last() pages.SaveRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newSession() *editor.Session {
	s := editor.NewSession()
	s.SetPage(pages.LoadedPage{
		ID:        "page_1",
		Title:     "Home",
		UpdatedAt: t0,
		Blocks: []blocks.Block{
			{ID: "h", Type: blocks.TypeHeading, Content: map[string]any{"text": "Hi", "level": 1}, Settings: map[string]any{}},
		},
	})
	return s
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Delay = 30 * time.Millisecond
	opts.BaseBackoff = 10 * time.Millisecond
	return opts
}

func edit(t *testing.T, s *editor.Session, text string) {
	t.Helper()
	require.NoError(t, s.UpdateBlockContent("h", map[string]any{"text": text}))
}

func headingText(req pages.SaveRequest) any {
	return req.Blocks[0].Content["text"]
}

func settled(c *Coordinator, s *editor.Session) func() bool {
	return func() bool {
		return c.Status().State == StateIdle && !s.State().Saving
	}
}

func TestDebounceSendsOnlyTheLastEdit(t *testing.T) {
	s := newSession()
	saver := &fakeSaver{}
	c := New(s, saver, fastOptions())
	defer c.Close()

	edit(t, s, "one")
	assert.Equal(t, StateDebouncing, c.Status().State)
	time.Sleep(10 * time.Millisecond)
	edit(t, s, "two")
	time.Sleep(10 * time.Millisecond)
	edit(t, s, "three")

	require.Eventually(t, func() bool { return saver.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, settled(c, s), time.Second, 5*time.Millisecond)

	req := saver.last()
	assert.Equal(t, "three", headingText(req))
	require.NotNil(t, req.ExpectedUpdatedAt)
	assert.Equal(t, t0, *req.ExpectedUpdatedAt)
	assert.False(t, req.Force)
	require.NotNil(t, req.Title)
	assert.Equal(t, "Home", *req.Title)

	st := s.State()
	assert.False(t, st.Dirty)
	assert.Equal(t, t0.Add(time.Minute), st.UpdatedAt)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, saver.count())
}

func TestSelectionDoesNotSchedule(t *testing.T) {
	s := newSession()
	saver := &fakeSaver{}
	c := New(s, saver, fastOptions())
	defer c.Close()

	s.Select("h")
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, saver.count())
	assert.Equal(t, StateIdle, c.Status().State)
}

func TestConflictWaitsForUserThenKeepMineForces(t *testing.T) {
	s := newSession()
	server := pages.ServerState{
		Title:     "Theirs",
		UpdatedAt: t0.Add(time.Hour),
		Blocks:    []blocks.Block{{ID: "x", Type: blocks.TypeDivider, Content: map[string]any{}, Settings: map[string]any{}}},
	}
	saver := &fakeSaver{respond: func(n int, req pages.SaveRequest) (pages.SaveResult, error) {
		if n == 1 {
			return pages.SaveResult{}, &pages.ConflictError{Server: server}
		}
		return pages.SaveResult{UpdatedAt: t0.Add(2 * time.Hour)}, nil
	}}
	opts := fastOptions()
	opts.Delay = time.Hour
	c := New(s, saver, opts)
	defer c.Close()

	edit(t, s, "mine")
	err := c.SaveNow(context.Background())
	require.True(t, pages.IsConflict(err))
	assert.Equal(t, StateConflict, c.Status().State)

	st := s.State()
	require.NotNil(t, st.Conflict)
	assert.Equal(t, "Theirs", st.Conflict.Title)
	assert.Equal(t, "mine", st.Blocks[0].Content["text"], "local copy is not replaced automatically")
	assert.True(t, st.Dirty)

	edit(t, s, "mine again")
	assert.ErrorIs(t, c.SaveNow(context.Background()), ErrConflictPending)
	assert.Equal(t, 1, saver.count())

	require.NoError(t, c.KeepMine(context.Background()))
	req := saver.last()
	assert.True(t, req.Force)
	assert.Nil(t, req.ExpectedUpdatedAt)
	assert.Equal(t, "mine again", headingText(req))

	require.Eventually(t, settled(c, s), time.Second, 5*time.Millisecond)
	st = s.State()
	assert.Nil(t, st.Conflict)
	assert.False(t, st.Dirty)
	assert.Equal(t, t0.Add(2*time.Hour), st.UpdatedAt)
}

func TestLoadLatestReplacesSession(t *testing.T) {
	s := newSession()
	server := pages.ServerState{
		Title:     "Theirs",
		UpdatedAt: t0.Add(time.Hour),
		Blocks:    []blocks.Block{{ID: "x", Type: blocks.TypeDivider, Content: map[string]any{}, Settings: map[string]any{}}},
	}
	saver := &fakeSaver{respond: func(int, pages.SaveRequest) (pages.SaveResult, error) {
		return pages.SaveResult{}, &pages.ConflictError{Server: server}
	}}
	opts := fastOptions()
	opts.Delay = time.Hour
	c := New(s, saver, opts)
	defer c.Close()

	assert.ErrorIs(t, c.LoadLatest(), ErrNoConflict)
	edit(t, s, "mine")
	require.Error(t, c.SaveNow(context.Background()))

	require.NoError(t, c.LoadLatest())
	st := s.State()
	assert.Equal(t, StateIdle, c.Status().State)
	assert.Equal(t, server.Blocks, st.Blocks)
	assert.Equal(t, "Theirs", st.Title)
	assert.Equal(t, server.UpdatedAt, st.UpdatedAt)
	assert.False(t, st.Dirty)
	assert.Nil(t, st.Conflict)
}

func TestRetriesResendCurrentContent(t *testing.T) {
	s := newSession()
	saver := &fakeSaver{respond: func(n int, req pages.SaveRequest) (pages.SaveResult, error) {
		if n < 3 {
			return pages.SaveResult{}, &pages.TransientError{Op: "save", Err: errors.New("connection reset")}
		}
		return pages.SaveResult{UpdatedAt: t0.Add(time.Minute)}, nil
	}}
	opts := fastOptions()
	opts.BaseBackoff = 40 * time.Millisecond
	c := New(s, saver, opts)
	defer c.Close()

	edit(t, s, "first")
	require.Eventually(t, func() bool { return saver.count() == 1 }, time.Second, time.Millisecond)
	edit(t, s, "second")

	require.Eventually(t, func() bool { return saver.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, settled(c, s), time.Second, 5*time.Millisecond)
	assert.Equal(t, "second", headingText(saver.last()))

	st := s.State()
	assert.False(t, st.Dirty)
	assert.NoError(t, st.SaveError)
	assert.Equal(t, 0, c.Status().Attempt)
}

func TestExhaustedRetriesKeepEdits(t *testing.T) {
	s := newSession()
	failure := &pages.TransientError{Op: "save", Err: errors.New("503")}
	saver := &fakeSaver{respond: func(int, pages.SaveRequest) (pages.SaveResult, error) {
		return pages.SaveResult{}, failure
	}}
	opts := fastOptions()
	opts.BaseBackoff = 2 * time.Millisecond
	c := New(s, saver, opts)
	defer c.Close()

	edit(t, s, "unsaved")
	require.Eventually(t, func() bool { return saver.count() == 4 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, settled(c, s), time.Second, 5*time.Millisecond)

	st := s.State()
	assert.True(t, st.Dirty)
	assert.ErrorIs(t, st.SaveError, failure)
	assert.Equal(t, "unsaved", st.Blocks[0].Content["text"])

	s.DismissSaveError()
	assert.NoError(t, s.State().SaveError)
	assert.True(t, s.Dirty())
}

func TestValidationErrorsAreNotRetried(t *testing.T) {
	s := newSession()
	saver := &fakeSaver{respond: func(int, pages.SaveRequest) (pages.SaveResult, error) {
		return pages.SaveResult{}, pages.Invalid("block h has unknown type")
	}}
	opts := fastOptions()
	opts.Delay = time.Hour
	c := New(s, saver, opts)
	defer c.Close()

	edit(t, s, "bad")
	err := c.SaveNow(context.Background())
	require.True(t, pages.IsValidation(err))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, saver.count())
	assert.Equal(t, StateIdle, c.Status().State)
	assert.True(t, pages.IsValidation(s.State().SaveError))
}

func TestSaveNowCoalescesWithInFlightSave(t *testing.T) {
	s := newSession()
	saver := &fakeSaver{gate: make(chan struct{})}
	opts := fastOptions()
	opts.Delay = time.Hour
	c := New(s, saver, opts)
	defer c.Close()

	edit(t, s, "now")
	errs := make(chan error, 2)
	go func() { errs <- c.SaveNow(context.Background()) }()
	require.Eventually(t, func() bool { return saver.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateSaving, c.Status().State)
	assert.True(t, s.State().Saving)

	go func() { errs <- c.SaveNow(context.Background()) }()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.waiters) == 2
	}, time.Second, time.Millisecond)

	close(saver.gate)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, 1, saver.count())
	assert.False(t, s.Dirty())
}

func TestEditsDuringSaveQueueBehindIt(t *testing.T) {
	s := newSession()
	saver := &fakeSaver{gate: make(chan struct{})}
	c := New(s, saver, fastOptions())
	defer c.Close()

	edit(t, s, "first")
	require.Eventually(t, func() bool { return saver.count() == 1 }, time.Second, time.Millisecond)
	edit(t, s, "second")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, saver.count(), "no concurrent save while one is in flight")

	close(saver.gate)
	require.Eventually(t, func() bool { return saver.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, settled(c, s), time.Second, 5*time.Millisecond)
	assert.Equal(t, "second", headingText(saver.last()))
	require.NotNil(t, saver.last().ExpectedUpdatedAt)
	assert.Equal(t, t0.Add(time.Minute), *saver.last().ExpectedUpdatedAt, "second save carries the token from the first")
	assert.False(t, s.Dirty())
}

func TestSaveNowWithoutChanges(t *testing.T) {
	s := newSession()
	saver := &fakeSaver{}
	c := New(s, saver, fastOptions())
	defer c.Close()

	require.NoError(t, c.SaveNow(context.Background()))
	assert.Equal(t, 0, saver.count())
}

func TestBackoffDoubles(t *testing.T) {
	b := Backoff{Initial: time.Second, Multiplier: 2, MaxRetries: 3}
	var delays []time.Duration
	for attempt := 0; ; attempt++ {
		d, ok := b.NextDelay(attempt)
		if !ok {
			break
		}
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
}

func TestRejectedKeepMineDoesNotForceLaterSaves(t *testing.T) {
	s := newSession()
	server := pages.ServerState{Title: "Theirs", UpdatedAt: t0.Add(time.Hour)}
	saver := &fakeSaver{respond: func(n int, req pages.SaveRequest) (pages.SaveResult, error) {
		switch n {
		case 1:
			return pages.SaveResult{}, &pages.ConflictError{Server: server}
		case 2:
			return pages.SaveResult{}, pages.Invalid("block h has malformed content")
		}
		return pages.SaveResult{UpdatedAt: t0.Add(2 * time.Hour)}, nil
	}}
	opts := fastOptions()
	opts.Delay = time.Hour
	c := New(s, saver, opts)
	defer c.Close()

	edit(t, s, "mine")
	require.True(t, pages.IsConflict(c.SaveNow(context.Background())))
	require.True(t, pages.IsValidation(c.KeepMine(context.Background())))
	assert.True(t, saver.last().Force)
	require.Eventually(t, settled(c, s), time.Second, 5*time.Millisecond)

	edit(t, s, "fixed")
	require.NoError(t, c.SaveNow(context.Background()))
	req := saver.last()
	assert.False(t, req.Force)
	require.NotNil(t, req.ExpectedUpdatedAt)
	assert.Equal(t, t0, *req.ExpectedUpdatedAt)
}

func TestKeepMineStaysForcedOnlyThroughItsRetries(t *testing.T) {
	s := newSession()
	server := pages.ServerState{Title: "Theirs", UpdatedAt: t0.Add(time.Hour)}
	failure := &pages.TransientError{Op: "save", Err: errors.New("503")}
	saver := &fakeSaver{respond: func(n int, req pages.SaveRequest) (pages.SaveResult, error) {
		switch {
		case n == 1:
			return pages.SaveResult{}, &pages.ConflictError{Server: server}
		case n <= 5:
			return pages.SaveResult{}, failure
		}
		return pages.SaveResult{UpdatedAt: t0.Add(2 * time.Hour)}, nil
	}}
	opts := fastOptions()
	opts.Delay = time.Hour
	opts.BaseBackoff = 2 * time.Millisecond
	c := New(s, saver, opts)
	defer c.Close()

	edit(t, s, "mine")
	require.True(t, pages.IsConflict(c.SaveNow(context.Background())))
	assert.ErrorIs(t, c.KeepMine(context.Background()), failure)
	require.Eventually(t, settled(c, s), time.Second, 5*time.Millisecond)

	saver.mu.Lock()
	for _, req := range saver.calls[1:5] {
		assert.True(t, req.Force)
	}
	saver.mu.Unlock()

	edit(t, s, "later")
	require.NoError(t, c.SaveNow(context.Background()))
	assert.Equal(t, 6, saver.count())
	req := saver.last()
	assert.False(t, req.Force)
	assert.NotNil(t, req.ExpectedUpdatedAt)
}

func TestZeroOptionsUseDefaults(t *testing.T) {
	c := New(newSession(), &fakeSaver{}, Options{})
	defer c.Close()
	defaults := DefaultOptions()
	assert.Equal(t, defaults.Delay, c.opts.Delay)
	assert.Equal(t, defaults.BaseBackoff, c.opts.BaseBackoff)
	assert.Equal(t, defaults.MaxRetries, c.backoff.MaxRetries)

	off := New(newSession(), &fakeSaver{}, Options{MaxRetries: -1})
	defer off.Close()
	assert.Equal(t, 0, off.backoff.MaxRetries)
}

func TestKeepMineAfterClose(t *testing.T) {
	s := newSession()
	saver := &fakeSaver{}
	c := New(s, saver, fastOptions())
	c.Close()

	assert.ErrorIs(t, c.KeepMine(context.Background()), ErrClosed)
	assert.Equal(t, 0, saver.count())
}

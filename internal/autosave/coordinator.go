// Package autosave flushes an editor session to the server: debounced
// saves, bounded retries with exponential backoff, and optimistic
// concurrency conflicts that wait for the user to pick a side.
package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/rs/zerolog"

	"github.com/deka641/vellum-sub001/internal/editor"
	"github.com/deka641/vellum-sub001/internal/pages"
)

var (
	ErrConflictPending = errors.New("autosave: conflict must be resolved first")
	ErrNoConflict      = errors.New("autosave: no pending conflict")
	ErrClosed          = errors.New("autosave: coordinator closed")
)

// Saver is the write path of the page API.
type Saver interface {
	SaveBlocks(ctx context.Context, pageID string, req pages.SaveRequest) (pages.SaveResult, error)
}

type State int

const (
	StateIdle State = iota
	StateDebouncing
	StateSaving
	StateRetrying
	StateConflict
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateSaving:
		return "saving"
	case StateRetrying:
		return "retrying"
	case StateConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Status is the coordinator state plus the retry attempt (Retrying(n)).
type Status struct {
	State   State
	Attempt int
}

// Options zero values fall back to DefaultOptions. A negative MaxRetries
// turns retrying off.
type Options struct {
	Delay       time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	// RequestTimeout bounds each save call; zero leaves timeouts to the
	// transport.
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		Delay:       2 * time.Second,
		MaxRetries:  3,
		BaseBackoff: time.Second,
		Logger:      zerolog.Nop(),
	}
}

type Coordinator struct {
	session *editor.Session
	saver   Saver
	opts    Options
	log     zerolog.Logger
	backoff Backoff

	debounced func(func())

	mu       sync.Mutex
	state    State
	attempt  int
	inFlight bool
	force    bool
	closed   bool
	retrySeq uint64
	retry    *time.Timer
	waiters  []chan error
	wg       sync.WaitGroup
}

// New wires a coordinator to session. Every dirty-marking session mutation
// from then on schedules a save.
func New(session *editor.Session, saver Saver, opts Options) *Coordinator {
	defaults := DefaultOptions()
	if opts.Delay <= 0 {
		opts.Delay = defaults.Delay
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = defaults.MaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaults.BaseBackoff
	}
	c := &Coordinator{
		session:   session,
		saver:     saver,
		opts:      opts,
		log:       opts.Logger.With().Str("component", "autosave").Logger(),
		backoff:   Backoff{Initial: opts.BaseBackoff, Multiplier: 2, MaxRetries: opts.MaxRetries},
		debounced: debounce.New(opts.Delay),
	}
	session.OnChange(c.touch)
	return c
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Attempt: c.attempt}
}

// touch reacts to a session edit. Edits during a save or a retry wait are
// picked up by that save cycle; edits during a conflict wait for the user.
func (c *Coordinator) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	switch c.state {
	case StateIdle, StateDebouncing:
		c.debounceLocked()
	}
}

func (c *Coordinator) debounceLocked() {
	c.state = StateDebouncing
	c.debounced(c.fire)
}

func (c *Coordinator) fire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StateDebouncing || c.inFlight {
		return
	}
	c.startLocked()
}

// SaveNow skips the debounce and saves immediately. When a save is already
// in flight it waits for that one instead of sending a second request.
func (c *Coordinator) SaveNow(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch {
	case c.state == StateConflict:
		c.mu.Unlock()
		return ErrConflictPending
	case c.inFlight:
	case c.state == StateRetrying:
		c.stopRetryLocked()
		c.startLocked()
	case !c.session.Dirty():
		c.mu.Unlock()
		return nil
	default:
		c.startLocked()
	}
	done := c.waitLocked()
	c.mu.Unlock()
	return wait(ctx, done)
}

// KeepMine resolves a conflict by force-saving the local content over the
// server copy. The force flag survives retries until a save succeeds.
func (c *Coordinator) KeepMine(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateConflict {
		c.mu.Unlock()
		return ErrNoConflict
	}
	c.session.ClearConflict()
	c.force = true
	c.startLocked()
	done := c.waitLocked()
	c.mu.Unlock()

	c.log.Info().Msg("conflict resolved: keep local")
	return wait(ctx, done)
}

// LoadLatest resolves a conflict by replacing the session with the server
// copy. Local edits are discarded.
func (c *Coordinator) LoadLatest() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConflict {
		return ErrNoConflict
	}
	if err := c.session.LoadConflictServer(); err != nil {
		return err
	}
	c.state = StateIdle
	c.force = false
	c.log.Info().Msg("conflict resolved: load server copy")
	return nil
}

// Close stops timers and waits for an in-flight save to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopRetryLocked()
	c.mu.Unlock()
	c.wg.Wait()

	c.mu.Lock()
	c.releaseLocked(ErrClosed)
	c.mu.Unlock()
}

func (c *Coordinator) startLocked() {
	draft := c.session.Draft()
	req := pages.SaveRequest{
		Blocks: draft.Blocks,
		Title:  &draft.Title,
		Force:  c.force,
	}
	if !c.force {
		expected := draft.UpdatedAt
		req.ExpectedUpdatedAt = &expected
	}
	c.inFlight = true
	if c.attempt == 0 {
		c.state = StateSaving
	}
	c.session.SetSaving(true)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx := context.Background()
		if c.opts.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
			defer cancel()
		}
		res, err := c.saver.SaveBlocks(ctx, draft.PageID, req)
		c.finish(draft, res, err)
	}()
}

func (c *Coordinator) finish(draft editor.Draft, res pages.SaveResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	c.session.SetSaving(false)
	log := c.log.With().Str("page_id", draft.PageID).Uint64("generation", draft.Generation).Logger()

	var conflict *pages.ConflictError
	switch {
	case err == nil:
		c.session.MarkSaved(draft, res.UpdatedAt)
		c.attempt = 0
		c.force = false
		log.Debug().Time("updated_at", res.UpdatedAt).Msg("saved")
		c.releaseLocked(nil)
		c.settleLocked(draft)

	case errors.As(err, &conflict):
		c.attempt = 0
		c.state = StateConflict
		c.session.SetConflict(conflict.Server)
		log.Warn().Time("server_updated_at", conflict.Server.UpdatedAt).Msg("save conflict")
		c.releaseLocked(err)

	case !retryable(err):
		c.attempt = 0
		c.force = false
		c.session.SetSaveError(err)
		log.Warn().Err(err).Msg("save rejected")
		c.releaseLocked(err)
		c.settleLocked(draft)

	default:
		delay, ok := c.backoff.NextDelay(c.attempt)
		if !ok || c.closed {
			c.attempt = 0
			c.force = false
			c.session.SetSaveError(err)
			log.Error().Err(err).Msg("save failed, retries exhausted")
			c.releaseLocked(err)
			c.settleLocked(draft)
			return
		}
		c.attempt++
		c.state = StateRetrying
		log.Warn().Err(err).Int("attempt", c.attempt).Dur("delay", delay).Msg("save failed, retrying")
		c.scheduleRetryLocked(delay)
	}
}

// settleLocked picks the resting state after a save cycle: edits made since
// draft was taken start a new debounce, otherwise the coordinator idles.
func (c *Coordinator) settleLocked(draft editor.Draft) {
	if c.closed {
		c.state = StateIdle
		return
	}
	if c.session.Generation() != draft.Generation && c.session.Dirty() {
		c.debounceLocked()
		return
	}
	c.state = StateIdle
}

func (c *Coordinator) scheduleRetryLocked(delay time.Duration) {
	c.retrySeq++
	seq := c.retrySeq
	c.retry = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if seq != c.retrySeq || c.closed || c.state != StateRetrying || c.inFlight {
			return
		}
		c.startLocked()
	})
}

func (c *Coordinator) stopRetryLocked() {
	c.retrySeq++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Coordinator) waitLocked() <-chan error {
	done := make(chan error, 1)
	c.waiters = append(c.waiters, done)
	return done
}

func wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) releaseLocked(err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}

func retryable(err error) bool {
	return !pages.IsValidation(err) && !pages.IsNotFound(err)
}

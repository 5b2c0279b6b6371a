package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deka641/vellum-sub001/internal/pages"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	mu    sync.Mutex
	calls []time.Time
	err   error
}

func (f *fakeSweeper) RunScheduledPublishSweep(_ context.Context, now time.Time) (pages.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, now)
	if f.err != nil {
		return pages.SweepResult{}, f.err
	}
	return pages.SweepResult{PublishedCount: 1, PageIDs: []string{"pg_1"}}, nil
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New("every minute please", &fakeSweeper{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRunOncePassesClock(t *testing.T) {
	sweeper := &fakeSweeper{}
	s, err := New("@every 1m", sweeper, zerolog.Nop())
	require.NoError(t, err)
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.PublishedCount)
	require.Len(t, sweeper.calls, 1)
	assert.Equal(t, fixed, sweeper.calls[0])
}

func TestRunOnceReturnsSweepError(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("db down")}
	s, err := New("@every 1m", sweeper, zerolog.Nop())
	require.NoError(t, err)
	_, err = s.RunOnce(context.Background())
	assert.EqualError(t, err, "db down")
}

func TestStartStop(t *testing.T) {
	s, err := New("@every 1h", &fakeSweeper{}, zerolog.Nop())
	require.NoError(t, err)
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.NoError(t, ctx.Err())
}

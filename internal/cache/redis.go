// Package cache talks to the shared Redis: it tells the renderer which
// published documents went stale and backs the cross-replica write gate.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/deka641/vellum-sub001/internal/ratelimit"
	"github.com/redis/go-redis/v9"
)

const StaleChannel = "vellum:stale"

func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// StaleEvent is published on StaleChannel after a page's public form changes.
type StaleEvent struct {
	PageID string    `json:"pageId"`
	SiteID string    `json:"siteId"`
	At     time.Time `json:"at"`
}

type Invalidator struct {
	client *redis.Client
	prefix string
}

func NewInvalidator(client *redis.Client) *Invalidator {
	return &Invalidator{client: client, prefix: "render:"}
}

func (i *Invalidator) PageKey(pageID string) string {
	return i.prefix + "page:" + pageID
}

func (i *Invalidator) SiteKey(siteID string) string {
	return i.prefix + "site:" + siteID
}

// MarkStale drops the cached renders for the page and its site index, then
// notifies subscribers.
func (i *Invalidator) MarkStale(ctx context.Context, pageID, siteID string) error {
	payload, err := json.Marshal(StaleEvent{PageID: pageID, SiteID: siteID, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal stale event: %w", err)
	}
	keys := []string{i.PageKey(pageID)}
	if siteID != "" {
		keys = append(keys, i.SiteKey(siteID))
	}
	_, err = i.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.Publish(ctx, StaleChannel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark stale %s: %w", pageID, err)
	}
	return nil
}

// Limiter is a fixed-window counter shared by every API replica.
type Limiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewLimiter(client *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{client: client, prefix: "ratelimit:", limit: limit, window: window, now: time.Now}
}

func (l *Limiter) Allow(ctx context.Context, key string) (ratelimit.Result, error) {
	if l.limit <= 0 {
		return ratelimit.Result{Allowed: true}, nil
	}
	now := l.now()
	bucket := now.Truncate(l.window)
	redisKey := l.prefix + key + ":" + strconv.FormatInt(bucket.Unix(), 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, l.window)
		return nil
	})
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	count := int(incr.Val())
	res := ratelimit.Result{
		Allowed: count <= l.limit,
		Limit:   l.limit,
		ResetAt: bucket.Add(l.window),
	}
	if res.Allowed {
		res.Remaining = l.limit - count
	}
	return res, nil
}

package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/deka641/vellum-sub001/internal/auth"
	"github.com/deka641/vellum-sub001/internal/blocks"
	"github.com/deka641/vellum-sub001/internal/config"
	"github.com/deka641/vellum-sub001/internal/pages"
	"github.com/deka641/vellum-sub001/internal/ratelimit"
	"github.com/deka641/vellum-sub001/internal/search"
	"github.com/deka641/vellum-sub001/internal/store"
	"github.com/deka641/vellum-sub001/internal/util"
	"github.com/deka641/vellum-sub001/internal/validation"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	maxTitleLength  = 200
	maxImportPages  = 200
	effectTimeout   = 10 * time.Second
	defaultTitle    = "Untitled"
	cronSecretKey   = "VELLUM_CRON_SECRET"
	sweepGateKey    = "cron:publish-scheduled"
	userGatePrefix  = "user:"
	effectsParallel = 3
)

// Actor is the authenticated caller.
type Actor struct {
	UserID string
	Name   string
}

type CreatePageInput struct {
	SiteID string         `json:"siteId"`
	Title  string         `json:"title"`
	Blocks []blocks.Block `json:"blocks"`
}

type pageStore interface {
	Ping(context.Context) error
	CreatePage(context.Context, store.NewPage) (pages.Page, error)
	CreatePages(context.Context, []store.NewPage) ([]pages.Page, error)
	GetPageMeta(context.Context, string) (pages.Page, error)
	GetPage(context.Context, string) (pages.Page, error)
	ListPages(context.Context, string, string) ([]pages.Page, error)
	SaveBlocks(context.Context, string, store.SaveInput) (pages.SaveResult, error)
	Publish(context.Context, string) (pages.Page, error)
	SchedulePublish(context.Context, string, time.Time) (pages.Page, error)
	Unpublish(context.Context, string) (pages.Page, error)
	CancelSchedule(context.Context, string) (pages.Page, error)
	PublishScheduled(context.Context, time.Time) ([]pages.Page, error)
	ListRevisions(context.Context, string) ([]pages.Revision, error)
	GetRevision(context.Context, string, string) (pages.Revision, error)
	RestoreRevision(context.Context, string, string, func([]blocks.Block) ([]blocks.Block, error)) (pages.Page, error)
	SoftDeletePage(context.Context, string) error
}

// RateGate is checked before every mutating operation.
type RateGate interface {
	Allow(ctx context.Context, key string) (ratelimit.Result, error)
}

type StaleMarker interface {
	MarkStale(ctx context.Context, pageID, siteID string) error
}

type PageIndexer interface {
	IndexPage(rec search.PageRecord) error
	DeletePage(id string) error
}

type PublishedStore interface {
	PutPublished(ctx context.Context, p pages.Page) error
	RemovePublished(ctx context.Context, siteID, pageID string) error
}

type Option func(*Service)

func WithRateGate(g RateGate) Option {
	return func(s *Service) { s.gate = g }
}

func WithStaleMarker(m StaleMarker) Option {
	return func(s *Service) { s.stale = m }
}

func WithIndexer(i PageIndexer) Option {
	return func(s *Service) { s.index = i }
}

func WithPublished(p PublishedStore) Option {
	return func(s *Service) { s.published = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	cfg       config.Config
	store     pageStore
	signer    *auth.Signer
	logger    zerolog.Logger
	gate      RateGate
	stale     StaleMarker
	index     PageIndexer
	published PublishedStore
	now       func() time.Time
	effects   sync.WaitGroup
}

func New(cfg config.Config, dataStore pageStore, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		store:  dataStore,
		signer: auth.NewSigner(cfg.TokenSecret),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Authenticate resolves the Authorization header into an Actor.
func (s *Service) Authenticate(header string) (Actor, error) {
	claims, err := s.signer.FromHeader(header)
	if err != nil {
		return Actor{}, err
	}
	return Actor{UserID: claims.Sub, Name: claims.Name}, nil
}

// Wait blocks until post-commit side effects started so far have finished
// or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.effects.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) ListPages(ctx context.Context, actor Actor, siteID string) ([]pages.Page, error) {
	list, err := s.store.ListPages(ctx, actor.UserID, strings.TrimSpace(siteID))
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []pages.Page{}
	}
	return list, nil
}

// LoadPage is the editor hydration read.
func (s *Service) LoadPage(ctx context.Context, actor Actor, pageID string) (pages.Page, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return pages.Page{}, err
	}
	if page.OwnerID != actor.UserID {
		return pages.Page{}, &pages.NotFoundError{Resource: "page", ID: pageID}
	}
	return page, nil
}

func (s *Service) CreatePage(ctx context.Context, actor Actor, in CreatePageInput) (pages.Page, error) {
	if err := s.allow(ctx, userGatePrefix+actor.UserID); err != nil {
		return pages.Page{}, err
	}
	np, err := s.newPage(actor, in)
	if err != nil {
		return pages.Page{}, err
	}
	return s.store.CreatePage(ctx, np)
}

// ImportSite creates every page of an imported site or none of them.
func (s *Service) ImportSite(ctx context.Context, actor Actor, siteID string, list []CreatePageInput) ([]pages.Page, error) {
	if err := s.allow(ctx, userGatePrefix+actor.UserID); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, pages.Invalid("import contains no pages")
	}
	if len(list) > maxImportPages {
		return nil, pages.Invalid("import exceeds %d pages", maxImportPages)
	}
	batch := make([]store.NewPage, 0, len(list))
	for i, in := range list {
		in.SiteID = siteID
		np, err := s.newPage(actor, in)
		if err != nil {
			var verr *pages.ValidationError
			if errors.As(err, &verr) {
				return nil, pages.Invalid("page %d: %s", i+1, verr.Reason)
			}
			return nil, err
		}
		batch = append(batch, np)
	}
	return s.store.CreatePages(ctx, batch)
}

func (s *Service) newPage(actor Actor, in CreatePageInput) (store.NewPage, error) {
	siteID := strings.TrimSpace(in.SiteID)
	if siteID == "" {
		return store.NewPage{}, pages.Invalid("siteId is required")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = defaultTitle
	}
	if err := checkTitle(title); err != nil {
		return store.NewPage{}, err
	}
	// templates and imports carry ids from elsewhere
	list, err := prepareBlocks(blocks.RemapIDs(in.Blocks, util.NewBlockID))
	if err != nil {
		return store.NewPage{}, err
	}
	return store.NewPage{
		ID:      util.NewID("pg"),
		OwnerID: actor.UserID,
		SiteID:  siteID,
		Title:   title,
		Blocks:  list,
	}, nil
}

// SaveBlocks is the autosave write path.
func (s *Service) SaveBlocks(ctx context.Context, actor Actor, pageID string, req pages.SaveRequest) (pages.SaveResult, error) {
	if err := s.allow(ctx, userGatePrefix+actor.UserID); err != nil {
		return pages.SaveResult{}, err
	}
	meta, err := s.ownedPage(ctx, actor, pageID)
	if err != nil {
		return pages.SaveResult{}, err
	}
	var title *string
	if req.Title != nil {
		trimmed := strings.TrimSpace(*req.Title)
		if trimmed == "" {
			trimmed = defaultTitle
		}
		if err := checkTitle(trimmed); err != nil {
			return pages.SaveResult{}, err
		}
		title = &trimmed
	}
	if req.Blocks == nil {
		return pages.SaveResult{}, pages.Invalid("blocks is required")
	}
	list, err := prepareBlocks(req.Blocks)
	if err != nil {
		return pages.SaveResult{}, err
	}

	in := store.SaveInput{Blocks: list, Title: title, Force: req.Force}
	if !req.Force {
		in.ExpectedUpdatedAt = req.ExpectedUpdatedAt
	}
	res, err := s.store.SaveBlocks(ctx, pageID, in)
	if err != nil {
		return pages.SaveResult{}, err
	}
	if req.Force {
		s.logger.Info().Str("page_id", pageID).Str("user_id", actor.UserID).Msg("forced save overwrote server state")
	}

	if meta.Status == pages.StatusPublished {
		live := meta
		live.Blocks = list
		live.UpdatedAt = res.UpdatedAt
		if title != nil {
			live.Title = *title
		}
		s.refresh(live)
	}
	return res, nil
}

// Publish publishes now, or records a schedule when scheduledAt is in the
// future. A schedule within the clock-skew tolerance publishes immediately.
func (s *Service) Publish(ctx context.Context, actor Actor, pageID string, scheduledAt *time.Time) (pages.Page, error) {
	if err := s.allow(ctx, userGatePrefix+actor.UserID); err != nil {
		return pages.Page{}, err
	}
	meta, err := s.ownedPage(ctx, actor, pageID)
	if err != nil {
		return pages.Page{}, err
	}
	now := s.now()
	if scheduledAt != nil {
		if err := validation.ValidateSchedule(*scheduledAt, now); err != nil {
			return pages.Page{}, err
		}
		if scheduledAt.After(now) {
			if meta.Status == pages.StatusPublished {
				return pages.Page{}, pages.Invalid("page is already published")
			}
			return s.store.SchedulePublish(ctx, pageID, scheduledAt.UTC())
		}
	}
	page, err := s.store.Publish(ctx, pageID)
	if err != nil {
		return pages.Page{}, err
	}
	s.refresh(page)
	return page, nil
}

func (s *Service) Unpublish(ctx context.Context, actor Actor, pageID string) (pages.Page, error) {
	if err := s.allow(ctx, userGatePrefix+actor.UserID); err != nil {
		return pages.Page{}, err
	}
	meta, err := s.ownedPage(ctx, actor, pageID)
	if err != nil {
		return pages.Page{}, err
	}
	page, err := s.store.Unpublish(ctx, pageID)
	if err != nil {
		return pages.Page{}, err
	}
	if meta.Status == pages.StatusPublished {
		s.retract(page.ID, page.SiteID)
	}
	return page, nil
}

func (s *Service) CancelSchedule(ctx context.Context, actor Actor, pageID string) (pages.Page, error) {
	if err := s.allow(ctx, userGatePrefix+actor.UserID); err != nil {
		return pages.Page{}, err
	}
	if _, err := s.ownedPage(ctx, actor, pageID); err != nil {
		return pages.Page{}, err
	}
	return s.store.CancelSchedule(ctx, pageID)
}

func (s *Service) DeletePage(ctx context.Context, actor Actor, pageID string) error {
	if err := s.allow(ctx, userGatePrefix+actor.UserID); err != nil {
		return err
	}
	meta, err := s.ownedPage(ctx, actor, pageID)
	if err != nil {
		return err
	}
	if err := s.store.SoftDeletePage(ctx, pageID); err != nil {
		return err
	}
	if meta.Status == pages.StatusPublished {
		s.retract(meta.ID, meta.SiteID)
	}
	return nil
}

func (s *Service) ListRevisions(ctx context.Context, actor Actor, pageID string) ([]pages.Revision, error) {
	if _, err := s.ownedPage(ctx, actor, pageID); err != nil {
		return nil, err
	}
	return s.store.ListRevisions(ctx, pageID)
}

func (s *Service) GetRevision(ctx context.Context, actor Actor, pageID, revisionID string) (pages.Revision, error) {
	if _, err := s.ownedPage(ctx, actor, pageID); err != nil {
		return pages.Revision{}, err
	}
	return s.store.GetRevision(ctx, pageID, revisionID)
}

// RestoreRevision re-validates the snapshot against the current rules; a
// snapshot that no longer passes leaves the live blocks untouched.
func (s *Service) RestoreRevision(ctx context.Context, actor Actor, pageID, revisionID string) (pages.Page, error) {
	if err := s.allow(ctx, userGatePrefix+actor.UserID); err != nil {
		return pages.Page{}, err
	}
	if _, err := s.ownedPage(ctx, actor, pageID); err != nil {
		return pages.Page{}, err
	}
	page, err := s.store.RestoreRevision(ctx, pageID, revisionID, prepareBlocks)
	if err != nil {
		return pages.Page{}, err
	}
	if page.Status == pages.StatusPublished {
		s.refresh(page)
	}
	return page, nil
}

// RunScheduledPublishSweep publishes every page whose schedule has elapsed
// at now. Running it again right away finds nothing left to do.
func (s *Service) RunScheduledPublishSweep(ctx context.Context, now time.Time) (pages.SweepResult, error) {
	published, err := s.store.PublishScheduled(ctx, now)
	if err != nil {
		return pages.SweepResult{}, err
	}
	res := pages.SweepResult{PublishedCount: len(published), PageIDs: make([]string, 0, len(published))}
	for _, page := range published {
		res.PageIDs = append(res.PageIDs, page.ID)
		s.refresh(page)
	}
	return res, nil
}

// TriggerSweep is the externally timed entry point.
func (s *Service) TriggerSweep(ctx context.Context, token string) (pages.SweepResult, error) {
	if s.cfg.CronSecret == "" {
		return pages.SweepResult{}, &pages.ConfigurationError{Key: cronSecretKey}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronSecret)) != 1 {
		return pages.SweepResult{}, errBadCronToken
	}
	if err := s.allow(ctx, sweepGateKey); err != nil {
		return pages.SweepResult{}, err
	}
	return s.RunScheduledPublishSweep(ctx, s.now())
}

func (s *Service) ownedPage(ctx context.Context, actor Actor, pageID string) (pages.Page, error) {
	page, err := s.store.GetPageMeta(ctx, pageID)
	if err != nil {
		return pages.Page{}, err
	}
	if page.OwnerID != actor.UserID {
		return pages.Page{}, &pages.NotFoundError{Resource: "page", ID: pageID}
	}
	return page, nil
}

// allow fails open when the gate itself is unavailable.
func (s *Service) allow(ctx context.Context, key string) error {
	if s.gate == nil {
		return nil
	}
	res, err := s.gate.Allow(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing request")
		return nil
	}
	if !res.Allowed {
		return &RateLimitedError{Result: res}
	}
	return nil
}

func prepareBlocks(list []blocks.Block) ([]blocks.Block, error) {
	if err := validation.Validate(list); err != nil {
		return nil, err
	}
	return validation.Normalize(validation.Sanitize(list)), nil
}

func checkTitle(title string) error {
	if len([]rune(title)) > maxTitleLength {
		return pages.Invalid("title exceeds %d characters", maxTitleLength)
	}
	return nil
}

// refresh propagates a changed public page after commit.
func (s *Service) refresh(page pages.Page) {
	s.afterCommit(page.ID, "refresh", func(ctx context.Context, g *errgroup.Group) {
		g.Go(s.effect(page.ID, "mark stale", func() error {
			if s.stale == nil {
				return nil
			}
			return s.stale.MarkStale(ctx, page.ID, page.SiteID)
		}))
		g.Go(s.effect(page.ID, "index page", func() error {
			if s.index == nil {
				return nil
			}
			return s.index.IndexPage(search.RecordFromPage(page))
		}))
		g.Go(s.effect(page.ID, "export published page", func() error {
			if s.published == nil {
				return nil
			}
			return s.published.PutPublished(ctx, page)
		}))
	})
}

// retract removes a page from every public surface after commit.
func (s *Service) retract(pageID, siteID string) {
	s.afterCommit(pageID, "retract", func(ctx context.Context, g *errgroup.Group) {
		g.Go(s.effect(pageID, "mark stale", func() error {
			if s.stale == nil {
				return nil
			}
			return s.stale.MarkStale(ctx, pageID, siteID)
		}))
		g.Go(s.effect(pageID, "remove from index", func() error {
			if s.index == nil {
				return nil
			}
			return s.index.DeletePage(pageID)
		}))
		g.Go(s.effect(pageID, "remove published page", func() error {
			if s.published == nil {
				return nil
			}
			return s.published.RemovePublished(ctx, siteID, pageID)
		}))
	})
}

// afterCommit runs effects detached from the request; failures are logged
// and never reach the caller.
func (s *Service) afterCommit(pageID, kind string, start func(ctx context.Context, g *errgroup.Group)) {
	s.effects.Add(1)
	go func() {
		defer s.effects.Done()
		ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
		defer cancel()
		var g errgroup.Group
		g.SetLimit(effectsParallel)
		start(ctx, &g)
		_ = g.Wait()
		s.logger.Debug().Str("page_id", pageID).Str("effect", kind).Msg("post-commit effects finished")
	}()
}

func (s *Service) effect(pageID, name string, fn func() error) func() error {
	return func() error {
		if err := fn(); err != nil {
			s.logger.Warn().Err(err).Str("page_id", pageID).Str("effect", name).Msg("post-commit effect failed")
		}
		return nil
	}
}

package search

import (
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const idxPages = "vellum_pages"

// Meili indexes published pages. A nil *Meili is a valid no-op indexer.
type Meili struct {
	client  meili.ServiceManager
	logger  zerolog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili connects and configures the index. An unreachable server is not
// an error: indexing is skipped until the health loop sees it come back.
func NewMeili(url, apiKey string, logger zerolog.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger.With().Str("component", "search").Logger(),
		done:   make(chan struct{}),
	}
	if _, err := m.client.Health(); err != nil {
		m.logger.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}
	go m.healthLoop(10 * time.Second)
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxPages, PrimaryKey: "id"}); err != nil {
		m.logger.Debug().Err(err).Msg("create index (may already exist)")
	}
	index := m.client.Index(idxPages)
	filterable := []interface{}{"siteId", "ownerId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn().Err(err).Msg("update filterable attributes")
	}
	searchable := []string{"title", "body"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn().Err(err).Msg("update searchable attributes")
	}
}

func (m *Meili) healthLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			was := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !was {
				m.logger.Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	if m != nil {
		close(m.done)
	}
}

func (m *Meili) Healthy() bool {
	return m != nil && m.healthy.Load()
}

// IndexPage adds or replaces the page's record.
func (m *Meili) IndexPage(rec PageRecord) error {
	if !m.Healthy() {
		return nil
	}
	if _, err := m.client.Index(idxPages).AddDocuments([]PageRecord{rec}, nil); err != nil {
		return fmt.Errorf("index page %s: %w", rec.ID, err)
	}
	return nil
}

// DeletePage removes the page's record, e.g. after unpublish.
func (m *Meili) DeletePage(id string) error {
	if !m.Healthy() {
		return nil
	}
	if _, err := m.client.Index(idxPages).DeleteDocument(id, nil); err != nil {
		return fmt.Errorf("remove page %s: %w", id, err)
	}
	return nil
}

package intelliscrape

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pevans/intelliscrape/fetch"
	"github.com/pevans/intelliscrape/scraper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper: configuration repository kept in memory
type memoryConfigs struct {
	mu       sync.Mutex
	byType   map[string]scraper.Configuration
	replaced int
}

func newMemoryConfigs() *memoryConfigs {
	return &memoryConfigs{byType: make(map[string]scraper.Configuration)}
}

func (m *memoryConfigs) FindByType(_ context.Context, typ string) (scraper.Configuration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byType[typ].Clone(), nil
}

func (m *memoryConfigs) Replace(_ context.Context, typ string, cfg scraper.Configuration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byType[typ] = cfg.Clone()
	m.replaced++
	return nil
}

// Test helper: calculator returning a fixed outcome
type fixedCalculator struct {
	cfg   scraper.Configuration
	err   error
	calls int
}

func (c *fixedCalculator) Calculate(context.Context, string) (scraper.Configuration, error) {
	c.calls++
	return c.cfg, c.err
}

// Test helper: coordinator over the fixture site
func setupCoordinator(t *testing.T, opts ...CoordinatorOption) (*Coordinator, *memoryConfigs, *fixedCalculator, *recordingPublisher, *site) {
	t.Helper()
	s := newSite(t)
	configs := newMemoryConfigs()
	calc := &fixedCalculator{}
	pub := &recordingPublisher{}
	c := NewCoordinator(configs, calc, fetch.New(fetch.Options{}), pub, opts...)
	return c, configs, calc, pub, s
}

// TestHandleScrapeRequest_NoConfiguration verifies an unconfigured type asks
// for recalculation
func TestHandleScrapeRequest_NoConfiguration(t *testing.T) {
	c, _, _, pub, s := setupCoordinator(t)
	req := scraper.NewScrapeRequest(s.URL+"/posts/1", "post", nil)

	require.NoError(t, c.HandleScrapeRequest(context.Background(), req))

	invalid := eventsOf[scraper.InvalidConfiguration](pub)
	require.Len(t, invalid, 1)
	assert.Equal(t, req, invalid[0].Request)
	assert.Len(t, pub.Events(), 1)
}

// TestHandleScrapeRequest_Scraped verifies a matching configuration
// publishes the extracted fields
func TestHandleScrapeRequest_Scraped(t *testing.T) {
	c, configs, _, pub, s := setupCoordinator(t)
	configs.byType["post"] = postConfiguration()
	req := scraper.NewScrapeRequest(s.URL+"/posts/2", "post", map[string]any{"k": "v"})

	require.NoError(t, c.HandleScrapeRequest(context.Background(), req))

	scraped := eventsOf[scraper.Scraped](pub)
	require.Len(t, scraped, 1)
	assert.Equal(t, req, scraped[0].Request)
	assert.Equal(t, s.URL+"/posts/2", scraped[0].BaseURL)
	assert.Equal(t, map[string][]string{
		"author": {"Bob"},
		"title":  {"Second post"},
	}, scraped[0].Result.Values())
}

// TestHandleScrapeRequest_PageUnavailable verifies fetch failures are
// published, not returned
func TestHandleScrapeRequest_PageUnavailable(t *testing.T) {
	c, configs, _, pub, s := setupCoordinator(t)
	configs.byType["post"] = postConfiguration()

	require.NoError(t, c.HandleScrapeRequest(context.Background(),
		scraper.NewScrapeRequest(s.URL+"/posts/404", "post", nil)))

	failed := eventsOf[scraper.ScrapeFailed](pub)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Reason, "404")
}

// TestHandleScrapeRequest_MissingValue verifies stale selectors fail the
// request by default
func TestHandleScrapeRequest_MissingValue(t *testing.T) {
	c, configs, _, pub, s := setupCoordinator(t)
	configs.byType["post"] = postConfiguration()
	s.redesigned.Store(true)

	require.NoError(t, c.HandleScrapeRequest(context.Background(),
		scraper.NewScrapeRequest(s.URL+"/posts/1", "post", nil)))

	failed := eventsOf[scraper.ScrapeFailed](pub)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Reason, "author,title")
	assert.Empty(t, eventsOf[scraper.InvalidConfiguration](pub))
}

// TestHandleScrapeRequest_MissingValueHeals verifies healing requests a
// recalculation instead
func TestHandleScrapeRequest_MissingValueHeals(t *testing.T) {
	c, configs, _, pub, s := setupCoordinator(t, WithHealing(true))
	configs.byType["post"] = postConfiguration()
	s.redesigned.Store(true)

	require.NoError(t, c.HandleScrapeRequest(context.Background(),
		scraper.NewScrapeRequest(s.URL+"/posts/1", "post", nil)))

	assert.Len(t, eventsOf[scraper.InvalidConfiguration](pub), 1)
	assert.Empty(t, eventsOf[scraper.ScrapeFailed](pub))
}

// TestHandleScrapeRequest_Cancelled verifies a cancelled request publishes
// nothing
func TestHandleScrapeRequest_Cancelled(t *testing.T) {
	c, configs, _, pub, s := setupCoordinator(t)
	configs.byType["post"] = postConfiguration()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.HandleScrapeRequest(ctx, scraper.NewScrapeRequest(s.URL+"/posts/1", "post", nil))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pub.Events())
}

// TestHandleInvalidConfiguration_Success verifies the recalculated
// configuration is saved after a successful retry
func TestHandleInvalidConfiguration_Success(t *testing.T) {
	c, configs, calc, pub, s := setupCoordinator(t)
	calc.cfg = postConfiguration()
	req := scraper.NewScrapeRequest(s.URL+"/posts/1", "post", nil)

	require.NoError(t, c.HandleInvalidConfiguration(context.Background(), scraper.InvalidConfiguration{Request: req}))

	assert.Equal(t, 1, configs.replaced)
	assert.Equal(t, postConfiguration(), configs.byType["post"])
	scraped := eventsOf[scraper.Scraped](pub)
	require.Len(t, scraped, 1)
	assert.Equal(t, []string{"First post"}, scraped[0].Result.Values()["title"])
}

// TestHandleInvalidConfiguration_Failures verifies recalculation problems
// fail the request without touching the stored configuration
func TestHandleInvalidConfiguration_Failures(t *testing.T) {
	tests := []struct {
		name       string
		calcErr    error
		redesigned bool
		path       string
		reason     string
	}{
		{
			name:    "no examples",
			calcErr: scraper.NoExampleData("post"),
			path:    "/posts/1",
			reason:  "a dataset example is needed",
		},
		{
			name:    "fields not found",
			calcErr: &scraper.ConfigurationError{Type: "post", Fields: []string{"title"}},
			path:    "/posts/1",
			reason:  `field(s) "title" not found`,
		},
		{
			name:       "still missing",
			redesigned: true,
			path:       "/posts/1",
			reason:     "no value found",
		},
		{
			name:   "page gone",
			path:   "/posts/9",
			reason: "404",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, configs, calc, pub, s := setupCoordinator(t)
			calc.cfg = postConfiguration()
			calc.err = tt.calcErr
			s.redesigned.Store(tt.redesigned)
			req := scraper.NewScrapeRequest(s.URL+tt.path, "post", nil)

			require.NoError(t, c.HandleInvalidConfiguration(context.Background(), scraper.InvalidConfiguration{Request: req}))

			assert.Equal(t, 0, configs.replaced)
			failed := eventsOf[scraper.ScrapeFailed](pub)
			require.Len(t, failed, 1)
			assert.Contains(t, failed[0].Reason, tt.reason)
			assert.Empty(t, eventsOf[scraper.InvalidConfiguration](pub), "repair never loops")
		})
	}
}

// TestHandleInvalidConfiguration_StoreError verifies unexpected errors are
// returned to the worker
func TestHandleInvalidConfiguration_StoreError(t *testing.T) {
	c, _, calc, pub, s := setupCoordinator(t)
	calc.err = errors.New("disk on fire")

	err := c.HandleInvalidConfiguration(context.Background(), scraper.InvalidConfiguration{
		Request: scraper.NewScrapeRequest(s.URL+"/posts/1", "post", nil),
	})

	assert.ErrorContains(t, err, "disk on fire")
	assert.Empty(t, pub.Events())
}

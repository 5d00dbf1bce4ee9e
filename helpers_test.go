package intelliscrape

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pevans/intelliscrape/config"
	"github.com/pevans/intelliscrape/configuration"
	"github.com/pevans/intelliscrape/dataset"
	"github.com/pevans/intelliscrape/fetch"
	"github.com/pevans/intelliscrape/logger"
	"github.com/pevans/intelliscrape/metrics"
	"github.com/pevans/intelliscrape/scraper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// Test helper: publisher that records every event
type recordingPublisher struct {
	mu     sync.Mutex
	events []scraper.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event scraper.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Events() []scraper.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]scraper.Event(nil), p.events...)
}

// Test helper: the recorded events of one type
func eventsOf[E scraper.Event](p *recordingPublisher) []E {
	var out []E
	for _, e := range p.Events() {
		if typed, ok := e.(E); ok {
			out = append(out, typed)
		}
	}
	return out
}

// Test helper: collects results and failures delivered by a service
type collector struct {
	mu      sync.Mutex
	scraped []scraper.Scraped
	failed  []scraper.ScrapeFailed
}

func (c *collector) HandleScraped(_ context.Context, event scraper.Scraped) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scraped = append(c.scraped, event)
	return nil
}

func (c *collector) handleFailed(_ context.Context, event scraper.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, event.(scraper.ScrapeFailed))
	return nil
}

func (c *collector) Scraped() []scraper.Scraped {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]scraper.Scraped(nil), c.scraped...)
}

func (c *collector) Failed() []scraper.ScrapeFailed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]scraper.ScrapeFailed(nil), c.failed...)
}

// Test helper: a small blog whose markup can be switched to a redesign.
// /list links one post, /many links eight
type site struct {
	*httptest.Server
	redesigned atomic.Bool
}

var posts = map[string][2]string{
	"/posts/1": {"First post", "Ann"},
	"/posts/2": {"Second post", "Bob"},
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{}
	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1>Latest</h1><a class="next" href="/posts/1">Read</a></body></html>`)
	})
	mux.HandleFunc("/many", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1>Archive</h1>`)
		for i := range 8 {
			fmt.Fprintf(w, `<a class="next" href="/posts/%d">Read</a>`, i%2+1)
		}
		fmt.Fprint(w, `</body></html>`)
	})
	mux.HandleFunc("/posts/", func(w http.ResponseWriter, r *http.Request) {
		post, ok := posts[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if s.redesigned.Load() {
			fmt.Fprintf(w, `<html><body><div class="headline">%s</div><p class="byline">%s</p></body></html>`, post[0], post[1])
			return
		}
		fmt.Fprintf(w, `<html><body><h1 class="title">%s</h1><span class="author">%s</span></body></html>`, post[0], post[1])
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Test helper: the configuration matching the post markup before the redesign
func postConfiguration() scraper.Configuration {
	return scraper.Configuration{
		{Name: "author", Type: "post", Selectors: []string{`//span[@class="author"]`}},
		{Name: "title", Type: "post", Selectors: []string{`//h1[@class="title"]`}},
	}
}

// Test helper: a stopped service on temp databases, with results of type
// post collected
func newTestService(t *testing.T, edit func(*config.FileConfig)) (*Service, *collector) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Workers.PoolSize = 2
	cfg.Workers.QueueSize = 50
	cfg.Workers.JobTimeout = 10 * time.Second
	if edit != nil {
		edit(cfg)
	}

	configs, err := configuration.NewStore(filepath.Join(dir, "configurations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { configs.Close() })

	examples, err := dataset.NewStore(filepath.Join(dir, "examples.db"))
	require.NoError(t, err)
	t.Cleanup(func() { examples.Close() })

	results := &collector{}
	registry := NewRegistry()
	registry.Register("post", results)

	svc, err := NewService(cfg, Components{
		Configs:  configs,
		Examples: examples,
		Fetcher:  fetch.New(fetch.Options{Timeout: 5 * time.Second}),
		Registry: registry,
		Logger:   logger.NewNop(),
		Metrics:  metrics.New(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	svc.Subscribe(scraper.EventScrapeFailed, results.handleFailed)
	return svc, results
}

// Test helper: a running service, shut down at cleanup
func setupService(t *testing.T, edit func(*config.FileConfig)) (*Service, *collector) {
	t.Helper()
	svc, results := newTestService(t, edit)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return svc, results
}

// Test helper: submit a request and wait for everything it caused
func scrapeAndWait(t *testing.T, svc *Service, url, typ string) scraper.ScrapeRequest {
	t.Helper()
	req := scraper.NewScrapeRequest(url, typ, nil)
	require.NoError(t, svc.Submit(context.Background(), req))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, svc.Wait(ctx))
	return req
}

package intelliscrape

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/pevans/intelliscrape/config"
	"github.com/pevans/intelliscrape/logger"
	"github.com/pevans/intelliscrape/scraper"
	"github.com/robfig/cron/v3"
)

// Context keys set on requests seeded from a feed.
const (
	FeedURLKey       = "feed_url"
	FeedTitleKey     = "feed_title"
	ItemTitleKey     = "item_title"
	ItemPublishedKey = "item_published_at"
)

// FetchFeed fetches and parses an RSS or Atom feed. gofeed detects the
// format.
func FetchFeed(ctx context.Context, client *http.Client, userAgent, url string) (*gofeed.Feed, error) {
	fp := gofeed.NewParser()
	if client != nil {
		fp.Client = client
	}
	if userAgent != "" {
		fp.UserAgent = userAgent
	}
	feed, err := fp.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	return feed, nil
}

// FeedRequests converts the items of a feed into scrape requests of typ.
// Items without a link are skipped and repeated links are requested once.
func FeedRequests(feed *gofeed.Feed, feedURL, typ string) []scraper.ScrapeRequest {
	requests := make([]scraper.ScrapeRequest, 0, len(feed.Items))
	seen := make(map[string]bool, len(feed.Items))

	for _, item := range feed.Items {
		link := strings.TrimSpace(item.Link)
		if link == "" || seen[link] {
			continue
		}
		seen[link] = true

		reqCtx := map[string]any{
			FeedURLKey: feedURL,
		}
		if feed.Title != "" {
			reqCtx[FeedTitleKey] = feed.Title
		}
		if item.Title != "" {
			reqCtx[ItemTitleKey] = item.Title
		}
		// Atom entries may only carry <updated>
		if item.PublishedParsed != nil {
			reqCtx[ItemPublishedKey] = item.PublishedParsed.UTC().Format(time.RFC3339)
		} else if item.UpdatedParsed != nil {
			reqCtx[ItemPublishedKey] = item.UpdatedParsed.UTC().Format(time.RFC3339)
		}

		requests = append(requests, scraper.NewScrapeRequest(link, typ, reqCtx))
	}
	return requests
}

// FeedSeeder publishes a scrape request for every item of a feed.
type FeedSeeder struct {
	publisher scraper.Publisher
	client    *http.Client
	userAgent string
	log       logger.Logger
}

// NewFeedSeeder creates a seeder. A nil client uses gofeed's default.
func NewFeedSeeder(publisher scraper.Publisher, client *http.Client, userAgent string, log logger.Logger) *FeedSeeder {
	if log == nil {
		log = logger.NewNop()
	}
	return &FeedSeeder{publisher: publisher, client: client, userAgent: userAgent, log: log}
}

// Seed fetches the feed at feedURL and publishes its items as requests of
// typ. It returns how many requests were published.
func (s *FeedSeeder) Seed(ctx context.Context, feedURL, typ string) (int, error) {
	feed, err := FetchFeed(ctx, s.client, s.userAgent, feedURL)
	if err != nil {
		return 0, err
	}

	requests := FeedRequests(feed, feedURL, typ)
	for i, req := range requests {
		if err := s.publisher.Publish(ctx, req); err != nil {
			return i, fmt.Errorf("failed to request %s: %w", req.URL, err)
		}
	}

	s.log.Info("Seeded scrape requests from feed",
		logger.String("feed", feedURL),
		logger.String("type", typ),
		logger.Int("requests", len(requests)),
	)
	return len(requests), nil
}

// FeedScheduler seeds feeds on their cron schedules.
type FeedScheduler struct {
	seeder *FeedSeeder
	cron   *cron.Cron
	feeds  []config.FeedConfig
	log    logger.Logger
	ctx    context.Context
}

// NewFeedScheduler registers every scheduled feed. Feeds without a schedule
// are only seeded by SeedAll.
func NewFeedScheduler(seeder *FeedSeeder, feeds []config.FeedConfig, log logger.Logger) (*FeedScheduler, error) {
	if log == nil {
		log = logger.NewNop()
	}
	s := &FeedScheduler{
		seeder: seeder,
		cron:   cron.New(),
		feeds:  feeds,
		log:    log,
		ctx:    context.Background(),
	}

	for _, feed := range feeds {
		if feed.Schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(feed.Schedule, func() {
			s.seed(s.ctx, feed)
		}); err != nil {
			return nil, fmt.Errorf("failed to schedule feed %s: %w", feed.URL, err)
		}
	}
	return s, nil
}

// SeedAll seeds every configured feed once.
func (s *FeedScheduler) SeedAll(ctx context.Context) {
	for _, feed := range s.feeds {
		if ctx.Err() != nil {
			return
		}
		s.seed(ctx, feed)
	}
}

// Start runs the schedule in the background. Scheduled seeds publish under
// ctx.
func (s *FeedScheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop halts the schedule and waits for running seeds to finish or ctx to
// end.
func (s *FeedScheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Entries returns how many feeds run on a schedule.
func (s *FeedScheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *FeedScheduler) seed(ctx context.Context, feed config.FeedConfig) {
	if _, err := s.seeder.Seed(ctx, feed.URL, feed.Type); err != nil {
		s.log.Error("Failed to seed feed",
			logger.String("feed", feed.URL),
			logger.String("type", feed.Type),
			logger.Error(err),
		)
	}
}

package intelliscrape

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mmcdole/gofeed"
	"github.com/pevans/intelliscrape/config"
	"github.com/pevans/intelliscrape/scraper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRSS = `<?xml version="1.0"?>
<rss version="2.0">
<channel>
  <title>Example Blog</title>
  <link>http://example.com</link>
  <item>
    <title>First post</title>
    <link>http://example.com/posts/1</link>
    <pubDate>Mon, 01 Jan 2024 10:00:00 +0000</pubDate>
  </item>
  <item>
    <title>No link</title>
  </item>
  <item>
    <title>First post again</title>
    <link> http://example.com/posts/1 </link>
  </item>
  <item>
    <title>Second post</title>
    <link>http://example.com/posts/2</link>
  </item>
</channel>
</rss>`

// Test helper: serve a feed document
func serveFeed(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestFeedRequests verifies items become requests with feed context
func TestFeedRequests(t *testing.T) {
	feed, err := gofeed.NewParser().ParseString(testRSS)
	require.NoError(t, err)

	requests := FeedRequests(feed, "http://example.com/feed", "post")

	require.Len(t, requests, 2, "items without links and repeated links are skipped")
	assert.Equal(t, "http://example.com/posts/1", requests[0].URL)
	assert.Equal(t, "post", requests[0].Type)
	assert.Equal(t, map[string]any{
		FeedURLKey:       "http://example.com/feed",
		FeedTitleKey:     "Example Blog",
		ItemTitleKey:     "First post",
		ItemPublishedKey: "2024-01-01T10:00:00Z",
	}, requests[0].Context)

	assert.Equal(t, "http://example.com/posts/2", requests[1].URL)
	assert.NotContains(t, requests[1].Context, ItemPublishedKey)
	assert.NotEqual(t, requests[0].ID, requests[1].ID)
}

// TestFeedSeeder_Seed verifies a fetched feed is published item by item
func TestFeedSeeder_Seed(t *testing.T) {
	srv := serveFeed(t, testRSS)
	pub := &recordingPublisher{}

	n, err := NewFeedSeeder(pub, srv.Client(), "test-agent", nil).Seed(context.Background(), srv.URL, "post")

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	requests := eventsOf[scraper.ScrapeRequest](pub)
	require.Len(t, requests, 2)
	assert.Equal(t, srv.URL, requests[0].Context[FeedURLKey])
}

// TestFeedSeeder_Errors verifies bad feeds and publish failures are reported
func TestFeedSeeder_Errors(t *testing.T) {
	bad := serveFeed(t, "not a feed")
	_, err := NewFeedSeeder(&recordingPublisher{}, nil, "", nil).Seed(context.Background(), bad.URL, "post")
	assert.ErrorContains(t, err, "failed to parse feed")

	good := serveFeed(t, testRSS)
	pub := &recordingPublisher{err: fmt.Errorf("queue full")}
	n, err := NewFeedSeeder(pub, nil, "", nil).Seed(context.Background(), good.URL, "post")
	assert.ErrorContains(t, err, "queue full")
	assert.Equal(t, 0, n)
}

// TestFeedScheduler verifies only feeds with a schedule are registered and
// SeedAll covers every feed
func TestFeedScheduler(t *testing.T) {
	srv := serveFeed(t, testRSS)
	pub := &recordingPublisher{}
	feeds := []config.FeedConfig{
		{URL: srv.URL, Type: "post", Schedule: "@every 1h"},
		{URL: srv.URL + "/again", Type: "post"},
	}

	s, err := NewFeedScheduler(NewFeedSeeder(pub, nil, "", nil), feeds, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Entries())

	s.SeedAll(context.Background())
	assert.Len(t, eventsOf[scraper.ScrapeRequest](pub), 4)

	_, err = NewFeedScheduler(NewFeedSeeder(pub, nil, "", nil),
		[]config.FeedConfig{{URL: srv.URL, Type: "post", Schedule: "every tuesday"}}, nil)
	assert.Error(t, err)
}

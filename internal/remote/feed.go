package remote

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	ErrNoBuilds = errors.New("no builds found in patch notes feed")

	reFeedBuild = regexp.MustCompile(`Build\s+(\d+)`)
)

var pubDateLayouts = []string{time.RFC1123Z, time.RFC1123, "Mon, 2 Jan 2006 15:04:05 MST", "Mon, 2 Jan 2006 15:04:05 -0700"}

type feedDocument struct {
	Items []feedItem `xml:"channel>item"`
}

type feedItem struct {
	Title   string `xml:"title"`
	PubDate string `xml:"pubDate"`
}

// Feed resolves build release dates from the patch notes RSS feed. Results are
// cached for the life of the process, keyed by app id and build id (or "latest").
type Feed struct {
	baseURL string
	client  *client
	group   singleflight.Group

	mu    sync.Mutex
	cache map[string]time.Time
}

func NewFeed(opts Options) *Feed {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = DefaultFeedURL
	}
	return &Feed{baseURL: base, client: newClient("feed", opts), cache: map[string]time.Time{}}
}

func cacheKey(appID, buildID string) string {
	if buildID == "" {
		buildID = "latest"
	}
	return appID + ":" + buildID
}

func (f *Feed) cached(key string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.cache[key]
	return ts, ok
}

// BuildDate returns the publish date of buildID, or of the latest entry when
// buildID is empty or absent from the feed.
func (f *Feed) BuildDate(ctx context.Context, appID, buildID string) (time.Time, error) {
	appID = strings.TrimSpace(appID)
	buildID = strings.TrimSpace(buildID)
	if appID == "" {
		return time.Time{}, fmt.Errorf("lookup build date: app id is required")
	}
	key := cacheKey(appID, buildID)
	if ts, ok := f.cached(key); ok {
		return ts, nil
	}

	v, err, _ := f.group.Do(key, func() (interface{}, error) {
		body, err := f.client.get(ctx, f.baseURL+"?appid="+url.QueryEscape(appID), "application/rss+xml")
		if err != nil {
			return time.Time{}, fmt.Errorf("fetch patch notes %s: %w", appID, err)
		}
		ts, err := ParseFeed(body, buildID)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse patch notes %s: %w", appID, err)
		}
		f.mu.Lock()
		f.cache[key] = ts
		f.mu.Unlock()
		return ts, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

// ParseFeed scans feed items in order. With a target build, items naming a
// different build are skipped; when the target never appears the first dated
// item wins.
func ParseFeed(body []byte, targetBuild string) (time.Time, error) {
	var doc feedDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return time.Time{}, fmt.Errorf("decode feed: %w", err)
	}
	ts, err := pickItem(doc.Items, targetBuild)
	if errors.Is(err, ErrNoBuilds) && targetBuild != "" {
		return pickItem(doc.Items, "")
	}
	return ts, err
}

func pickItem(items []feedItem, target string) (time.Time, error) {
	for _, item := range items {
		title := strings.TrimSpace(item.Title)
		pub := strings.TrimSpace(item.PubDate)
		if title == "" || pub == "" {
			continue
		}
		if target != "" {
			if m := reFeedBuild.FindStringSubmatch(title); m != nil && m[1] != target {
				continue
			}
		}
		return parsePubDate(pub)
	}
	return time.Time{}, ErrNoBuilds
}

func parsePubDate(raw string) (time.Time, error) {
	for _, layout := range pubDateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse publish date %q", raw)
}

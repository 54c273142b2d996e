package youtubeapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/onnwee/stream-herald/notify"
)

// DefaultFeedBase is the public per-channel Atom feed.
const DefaultFeedBase = "https://www.youtube.com/feeds/videos.xml"

// liveKeywords are matched as substrings of the lowercased title and description.
var liveKeywords = []string{"live", "premiere", "stream", "livestream"}

// FeedItem is one entry of a channel feed with the signals used to guess liveness.
type FeedItem struct {
	VideoID      string
	ChannelID    string
	Title        string
	Description  string
	URL          string
	ThumbnailURL string
	Author       string
	Published    time.Time

	LiveBroadcast   string // yt:liveBroadcast, when present
	MediaLive       bool   // media:live present
	DurationSeconds int    // yt:duration, 0 when absent
}

// LooksLive is the feed heuristic: any one signal is enough. It has false
// positives (e.g. "alive" in a title); a positive is meant to be confirmed.
func (it FeedItem) LooksLive() bool {
	text := strings.ToLower(it.Title + "\n" + it.Description)
	for _, kw := range liveKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return it.LiveBroadcast == "live" || it.MediaLive || it.DurationSeconds > 3600
}

// FeedClient fetches and parses channel feeds.
type FeedClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (f *FeedClient) http() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return http.DefaultClient
}

// Items returns the feed entries newest first.
func (f *FeedClient) Items(ctx context.Context, channelID string) ([]FeedItem, error) {
	const op = "youtube.feed"
	base := f.BaseURL
	if base == "" {
		base = DefaultFeedBase
	}
	u := base + "?channel_id=" + url.QueryEscape(channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, notify.E(notify.KindTransient, op, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, notify.E(notify.KindNotFound, op, fmt.Errorf("feed for channel %s not found", channelID))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, notify.RateLimited(op, 0, fmt.Errorf("feed status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, notify.E(notify.KindServiceUnavailable, op, fmt.Errorf("feed status %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return nil, notify.E(notify.KindTransient, op, fmt.Errorf("feed status %d", resp.StatusCode))
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, notify.E(notify.KindTransient, op, fmt.Errorf("parse feed: %w", err))
	}
	items := make([]FeedItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		items = append(items, toFeedItem(it, channelID))
	}
	return items, nil
}

// LatestItem returns the first feed entry; ok is false for an empty feed.
func (f *FeedClient) LatestItem(ctx context.Context, channelID string) (FeedItem, bool, error) {
	items, err := f.Items(ctx, channelID)
	if err != nil || len(items) == 0 {
		return FeedItem{}, false, err
	}
	return items[0], true, nil
}

func toFeedItem(it *gofeed.Item, channelID string) FeedItem {
	out := FeedItem{
		ChannelID:   channelID,
		Title:       it.Title,
		Description: it.Description,
		URL:         it.Link,
	}
	if it.PublishedParsed != nil {
		out.Published = *it.PublishedParsed
	}
	if len(it.Authors) > 0 && it.Authors[0] != nil {
		out.Author = it.Authors[0].Name
	}

	yt := it.Extensions["yt"]
	out.VideoID = extValue(yt, "videoId")
	if c := extValue(yt, "channelId"); c != "" {
		out.ChannelID = c
	}
	out.LiveBroadcast = strings.ToLower(extValue(yt, "liveBroadcast"))
	if d := yt["duration"]; len(d) > 0 {
		v := d[0].Value
		if v == "" {
			v = d[0].Attrs["seconds"]
		}
		out.DurationSeconds, _ = strconv.Atoi(strings.TrimSpace(v))
	}

	media := it.Extensions["media"]
	if _, ok := media["live"]; ok {
		out.MediaLive = true
	}
	if g := media["group"]; len(g) > 0 {
		children := g[0].Children
		if _, ok := children["live"]; ok {
			out.MediaLive = true
		}
		if out.Description == "" {
			out.Description = extValue(children, "description")
		}
		if th := children["thumbnail"]; len(th) > 0 {
			out.ThumbnailURL = th[0].Attrs["url"]
		}
	}

	if out.URL == "" && out.VideoID != "" {
		out.URL = "https://www.youtube.com/watch?v=" + out.VideoID
	}
	if out.VideoID == "" {
		out.VideoID = strings.TrimPrefix(it.GUID, "yt:video:")
	}
	return out
}

func extValue(m map[string][]ext.Extension, name string) string {
	if v := m[name]; len(v) > 0 {
		return strings.TrimSpace(v[0].Value)
	}
	return ""
}

// Package youtubeapi reads YouTube channels two ways: the public Atom feed for
// the newest uploads, and the Data API (API key auth) to confirm that a video is
// an ongoing broadcast and to resolve a search term to a channel. Several API
// keys may be configured; a key that reports quotaExceeded is rotated out.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/telemetry"
)

// Channel is the result of a channel search.
type Channel struct {
	ID           string
	Title        string
	Description  string
	ThumbnailURL string
}

// Service calls the Data API with a rotating set of API keys.
type Service struct {
	svc  *yt.Service
	keys []string

	mu  sync.Mutex
	idx int
}

// New builds a Service. endpoint overrides the API root and may be empty.
func New(ctx context.Context, keys []string, hc *http.Client, endpoint string) (*Service, error) {
	if len(keys) == 0 {
		return nil, errors.New("no youtube api keys configured")
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Service{svc: svc, keys: append([]string(nil), keys...)}, nil
}

func (s *Service) currentKey() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[s.idx], s.idx
}

// rotate advances past the key at idx. A concurrent caller may already have done so.
func (s *Service) rotate(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx != idx {
		return
	}
	s.idx = (s.idx + 1) % len(s.keys)
	telemetry.RecordQuotaRotation()
	slog.Warn("youtube api key quota exceeded, rotating", slog.Int("next_index", s.idx), slog.String("component", "youtubeapi"))
}

// withKey runs call with each key at most once until one is not over quota.
func (s *Service) withKey(op string, call func(key googleapi.CallOption) error) error {
	for range s.keys {
		key, idx := s.currentKey()
		err := call(googleapi.QueryParameter("key", key))
		if err == nil {
			return nil
		}
		if isQuotaExceeded(err) {
			s.rotate(idx)
			continue
		}
		return classify(op, err)
	}
	return notify.E(notify.KindQuotaExhausted, op, errors.New("all youtube api keys exceeded their quota"))
}

// ConfirmLive reports whether videoID is a broadcast that has not ended.
func (s *Service) ConfirmLive(ctx context.Context, videoID string) (bool, error) {
	var live bool
	err := s.withKey("youtube.videos", func(key googleapi.CallOption) error {
		resp, err := s.svc.Videos.List([]string{"liveStreamingDetails"}).Id(videoID).Context(ctx).Do(key)
		if err != nil {
			return err
		}
		live = false
		if len(resp.Items) > 0 {
			d := resp.Items[0].LiveStreamingDetails
			live = d != nil && d.ActualEndTime == ""
		}
		return nil
	})
	return live, err
}

// SearchChannel returns the best channel match for term.
func (s *Service) SearchChannel(ctx context.Context, term string) (Channel, error) {
	var out Channel
	err := s.withKey("youtube.search", func(key googleapi.CallOption) error {
		resp, err := s.svc.Search.List([]string{"snippet"}).Q(term).Type("channel").MaxResults(1).Context(ctx).Do(key)
		if err != nil {
			return err
		}
		if len(resp.Items) == 0 || resp.Items[0].Id == nil {
			return notify.E(notify.KindNotFound, "youtube.search", fmt.Errorf("no channel matches %q", term))
		}
		it := resp.Items[0]
		out = Channel{ID: it.Id.ChannelId}
		if sn := it.Snippet; sn != nil {
			out.Title = sn.ChannelTitle
			if out.Title == "" {
				out.Title = sn.Title
			}
			out.Description = sn.Description
			if sn.Thumbnails != nil && sn.Thumbnails.Default != nil {
				out.ThumbnailURL = sn.Thumbnails.Default.Url
			}
		}
		return nil
	})
	return out, err
}

func isQuotaExceeded(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	for _, e := range gerr.Errors {
		if e.Reason == "quotaExceeded" || e.Reason == "dailyLimitExceeded" {
			return true
		}
	}
	return false
}

func classify(op string, err error) error {
	var ne *notify.Error
	if errors.As(err, &ne) {
		return err
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return notify.E(notify.KindTransient, op, err)
	}
	switch {
	case gerr.Code == http.StatusNotFound:
		return notify.E(notify.KindNotFound, op, err)
	case gerr.Code == http.StatusTooManyRequests:
		return notify.RateLimited(op, 0, err)
	case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
		return notify.E(notify.KindAuthFailure, op, err)
	case gerr.Code == http.StatusServiceUnavailable:
		return notify.E(notify.KindServiceUnavailable, op, err)
	default:
		return notify.E(notify.KindTransient, op, err)
	}
}

// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for user resolution and live-status lookups, using an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/onnwee/stream-herald/notify"
)

const helixBase = "https://api.twitch.tv/helix"

// helixMaxRetries bounds attempts per request. A 401 grants one extra attempt
// after the app token is refreshed.
const helixMaxRetries = 3

// helixRetryBase is the first backoff for 5xx and transport errors; it doubles per attempt.
var helixRetryBase = 500 * time.Millisecond

// HelixClient provides the Helix calls needed for live-status monitoring.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// User is a Helix user record.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// Stream is a Helix stream record; only live streams are returned by the API.
type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameID       string    `json:"game_id"`
	GameName     string    `json:"game_name"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

// Game is a Helix category.
type Game struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GetUser resolves a login name to its user record.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (User, error) {
	if login == "" {
		return User{}, fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.get(ctx, "helix.users", "/users", url.Values{"login": {login}}, &body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, notify.E(notify.KindNotFound, "helix.users", fmt.Errorf("user not found: %s", login))
	}
	return body.Data[0], nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	u, err := hc.GetUser(ctx, login)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// GetStreams returns the live streams for a login; empty when offline.
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "helix.streams", "/streams", url.Values{"user_login": {login}}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetGame looks up a category by id.
func (hc *HelixClient) GetGame(ctx context.Context, id string) (Game, error) {
	if id == "" {
		return Game{}, fmt.Errorf("game id empty")
	}
	var body struct {
		Data []Game `json:"data"`
	}
	if err := hc.get(ctx, "helix.games", "/games", url.Values{"id": {id}}, &body); err != nil {
		return Game{}, err
	}
	if len(body.Data) == 0 {
		return Game{}, notify.E(notify.KindNotFound, "helix.games", fmt.Errorf("game not found: %s", id))
	}
	return body.Data[0], nil
}

// get performs a Helix GET with retries on 429/5xx and one token refresh on 401.
func (hc *HelixClient) get(ctx context.Context, op, path string, q url.Values, out any) error {
	maxAttempts := helixMaxRetries
	refreshed := false
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return notify.E(notify.KindAuthFailure, op, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBase+path, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := hc.http().Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = notify.E(notify.KindTransient, op, err)
			if werr := sleepCtx(ctx, backoff(attempt)); werr != nil {
				return werr
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			closeBody(resp)
			if err != nil {
				return notify.E(notify.KindTransient, op, fmt.Errorf("decode: %w", err))
			}
			return nil

		case resp.StatusCode == http.StatusUnauthorized:
			lastErr = notify.E(notify.KindAuthFailure, op, statusError(resp))
			closeBody(resp)
			if refreshed {
				return lastErr
			}
			refreshed = true
			maxAttempts++
			hc.AppTokenSource.Invalidate()
			slog.Info("helix token rejected, refreshing", slog.String("op", op), slog.String("component", "twitchapi"))

		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp)
			lastErr = notify.RateLimited(op, wait, statusError(resp))
			closeBody(resp)
			slog.Warn("helix rate limited", slog.String("op", op), slog.Duration("wait", wait), slog.Int("attempt", attempt))
			if attempt < maxAttempts {
				if werr := sleepCtx(ctx, wait); werr != nil {
					return werr
				}
			}

		case resp.StatusCode >= 500:
			kind := notify.KindTransient
			if resp.StatusCode == http.StatusServiceUnavailable {
				kind = notify.KindServiceUnavailable
			}
			lastErr = notify.E(kind, op, statusError(resp))
			closeBody(resp)
			if attempt < maxAttempts {
				if werr := sleepCtx(ctx, backoff(attempt)); werr != nil {
					return werr
				}
			}

		case resp.StatusCode == http.StatusNotFound:
			err := notify.E(notify.KindNotFound, op, statusError(resp))
			closeBody(resp)
			return err

		case resp.StatusCode == http.StatusForbidden:
			err := notify.E(notify.KindAuthFailure, op, statusError(resp))
			closeBody(resp)
			return err

		default:
			err := notify.E(notify.KindTransient, op, statusError(resp))
			closeBody(resp)
			return err
		}
	}
	return lastErr
}

func backoff(attempt int) time.Duration {
	return helixRetryBase * time.Duration(1<<(attempt-1))
}

// retryAfter reads Retry-After (seconds) or Ratelimit-Reset (unix seconds).
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Second
		}
	}
	if v := resp.Header.Get("Ratelimit-Reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(n, 0)); d > 0 {
				return d
			}
			return 0
		}
	}
	return time.Second
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: %s", resp.Status, string(b))
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

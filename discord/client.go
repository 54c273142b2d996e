// Package discord is a small Discord REST and gateway client covering what the
// notifier needs: posting, editing and fetching channel messages, and holding a
// gateway session so connection loss is observable. Failures are returned as
// *notify.Error so the delivery engine can apply its retry policy.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/stream-herald/notify"
)

// DefaultAPIBase is the versioned REST root.
const DefaultAPIBase = "https://discord.com/api/v10"

const userAgent = "DiscordBot (https://github.com/onnwee/stream-herald, 1.0)"

// Client calls the Discord REST API with a bot token.
type Client struct {
	Token      string
	APIBase    string
	HTTPClient *http.Client
}

// NewClient returns a client for the given bot token; apiBase may be empty.
func NewClient(token, apiBase string, hc *http.Client) *Client {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &Client{Token: token, APIBase: apiBase, HTTPClient: hc}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// SendMessage posts a new message and returns it as created.
func (c *Client) SendMessage(ctx context.Context, channelID string, msg MessageSend) (Message, error) {
	var out Message
	err := c.do(ctx, "discord.send", http.MethodPost, "/channels/"+channelID+"/messages", msg, &out)
	return out, err
}

// EditMessage replaces content and embeds of an existing message.
func (c *Client) EditMessage(ctx context.Context, channelID, messageID string, msg MessageSend) (Message, error) {
	var out Message
	err := c.do(ctx, "discord.edit", http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID, msg, &out)
	return out, err
}

// FetchMessage reads a message; a deleted message yields a KindNotFound error.
func (c *Client) FetchMessage(ctx context.Context, channelID, messageID string) (Message, error) {
	var out Message
	err := c.do(ctx, "discord.fetch", http.MethodGet, "/channels/"+channelID+"/messages/"+messageID, nil, &out)
	return out, err
}

// CurrentUser returns the bot user; used as a cheap credential probe.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var out User
	err := c.do(ctx, "discord.me", http.MethodGet, "/users/@me", nil, &out)
	return out, err
}

// GatewayURL asks the API for the websocket URL to connect to.
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, "discord.gateway", http.MethodGet, "/gateway/bot", nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.APIBase+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.Token)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return notify.E(notify.KindTransient, op, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return notify.E(notify.KindTransient, op, fmt.Errorf("decode: %w", err))
		}
		return nil
	}
	return classify(op, resp)
}

// classify maps a non-2xx response onto the failure taxonomy.
func classify(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr APIError
	_ = json.Unmarshal(raw, &apiErr)
	apiErr.Status = resp.StatusCode
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return notify.RateLimited(op, rateLimitWait(resp, apiErr), &apiErr)
	case http.StatusServiceUnavailable:
		return notify.E(notify.KindServiceUnavailable, op, &apiErr)
	case http.StatusNotFound:
		return notify.E(notify.KindNotFound, op, &apiErr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return notify.E(notify.KindAuthFailure, op, &apiErr)
	default:
		return notify.E(notify.KindTransient, op, &apiErr)
	}
}

// rateLimitWait prefers the body's fractional retry_after over the header.
func rateLimitWait(resp *http.Response, apiErr APIError) time.Duration {
	if apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter * float64(time.Second))
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	if v := resp.Header.Get("X-RateLimit-Reset-After"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return 0
}

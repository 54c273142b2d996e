package discord

import "fmt"

// Message is the subset of a Discord message the notifier reads back.
type Message struct {
	ID        string  `json:"id"`
	ChannelID string  `json:"channel_id"`
	Content   string  `json:"content"`
	Embeds    []Embed `json:"embeds,omitempty"`
}

// MessageSend is the body for create and edit calls.
type MessageSend struct {
	Content         string           `json:"content"`
	Embeds          []Embed          `json:"embeds"`
	AllowedMentions *AllowedMentions `json:"allowed_mentions,omitempty"`
}

// AllowedMentions restricts which mentions in Content actually ping.
type AllowedMentions struct {
	Parse []string `json:"parse"`
}

type Embed struct {
	Title       string       `json:"title,omitempty"`
	URL         string       `json:"url,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Image       *EmbedImage  `json:"image,omitempty"`
	Thumbnail   *EmbedImage  `json:"thumbnail,omitempty"`
	Author      *EmbedAuthor `json:"author,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type EmbedImage struct {
	URL string `json:"url"`
}

type EmbedAuthor struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

// User is the bot account returned by /users/@me.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// APIError is Discord's JSON error body. RetryAfter is in (fractional) seconds.
type APIError struct {
	Status     int     `json:"-"`
	Code       int     `json:"code"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("discord %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("discord %d: %s", e.Status, e.Message)
}

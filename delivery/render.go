package delivery

import (
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/stream-herald/discord"
	"github.com/onnwee/stream-herald/notify"
)

const (
	colorTwitch  = 0x9146FF
	colorYouTube = 0xFF0000
	colorOffline = 0x747F8D
)

// mentions restricts pings to what the mention prefix asks for.
func mentions(mention string) *discord.AllowedMentions {
	if mention == "" {
		return &discord.AllowedMentions{Parse: []string{}}
	}
	return &discord.AllowedMentions{Parse: []string{"everyone", "roles", "users"}}
}

func withMention(mention, text string) string {
	if mention == "" {
		return text
	}
	return mention + " " + text
}

// LiveMessage announces a Twitch stream.
func LiveMessage(sub notify.Subject, snap notify.Snapshot, mention string) discord.MessageSend {
	title := snap.Title
	if title == "" {
		title = sub.Name() + " is live"
	}
	category := snap.Category
	if category == "" {
		category = "Unknown"
	}
	embed := discord.Embed{
		Title:  title,
		URL:    snap.URL,
		Color:  colorTwitch,
		Author: &discord.EmbedAuthor{Name: sub.Name(), URL: snap.URL},
		Fields: []discord.EmbedField{
			{Name: "Game", Value: category, Inline: true},
			{Name: "Status", Value: "Live", Inline: true},
		},
		Footer: &discord.EmbedFooter{Text: "Twitch"},
	}
	if snap.ThumbnailURL != "" {
		// per-stream query so Discord does not serve a cached preview
		embed.Image = &discord.EmbedImage{URL: fmt.Sprintf("%s?t=%d", snap.ThumbnailURL, snap.StartedAt.Unix())}
	}
	if !snap.StartedAt.IsZero() {
		embed.Timestamp = snap.StartedAt.UTC().Format(time.RFC3339)
	}
	return discord.MessageSend{
		Content:         withMention(mention, fmt.Sprintf("**%s** is now live on Twitch!", sub.Name())),
		Embeds:          []discord.Embed{embed},
		AllowedMentions: mentions(mention),
	}
}

// OfflineMessage rewrites a live notice once the stream ended. It never pings.
func OfflineMessage(sub notify.Subject, prev notify.SubjectState) discord.MessageSend {
	title := prev.Title
	if title == "" {
		title = sub.Name()
	}
	category := prev.Category
	if category == "" {
		category = "Unknown"
	}
	embed := discord.Embed{
		Title:  title,
		URL:    prev.URL,
		Color:  colorOffline,
		Author: &discord.EmbedAuthor{Name: sub.Name(), URL: prev.URL},
		Fields: []discord.EmbedField{
			{Name: "Game", Value: category, Inline: true},
			{Name: "Status", Value: "Offline", Inline: true},
		},
		Footer: &discord.EmbedFooter{Text: "Twitch"},
	}
	return discord.MessageSend{
		Content:         fmt.Sprintf("**%s** was live on Twitch.", sub.Name()),
		Embeds:          []discord.Embed{embed},
		AllowedMentions: mentions(""),
	}
}

// FeedMessage announces a new YouTube item, worded for a broadcast or an upload.
func FeedMessage(sub notify.Subject, snap notify.Snapshot, mention string) discord.MessageSend {
	var headline string
	if snap.Live {
		headline = fmt.Sprintf("**%s is live now!**", sub.Name())
	} else {
		headline = fmt.Sprintf("**New video uploaded by %s!**", sub.Name())
	}
	lines := []string{headline, snap.Title, snap.URL}
	if mention != "" {
		lines = append([]string{mention}, lines...)
	}
	embed := discord.Embed{
		Title:  snap.Title,
		URL:    snap.URL,
		Color:  colorYouTube,
		Author: &discord.EmbedAuthor{Name: sub.Name()},
		Footer: &discord.EmbedFooter{Text: "YouTube"},
	}
	if snap.ThumbnailURL != "" {
		embed.Thumbnail = &discord.EmbedImage{URL: snap.ThumbnailURL}
	}
	if !snap.PublishedAt.IsZero() {
		embed.Timestamp = snap.PublishedAt.UTC().Format(time.RFC3339)
	}
	return discord.MessageSend{
		Content:         strings.Join(lines, "\n"),
		Embeds:          []discord.Embed{embed},
		AllowedMentions: mentions(mention),
	}
}

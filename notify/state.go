package notify

import "time"

// DefaultSeenHistory bounds SubjectState.SeenIDs when no limit is configured.
const DefaultSeenHistory = 10

// Snapshot is what a single poll observed for a subject. It is never persisted.
type Snapshot struct {
	SubjectKey   string
	ContentID    string // stream id for Twitch, video id for YouTube
	Live         bool
	Title        string
	Category     string
	Description  string
	ThumbnailURL string
	URL          string
	ViewerCount  int
	StartedAt    time.Time
	PublishedAt  time.Time
}

// SubjectState is the last known notification state of a subject. At most one
// live message is tracked at a time: MessageID is set when a live notice is
// posted and cleared once the offline edit lands.
type SubjectState struct {
	SubjectKey     string    `json:"subject_key"`
	Live           bool      `json:"live"`
	ContentID      string    `json:"content_id,omitempty"`
	Title          string    `json:"title,omitempty"`
	Category       string    `json:"category,omitempty"`
	ThumbnailURL   string    `json:"thumbnail_url,omitempty"`
	URL            string    `json:"url,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	ChannelID      string    `json:"channel_id,omitempty"`
	SeenIDs        []string  `json:"seen_ids,omitempty"`
	LastNotifiedAt time.Time `json:"last_notified_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing the store's copy.
func (s SubjectState) Clone() SubjectState {
	if s.SeenIDs != nil {
		s.SeenIDs = append([]string(nil), s.SeenIDs...)
	}
	return s
}

// HasSeen reports whether the content id is in the seen history.
func (s SubjectState) HasSeen(id string) bool {
	for _, v := range s.SeenIDs {
		if v == id {
			return true
		}
	}
	return false
}

// MarkSeen records id as the newest seen item, keeping at most limit entries.
func (s *SubjectState) MarkSeen(id string, limit int) {
	if id == "" || s.HasSeen(id) {
		return
	}
	if limit <= 0 {
		limit = DefaultSeenHistory
	}
	seen := make([]string, 0, limit)
	seen = append(seen, id)
	for _, v := range s.SeenIDs {
		if len(seen) == limit {
			break
		}
		seen = append(seen, v)
	}
	s.SeenIDs = seen
}

// HasLiveMessage reports whether a live notice is currently tracked.
func (s SubjectState) HasLiveMessage() bool { return s.MessageID != "" }

// WithinCooldown reports whether a live subject was notified less than d ago.
func (s SubjectState) WithinCooldown(now time.Time, d time.Duration) bool {
	if d <= 0 || !s.Live || s.LastNotifiedAt.IsZero() {
		return false
	}
	return now.Sub(s.LastNotifiedAt) < d
}

// ChannelIDOr returns the channel of the tracked message, or def when unknown.
func (s SubjectState) ChannelIDOr(def string) string {
	if s.ChannelID != "" {
		return s.ChannelID
	}
	return def
}

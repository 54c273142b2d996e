// Package notify holds the domain model shared by the poller, delivery engine,
// state store and scheduler: monitored subjects, per-subject notification state,
// content snapshots, change classification and the failure taxonomy.
package notify

import (
	"fmt"
	"strings"
	"time"
)

// SourceKind identifies the content source a subject is polled from.
type SourceKind string

const (
	SourceTwitch  SourceKind = "twitch"
	SourceYouTube SourceKind = "youtube"
)

// ParseSourceKind accepts "twitch" or "youtube" in any case.
func ParseSourceKind(s string) (SourceKind, error) {
	switch SourceKind(strings.ToLower(strings.TrimSpace(s))) {
	case SourceTwitch:
		return SourceTwitch, nil
	case SourceYouTube:
		return SourceYouTube, nil
	}
	return "", fmt.Errorf("unknown source kind %q", s)
}

// Subject is a monitored streamer or channel. ID is the Twitch login or the
// YouTube channel ID.
type Subject struct {
	ID          string     `json:"id"`
	Kind        SourceKind `json:"kind"`
	DisplayName string     `json:"display_name"`
	SearchTerm  string     `json:"search_term,omitempty"`
	AddedAt     time.Time  `json:"added_at"`
}

// Key is the identity used by the state store and the per-subject locks.
func (s Subject) Key() string { return SubjectKey(s.Kind, s.ID) }

// Name returns the display name, falling back to the ID.
func (s Subject) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.ID
}

// SubjectKey builds the store key for a subject of the given kind.
func SubjectKey(kind SourceKind, id string) string {
	if kind == SourceTwitch {
		id = strings.ToLower(id)
	}
	return string(kind) + ":" + id
}

// Validate reports whether the subject can be monitored.
func (s Subject) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("subject id empty")
	}
	if s.Kind != SourceTwitch && s.Kind != SourceYouTube {
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	return nil
}

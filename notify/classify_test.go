package notify

import (
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name string
		prev SubjectState
		snap Snapshot
		want Change
	}{
		{
			name: "offline to live is a new stream",
			prev: SubjectState{},
			snap: Snapshot{Live: true, Title: "hello", Category: "Chess"},
			want: ChangeWentLive,
		},
		{
			name: "title change while live",
			prev: SubjectState{Live: true, Title: "hello", Category: "Chess"},
			snap: Snapshot{Live: true, Title: "hello again", Category: "Chess"},
			want: ChangeUpdated,
		},
		{
			name: "category change while live",
			prev: SubjectState{Live: true, Title: "hello", Category: "Chess"},
			snap: Snapshot{Live: true, Title: "hello", Category: "Just Chatting"},
			want: ChangeUpdated,
		},
		{
			name: "same title and category",
			prev: SubjectState{Live: true, Title: "hello", Category: "Chess"},
			snap: Snapshot{Live: true, Title: "hello", Category: "Chess"},
			want: ChangeNone,
		},
		{
			name: "live to offline",
			prev: SubjectState{Live: true, Title: "hello", MessageID: "m1"},
			snap: Snapshot{},
			want: ChangeWentOffline,
		},
		{
			name: "still offline",
			prev: SubjectState{},
			snap: Snapshot{},
			want: ChangeNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyStatus(tt.prev, tt.snap); got != tt.want {
				t.Errorf("ClassifyStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyFeed(t *testing.T) {
	prev := SubjectState{SeenIDs: []string{"v2", "v1"}}
	tests := []struct {
		name string
		id   string
		want Change
	}{
		{"unseen video", "v3", ChangeNewItem},
		{"seen video", "v1", ChangeNone},
		{"empty feed", "", ChangeNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyFeed(prev, Snapshot{ContentID: tt.id}); got != tt.want {
				t.Errorf("ClassifyFeed(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestClassifyReplayIsUnchanged(t *testing.T) {
	// After a notification is recorded, replaying the same snapshot must not
	// produce another change.
	snap := Snapshot{Live: true, Title: "t", Category: "c", ContentID: "s1"}
	st := SubjectState{Live: true, Title: "t", Category: "c", MessageID: "m", SeenIDs: []string{"s1"}}
	if got := Classify(SourceTwitch, st, snap); got != ChangeNone {
		t.Errorf("twitch replay = %v, want unchanged", got)
	}
	if got := Classify(SourceYouTube, st, snap); got != ChangeNone {
		t.Errorf("youtube replay = %v, want unchanged", got)
	}
}

func TestMarkSeenBounded(t *testing.T) {
	var st SubjectState
	for i := 0; i < 15; i++ {
		st.MarkSeen(string(rune('a'+i)), 10)
	}
	if len(st.SeenIDs) != 10 {
		t.Fatalf("len(SeenIDs) = %d, want 10", len(st.SeenIDs))
	}
	if st.SeenIDs[0] != "o" {
		t.Errorf("newest = %q, want %q", st.SeenIDs[0], "o")
	}
	if st.HasSeen("a") {
		t.Errorf("oldest entry should have been evicted")
	}
	st.MarkSeen("o", 10)
	if len(st.SeenIDs) != 10 || st.SeenIDs[0] != "o" {
		t.Errorf("re-marking a seen id must not change history: %v", st.SeenIDs)
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	st := SubjectState{SeenIDs: []string{"a"}}
	c := st.Clone()
	c.SeenIDs[0] = "b"
	if st.SeenIDs[0] != "a" {
		t.Errorf("Clone aliased SeenIDs")
	}
}

func TestWithinCooldown(t *testing.T) {
	now := time.Now()
	live := SubjectState{Live: true, LastNotifiedAt: now.Add(-2 * time.Minute)}
	if !live.WithinCooldown(now, 5*time.Minute) {
		t.Error("expected cooldown to apply 2m after notifying")
	}
	if live.WithinCooldown(now, time.Minute) {
		t.Error("cooldown of 1m should have elapsed")
	}
	if live.WithinCooldown(now, 0) {
		t.Error("zero cooldown disables the check")
	}
	offline := SubjectState{LastNotifiedAt: now}
	if offline.WithinCooldown(now, 5*time.Minute) {
		t.Error("offline subjects are never in cooldown")
	}
}

func TestSubjectKey(t *testing.T) {
	a := Subject{ID: "Streamer", Kind: SourceTwitch}
	b := Subject{ID: "streamer", Kind: SourceTwitch}
	if a.Key() != b.Key() {
		t.Errorf("twitch keys should be case-insensitive: %q vs %q", a.Key(), b.Key())
	}
	y := Subject{ID: "UCabc", Kind: SourceYouTube}
	if y.Key() != "youtube:UCabc" {
		t.Errorf("youtube key = %q", y.Key())
	}
	if err := (Subject{Kind: SourceTwitch}).Validate(); err == nil {
		t.Error("expected error for empty id")
	}
	if _, err := ParseSourceKind("TWITCH"); err != nil {
		t.Errorf("ParseSourceKind: %v", err)
	}
	if _, err := ParseSourceKind("mixer"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

package delivery

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/onnwee/stream-herald/discord"
	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/testutil"
)

var (
	baseTime  = time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	streamer  = notify.Subject{ID: "somestreamer", Kind: notify.SourceTwitch, DisplayName: "SomeStreamer"}
	ytChannel = notify.Subject{ID: "UCtest", Kind: notify.SourceYouTube, DisplayName: "Test Channel"}
)

// testEngine wires an Engine to a mock Discord API with a frozen clock and recorded sleeps.
type testEngine struct {
	*Engine
	mock   *testutil.MockDiscordServer
	now    time.Time
	sleeps []time.Duration
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	mock := testutil.NewMockDiscordServer(t)
	client := discord.NewClient("tok", mock.URL, mock.Client())
	te := &testEngine{mock: mock, now: baseTime}
	breaker := NewEditBreaker(3, 5*time.Minute, time.Hour)
	breaker.Now = func() time.Time { return te.now }
	te.Engine = NewEngine(client, breaker, Options{ChannelID: "chan-1", Mention: "@everyone", Cooldown: 5 * time.Minute})
	te.Engine.Now = func() time.Time { return te.now }
	te.Engine.Sleep = func(ctx context.Context, d time.Duration) error {
		te.sleeps = append(te.sleeps, d)
		return nil
	}
	return te
}

func liveSnap(title, category string) notify.Snapshot {
	return notify.Snapshot{
		SubjectKey: streamer.Key(),
		ContentID:  "stream-1",
		Live:       true,
		Title:      title,
		Category:   category,
		URL:        "https://www.twitch.tv/somestreamer",
		StartedAt:  baseTime,
	}
}

func offlineSnap() notify.Snapshot {
	return notify.Snapshot{SubjectKey: streamer.Key(), URL: "https://www.twitch.tv/somestreamer"}
}

func (te *testEngine) goLive(t *testing.T) notify.SubjectState {
	t.Helper()
	st, out, err := te.Deliver(context.Background(), streamer, notify.SubjectState{SubjectKey: streamer.Key()}, liveSnap("Ranked", "Valorant"))
	if err != nil || out != OutcomeSent {
		t.Fatalf("go live: outcome=%v err=%v", out, err)
	}
	return st
}

func TestDeliver_WentLiveSendsAndTracks(t *testing.T) {
	te := newTestEngine(t)
	st := te.goLive(t)

	if !st.Live || st.MessageID != "msg-1" || st.ChannelID != "chan-1" {
		t.Fatalf("state after live = %+v", st)
	}
	if !st.LastNotifiedAt.Equal(baseTime) {
		t.Errorf("LastNotifiedAt = %v", st.LastNotifiedAt)
	}
	if st.Title != "Ranked" || st.Category != "Valorant" || !st.HasSeen("stream-1") {
		t.Errorf("snapshot not applied: %+v", st)
	}
	body, _ := te.mock.Message("msg-1")
	if content, _ := body["content"].(string); content != "@everyone **SomeStreamer** is now live on Twitch!" {
		t.Errorf("content = %q", content)
	}
}

func TestDeliver_ReplayIsNoop(t *testing.T) {
	te := newTestEngine(t)
	st := te.goLive(t)
	before := len(te.mock.Calls())

	again, out, err := te.Deliver(context.Background(), streamer, st, liveSnap("Ranked", "Valorant"))
	if err != nil || out != OutcomeNone {
		t.Fatalf("replay: outcome=%v err=%v", out, err)
	}
	if again.MessageID != st.MessageID || !again.UpdatedAt.Equal(st.UpdatedAt) {
		t.Error("replay changed state")
	}
	if len(te.mock.Calls()) != before {
		t.Error("replay made channel calls")
	}
}

func TestDeliver_UpdateEditsInPlace(t *testing.T) {
	te := newTestEngine(t)
	st := te.goLive(t)
	te.now = te.now.Add(2 * time.Minute)

	st2, out, err := te.Deliver(context.Background(), streamer, st, liveSnap("Ranked", "Just Chatting"))
	if err != nil || out != OutcomeEdited {
		t.Fatalf("update: outcome=%v err=%v", out, err)
	}
	if st2.MessageID != "msg-1" || st2.Category != "Just Chatting" {
		t.Errorf("state after edit = %+v", st2)
	}
	if !st2.LastNotifiedAt.Equal(te.now) {
		t.Errorf("LastNotifiedAt = %v, want %v", st2.LastNotifiedAt, te.now)
	}
	if te.mock.CallsByMethod(http.MethodPost) != 1 || te.mock.CallsByMethod(http.MethodPatch) != 1 {
		t.Errorf("calls = %+v", te.mock.Calls())
	}
}

func TestDeliver_UpdateOfDeletedMessageResends(t *testing.T) {
	te := newTestEngine(t)
	st := te.goLive(t)
	te.mock.DeleteMessage("msg-1")

	st2, out, err := te.Deliver(context.Background(), streamer, st, liveSnap("New title", "Valorant"))
	if err != nil || out != OutcomeResent {
		t.Fatalf("outcome=%v err=%v", out, err)
	}
	if st2.MessageID != "msg-2" {
		t.Errorf("MessageID = %q, want msg-2", st2.MessageID)
	}
	if len(te.sleeps) != 0 {
		t.Errorf("not found must not be retried, slept %v", te.sleeps)
	}
}

func TestDeliver_OfflineEditsAndDropsTracking(t *testing.T) {
	te := newTestEngine(t)
	st := te.goLive(t)

	st2, out, err := te.Deliver(context.Background(), streamer, st, offlineSnap())
	if err != nil || out != OutcomeEdited {
		t.Fatalf("outcome=%v err=%v", out, err)
	}
	if st2.Live || st2.MessageID != "" {
		t.Errorf("state after offline = %+v", st2)
	}
	body, _ := te.mock.Message("msg-1")
	embeds, _ := body["embeds"].([]any)
	if len(embeds) != 1 {
		t.Fatalf("edited embeds = %v", body["embeds"])
	}
	fields, _ := embeds[0].(map[string]any)["fields"].([]any)
	status, _ := fields[1].(map[string]any)["value"].(string)
	if status != "Offline" {
		t.Errorf("status field = %q, want Offline", status)
	}
}

func TestDeliver_OfflineWithDeletedMessage(t *testing.T) {
	te := newTestEngine(t)
	st := te.goLive(t)
	te.mock.DeleteMessage("msg-1")

	st2, out, err := te.Deliver(context.Background(), streamer, st, offlineSnap())
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if out != OutcomeSuppressed || st2.Live || st2.MessageID != "" {
		t.Errorf("outcome=%v state=%+v", out, st2)
	}
}

func TestDeliver_OfflineEditFailureKeepsState(t *testing.T) {
	te := newTestEngine(t)
	st := te.goLive(t)
	te.mock.Script(testutil.DiscordReply{Status: http.StatusInternalServerError})

	st2, out, err := te.Deliver(context.Background(), streamer, st, offlineSnap())
	if err == nil {
		t.Fatal("expected error")
	}
	if out != OutcomeNone || !st2.Live || st2.MessageID != "msg-1" {
		t.Errorf("state must be unchanged: outcome=%v state=%+v", out, st2)
	}
	if len(te.sleeps) != 0 {
		t.Errorf("other errors must not be retried, slept %v", te.sleeps)
	}
}

func TestDeliver_RetrySchedule(t *testing.T) {
	tests := []struct {
		name      string
		edit      bool
		replies   []testutil.DiscordReply
		wantSleep []time.Duration
		wantErr   bool
	}{
		{
			name:      "send 429 honours retry_after",
			replies:   []testutil.DiscordReply{{Status: 429, RetryAfter: 1.5}},
			wantSleep: []time.Duration{1500 * time.Millisecond},
		},
		{
			name:      "send 429 fallback backoff",
			replies:   []testutil.DiscordReply{{Status: 429}, {Status: 429}},
			wantSleep: []time.Duration{2 * time.Second, 4 * time.Second},
		},
		{
			name:      "send 503 fixed delay",
			replies:   []testutil.DiscordReply{{Status: 503}},
			wantSleep: []time.Duration{5 * time.Second},
		},
		{
			name:      "send gives up after three attempts",
			replies:   []testutil.DiscordReply{{Status: 429}, {Status: 429}, {Status: 429}},
			wantSleep: []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second},
			wantErr:   true,
		},
		{
			name:      "edit waits every increasing retry_after before giving up",
			edit:      true,
			replies:   []testutil.DiscordReply{{Status: 429, RetryAfter: 1}, {Status: 429, RetryAfter: 2}, {Status: 429, RetryAfter: 3}},
			wantSleep: []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
			wantErr:   true,
		},
		{
			name:      "send 503 exhausted",
			replies:   []testutil.DiscordReply{{Status: 503}, {Status: 503}, {Status: 503}},
			wantSleep: []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second},
			wantErr:   true,
		},
		{
			name:      "edit 429 fallback backoff",
			edit:      true,
			replies:   []testutil.DiscordReply{{Status: 429}, {Status: 429}},
			wantSleep: []time.Duration{5 * time.Second, 10 * time.Second},
		},
		{
			name:      "edit 503 fixed delay",
			edit:      true,
			replies:   []testutil.DiscordReply{{Status: 503}, {Status: 503}},
			wantSleep: []time.Duration{10 * time.Second, 10 * time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEngine(t)
			prev := notify.SubjectState{SubjectKey: streamer.Key()}
			snap := liveSnap("Ranked", "Valorant")
			if tt.edit {
				prev = te.goLive(t)
				snap = liveSnap("Ranked", "Other")
			}
			te.mock.Script(tt.replies...)

			st, _, err := te.Deliver(context.Background(), streamer, prev, snap)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && st.MessageID != prev.MessageID {
				t.Error("failed delivery changed state")
			}
			if len(te.sleeps) != len(tt.wantSleep) {
				t.Fatalf("sleeps = %v, want %v", te.sleeps, tt.wantSleep)
			}
			for i := range tt.wantSleep {
				if te.sleeps[i] != tt.wantSleep[i] {
					t.Errorf("sleep[%d] = %v, want %v", i, te.sleeps[i], tt.wantSleep[i])
				}
			}
		})
	}
}

func TestDeliver_EditBreakerSkipsWithoutNetwork(t *testing.T) {
	te := newTestEngine(t)
	st := te.goLive(t)
	exhaust := []testutil.DiscordReply{{Status: 429}, {Status: 429}, {Status: 429}}

	// each failed edit counts once, however many 429s it saw
	for op := 1; op <= 3; op++ {
		te.mock.Script(exhaust...)
		if _, _, err := te.Deliver(context.Background(), streamer, st, liveSnap("Ranked", "Other")); !notify.IsKind(err, notify.KindRateLimited) {
			t.Fatalf("edit %d: err = %v", op, err)
		}
		if got := te.Breaker().Count("msg-1"); got != op {
			t.Fatalf("edit %d: count = %d, want %d", op, got, op)
		}
	}
	if got := te.mock.CallsByMethod(http.MethodPatch); got != 9 {
		t.Fatalf("patches after three edits = %d, want 9", got)
	}

	// the fourth edit opens the breaker on its first 429 and stops retrying
	te.mock.Script(testutil.DiscordReply{Status: 429})
	if _, _, err := te.Deliver(context.Background(), streamer, st, liveSnap("Ranked", "Other")); !notify.IsKind(err, notify.KindRateLimited) {
		t.Fatalf("edit 4: err = %v", err)
	}
	if got := te.Breaker().Count("msg-1"); got != 4 {
		t.Fatalf("count after fourth edit = %d, want 4", got)
	}
	if got := te.mock.CallsByMethod(http.MethodPatch); got != 10 {
		t.Fatalf("patches after fourth edit = %d, want 10", got)
	}

	// the fifth is skipped without a network call
	te.now = te.now.Add(time.Minute)
	st2, out, err := te.Deliver(context.Background(), streamer, st, liveSnap("Ranked", "Other"))
	if err != nil || out != OutcomeSkipped {
		t.Fatalf("outcome=%v err=%v, want skipped", out, err)
	}
	if st2.Category != st.Category {
		t.Error("skipped edit must leave state unchanged")
	}
	if got := te.mock.CallsByMethod(http.MethodPatch); got != 10 {
		t.Errorf("skipped edit reached the network: patches = %d", got)
	}

	// after the cooldown the edit goes through and resets the record
	te.now = te.now.Add(5 * time.Minute)
	if _, out, err := te.Deliver(context.Background(), streamer, st, liveSnap("Ranked", "Other")); err != nil || out != OutcomeEdited {
		t.Fatalf("after cooldown: outcome=%v err=%v", out, err)
	}
	if got := te.Breaker().Count("msg-1"); got != 0 {
		t.Errorf("count after success = %d, want 0", got)
	}
}

func TestDeliver_FlapWithinCooldownIsSuppressed(t *testing.T) {
	te := newTestEngine(t)
	st := te.goLive(t)
	st, _, err := te.Deliver(context.Background(), streamer, st, offlineSnap())
	if err != nil {
		t.Fatal(err)
	}

	te.now = te.now.Add(2 * time.Minute)
	posts := te.mock.CallsByMethod(http.MethodPost)
	st2, out, err := te.Deliver(context.Background(), streamer, st, liveSnap("Ranked", "Valorant"))
	if err != nil || out != OutcomeSuppressed {
		t.Fatalf("outcome=%v err=%v", out, err)
	}
	if !st2.Live || st2.MessageID != "" {
		t.Errorf("state = %+v", st2)
	}
	if te.mock.CallsByMethod(http.MethodPost) != posts {
		t.Error("flap re-announced the stream")
	}

	// a different stream after the cooldown is announced
	te.now = te.now.Add(10 * time.Minute)
	st2.Live = false
	snap := liveSnap("Ranked", "Valorant")
	snap.ContentID = "stream-2"
	if _, out, err := te.Deliver(context.Background(), streamer, st2, snap); err != nil || out != OutcomeSent {
		t.Fatalf("new stream: outcome=%v err=%v", out, err)
	}
}

func TestDeliver_FeedItem(t *testing.T) {
	te := newTestEngine(t)
	snap := notify.Snapshot{SubjectKey: ytChannel.Key(), ContentID: "vid1", Title: "Patch notes", URL: "https://www.youtube.com/watch?v=vid1"}

	st, out, err := te.Deliver(context.Background(), ytChannel, notify.SubjectState{}, snap)
	if err != nil || out != OutcomeSent {
		t.Fatalf("outcome=%v err=%v", out, err)
	}
	if !st.HasSeen("vid1") || st.SubjectKey != ytChannel.Key() {
		t.Errorf("state = %+v", st)
	}
	body, _ := te.mock.Message("msg-1")
	want := "@everyone\n**New video uploaded by Test Channel!**\nPatch notes\nhttps://www.youtube.com/watch?v=vid1"
	if content, _ := body["content"].(string); content != want {
		t.Errorf("content = %q, want %q", content, want)
	}

	if _, out, _ := te.Deliver(context.Background(), ytChannel, st, snap); out != OutcomeNone {
		t.Errorf("replayed feed item outcome = %v", out)
	}
}

func TestDeliver_FeedSendFailureKeepsUnseen(t *testing.T) {
	te := newTestEngine(t)
	te.mock.Script(testutil.DiscordReply{Status: http.StatusForbidden})
	snap := notify.Snapshot{SubjectKey: ytChannel.Key(), ContentID: "vid1", Title: "x", URL: "u"}

	st, _, err := te.Deliver(context.Background(), ytChannel, notify.SubjectState{}, snap)
	if !notify.IsKind(err, notify.KindAuthFailure) {
		t.Fatalf("err = %v", err)
	}
	if st.HasSeen("vid1") {
		t.Error("failed send must not mark the item seen")
	}
}

func TestDeliver_ContextCancelled(t *testing.T) {
	te := newTestEngine(t)
	te.Engine.Sleep = sleepCtx
	te.mock.Script(testutil.DiscordReply{Status: 503})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := te.Deliver(ctx, streamer, notify.SubjectState{}, liveSnap("Ranked", "Valorant"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

package correlate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scannerd/internal/bus"
	"github.com/snarg/scannerd/internal/cache"
	"github.com/snarg/scannerd/internal/database"
	"github.com/snarg/scannerd/internal/ingest"
)

const testStart = int64(1704825600)

type testHarness struct {
	corr      *Correlator
	db        *database.DB
	bus       *bus.Bus
	statusCh  chan *ingest.StatusMessage
	sidecarCh chan *ingest.SidecarEvent
	audioDir  string
	cancel    context.CancelFunc
}

func newHarness(t *testing.T, systemType string) *testHarness {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(db.Close)

	if systemType != "" {
		if err := db.SetConfigValue(context.Background(), "system_type", systemType); err != nil {
			t.Fatalf("SetConfigValue: %v", err)
		}
	}

	b := bus.New(64, zerolog.Nop())
	statusCh := make(chan *ingest.StatusMessage, 8)
	sidecarCh := make(chan *ingest.SidecarEvent, 8)
	audioDir := "/audio"

	corr := New(db, b, cache.New(db, zerolog.Nop()), audioDir,
		statusCh, sidecarCh, NewChannelTracker(), zerolog.Nop())
	corr.now = func() time.Time { return time.Unix(testStart, 0) }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go corr.Run(ctx)

	return &testHarness{
		corr: corr, db: db, bus: b,
		statusCh: statusCh, sidecarCh: sidecarCh,
		audioDir: audioDir, cancel: cancel,
	}
}

func recvCall(t *testing.T, sub *bus.Subscription) (bus.Kind, CallEvent) {
	t.Helper()
	select {
	case e := <-sub.C:
		return e.Kind, e.Payload.(CallEvent)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call event")
		return "", CallEvent{}
	}
}

func TestTrunkedStartThenEnd(t *testing.T) {
	h := newHarness(t, "")
	sub := h.bus.Subscribe("test", 16, bus.KindCallStart, bus.KindCallEnd)
	defer sub.Cancel()

	h.statusCh <- &ingest.StatusMessage{Type: "call_start", CallStart: &ingest.CallStartMsg{
		ID: "abc", Freq: 851150000, Talkgroup: 927, TalkgroupTag: "Control A2",
	}}

	kind, ev := recvCall(t, sub)
	if kind != bus.KindCallStart {
		t.Fatalf("kind = %s", kind)
	}
	wantID := "927-1704825600"
	if ev.ID != wantID || ev.Label != "Control A2" {
		t.Errorf("start = %+v", ev)
	}

	h.statusCh <- &ingest.StatusMessage{Type: "call_end", CallEnd: &ingest.CallEndMsg{
		ID: "abc", Freq: 851150000, Talkgroup: 927, TalkgroupTag: "Control A2",
		StartTime: testStart, StopTime: testStart + 10, Length: 10,
		Filename: "927-1704825600.wav",
	}}

	kind, ev = recvCall(t, sub)
	if kind != bus.KindCallEnd {
		t.Fatalf("kind = %s", kind)
	}
	if ev.ID != wantID {
		t.Errorf("end id = %q, want %q", ev.ID, wantID)
	}
	if ev.AudioFile != filepath.Join(h.audioDir, "927-1704825600.wav") {
		t.Errorf("audio_file = %q", ev.AudioFile)
	}

	// Exactly one persisted row under the canonical ID.
	ctx := context.Background()
	if n, _ := h.db.CountCalls(ctx); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
	row, err := h.db.GetCall(ctx, wantID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if row.TalkgroupID != 927 || row.StopTime == nil || *row.StopTime != testStart+10 {
		t.Errorf("row = %+v", row)
	}

	// The call_end also upserted the talkgroup catalog.
	tg, err := h.db.GetTalkgroup(ctx, 927)
	if err != nil || tg.AlphaTag != "Control A2" {
		t.Errorf("talkgroup = %+v, err = %v", tg, err)
	}
}

func TestConventionalCall(t *testing.T) {
	h := newHarness(t, "conventional")
	sub := h.bus.Subscribe("test", 16, bus.KindCallEnd)
	defer sub.Cancel()

	h.statusCh <- &ingest.StatusMessage{Type: "call_end", CallEnd: &ingest.CallEndMsg{
		Freq: 771356250, StartTime: testStart, StopTime: testStart + 5, Length: 5,
	}}

	_, ev := recvCall(t, sub)
	wantID := "771356250-1704825600"
	if ev.ID != wantID {
		t.Errorf("id = %q, want %q", ev.ID, wantID)
	}
	if ev.Label != "771.3563 MHz" {
		t.Errorf("label = %q, want 771.3563 MHz", ev.Label)
	}
	if ev.SystemType != "conventional" {
		t.Errorf("system_type = %q", ev.SystemType)
	}

	row, err := h.db.GetCall(context.Background(), wantID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if row.ChannelID == nil {
		t.Error("channel_id is null")
	}
	if row.SystemType != "conventional" {
		t.Errorf("row system_type = %q", row.SystemType)
	}
}

func TestStartTimeTolerance(t *testing.T) {
	h := newHarness(t, "")
	sub := h.bus.Subscribe("test", 16, bus.KindCallStart, bus.KindCallEnd)
	defer sub.Cancel()

	h.statusCh <- &ingest.StatusMessage{Type: "call_start", CallStart: &ingest.CallStartMsg{
		ID: "dec-1", Talkgroup: 500, Freq: 851000000,
	}}
	_, start := recvCall(t, sub)

	// The decoder's clock runs a second ahead; the end still lands on the
	// start's canonical ID.
	h.statusCh <- &ingest.StatusMessage{Type: "call_end", CallEnd: &ingest.CallEndMsg{
		ID: "dec-1", Talkgroup: 500, Freq: 851000000,
		StartTime: testStart + 1, StopTime: testStart + 8,
	}}
	_, end := recvCall(t, sub)

	if end.ID != start.ID {
		t.Errorf("end id = %q, start id = %q", end.ID, start.ID)
	}
}

func TestCallStartSupersedesStaleCall(t *testing.T) {
	h := newHarness(t, "")
	sub := h.bus.Subscribe("test", 16, bus.KindCallStart)
	defer sub.Cancel()

	// Mutable clock; the channel send orders the write ahead of the
	// correlator's read.
	now := testStart
	h.corr.now = func() time.Time { return time.Unix(now, 0) }

	h.statusCh <- &ingest.StatusMessage{Type: "call_start", CallStart: &ingest.CallStartMsg{
		ID: "dec-1", Talkgroup: 927, Freq: 851150000,
	}}
	_, first := recvCall(t, sub)

	// The first call's end was lost. Thirty seconds later the same channel
	// grants again; the stale entry must give way so the channel never
	// carries two active calls.
	now = testStart + 30
	h.statusCh <- &ingest.StatusMessage{Type: "call_start", CallStart: &ingest.CallStartMsg{
		ID: "dec-2", Talkgroup: 927, Freq: 851150000,
	}}
	_, second := recvCall(t, sub)

	if second.ID == first.ID {
		t.Fatalf("second start reused id %q", first.ID)
	}

	snap := h.corr.ActiveCalls()
	if len(snap) != 1 {
		t.Fatalf("active = %d, want 1", len(snap))
	}
	if snap[0].ID != second.ID {
		t.Errorf("survivor = %q, want %q", snap[0].ID, second.ID)
	}
}

func TestSidecarDedup(t *testing.T) {
	h := newHarness(t, "")
	endSub := h.bus.Subscribe("ends", 16, bus.KindCallEnd)
	defer endSub.Cancel()
	recSub := h.bus.Subscribe("recs", 16, bus.KindNewRecording)
	defer recSub.Cancel()

	end := ingest.CallEndMsg{
		Talkgroup: 927, Freq: 851150000,
		StartTime: testStart, StopTime: testStart + 10, Length: 10,
		Filename: "/audio/927-1704825600.wav",
	}

	h.statusCh <- &ingest.StatusMessage{Type: "call_end", CallEnd: &end}
	recvCall(t, endSub)

	select {
	case <-recSub.C:
	case <-time.After(2 * time.Second):
		t.Fatal("no first new_recording")
	}

	// The watcher reports the same recording; one row, no second broadcast.
	h.sidecarCh <- &ingest.SidecarEvent{Call: end, WAVPath: end.Filename}
	recvCall(t, endSub)

	select {
	case e := <-recSub.C:
		t.Fatalf("duplicate new_recording: %+v", e.Payload)
	case <-time.After(300 * time.Millisecond):
	}

	if n, _ := h.db.CountCalls(context.Background()); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestCallsActiveReconciliation(t *testing.T) {
	h := newHarness(t, "")
	sub := h.bus.Subscribe("test", 16, bus.KindCallsActive)
	defer sub.Cancel()

	h.statusCh <- &ingest.StatusMessage{Type: "call_start", CallStart: &ingest.CallStartMsg{ID: "a", Talkgroup: 1}}
	h.statusCh <- &ingest.StatusMessage{Type: "call_start", CallStart: &ingest.CallStartMsg{ID: "b", Talkgroup: 2}}

	// Only "a" survives the authoritative list.
	h.statusCh <- &ingest.StatusMessage{Type: "calls_active", CallsActive: &ingest.CallsActiveMsg{
		Calls: []ingest.CallStartMsg{{ID: "a", Talkgroup: 1}},
	}}

	select {
	case <-sub.C:
	case <-time.After(2 * time.Second):
		t.Fatal("no calls_active event")
	}

	snap := h.corr.ActiveCalls()
	if len(snap) != 1 {
		t.Fatalf("active = %d, want 1", len(snap))
	}
	if snap[0].Talkgroup != 1 {
		t.Errorf("survivor = %+v", snap[0])
	}
}

func TestRecentCalls(t *testing.T) {
	h := newHarness(t, "")
	sub := h.bus.Subscribe("test", 16, bus.KindCallStart)
	defer sub.Cancel()

	h.statusCh <- &ingest.StatusMessage{Type: "call_start", CallStart: &ingest.CallStartMsg{ID: "x", Talkgroup: 11}}
	recvCall(t, sub)

	recent := h.corr.RecentCalls(10)
	if len(recent) != 1 || recent[0].Talkgroup != 11 {
		t.Errorf("recent = %+v", recent)
	}
}

func TestMhzLabel(t *testing.T) {
	if got := mhzLabel(771356250); got != "771.3563 MHz" {
		t.Errorf("mhzLabel = %q", got)
	}
	if got := mhzLabel(154250000); got != "154.2500 MHz" {
		t.Errorf("mhzLabel = %q", got)
	}
}

func TestNormalizeAudioPath(t *testing.T) {
	c := &Correlator{audioDir: "/audio"}
	tests := []struct {
		in, id, want string
	}{
		{"/abs/path.wav", "1-2", "/abs/path.wav"},
		{"rel/path.wav", "1-2", "/audio/rel/path.wav"},
		{"", "927-1704825600", "/audio/927-1704825600.wav"},
	}
	for _, tt := range tests {
		if got := c.normalizeAudioPath(tt.in, tt.id); got != tt.want {
			t.Errorf("normalizeAudioPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestActiveCallsFindByKeyAndTime(t *testing.T) {
	a := newActiveCalls()
	a.Add(&ActiveCall{ID: "927-100", Key: 927, StartTime: 100})

	if c := a.FindByKeyAndTime(927, 101, 1); c == nil {
		t.Error("within tolerance not found")
	}
	if c := a.FindByKeyAndTime(927, 102, 1); c != nil {
		t.Error("outside tolerance matched")
	}
	if c := a.FindByKeyAndTime(928, 100, 1); c != nil {
		t.Error("wrong key matched")
	}
}

func TestActiveCallsFindByKey(t *testing.T) {
	a := newActiveCalls()
	a.Add(&ActiveCall{ID: "927-100", Key: 927, StartTime: 100})

	if c := a.FindByKey(927); c == nil || c.ID != "927-100" {
		t.Errorf("FindByKey(927) = %+v", c)
	}
	if c := a.FindByKey(928); c != nil {
		t.Errorf("FindByKey(928) = %+v", c)
	}
}

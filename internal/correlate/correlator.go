// Package correlate folds the decoder's status messages, log events, and
// sidecar recordings into a single coherent stream of call events, and owns
// persisting finished calls.
package correlate

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scannerd/internal/bus"
	"github.com/snarg/scannerd/internal/cache"
	"github.com/snarg/scannerd/internal/database"
	"github.com/snarg/scannerd/internal/ingest"
	"github.com/snarg/scannerd/internal/metrics"
)

const (
	// A call_end or sidecar whose start time lands within this many seconds
	// of an active call on the same channel is the same call.
	startTolerance = 1

	// Window in which a second new_recording for the same canonical ID is
	// suppressed (status socket and sidecar watcher both report finishes).
	recordingSuppress = 60 * time.Second

	historySize = 500
)

// CallEvent is the canonical outbound shape for call_start/call_end.
type CallEvent struct {
	ID          string  `json:"id"`
	Talkgroup   int64   `json:"talkgroup"`
	Frequency   int64   `json:"freq"`
	Label       string  `json:"label"`
	StartTime   int64   `json:"start_time"`
	StopTime    int64   `json:"stop_time,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	Emergency   bool    `json:"emergency"`
	Encrypted   bool    `json:"encrypted"`
	AudioFile   string  `json:"audio_file,omitempty"`
	AudioType   string  `json:"audio_type,omitempty"`
	SystemType  string  `json:"system_type"`
	GroupName   string  `json:"group,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Correlator is the heart of the pipeline: it consumes every ingest source,
// maintains the active-call set, emits canonical call events, and persists
// finished calls. All handlers run on one goroutine, so per-ID processing is
// naturally serialized.
type Correlator struct {
	db       *database.DB
	bus      *bus.Bus
	cache    *cache.Cache
	audioDir string
	log      zerolog.Logger

	active  *activeCalls
	tracker *ChannelTracker

	statusCh  <-chan *ingest.StatusMessage
	sidecarCh <-chan *ingest.SidecarEvent

	recentMu    sync.Mutex
	recentRecs  map[string]time.Time
	history     []CallEvent

	now func() time.Time // test hook
}

func New(
	db *database.DB,
	b *bus.Bus,
	c *cache.Cache,
	audioDir string,
	statusCh <-chan *ingest.StatusMessage,
	sidecarCh <-chan *ingest.SidecarEvent,
	tracker *ChannelTracker,
	log zerolog.Logger,
) *Correlator {
	return &Correlator{
		db:         db,
		bus:        b,
		cache:      c,
		audioDir:   audioDir,
		log:        log.With().Str("component", "correlator").Logger(),
		active:     newActiveCalls(),
		tracker:    tracker,
		statusCh:   statusCh,
		sidecarCh:  sidecarCh,
		recentRecs: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Run processes events until ctx is cancelled.
func (c *Correlator) Run(ctx context.Context) {
	ctrl := c.bus.Subscribe("correlator", 128, bus.KindControlChannel)
	defer ctrl.Cancel()

	stats := time.NewTicker(time.Minute)
	defer stats.Stop()

	c.log.Info().Msg("correlator running")
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.statusCh:
			c.handleStatus(ctx, msg)
		case ev := <-c.sidecarCh:
			c.onCallEnd(ctx, &ev.Call, "watcher")
		case e := <-ctrl.C:
			c.onControlEvent(e)
		case <-stats.C:
			c.log.Info().Int("active_calls", c.active.Len()).Msg("correlator stats")
		}
	}
}

// ActiveCalls returns a snapshot of the in-flight set.
func (c *Correlator) ActiveCalls() []*ActiveCall { return c.active.Snapshot() }

// RecentCalls returns up to limit of the most recent call events, newest
// first. limit <= 0 means all retained.
func (c *Correlator) RecentCalls(limit int) []CallEvent {
	c.recentMu.Lock()
	defer c.recentMu.Unlock()
	n := len(c.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]CallEvent, n)
	for i := 0; i < n; i++ {
		out[i] = c.history[len(c.history)-1-i]
	}
	return out
}

func (c *Correlator) handleStatus(ctx context.Context, msg *ingest.StatusMessage) {
	switch msg.Type {
	case "call_start":
		c.onCallStart(ctx, msg.CallStart)
	case "call_end":
		c.onCallEnd(ctx, msg.CallEnd, "status")
	case "calls_active":
		c.onCallsActive(ctx, msg.CallsActive)
	case "rates":
		for _, r := range msg.Rates.Rates {
			c.tracker.SetControlChannel(r.ControlChannel)
		}
		c.bus.Publish(bus.Event{Kind: bus.KindRates, Payload: json.RawMessage(msg.Raw)})
	case "systems":
		c.bus.Publish(bus.Event{Kind: bus.KindSystemChanged, Payload: json.RawMessage(msg.Raw)})
	case "recorders":
		c.bus.Publish(bus.Event{Kind: bus.Kind("recorders"), Payload: json.RawMessage(msg.Raw)})
	default:
		c.log.Debug().Str("type", msg.Type).Msg("unhandled status message")
	}
}

func (c *Correlator) onCallStart(ctx context.Context, cs *ingest.CallStartMsg) {
	start := c.now().Unix()
	conventional := c.cache.Conventional(ctx)
	key := channelKey(cs.Talkgroup, cs.Freq, conventional)

	// The decoder can announce the same call more than once (and the log
	// tailer may have beaten it here); fold onto the existing ID.
	if existing := c.active.FindByKeyAndTime(key, start, startTolerance); existing != nil {
		existing.DecoderID = cs.ID
		return
	}

	// One active call per logical channel: a new start on a key whose old
	// call never got a call_end supersedes it.
	if stale := c.active.FindByKey(key); stale != nil {
		c.active.Remove(stale.ID)
		c.tracker.CallEnded(stale.ID)
		c.log.Debug().Str("id", stale.ID).Msg("superseded by new call on same channel")
	}

	call := &ActiveCall{
		ID:        canonicalID(key, start),
		DecoderID: cs.ID,
		Key:       key,
		Talkgroup: cs.Talkgroup,
		Frequency: cs.Freq,
		Label:     c.callLabel(ctx, cs.TalkgroupTag, key, cs.Freq, conventional),
		StartTime: start,
	}
	c.active.Add(call)
	c.tracker.CallStarted(call)

	ev := CallEvent{
		ID:         call.ID,
		Talkgroup:  call.Talkgroup,
		Frequency:  call.Frequency,
		Label:      call.Label,
		StartTime:  call.StartTime,
		SystemType: c.cache.SystemType(ctx),
	}
	c.emit(bus.KindCallStart, key, ev)
	c.log.Debug().Str("id", call.ID).Int64("tg", call.Talkgroup).Msg("call started")
}

func (c *Correlator) onCallEnd(ctx context.Context, ce *ingest.CallEndMsg, source string) {
	start := ce.StartTime
	if start == 0 {
		start = c.now().Unix()
	}
	conventional := c.cache.Conventional(ctx)
	key := channelKey(ce.Talkgroup, ce.Freq, conventional)

	id := canonicalID(key, start)
	if existing := c.active.FindByKeyAndTime(key, start, startTolerance); existing != nil {
		id = existing.ID
		start = existing.StartTime
	} else if existing := c.active.FindByDecoderID(ce.ID); ce.ID != "" && existing != nil {
		id = existing.ID
		start = existing.StartTime
	}

	audioFile := c.normalizeAudioPath(ce.Filename, id)
	label := c.callLabel(ctx, ce.TalkgroupTag, key, ce.Freq, conventional)

	row := &database.CallRow{
		ID:         id,
		TalkgroupID: int(ce.Talkgroup),
		Frequency:  ce.Freq,
		StartTime:  start,
		Emergency:  ce.Emergency,
		Encrypted:  ce.Encrypted,
		SystemType: c.cache.SystemType(ctx),
	}
	if ce.StopTime > 0 {
		stop := ce.StopTime
		row.StopTime = &stop
	}
	if ce.Length > 0 {
		dur := ce.Length
		row.Duration = &dur
	}
	if audioFile != "" {
		row.AudioFile = &audioFile
	}
	if ce.AudioType != "" {
		at := ce.AudioType
		row.AudioType = &at
	}

	if conventional {
		chID, err := c.db.GetOrCreateChannel(ctx, ce.Freq)
		if err != nil {
			c.persistError(id, err)
		} else {
			row.ChannelID = &chID
		}
	} else if ce.Talkgroup > 0 {
		err := c.db.UpsertTalkgroup(ctx, &database.TalkgroupRow{
			ID:          int(ce.Talkgroup),
			AlphaTag:    ce.TalkgroupTag,
			Description: ce.TalkgroupDescription,
			GroupName:   ce.TalkgroupGroup,
			GroupTag:    ce.TalkgroupGroupTag,
		})
		if err != nil {
			c.persistError(id, err)
		} else {
			c.cache.Invalidate(key)
		}
	}

	if err := c.db.UpsertCall(ctx, row); err != nil {
		c.persistError(id, err)
	} else {
		metrics.CallsPersistedTotal.Inc()
	}

	if len(ce.SrcList) > 0 {
		srcs := make([]database.CallSourceRow, 0, len(ce.SrcList))
		for _, s := range ce.SrcList {
			srcs = append(srcs, database.CallSourceRow{
				CallID:    id,
				SourceID:  int(s.Src),
				Timestamp: int64(s.Time),
				Position:  s.Pos,
				Tag:       s.Tag,
			})
		}
		if err := c.db.InsertCallSources(ctx, id, srcs); err != nil {
			c.persistError(id, err)
		}
	}

	c.active.Remove(id)
	c.tracker.CallEnded(id)

	ev := CallEvent{
		ID:          id,
		Talkgroup:   ce.Talkgroup,
		Frequency:   ce.Freq,
		Label:       label,
		StartTime:   start,
		StopTime:    ce.StopTime,
		Duration:    ce.Length,
		Emergency:   ce.Emergency,
		Encrypted:   ce.Encrypted,
		AudioFile:   audioFile,
		AudioType:   ce.AudioType,
		SystemType:  row.SystemType,
		GroupName:   ce.TalkgroupGroup,
		Description: ce.TalkgroupDescription,
	}
	c.emit(bus.KindCallEnd, key, ev)

	if c.shouldBroadcastRecording(id) {
		c.bus.Publish(bus.Event{Kind: bus.KindNewRecording, Channel: key, Payload: ev})
	}

	c.log.Debug().
		Str("id", id).
		Str("source", source).
		Str("audio", audioFile).
		Msg("call ended")
}

func (c *Correlator) onCallsActive(ctx context.Context, msg *ingest.CallsActiveMsg) {
	now := c.now().Unix()
	conventional := c.cache.Conventional(ctx)

	keep := make(map[string]bool, len(msg.Calls))
	for _, cs := range msg.Calls {
		key := channelKey(cs.Talkgroup, cs.Freq, conventional)
		approxStart := now - int64(cs.ElapsedTime)

		var match *ActiveCall
		if cs.ID != "" {
			match = c.active.FindByDecoderID(cs.ID)
		}
		if match == nil {
			match = c.active.FindByKeyAndTime(key, approxStart, startTolerance+1)
		}
		if match != nil {
			keep[match.ID] = true
			continue
		}

		// A call we never saw start; adopt it so the active view is honest.
		call := &ActiveCall{
			ID:        canonicalID(key, approxStart),
			DecoderID: cs.ID,
			Key:       key,
			Talkgroup: cs.Talkgroup,
			Frequency: cs.Freq,
			Label:     c.callLabel(ctx, cs.TalkgroupTag, key, cs.Freq, conventional),
			StartTime: approxStart,
		}
		c.active.Add(call)
		c.tracker.CallStarted(call)
		keep[call.ID] = true
	}

	for _, removed := range c.active.Reconcile(keep) {
		c.tracker.CallEnded(removed.ID)
		c.log.Debug().Str("id", removed.ID).Msg("call dropped by reconciliation")
	}

	c.bus.Publish(bus.Event{
		Kind:    bus.KindCallsActive,
		Payload: map[string]any{"calls": c.active.Snapshot()},
	})
}

func (c *Correlator) onControlEvent(e bus.Event) {
	ev, ok := e.Payload.(*bus.ControlChannelEvent)
	if !ok {
		return
	}
	// Grants keep the matching active call fresh; everything else is already
	// fanned out by the bus.
	if ev.Kind == bus.EventGrant && ev.Talkgroup > 0 {
		if call := c.active.FindByKeyAndTime(int64(ev.Talkgroup), ev.Timestamp.Unix(), 30); call != nil {
			call.lastSeen = ev.Timestamp
		}
	}
}

func (c *Correlator) emit(kind bus.Kind, key int64, ev CallEvent) {
	c.bus.Publish(bus.Event{Kind: kind, Channel: key, Payload: ev})

	c.recentMu.Lock()
	c.history = append(c.history, ev)
	if len(c.history) > historySize {
		c.history = c.history[len(c.history)-historySize:]
	}
	c.recentMu.Unlock()
}

// shouldBroadcastRecording enforces first-wins on new_recording when both the
// status socket and the sidecar watcher finish the same call.
func (c *Correlator) shouldBroadcastRecording(id string) bool {
	now := c.now()
	c.recentMu.Lock()
	defer c.recentMu.Unlock()

	if t, ok := c.recentRecs[id]; ok && now.Sub(t) < recordingSuppress {
		return false
	}
	c.recentRecs[id] = now
	for k, t := range c.recentRecs {
		if now.Sub(t) >= recordingSuppress {
			delete(c.recentRecs, k)
		}
	}
	return true
}

func (c *Correlator) persistError(id string, err error) {
	metrics.PersistenceErrorsTotal.Inc()
	c.log.Error().Err(err).Str("id", id).Msg("persistence failure")
	c.bus.Publish(bus.Event{
		Kind:    bus.KindError,
		Payload: map[string]string{"component": "correlator", "call_id": id, "error": err.Error()},
	})
}

// callLabel picks the display label: decoder tag, then catalog alpha tag,
// then the conventional MHz fallback.
func (c *Correlator) callLabel(ctx context.Context, tag string, key, freq int64, conventional bool) string {
	if tag != "" {
		return tag
	}
	if m, ok := c.cache.Lookup(ctx, key); ok && m.AlphaTag != "" {
		return m.AlphaTag
	}
	if conventional && freq > 0 {
		return mhzLabel(freq)
	}
	return ""
}

// normalizeAudioPath resolves the decoder-supplied path against the audio
// directory, synthesizing one from the canonical ID when absent.
func (c *Correlator) normalizeAudioPath(p, id string) string {
	switch {
	case p == "":
		return filepath.Join(c.audioDir, id+".wav")
	case filepath.IsAbs(p):
		return p
	default:
		return filepath.Join(c.audioDir, p)
	}
}

func channelKey(talkgroup, freq int64, conventional bool) int64 {
	if conventional && freq > 0 {
		return freq
	}
	return talkgroup
}

func canonicalID(key, start int64) string {
	return fmt.Sprintf("%d-%d", key, start)
}

func mhzLabel(freq int64) string {
	return fmt.Sprintf("%.4f MHz", float64(freq)/1e6)
}

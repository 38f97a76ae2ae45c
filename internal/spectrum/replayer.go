package spectrum

import (
	"context"
	"sync"
	"time"

	"github.com/snarg/scannerd/internal/bus"
)

// ReplayProgress is emitted periodically while a replay runs.
type ReplayProgress struct {
	RecordingID string  `json:"recording_id"`
	Percent     float64 `json:"percent"`
	PacketIndex int     `json:"packet_index"`
	PacketCount int     `json:"packet_count"`
}

type replaySession struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	paused     bool
	pauseStart time.Time
	offset     time.Duration
}

func (s *replaySession) pause() {
	s.mu.Lock()
	if !s.paused {
		s.paused = true
		s.pauseStart = time.Now()
	}
	s.mu.Unlock()
}

func (s *replaySession) resume() {
	s.mu.Lock()
	if s.paused {
		s.paused = false
		s.offset += time.Since(s.pauseStart)
	}
	s.mu.Unlock()
}

func (s *replaySession) pauseState() (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused, s.offset
}

// timelineItem is one replayable item, packet or event, ordered by
// RelativeTime.
type timelineItem struct {
	rel    int64
	packet *recordedPacket
	event  *recordedEvent
}

// StartReplay begins replaying a finalized recording. loop restarts from the
// beginning on completion.
func (m *Manager) StartReplay(ctx context.Context, id string, loop bool) error {
	replayCtx, cancel := context.WithCancel(ctx)
	session := &replaySession{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// Reserve the state before touching disk so a concurrent start cannot
	// also pass the idle check.
	m.mu.Lock()
	switch m.state {
	case stateRecording:
		m.mu.Unlock()
		cancel()
		return ErrRecordingActive
	case stateReplaying:
		m.mu.Unlock()
		cancel()
		return ErrReplayActive
	}
	m.state = stateReplaying
	m.replay = session
	m.mu.Unlock()

	rec, err := m.load(id)
	if err != nil {
		cancel()
		close(session.done)
		m.finishReplay()
		return err
	}

	go m.replayLoop(replayCtx, session, rec, loop)

	m.log.Info().Str("id", id).Bool("loop", loop).Msg("replay started")
	return nil
}

// StopReplay cancels the active replay.
func (m *Manager) StopReplay() error {
	m.mu.Lock()
	if m.state != stateReplaying {
		m.mu.Unlock()
		return ErrNotActive
	}
	session := m.replay
	m.mu.Unlock()

	session.cancel()
	<-session.done
	return nil
}

// PauseReplay freezes the replay clock.
func (m *Manager) PauseReplay() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateReplaying {
		return ErrNotActive
	}
	m.replay.pause()
	return nil
}

// ResumeReplay continues a paused replay.
func (m *Manager) ResumeReplay() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateReplaying {
		return ErrNotActive
	}
	m.replay.resume()
	return nil
}

// Replaying reports whether a replay is active, with its ID and pause state.
func (m *Manager) Replaying() (id string, active, paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateReplaying {
		return "", false, false
	}
	p, _ := m.replay.pauseState()
	return m.replay.id, true, p
}

func (m *Manager) finishReplay() {
	m.mu.Lock()
	m.state = stateIdle
	m.replay = nil
	m.mu.Unlock()
}

func (m *Manager) replayLoop(ctx context.Context, session *replaySession, rec *recordingFile, loop bool) {
	defer close(session.done)
	defer m.finishReplay()

	timeline := buildTimeline(rec)
	total := len(rec.Packets)

	for {
		start := time.Now()
		session.mu.Lock()
		session.offset = 0
		session.mu.Unlock()

		emitted := 0
		lastProgress := time.Now()

		for i := range timeline {
			item := &timeline[i]
			if !m.waitUntil(ctx, session, start, item.rel) {
				return
			}

			if item.packet != nil {
				m.bus.Publish(bus.Event{Kind: bus.KindFFT, FFT: &bus.FFTPacket{
					SourceIndex: 0,
					CenterFreq:  rec.Metadata.CenterFreq,
					SampleRate:  rec.Metadata.SampleRate,
					Timestamp:   item.packet.Timestamp,
					Size:        len(item.packet.Magnitudes),
					MinFreq:     rec.Metadata.MinFreq,
					MaxFreq:     rec.Metadata.MaxFreq,
					Magnitudes:  item.packet.Magnitudes,
				}})
				emitted++

				if emitted%30 == 0 || time.Since(lastProgress) >= time.Second {
					lastProgress = time.Now()
					pct := float64(emitted) / float64(total) * 100
					m.bus.Publish(bus.Event{Kind: bus.Kind("replay_progress"), Payload: ReplayProgress{
						RecordingID: session.id,
						Percent:     pct,
						PacketIndex: emitted,
						PacketCount: total,
					}})
				}
			} else {
				ev := item.event.ControlChannelEvent
				m.bus.Publish(bus.Event{
					Kind:    bus.KindControlChannel,
					Channel: int64(ev.Talkgroup),
					Payload: &ev,
				})
			}
		}

		if !loop || ctx.Err() != nil {
			break
		}
	}
	m.log.Info().Str("id", session.id).Msg("replay finished")
}

// waitUntil sleeps until start + rel on the replay clock, honoring pauses.
// Returns false when the replay is cancelled.
func (m *Manager) waitUntil(ctx context.Context, session *replaySession, start time.Time, rel int64) bool {
	target := start.Add(time.Duration(rel) * time.Millisecond)
	for {
		if ctx.Err() != nil {
			return false
		}
		paused, offset := session.pauseState()
		if paused {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(20 * time.Millisecond):
			}
			continue
		}

		d := time.Until(target.Add(offset))
		if d <= 0 {
			return true
		}
		// Chunked sleep so pause and cancel stay responsive.
		if d > 100*time.Millisecond {
			d = 100 * time.Millisecond
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// buildTimeline merges packets and events into one chronological sequence.
func buildTimeline(rec *recordingFile) []timelineItem {
	items := make([]timelineItem, 0, len(rec.Packets)+len(rec.ControlChannelEvents))
	pi, ei := 0, 0
	for pi < len(rec.Packets) || ei < len(rec.ControlChannelEvents) {
		switch {
		case ei >= len(rec.ControlChannelEvents):
			items = append(items, timelineItem{rel: rec.Packets[pi].RelativeTime, packet: &rec.Packets[pi]})
			pi++
		case pi >= len(rec.Packets):
			items = append(items, timelineItem{rel: rec.ControlChannelEvents[ei].RelativeTime, event: &rec.ControlChannelEvents[ei]})
			ei++
		case rec.Packets[pi].RelativeTime <= rec.ControlChannelEvents[ei].RelativeTime:
			items = append(items, timelineItem{rel: rec.Packets[pi].RelativeTime, packet: &rec.Packets[pi]})
			pi++
		default:
			items = append(items, timelineItem{rel: rec.ControlChannelEvents[ei].RelativeTime, event: &rec.ControlChannelEvents[ei]})
			ei++
		}
	}
	return items
}

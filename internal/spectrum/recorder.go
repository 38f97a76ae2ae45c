// Package spectrum persists time-aligned FFT snapshots together with
// control-channel activity, and replays them preserving the original
// inter-packet timing.
package spectrum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/scannerd/internal/bus"
)

var (
	ErrRecordingActive = errors.New("recording active")
	ErrReplayActive    = errors.New("replay active")
	ErrNotActive       = errors.New("not active")
)

// RecordingMetadata is the header block of a recording file.
type RecordingMetadata struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	StartTime            int64   `json:"startTime"` // milliseconds
	EndTime              int64   `json:"endTime"`
	Duration             float64 `json:"duration"` // seconds
	CenterFreq           int64   `json:"centerFreq"`
	SampleRate           int     `json:"sampleRate"`
	FFTSize              int     `json:"fftSize"`
	MinFreq              int64   `json:"minFreq"`
	MaxFreq              int64   `json:"maxFreq"`
	PacketCount          int     `json:"packetCount"`
	ControlChannelEvents int     `json:"controlChannelEvents"`
	Transmissions        int     `json:"transmissions"`
	UniqueTalkgroups     int     `json:"uniqueTalkgroups"`
	FileSize             int64   `json:"fileSize"`
}

// recordedPacket is one captured FFT frame. RelativeTime is milliseconds
// since recording start.
type recordedPacket struct {
	Timestamp    int64     `json:"timestamp"`
	RelativeTime int64     `json:"relativeTime"`
	Magnitudes   []float32 `json:"magnitudes"`
}

// recordedEvent is one captured control-channel event on the same timeline.
type recordedEvent struct {
	bus.ControlChannelEvent
	RelativeTime int64 `json:"relativeTime"`
}

// recordingFile is the on-disk shape: a single JSON document.
type recordingFile struct {
	Metadata             RecordingMetadata `json:"metadata"`
	Packets              []recordedPacket  `json:"packets"`
	ControlChannelEvents []recordedEvent   `json:"controlChannelEvents"`
}

type managerState int

const (
	stateIdle managerState = iota
	stateRecording
	stateReplaying
)

// Manager owns at most one recording or one replay at a time.
type Manager struct {
	dir string
	bus *bus.Bus
	log zerolog.Logger

	// Fallback geometry for recordings that saw no FFT packets.
	defaultCenterFreq int64
	defaultSampleRate int

	mu    sync.Mutex
	state managerState

	// recording
	recID     string
	recStop   context.CancelFunc
	recDone   chan struct{}

	// replay
	replay *replaySession
}

func NewManager(dir string, b *bus.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		dir: dir,
		bus: b,
		log: log.With().Str("component", "spectrum").Logger(),
	}
}

// SetSDRDefaults records the tuner geometry to stamp on recordings that
// captured no FFT packets.
func (m *Manager) SetSDRDefaults(centerFreq int64, sampleRate int) {
	m.defaultCenterFreq = centerFreq
	m.defaultSampleRate = sampleRate
}

// Init prepares the recordings directory and discards orphaned partials left
// by a crash mid-recording.
func (m *Manager) Init() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			path := filepath.Join(m.dir, e.Name())
			m.log.Warn().Str("path", path).Msg("discarding orphaned partial recording")
			os.Remove(path)
		}
	}
	return nil
}

// StartRecording begins capturing FFT packets and control events for up to
// durationSeconds, or until StopRecording.
func (m *Manager) StartRecording(ctx context.Context, durationSeconds int, name string) (string, error) {
	m.mu.Lock()
	switch m.state {
	case stateRecording:
		m.mu.Unlock()
		return "", ErrRecordingActive
	case stateReplaying:
		m.mu.Unlock()
		return "", ErrReplayActive
	}

	id := uuid.NewString()
	if name == "" {
		name = "Recording " + time.Now().Format("2006-01-02 15:04:05")
	}

	recCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.state = stateRecording
	m.recID = id
	m.recStop = cancel
	m.recDone = done
	m.mu.Unlock()

	// The partial exists from the first moment, so a crash is detectable.
	tmpPath := filepath.Join(m.dir, id+".tmp")
	if f, err := os.Create(tmpPath); err != nil {
		m.finishRecording()
		cancel()
		close(done)
		return "", err
	} else {
		f.Close()
	}

	go m.recordLoop(recCtx, id, name, durationSeconds, done)

	m.log.Info().Str("id", id).Int("duration_s", durationSeconds).Msg("recording started")
	return id, nil
}

// StopRecording finalizes the active recording.
func (m *Manager) StopRecording() error {
	m.mu.Lock()
	if m.state != stateRecording {
		m.mu.Unlock()
		return ErrNotActive
	}
	stop, done := m.recStop, m.recDone
	m.mu.Unlock()

	stop()
	<-done
	return nil
}

func (m *Manager) finishRecording() {
	m.mu.Lock()
	m.state = stateIdle
	m.recID = ""
	m.recStop = nil
	m.recDone = nil
	m.mu.Unlock()
}

func (m *Manager) recordLoop(ctx context.Context, id, name string, durationSeconds int, done chan struct{}) {
	defer close(done)
	defer m.finishRecording()

	sub := m.bus.Subscribe("recorder", 512, bus.KindFFT, bus.KindControlChannel)
	defer sub.Cancel()

	start := time.Now()
	rec := recordingFile{
		Metadata: RecordingMetadata{ID: id, Name: name, StartTime: start.UnixMilli()},
	}
	talkgroups := make(map[int]bool)

	var timeout <-chan time.Time
	if durationSeconds > 0 {
		timer := time.NewTimer(time.Duration(durationSeconds) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-timeout:
			break loop
		case e := <-sub.C:
			rel := time.Since(start).Milliseconds()
			switch e.Kind {
			case bus.KindFFT:
				p := e.FFT
				rec.Packets = append(rec.Packets, recordedPacket{
					Timestamp:    p.Timestamp,
					RelativeTime: rel,
					Magnitudes:   p.Magnitudes,
				})
				// First packet pins the spectrum geometry.
				if rec.Metadata.FFTSize == 0 {
					rec.Metadata.CenterFreq = p.CenterFreq
					rec.Metadata.SampleRate = p.SampleRate
					rec.Metadata.FFTSize = p.Size
					rec.Metadata.MinFreq = p.MinFreq
					rec.Metadata.MaxFreq = p.MaxFreq
				}
			case bus.KindControlChannel:
				var cce bus.ControlChannelEvent
				switch v := e.Payload.(type) {
				case bus.ControlChannelEvent:
					cce = v
				case *bus.ControlChannelEvent:
					cce = *v
				default:
					continue
				}
				rec.ControlChannelEvents = append(rec.ControlChannelEvents, recordedEvent{
					ControlChannelEvent: cce,
					RelativeTime:        rel,
				})
				if cce.Kind == bus.EventGrant {
					rec.Metadata.Transmissions++
				}
				if cce.Talkgroup > 0 {
					talkgroups[cce.Talkgroup] = true
				}
			}
		}
	}

	if rec.Metadata.FFTSize == 0 {
		rec.Metadata.CenterFreq = m.defaultCenterFreq
		rec.Metadata.SampleRate = m.defaultSampleRate
	}

	end := time.Now()
	rec.Metadata.EndTime = end.UnixMilli()
	rec.Metadata.Duration = end.Sub(start).Seconds()
	rec.Metadata.PacketCount = len(rec.Packets)
	rec.Metadata.ControlChannelEvents = len(rec.ControlChannelEvents)
	rec.Metadata.UniqueTalkgroups = len(talkgroups)

	if err := m.finalize(id, &rec); err != nil {
		m.log.Error().Err(err).Str("id", id).Msg("failed to finalize recording")
		return
	}
	m.log.Info().
		Str("id", id).
		Int("packets", rec.Metadata.PacketCount).
		Int("events", rec.Metadata.ControlChannelEvents).
		Msg("recording finalized")
}

// finalize writes the document to the partial and renames it into place.
func (m *Manager) finalize(id string, rec *recordingFile) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	rec.Metadata.FileSize = int64(len(data))
	// Re-marshal so the stored fileSize reflects the final document size
	// closely enough for display.
	data, err = json.Marshal(rec)
	if err != nil {
		return err
	}

	tmp := filepath.Join(m.dir, id+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(m.dir, id))
}

// ListRecordings returns metadata for every finalized recording.
func (m *Manager) ListRecordings() ([]RecordingMetadata, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var out []RecordingMetadata
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		rec, err := m.load(e.Name())
		if err != nil {
			m.log.Warn().Err(err).Str("file", e.Name()).Msg("skipping unreadable recording")
			continue
		}
		out = append(out, rec.Metadata)
	}
	return out, nil
}

// DeleteRecording removes a finalized recording.
func (m *Manager) DeleteRecording(id string) error {
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("invalid recording id %q", id)
	}
	return os.Remove(filepath.Join(m.dir, id))
}

func (m *Manager) load(id string) (*recordingFile, error) {
	if strings.ContainsAny(id, "/\\") {
		return nil, fmt.Errorf("invalid recording id %q", id)
	}
	data, err := os.ReadFile(filepath.Join(m.dir, id))
	if err != nil {
		return nil, err
	}
	var rec recordingFile
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Recording reports whether a capture is in progress, and its ID.
func (m *Manager) Recording() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recID, m.state == stateRecording
}

package ingest

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/snarg/scannerd/internal/metrics"
)

const sidecarDebounce = 500 * time.Millisecond

// sidecarMeta is the JSON the decoder writes next to each finished WAV.
type sidecarMeta struct {
	Freq         int64       `json:"freq"`
	Talkgroup    int64       `json:"talkgroup"`
	TalkgroupTag string      `json:"talkgroup_tag"`
	StartTime    int64       `json:"start_time"`
	StopTime     int64       `json:"stop_time"`
	CallLength   float64     `json:"call_length"`
	Emergency    int         `json:"emergency"`
	Encrypted    int         `json:"encrypted"`
	AudioType    string      `json:"audio_type"`
	ShortName    string      `json:"short_name"`
	FreqList     []FreqEntry `json:"freqList"`
	SrcList      []SrcEntry  `json:"srcList"`
}

// SidecarEvent is one completed recording observed on disk. Call carries the
// same shape the decoder sends over the status socket on call_end.
type SidecarEvent struct {
	Call    CallEndMsg
	WAVPath string
}

// RecordingWatcher monitors the decoder's audio output tree for JSON sidecar
// files and emits one SidecarEvent per recording. Rapid Create+Write bursts
// on the same file are debounced; a sidecar seen twice emits once.
type RecordingWatcher struct {
	dir string
	out chan *SidecarEvent
	log zerolog.Logger

	watcher *fsnotify.Watcher

	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	seenMu sync.Mutex
	seen   map[string]bool

	processed atomic.Int64
	skipped   atomic.Int64
}

func NewRecordingWatcher(dir string, log zerolog.Logger) *RecordingWatcher {
	return &RecordingWatcher{
		dir:            dir,
		out:            make(chan *SidecarEvent, 64),
		log:            log.With().Str("component", "watcher").Logger(),
		debounceTimers: make(map[string]*time.Timer),
		seen:           make(map[string]bool),
	}
}

// Events is the stream of completed recordings. Never closed.
func (rw *RecordingWatcher) Events() <-chan *SidecarEvent { return rw.out }

// Processed returns how many sidecars have been emitted.
func (rw *RecordingWatcher) Processed() int64 { return rw.processed.Load() }

// Skipped counts sidecars dropped for a missing companion wav or a parse error.
func (rw *RecordingWatcher) Skipped() int64 { return rw.skipped.Load() }

// Start walks the tree, registers every directory, and begins watching.
func (rw *RecordingWatcher) Start(ctx context.Context) error {
	if rw.dir == "" {
		rw.log.Info().Msg("no audio directory configured, watcher disabled")
		return nil
	}
	if err := os.MkdirAll(rw.dir, 0o755); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	rw.watcher = w

	dirCount := 0
	err = filepath.WalkDir(rw.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			rw.log.Warn().Err(err).Str("path", path).Msg("error walking directory")
			return nil
		}
		if d.IsDir() {
			if addErr := w.Add(path); addErr != nil {
				rw.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			} else {
				dirCount++
			}
		}
		return nil
	})
	if err != nil {
		w.Close()
		return err
	}

	rw.log.Info().
		Int("directories", dirCount).
		Str("watch_dir", rw.dir).
		Msg("recording watcher initialized")

	go rw.watchLoop(ctx)
	return nil
}

func (rw *RecordingWatcher) Close() {
	if rw.watcher != nil {
		rw.watcher.Close()
	}
	rw.log.Info().
		Int64("processed", rw.processed.Load()).
		Int64("skipped", rw.skipped.Load()).
		Msg("recording watcher stopped")
}

func (rw *RecordingWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			rw.handleEvent(event)
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (rw *RecordingWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// New subdirectories join the watch set so nested date trees work. The
	// walk also sweeps up anything already written before the watch landed.
	if event.Op&fsnotify.Create != 0 {
		if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
			filepath.WalkDir(event.Name, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if d.IsDir() {
					if addErr := rw.watcher.Add(path); addErr != nil {
						rw.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch new directory")
					}
				} else if strings.HasSuffix(path, ".json") {
					rw.debounce(path)
				}
				return nil
			})
			return
		}
	}

	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	rw.debounce(event.Name)
}

// debounce coalesces the Create+Write burst the decoder produces while it is
// still writing the sidecar.
func (rw *RecordingWatcher) debounce(path string) {
	rw.debounceMu.Lock()
	defer rw.debounceMu.Unlock()

	if t, ok := rw.debounceTimers[path]; ok {
		t.Reset(sidecarDebounce)
		return
	}
	rw.debounceTimers[path] = time.AfterFunc(sidecarDebounce, func() {
		rw.debounceMu.Lock()
		delete(rw.debounceTimers, path)
		rw.debounceMu.Unlock()
		rw.processSidecar(path)
	})
}

func (rw *RecordingWatcher) processSidecar(path string) {
	rw.seenMu.Lock()
	if rw.seen[path] {
		rw.seenMu.Unlock()
		rw.skipped.Add(1)
		return
	}
	rw.seen[path] = true
	rw.seenMu.Unlock()

	ev, err := rw.loadSidecar(path)
	if err != nil {
		rw.log.Warn().Err(err).Str("path", path).Msg("dropping sidecar")
		rw.skipped.Add(1)
		return
	}

	rw.processed.Add(1)
	metrics.SidecarFilesTotal.Inc()
	select {
	case rw.out <- ev:
	default:
		rw.log.Warn().Str("path", path).Msg("sidecar consumer backed up, dropping event")
	}
}

func (rw *RecordingWatcher) loadSidecar(path string) (*SidecarEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta sidecarMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}

	wav := strings.TrimSuffix(path, ".json") + ".wav"
	if _, err := os.Stat(wav); err != nil {
		return nil, err
	}

	return &SidecarEvent{
		Call: CallEndMsg{
			Freq:         meta.Freq,
			Talkgroup:    meta.Talkgroup,
			TalkgroupTag: meta.TalkgroupTag,
			StartTime:    meta.StartTime,
			StopTime:     meta.StopTime,
			Length:       meta.CallLength,
			Emergency:    meta.Emergency != 0,
			Encrypted:    meta.Encrypted != 0,
			Filename:     wav,
			AudioType:    meta.AudioType,
			FreqList:     meta.FreqList,
			SrcList:      meta.SrcList,
		},
		WAVPath: wav,
	}, nil
}

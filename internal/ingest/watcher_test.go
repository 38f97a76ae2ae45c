package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeSidecarPair(t *testing.T, dir, base, metaJSON string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, base+".wav"), []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, base+".json")
	if err := os.WriteFile(path, []byte(metaJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRecordingWatcherEmitsSidecar(t *testing.T) {
	dir := t.TempDir()

	rw := NewRecordingWatcher(dir, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rw.Close()

	writeSidecarPair(t, dir, "927-1700000000", `{
		"freq": 852387500, "talkgroup": 927, "talkgroup_tag": "Police A2",
		"start_time": 1700000000, "stop_time": 1700000009, "call_length": 9.2,
		"emergency": 0, "encrypted": 1, "audio_type": "digital",
		"srcList": [{"src": 4412, "time": 1700000000, "pos": 0}]
	}`)

	select {
	case ev := <-rw.Events():
		if ev.Call.Talkgroup != 927 || ev.Call.StartTime != 1700000000 {
			t.Errorf("call = %+v", ev.Call)
		}
		if !ev.Call.Encrypted || ev.Call.Emergency {
			t.Errorf("flags = enc:%v emg:%v", ev.Call.Encrypted, ev.Call.Emergency)
		}
		if filepath.Base(ev.WAVPath) != "927-1700000000.wav" {
			t.Errorf("wav = %s", ev.WAVPath)
		}
		if len(ev.Call.SrcList) != 1 || ev.Call.SrcList[0].Src != 4412 {
			t.Errorf("srcList = %+v", ev.Call.SrcList)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no sidecar event")
	}
}

func TestRecordingWatcherMissingWAV(t *testing.T) {
	dir := t.TempDir()

	rw := NewRecordingWatcher(dir, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rw.Close()

	// Sidecar with no companion WAV must be dropped.
	if err := os.WriteFile(filepath.Join(dir, "orphan.json"), []byte(`{"talkgroup":1}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-rw.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(1 * time.Second):
	}
}

func TestRecordingWatcherIdempotent(t *testing.T) {
	dir := t.TempDir()

	rw := NewRecordingWatcher(dir, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rw.Close()

	path := writeSidecarPair(t, dir, "dup-1700000000", `{"talkgroup": 5, "start_time": 1700000000}`)

	select {
	case <-rw.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("no first event")
	}

	// Rewrite the same sidecar; the duplicate observation must not emit.
	if err := os.WriteFile(path, []byte(`{"talkgroup": 5, "start_time": 1700000000}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-rw.Events():
		t.Fatalf("duplicate emission: %+v", ev)
	case <-time.After(1 * time.Second):
	}
}

func TestRecordingWatcherNewSubdirectory(t *testing.T) {
	dir := t.TempDir()

	rw := NewRecordingWatcher(dir, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rw.Close()

	sub := filepath.Join(dir, "2026", "8", "26")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Let the watcher pick up the new directories before writing into them.
	time.Sleep(200 * time.Millisecond)

	writeSidecarPair(t, sub, "101-1700000100", `{"talkgroup": 101, "start_time": 1700000100}`)

	select {
	case ev := <-rw.Events():
		if ev.Call.Talkgroup != 101 {
			t.Errorf("call = %+v", ev.Call)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event from nested directory")
	}
}

package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scannerd/internal/bus"
)

func TestClassifyLogLine(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		line string
		kind string
		tg   int
		freq int64
	}{
		{
			name: "grant",
			line: "[2026-08-26 10:00:01] Starting P25 Recorder 3 for TG: 927 Freq: 852.387500 MHz",
			kind: bus.EventGrant,
			tg:   927,
			freq: 852387500,
		},
		{
			name: "grant_hz_freq",
			line: "Starting P25 Recorder 0 TG: 101 Freq: 154250000",
			kind: bus.EventGrant,
			tg:   101,
			freq: 154250000,
		},
		{
			name: "end",
			line: "Stopping P25 Recorder 3 TG: 927",
			kind: bus.EventEnd,
			tg:   927,
		},
		{
			name: "encrypted",
			line: "TG: 455 is ENCRYPTED, skipping",
			kind: bus.EventEncrypted,
			tg:   455,
		},
		{
			name: "decode_rate",
			line: "Control channel decode rate: 36.4/sec",
			kind: bus.EventDecodeRate,
		},
		{
			name: "system_info",
			line: "WACN: 0xBEE00 NAC: 0x25A System ID: 0x3A1",
			kind: bus.EventSystemInfo,
		},
		{
			name: "unit",
			line: "Unit ID: 4412 affiliated",
			kind: bus.EventUnit,
		},
		{
			name: "no_recorder",
			line: "No channel recorder available for TG: 600",
			kind: bus.EventNoRecorder,
		},
		{
			name: "out_of_band",
			line: "Out of band frequency 860000000",
			kind: bus.EventOutOfBand,
		},
		{
			name: "update",
			line: "Update TG: 927 Freq: 852.387500",
			kind: bus.EventUpdate,
			tg:   927,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := classifyLogLine(tt.line, now)
			if ev == nil {
				t.Fatal("classifyLogLine returned nil")
			}
			if ev.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", ev.Kind, tt.kind)
			}
			if tt.tg != 0 && ev.Talkgroup != tt.tg {
				t.Errorf("talkgroup = %d, want %d", ev.Talkgroup, tt.tg)
			}
			if tt.freq != 0 && ev.Frequency != tt.freq {
				t.Errorf("frequency = %d, want %d", ev.Frequency, tt.freq)
			}
		})
	}

	t.Run("unmatched_dropped", func(t *testing.T) {
		if ev := classifyLogLine("some unrelated chatter", now); ev != nil {
			t.Errorf("expected nil, got %+v", ev)
		}
	})

	t.Run("midline_update_dropped", func(t *testing.T) {
		// Only lines beginning with Update are update events; the word in
		// the middle of unrelated chatter is not.
		if ev := classifyLogLine("decoder sent Update for TG: 927", now); ev != nil {
			t.Errorf("expected nil, got %+v", ev)
		}
	})

	t.Run("system_info_fields", func(t *testing.T) {
		ev := classifyLogLine("WACN: 0xBEE00 NAC: 0x25A System ID: 0x3A1", now)
		if ev.WACN != "0xBEE00" || ev.NAC != "0x25A" || ev.SystemID != "0x3A1" {
			t.Errorf("ev = %+v", ev)
		}
	})

	t.Run("decode_rate_value", func(t *testing.T) {
		ev := classifyLogLine("Control channel decode rate: 36.4/sec", now)
		if ev.DecodeRate != 36.4 {
			t.Errorf("rate = %v", ev.DecodeRate)
		}
	})
}

func waitForEvent(t *testing.T, sub *bus.Subscription, timeout time.Duration) *bus.ControlChannelEvent {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev.Payload.(*bus.ControlChannelEvent)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestLogTailerFollowsAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decoder.log")
	if err := os.WriteFile(path, []byte("old line before tail started\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := bus.New(16, zerolog.Nop())
	sub := b.Subscribe("test", 16, bus.KindControlChannel)
	defer sub.Cancel()

	tailer := NewLogTailer([]string{path}, b, zerolog.Nop())
	tailer.poll = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tailer.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Give the tailer a beat to seek to the end, then append.
	time.Sleep(50 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("Starting P25 Recorder 1 for TG: 927 Freq: 852.387500 MHz\n")
	f.Close()

	ev := waitForEvent(t, sub, 2*time.Second)
	if ev.Kind != bus.EventGrant || ev.Talkgroup != 927 {
		t.Errorf("ev = %+v", ev)
	}
}

func TestLogTailerHandlesRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decoder.log")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	b := bus.New(16, zerolog.Nop())
	sub := b.Subscribe("test", 16, bus.KindControlChannel)
	defer sub.Cancel()

	tailer := NewLogTailer([]string{path}, b, zerolog.Nop())
	tailer.poll = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tailer.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// Rotate: rename the live file away and write a fresh one. The new
	// file's contents must be read from the beginning.
	if err := os.Rename(path, path+".1"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("Stopping P25 Recorder 1 TG: 500\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev := waitForEvent(t, sub, 2*time.Second)
	if ev.Kind != bus.EventEnd || ev.Talkgroup != 500 {
		t.Errorf("ev = %+v", ev)
	}
}

package ingest

import (
	"bufio"
	"context"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scannerd/internal/bus"
	"github.com/snarg/scannerd/internal/metrics"
)

// logPattern binds one regex to an event kind and its field extractor. The
// patterns list is matched in order; first hit wins.
type logPattern struct {
	re      *regexp.Regexp
	kind    string
	extract func(m []string, ev *bus.ControlChannelEvent)
}

var logPatterns = []logPattern{
	{
		re:   regexp.MustCompile(`Starting P25 Recorder\s+(\d+).*?TG:?\s*(\d+).*?Freq:?\s*([\d.]+)`),
		kind: bus.EventGrant,
		extract: func(m []string, ev *bus.ControlChannelEvent) {
			ev.RecorderIndex, _ = strconv.Atoi(m[1])
			ev.Talkgroup, _ = strconv.Atoi(m[2])
			ev.Frequency = parseLogFreq(m[3])
		},
	},
	{
		re:   regexp.MustCompile(`Stopping P25 Recorder(?:\s+(\d+))?(?:.*?TG:?\s*(\d+))?`),
		kind: bus.EventEnd,
		extract: func(m []string, ev *bus.ControlChannelEvent) {
			ev.RecorderIndex, _ = strconv.Atoi(m[1])
			ev.Talkgroup, _ = strconv.Atoi(m[2])
		},
	},
	{
		re:   regexp.MustCompile(`ENCRYPTED`),
		kind: bus.EventEncrypted,
		extract: func(m []string, ev *bus.ControlChannelEvent) {
			ev.Talkgroup = tgFromLine(ev.Message)
		},
	},
	{
		re:   regexp.MustCompile(`Control [Cc]hannel [Dd]ecode [Rr]ate:?\s*([\d.]+)`),
		kind: bus.EventDecodeRate,
		extract: func(m []string, ev *bus.ControlChannelEvent) {
			ev.DecodeRate, _ = strconv.ParseFloat(m[1], 64)
		},
	},
	{
		re:   regexp.MustCompile(`WACN:?\s*(0x[0-9A-Fa-f]+|\d+).*?NAC:?\s*(0x[0-9A-Fa-f]+|\d+).*?(?:System ID|SysID):?\s*(0x[0-9A-Fa-f]+|\d+)`),
		kind: bus.EventSystemInfo,
		extract: func(m []string, ev *bus.ControlChannelEvent) {
			ev.WACN, ev.NAC, ev.SystemID = m[1], m[2], m[3]
		},
	},
	{
		re:   regexp.MustCompile(`Unit(?: ID)?:?\s*(\d+)`),
		kind: bus.EventUnit,
		extract: func(m []string, ev *bus.ControlChannelEvent) {
			ev.SourceUnit, _ = strconv.Atoi(m[1])
		},
	},
	{
		re:   regexp.MustCompile(`No channel recorder`),
		kind: bus.EventNoRecorder,
	},
	{
		re:   regexp.MustCompile(`Out of band`),
		kind: bus.EventOutOfBand,
	},
	{
		re:   regexp.MustCompile(`^(?:Update|Grant)`),
		kind: bus.EventUpdate,
		extract: func(m []string, ev *bus.ControlChannelEvent) {
			if tg := tgFromLine(ev.Message); tg > 0 {
				ev.Talkgroup = tg
			}
		},
	},
}

var tgRe = regexp.MustCompile(`TG:?\s*(\d+)`)

func tgFromLine(line string) int {
	if m := tgRe.FindStringSubmatch(line); m != nil {
		tg, _ := strconv.Atoi(m[1])
		return tg
	}
	return 0
}

// parseLogFreq accepts both Hz integers and MHz decimals.
func parseLogFreq(s string) int64 {
	if strings.Contains(s, ".") {
		mhz, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return int64(mhz * 1e6)
	}
	hz, _ := strconv.ParseInt(s, 10, 64)
	return hz
}

// classifyLogLine matches a decoder log line against the ordered pattern
// list. Unmatched lines yield nil.
func classifyLogLine(line string, now time.Time) *bus.ControlChannelEvent {
	for _, p := range logPatterns {
		m := p.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		// Optional groups that did not participate come back empty; pad so
		// extractors can index blindly.
		for len(m) < 4 {
			m = append(m, "")
		}
		ev := &bus.ControlChannelEvent{
			Timestamp: now,
			Kind:      p.kind,
			Message:   line,
		}
		if p.extract != nil {
			p.extract(m, ev)
		}
		return ev
	}
	return nil
}

// LogTailer follows the decoder log file, classifies each appended line, and
// publishes the resulting control-channel events. Rotation and truncation
// reopen the file and continue from the beginning of the new one.
type LogTailer struct {
	paths []string
	bus   *bus.Bus
	log   zerolog.Logger

	poll time.Duration // test hook
}

func NewLogTailer(paths []string, b *bus.Bus, log zerolog.Logger) *LogTailer {
	return &LogTailer{
		paths: paths,
		bus:   b,
		log:   log.With().Str("component", "log_tailer").Logger(),
		poll:  250 * time.Millisecond,
	}
}

// pickPath returns the first configured path that exists, else the first
// configured path.
func (t *LogTailer) pickPath() string {
	for _, p := range t.paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if len(t.paths) > 0 {
		return t.paths[0]
	}
	return ""
}

func (t *LogTailer) Start(ctx context.Context) error {
	if len(t.paths) == 0 {
		t.log.Info().Msg("no log paths configured, tailer disabled")
		return nil
	}
	go t.run(ctx)
	return nil
}

func (t *LogTailer) run(ctx context.Context) {
	var (
		f      *os.File
		reader *bufio.Reader
		opened os.FileInfo
		path   string
	)
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	// seekEnd is true only for the very first open; rotated files are read
	// from the start.
	open := func(seekEnd bool) bool {
		if f != nil {
			f.Close()
			f = nil
		}
		path = t.pickPath()
		nf, err := os.Open(path)
		if err != nil {
			return false
		}
		if seekEnd {
			nf.Seek(0, io.SeekEnd)
		}
		f = nf
		opened, _ = nf.Stat()
		reader = bufio.NewReader(nf)
		t.log.Info().Str("path", path).Bool("from_end", seekEnd).Msg("tailing log")
		return true
	}
	open(true)

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	var partial strings.Builder
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if f == nil {
			open(true)
			continue
		}

		for {
			chunk, err := reader.ReadString('\n')
			partial.WriteString(chunk)
			if err != nil {
				break
			}
			line := strings.TrimRight(partial.String(), "\r\n")
			partial.Reset()
			if line == "" {
				continue
			}
			t.handleLine(line)
		}

		// Rotation: path now names a different file. Truncation: the file
		// shrank under our read offset.
		st, err := os.Stat(path)
		switch {
		case err != nil || !os.SameFile(opened, st):
			t.log.Info().Str("path", path).Msg("log rotated, reopening")
			partial.Reset()
			open(false)
		default:
			if pos, err := f.Seek(0, io.SeekCurrent); err == nil && st.Size() < pos-int64(reader.Buffered()) {
				t.log.Info().Str("path", path).Msg("log truncated, rereading")
				partial.Reset()
				open(false)
			}
		}
	}
}

func (t *LogTailer) handleLine(line string) {
	ev := classifyLogLine(line, time.Now())
	if ev == nil {
		return
	}
	metrics.LogEventsTotal.WithLabelValues(ev.Kind).Inc()
	t.bus.Publish(bus.Event{
		Kind:    bus.KindControlChannel,
		Channel: int64(ev.Talkgroup),
		Payload: ev,
	})
}

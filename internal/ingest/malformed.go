package ingest

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scannerd/internal/bus"
)

const (
	malformedWindow    = time.Minute
	malformedThreshold = 10
)

// malformedAlarm tracks the malformed-datagram rate for one ingestor and
// raises a textual error event once the rate passes the threshold, at most
// once per window.
type malformedAlarm struct {
	component string
	bus       *bus.Bus
	log       zerolog.Logger

	mu          sync.Mutex
	windowStart time.Time
	count       int
	raised      bool

	now func() time.Time // test hook
}

func newMalformedAlarm(component string, b *bus.Bus, log zerolog.Logger) *malformedAlarm {
	return &malformedAlarm{
		component: component,
		bus:       b,
		log:       log,
		now:       time.Now,
	}
}

// observe records one malformed datagram.
func (a *malformedAlarm) observe() {
	now := a.now()

	a.mu.Lock()
	if now.Sub(a.windowStart) >= malformedWindow {
		a.windowStart = now
		a.count = 0
		a.raised = false
	}
	a.count++
	count := a.count
	raise := count > malformedThreshold && !a.raised
	if raise {
		a.raised = true
	}
	a.mu.Unlock()

	if !raise {
		return
	}
	a.log.Warn().Int("count", count).Msg("malformed input rate above threshold")
	a.bus.Publish(bus.Event{
		Kind: bus.KindError,
		Payload: map[string]string{
			"component": a.component,
			"error":     fmt.Sprintf("%d malformed datagrams in the last minute", count),
		},
	})
}

package correlate

import "sync"

// Marker is one entry in the channel-activity snapshot handed to scanner
// style consumers: a control channel or a voice channel with its state.
type Marker struct {
	Type   string `json:"type"` // "control" or "voice"
	Freq   int64  `json:"freq"`
	Label  string `json:"label"`
	Active bool   `json:"active"`
}

// ChannelTracker is the process-wide view of which frequencies are doing
// what. The correlator updates it on every add, remove, and reconcile.
type ChannelTracker struct {
	mu              sync.RWMutex
	controlChannels map[int64]bool
	voice           map[string]Marker // keyed by canonical call ID
}

func NewChannelTracker() *ChannelTracker {
	return &ChannelTracker{
		controlChannels: make(map[int64]bool),
		voice:           make(map[string]Marker),
	}
}

// SetControlChannel records freq as a known control channel.
func (t *ChannelTracker) SetControlChannel(freq int64) {
	if freq <= 0 {
		return
	}
	t.mu.Lock()
	t.controlChannels[freq] = true
	t.mu.Unlock()
}

// ControlChannels returns the known control-channel frequencies.
func (t *ChannelTracker) ControlChannels() []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int64, 0, len(t.controlChannels))
	for f := range t.controlChannels {
		out = append(out, f)
	}
	return out
}

// CallStarted marks a voice channel active.
func (t *ChannelTracker) CallStarted(c *ActiveCall) {
	t.mu.Lock()
	t.voice[c.ID] = Marker{Type: "voice", Freq: c.Frequency, Label: c.Label, Active: true}
	t.mu.Unlock()
}

// CallEnded clears a voice channel.
func (t *ChannelTracker) CallEnded(id string) {
	t.mu.Lock()
	delete(t.voice, id)
	t.mu.Unlock()
}

// Markers returns the combined control + voice snapshot.
func (t *ChannelTracker) Markers() []Marker {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Marker, 0, len(t.controlChannels)+len(t.voice))
	for f := range t.controlChannels {
		out = append(out, Marker{Type: "control", Freq: f, Label: "Control", Active: true})
	}
	for _, m := range t.voice {
		out = append(out, m)
	}
	return out
}

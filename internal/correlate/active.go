package correlate

import (
	"sync"
	"time"
)

// ActiveCall is one in-flight call keyed by canonical ID.
type ActiveCall struct {
	ID        string `json:"id"`
	DecoderID string `json:"-"`
	Key       int64  `json:"key"` // talkgroup (trunked) or frequency (conventional)
	Talkgroup int64  `json:"talkgroup"`
	Frequency int64  `json:"freq"`
	Label     string `json:"label"`
	StartTime int64  `json:"start_time"`
	Emergency bool   `json:"emergency"`
	Encrypted bool   `json:"encrypted"`

	lastSeen time.Time
}

// activeCalls is the in-memory active set the correlator maintains from
// call_start, call_end, sidecar completion, and calls_active reconciliation.
type activeCalls struct {
	mu   sync.RWMutex
	byID map[string]*ActiveCall
}

func newActiveCalls() *activeCalls {
	return &activeCalls{byID: make(map[string]*ActiveCall)}
}

func (a *activeCalls) Add(c *ActiveCall) {
	a.mu.Lock()
	c.lastSeen = time.Now()
	a.byID[c.ID] = c
	a.mu.Unlock()
}

func (a *activeCalls) Remove(id string) *ActiveCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.byID[id]
	delete(a.byID, id)
	return c
}

func (a *activeCalls) Get(id string) *ActiveCall {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.byID[id]
}

// FindByKeyAndTime locates an active call on the same logical channel whose
// start time is within tolerance seconds of start. This is how a call_end or
// sidecar with a slightly different clock lands on the call_start's ID.
func (a *activeCalls) FindByKeyAndTime(key, start, tolerance int64) *ActiveCall {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, c := range a.byID {
		if c.Key != key {
			continue
		}
		d := c.StartTime - start
		if d < 0 {
			d = -d
		}
		if d <= tolerance {
			return c
		}
	}
	return nil
}

// FindByKey locates any active call on the logical channel, regardless of
// start time.
func (a *activeCalls) FindByKey(key int64) *ActiveCall {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, c := range a.byID {
		if c.Key == key {
			return c
		}
	}
	return nil
}

// FindByDecoderID locates an active call by the decoder's own call ID.
func (a *activeCalls) FindByDecoderID(decoderID string) *ActiveCall {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, c := range a.byID {
		if c.DecoderID == decoderID {
			return c
		}
	}
	return nil
}

// Reconcile keeps only the calls whose canonical IDs appear in keep and
// returns the evicted ones. The decoder's calls_active list is authoritative.
func (a *activeCalls) Reconcile(keep map[string]bool) []*ActiveCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	var removed []*ActiveCall
	for id, c := range a.byID {
		if !keep[id] {
			removed = append(removed, c)
			delete(a.byID, id)
		}
	}
	return removed
}

func (a *activeCalls) Snapshot() []*ActiveCall {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*ActiveCall, 0, len(a.byID))
	for _, c := range a.byID {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

func (a *activeCalls) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byID)
}

// Package hub fans the live event streams out to subscribed websocket
// clients, with per-subscriber queues so one slow reader never stalls
// another.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/snarg/scannerd/internal/bus"
	"github.com/snarg/scannerd/internal/correlate"
	"github.com/snarg/scannerd/internal/metrics"
)

// CallHistory supplies recent call events for the get_recent_calls command.
type CallHistory interface {
	RecentCalls(limit int) []correlate.CallEvent
}

// Hub owns the subscriber set and routes bus events to matching clients.
type Hub struct {
	bus     *bus.Bus
	history CallHistory
	log     zerolog.Logger

	upgrader websocket.Upgrader

	mu        sync.RWMutex
	clients   map[string]*Client
	accepting bool
}

func New(b *bus.Bus, history CallHistory, log zerolog.Logger) *Hub {
	return &Hub{
		bus:     b,
		history: history,
		log:     log.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:   make(map[string]*Client),
		accepting: true,
	}
}

// Run dispatches bus events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe("hub", 1024)
	defer sub.Cancel()

	stats := time.NewTicker(time.Minute)
	defer stats.Stop()

	h.log.Info().Msg("hub running")
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub.C:
			h.dispatch(e)
		case <-stats.C:
			h.log.Info().Int("subscribers", h.Subscribers()).Msg("hub stats")
		}
	}
}

// ServeWS upgrades an HTTP request into a hub subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	accepting := h.accepting
	h.mu.RUnlock()
	if !accepting {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		ID:       uuid.NewString(),
		hub:      h,
		conn:     conn,
		log:      h.log,
		queue:    newOutQueue(defaultQueueBound),
		done:     make(chan struct{}),
		wildcard: true,
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	n := len(h.clients)
	h.mu.Unlock()
	metrics.HubSubscribers.Set(float64(n))

	h.log.Info().Str("id", client.ID).Int("subscribers", n).Msg("subscriber connected")

	client.sendJSON(map[string]string{"type": "connected", "id": client.ID})
	go client.writeLoop()
	go client.readLoop()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c.ID]
	delete(h.clients, c.ID)
	n := len(h.clients)
	h.mu.Unlock()

	if present {
		metrics.HubSubscribers.Set(float64(n))
		h.log.Info().Str("id", c.ID).Int("subscribers", n).Msg("subscriber disconnected")
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) recentCalls(limit int) []correlate.CallEvent {
	if h.history == nil {
		return nil
	}
	return h.history.RecentCalls(limit)
}

// recentEvents exposes the bus's retained control-channel ring so a fresh
// subscriber can backfill decoder activity it missed.
func (h *Hub) recentEvents() []bus.ControlChannelEvent {
	return h.bus.RecentControlEvents()
}

func (h *Hub) dispatch(e bus.Event) {
	switch e.Kind {
	case bus.KindAudio:
		h.broadcastAudio(e)
	case bus.KindFFT:
		h.broadcastFFT(e)
	default:
		h.broadcastText(e)
	}
}

// broadcastAudio frames and fans out one PCM packet. The frame is built once
// and only when at least one subscriber wants it.
func (h *Hub) broadcastAudio(e bus.Event) {
	var targets []*Client
	for _, c := range h.snapshot() {
		if c.wantsAudio(e.Channel) {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return
	}

	frame, err := encodeAudioFrame(e.Audio)
	if err != nil {
		h.log.Error().Err(err).Msg("encode audio frame")
		return
	}
	metrics.HubMessagesTotal.WithLabelValues("audio").Inc()
	for _, c := range targets {
		c.sendBinary(frame)
	}
}

func (h *Hub) broadcastFFT(e bus.Event) {
	var targets []*Client
	for _, c := range h.snapshot() {
		if c.wantsFFT() {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return
	}

	frame, err := encodeFFTFrame(e.FFT)
	if err != nil {
		h.log.Error().Err(err).Msg("encode fft frame")
		return
	}
	metrics.HubMessagesTotal.WithLabelValues("fft").Inc()
	for _, c := range targets {
		c.sendBinary(frame)
	}
}

func (h *Hub) broadcastText(e bus.Event) {
	var data []byte
	if raw, ok := e.Payload.(json.RawMessage); ok {
		data = raw
	} else {
		var err error
		data, err = json.Marshal(map[string]any{"type": string(e.Kind), "data": e.Payload})
		if err != nil {
			h.log.Error().Err(err).Str("kind", string(e.Kind)).Msg("marshal event")
			return
		}
	}
	metrics.HubMessagesTotal.WithLabelValues(string(e.Kind)).Inc()

	for _, c := range h.snapshot() {
		switch e.Kind {
		case bus.KindCallStart, bus.KindCallEnd:
			if !c.wantsTopic(e.Channel) {
				continue
			}
		case bus.KindNewRecording:
			if !c.wantsAudio(e.Channel) {
				continue
			}
		}
		c.sendText(data)
	}
}

// Shutdown stops accepting subscribers, lets outbound queues flush up to the
// ctx deadline, then closes every client.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.accepting = false
	h.mu.Unlock()

	deadline := time.NewTicker(50 * time.Millisecond)
	defer deadline.Stop()
	for {
		drained := true
		for _, c := range h.snapshot() {
			if c.queue.len() > 0 {
				drained = false
				break
			}
		}
		if drained {
			break
		}
		select {
		case <-ctx.Done():
			goto closeAll
		case <-deadline.C:
		}
	}

closeAll:
	for _, c := range h.snapshot() {
		c.close("server shutting down")
	}
	h.log.Info().Msg("hub stopped")
}

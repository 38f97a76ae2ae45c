package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/snarg/scannerd/internal/metrics"
)

const (
	defaultQueueBound = 256
	overflowDeadline  = 5 * time.Second

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

var errSlowConsumer = errors.New("slow consumer")

// outMsg is one queued outbound message.
type outMsg struct {
	binary bool
	data   []byte
}

// outQueue is a bounded deque with the hub's drop policy: on overflow the
// oldest binary message goes first, then the oldest text message; overflow
// sustained past the deadline condemns the subscriber.
type outQueue struct {
	mu            sync.Mutex
	items         []outMsg
	bound         int
	overflowSince time.Time
	notify        chan struct{}

	now func() time.Time // test hook
}

func newOutQueue(bound int) *outQueue {
	return &outQueue{
		bound:  bound,
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// push enqueues m, evicting per policy when full. Returns errSlowConsumer
// once overflow has been continuous for longer than the deadline.
func (q *outQueue) push(m outMsg) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.bound {
		if q.overflowSince.IsZero() {
			q.overflowSince = q.now()
		} else if q.now().Sub(q.overflowSince) > overflowDeadline {
			return errSlowConsumer
		}
		q.evictOldest()
		metrics.HubDroppedTotal.Inc()
	} else {
		q.overflowSince = time.Time{}
	}

	q.items = append(q.items, m)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// evictOldest removes the oldest binary item, or the oldest item outright
// when no binary is queued. Caller holds the lock.
func (q *outQueue) evictOldest() {
	for i, m := range q.items {
		if m.binary {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
	q.items = q.items[1:]
}

// drain pops everything currently queued.
func (q *outQueue) drain() []outMsg {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Client is one connected hub subscriber.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	log  zerolog.Logger

	queue     *outQueue
	done      chan struct{}
	closeOnce sync.Once

	mu           sync.RWMutex
	wildcard     bool
	subs         map[int64]bool
	audioEnabled bool
	fftEnabled   bool
}

// command is the inbound client message shape; fields are populated per type.
type command struct {
	Type       string  `json:"type"`
	Talkgroups []int64 `json:"talkgroups"`
	Enabled    bool    `json:"enabled"`
	Limit      int     `json:"limit"`
}

// wantsTopic reports whether the client's talkgroup filter passes channel.
func (c *Client) wantsTopic(channel int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wildcard || c.subs[channel]
}

func (c *Client) wantsAudio(channel int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.audioEnabled && (c.wildcard || c.subs[channel])
}

func (c *Client) wantsFFT() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fftEnabled
}

// sendText queues a JSON text message; sendBinary queues a framed binary
// one. A queue past its overflow deadline closes the client.
func (c *Client) sendText(data []byte) { c.send(outMsg{data: data}) }

func (c *Client) sendBinary(data []byte) { c.send(outMsg{binary: true, data: data}) }

func (c *Client) send(m outMsg) {
	if err := c.queue.push(m); err != nil {
		metrics.SlowConsumersTotal.Inc()
		c.log.Warn().Str("id", c.ID).Msg("closing slow consumer")
		c.close("slow consumer")
	}
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal outbound message")
		return
	}
	c.sendText(data)
}

func (c *Client) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.hub.unregister(c)
	})
}

// writeLoop flushes the outbound queue to the socket.
func (c *Client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close("write failed")
				return
			}
		case <-c.queue.notify:
			for _, m := range c.queue.drain() {
				msgType := websocket.TextMessage
				if m.binary {
					msgType = websocket.BinaryMessage
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.conn.WriteMessage(msgType, m.data); err != nil {
					c.close("write failed")
					return
				}
			}
		}
	}
}

// readLoop consumes inbound commands until the socket drops.
func (c *Client) readLoop() {
	defer c.close("connection closed")

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleCommand(data)
	}
}

func (c *Client) handleCommand(data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.sendJSON(map[string]string{"type": "error", "error": "invalid json"})
		return
	}

	switch cmd.Type {
	case "subscribe_all":
		c.mu.Lock()
		c.wildcard = true
		c.subs = nil
		c.mu.Unlock()

	case "subscribe":
		c.mu.Lock()
		if c.subs == nil {
			c.subs = make(map[int64]bool)
		}
		c.wildcard = false
		for _, tg := range cmd.Talkgroups {
			c.subs[tg] = true
		}
		c.mu.Unlock()

	case "unsubscribe":
		c.mu.Lock()
		// A wildcard has no materialized set to subtract from.
		if !c.wildcard {
			for _, tg := range cmd.Talkgroups {
				delete(c.subs, tg)
			}
		}
		c.mu.Unlock()

	case "enable_audio":
		c.mu.Lock()
		c.audioEnabled = cmd.Enabled
		c.mu.Unlock()

	case "enable_fft":
		c.mu.Lock()
		c.fftEnabled = cmd.Enabled
		c.mu.Unlock()

	case "get_recent_calls":
		limit := cmd.Limit
		if limit <= 0 {
			limit = 50
		}
		c.sendJSON(map[string]any{
			"type": "recent_calls",
			"data": c.hub.recentCalls(limit),
		})

	case "get_recent_events":
		c.sendJSON(map[string]any{
			"type": "recent_events",
			"data": c.hub.recentEvents(),
		})

	default:
		c.sendJSON(map[string]string{"type": "error", "error": "unknown command"})
	}
}

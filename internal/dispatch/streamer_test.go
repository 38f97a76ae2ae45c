package dispatch

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scannerd/internal/bus"
	"github.com/snarg/scannerd/internal/correlate"
)

type testPeer struct {
	tcpLn   net.Listener
	udpConn net.PacketConn
	lines   chan string
	packets chan []byte
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	uc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := &testPeer{
		tcpLn:   ln,
		udpConn: uc,
		lines:   make(chan string, 16),
		packets: make(chan []byte, 64),
	}
	t.Cleanup(func() { ln.Close(); uc.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					p.lines <- sc.Text()
				}
			}(conn)
		}
	}()
	go func() {
		buf := make([]byte, 65536)
		for {
			n, _, err := uc.ReadFrom(buf)
			if err != nil {
				return
			}
			pkt := make([]byte, n)
			copy(pkt, buf[:n])
			p.packets <- pkt
		}
	}()
	return p
}

func (p *testPeer) tcpPort() int { return p.tcpLn.Addr().(*net.TCPAddr).Port }
func (p *testPeer) udpPort() int { return p.udpConn.LocalAddr().(*net.UDPAddr).Port }

func startStreamer(t *testing.T, peer *testPeer, b *bus.Bus) *Streamer {
	t.Helper()
	s := New("127.0.0.1", peer.tcpPort(), true, b, zerolog.Nop())
	s.udpPort = peer.udpPort()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	// Wait for the control connection before driving traffic.
	deadline := time.Now().Add(5 * time.Second)
	for !s.connected() {
		if time.Now().After(deadline) {
			t.Fatal("streamer never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s
}

func recvLine(t *testing.T, p *testPeer) controlMsg {
	t.Helper()
	select {
	case line := <-p.lines:
		var msg controlMsg
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("bad control line %q: %v", line, err)
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no TCP control message")
		return controlMsg{}
	}
}

func TestStreamerForwardsAudio(t *testing.T) {
	peer := newTestPeer(t)
	b := bus.New(16, zerolog.Nop())
	s := startStreamer(t, peer, b)

	pcm := make([]byte, 320)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	b.Publish(bus.Event{Kind: bus.KindAudio, Channel: 927, Audio: &bus.AudioFrame{
		Channel: 927, Frequency: 852387500, SampleRate: 8000, AlphaTag: "Police A2", PCM: pcm,
	}})

	// First frame of the call announces it on TCP.
	msg := recvLine(t, peer)
	if msg.Type != "call_start" || msg.TG != 927 || msg.AlphaTag != "Police A2" {
		t.Errorf("control = %+v", msg)
	}

	select {
	case pkt := <-peer.packets:
		if len(pkt) != udpHeaderSize+len(pcm) {
			t.Fatalf("packet len = %d", len(pkt))
		}
		if binary.LittleEndian.Uint32(pkt[0:]) != 1 {
			t.Errorf("seq = %d", binary.LittleEndian.Uint32(pkt[0:]))
		}
		if binary.LittleEndian.Uint32(pkt[4:]) != 927 {
			t.Errorf("tgid = %d", binary.LittleEndian.Uint32(pkt[4:]))
		}
		if binary.LittleEndian.Uint32(pkt[8:]) != 852387500 {
			t.Errorf("freq = %d", binary.LittleEndian.Uint32(pkt[8:]))
		}
		if binary.LittleEndian.Uint32(pkt[12:]) != 8000 {
			t.Errorf("sample_rate = %d", binary.LittleEndian.Uint32(pkt[12:]))
		}
		if binary.LittleEndian.Uint16(pkt[16:]) != 160 {
			t.Errorf("sample_count = %d", binary.LittleEndian.Uint16(pkt[16:]))
		}
		if pkt[udpHeaderSize] != 0 || pkt[udpHeaderSize+5] != 5 {
			t.Error("pcm body mismatch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no UDP packet")
	}

	stats := s.Stats()
	if stats.PacketsUDPSent != 1 || stats.CallsStarted != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestStreamerCallEnd(t *testing.T) {
	peer := newTestPeer(t)
	b := bus.New(16, zerolog.Nop())
	startStreamer(t, peer, b)

	b.Publish(bus.Event{Kind: bus.KindAudio, Channel: 500, Audio: &bus.AudioFrame{
		Channel: 500, Frequency: 851000000, SampleRate: 8000, PCM: make([]byte, 64),
	}})
	if msg := recvLine(t, peer); msg.Type != "call_start" {
		t.Fatalf("first = %+v", msg)
	}

	b.Publish(bus.Event{Kind: bus.KindCallEnd, Channel: 500, Payload: correlate.CallEvent{
		ID: "500-1704825600", Talkgroup: 500,
	}})
	msg := recvLine(t, peer)
	if msg.Type != "call_end" || msg.ID != "500-1704825600" {
		t.Errorf("end = %+v", msg)
	}
}

func TestStreamerDisabledDropsFrames(t *testing.T) {
	peer := newTestPeer(t)
	b := bus.New(16, zerolog.Nop())
	s := startStreamer(t, peer, b)

	s.SetEnabled(false)
	b.Publish(bus.Event{Kind: bus.KindAudio, Channel: 1, Audio: &bus.AudioFrame{
		Channel: 1, PCM: make([]byte, 32),
	}})

	select {
	case pkt := <-peer.packets:
		t.Fatalf("unexpected packet: %d bytes", len(pkt))
	case <-time.After(500 * time.Millisecond):
	}
	if s.Stats().Enabled {
		t.Error("Enabled still true")
	}
}

func TestPendingEndGraceWindow(t *testing.T) {
	s := New("127.0.0.1", 1, true, bus.New(1, zerolog.Nop()), zerolog.Nop())

	s.holdEnd(controlMsg{Type: "call_end", ID: "fresh"})
	s.pending = append(s.pending, pendingEnd{
		msg:   controlMsg{Type: "call_end", ID: "stale"},
		since: time.Now().Add(-endRetryGrace - time.Second),
	})

	// Entries older than the grace window never get retried.
	s.flushPending()
	s.tcpMu.Lock()
	defer s.tcpMu.Unlock()
	for _, p := range s.pending {
		if p.msg.ID == "stale" {
			t.Error("stale call_end survived the grace window")
		}
	}
}

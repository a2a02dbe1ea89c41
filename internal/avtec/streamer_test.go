package avtec

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/radio-stream-lab/internal/metrics"
)

// newTestStreamer returns a started streamer pointed at a loopback UDP
// listener standing in for the console's audio port. The control target is a
// closed port; the control link simply stays down, which audio must survive.
func newTestStreamer(t *testing.T) (*Streamer, *net.UDPConn) {
	t.Helper()
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	s := NewStreamer(Config{
		Enabled:     true,
		ControlHost: "127.0.0.1",
		ControlPort: 9, // nothing listens here
		AudioHost:   "127.0.0.1",
		AudioPort:   sink.LocalAddr().(*net.UDPAddr).Port,
	}, metrics.NewForTest())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, sink
}

func readRTP(t *testing.T, sink *net.UDPConn) *rtp.Packet {
	t.Helper()
	buf := make([]byte, 2048)
	_ = sink.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := sink.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read rtp: %v", err)
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal rtp: %v", err)
	}
	return &pkt
}

// TestDeriveSSRC verifies the deterministic session id derivation.
func TestDeriveSSRC(t *testing.T) {
	got := deriveSSRC(927, 1704825600)
	want := uint32(927&0xFFFF)<<16 | uint32(1704825600&0xFFFF)
	if got != want {
		t.Fatalf("ssrc mismatch: want=%08x got=%08x", want, got)
	}
}

// TestCallLifecycleRTP runs a full call: start, three audio packets, end.
// The RTP stream must carry sequences 0,1,2, timestamps 0,160,320, the
// marker on the first packet only, and the session's SSRC throughout.
func TestCallLifecycleRTP(t *testing.T) {
	s, sink := newTestStreamer(t)

	s.HandleCallStart(Call{ID: "927-1000", TalkgroupID: 927, AlphaTag: "FIRE DISP", StartTime: 1000})
	pcm := make([]byte, 160*2) // 160 samples, 20ms at 8kHz
	for i := 0; i < 3; i++ {
		s.HandleAudio(927, pcm)
	}

	wantSSRC := deriveSSRC(927, 1000)
	for i, wantTS := range []uint32{0, 160, 320} {
		pkt := readRTP(t, sink)
		if pkt.SSRC != wantSSRC {
			t.Fatalf("packet %d ssrc mismatch: want=%08x got=%08x", i, wantSSRC, pkt.SSRC)
		}
		if int(pkt.SequenceNumber) != i {
			t.Fatalf("packet %d sequence mismatch: want=%d got=%d", i, i, pkt.SequenceNumber)
		}
		if pkt.Timestamp != wantTS {
			t.Fatalf("packet %d timestamp mismatch: want=%d got=%d", i, wantTS, pkt.Timestamp)
		}
		if pkt.Marker != (i == 0) {
			t.Fatalf("packet %d marker mismatch: got=%v", i, pkt.Marker)
		}
		if pkt.PayloadType != rtpPayloadTypePCMU {
			t.Fatalf("packet %d payload type mismatch: got=%d", i, pkt.PayloadType)
		}
		if len(pkt.Payload) != 160 {
			t.Fatalf("packet %d payload length mismatch: want=160 got=%d", i, len(pkt.Payload))
		}
	}

	s.HandleCallEnd("927-1000", 0)
	if got := s.Status().ActiveCalls; got != 0 {
		t.Fatalf("session not removed: active=%d", got)
	}
}

// TestHandleCallEndTiers exercises the three lookup tiers: exact id,
// talkgroup field, and a talkgroup parsed out of the call id.
func TestHandleCallEndTiers(t *testing.T) {
	s, _ := newTestStreamer(t)

	s.HandleCallStart(Call{ID: "alpha", TalkgroupID: 100, StartTime: 1})
	s.HandleCallEnd("alpha", 0)
	if s.Status().ActiveCalls != 0 {
		t.Fatal("exact-id lookup failed")
	}

	s.HandleCallStart(Call{ID: "opaque-key", TalkgroupID: 200, StartTime: 2})
	s.HandleCallEnd("no-such-id", 200)
	if s.Status().ActiveCalls != 0 {
		t.Fatal("talkgroup-field lookup failed")
	}

	s.HandleCallStart(Call{ID: "another-key", TalkgroupID: 300, StartTime: 3})
	s.HandleCallEnd("300-1704825600", 0)
	if s.Status().ActiveCalls != 0 {
		t.Fatal("leading-tgid id parse lookup failed")
	}

	s.HandleCallStart(Call{ID: "third-key", TalkgroupID: 400, StartTime: 4})
	s.HandleCallEnd("sys1-400-1704825600", 0)
	if s.Status().ActiveCalls != 0 {
		t.Fatal("prefixed-tgid id parse lookup failed")
	}
}

// TestHandleCallEndUnknownIsNoop verifies a miss neither panics nor touches
// other sessions.
func TestHandleCallEndUnknownIsNoop(t *testing.T) {
	s, _ := newTestStreamer(t)
	s.HandleCallStart(Call{ID: "keep", TalkgroupID: 1, StartTime: 1})
	s.HandleCallEnd("does-not-exist", 0)
	if s.Status().ActiveCalls != 1 {
		t.Fatalf("unrelated session affected: active=%d", s.Status().ActiveCalls)
	}
}

// TestOrphanAudioSynthesizesSession verifies audio without a preceding
// call-start still becomes a streamable session with an auto- id.
func TestOrphanAudioSynthesizesSession(t *testing.T) {
	s, sink := newTestStreamer(t)

	s.HandleAudio(555, make([]byte, 320))
	if s.Status().ActiveCalls != 1 {
		t.Fatalf("no session synthesized: active=%d", s.Status().ActiveCalls)
	}
	s.mu.Lock()
	var id string
	for k := range s.sessions {
		id = k
	}
	s.mu.Unlock()
	wantPrefix := fmt.Sprintf("auto-%d-", 555)
	if len(id) <= len(wantPrefix) || id[:len(wantPrefix)] != wantPrefix {
		t.Fatalf("unexpected synthesized id: %q", id)
	}
	pkt := readRTP(t, sink)
	if pkt.SequenceNumber != 0 || !pkt.Marker {
		t.Fatalf("first synthesized packet malformed: seq=%d marker=%v", pkt.SequenceNumber, pkt.Marker)
	}
}

// TestSequenceWraparound verifies the 16-bit sequence wraps 65535 -> 0.
func TestSequenceWraparound(t *testing.T) {
	s, sink := newTestStreamer(t)
	s.HandleCallStart(Call{ID: "wrap", TalkgroupID: 7, StartTime: 1})

	s.mu.Lock()
	s.sessions["wrap"].rtpSeq = 65535
	s.sessions["wrap"].firstSent = true
	s.mu.Unlock()

	s.HandleAudio(7, make([]byte, 320))
	s.HandleAudio(7, make([]byte, 320))
	if seq := readRTP(t, sink).SequenceNumber; seq != 65535 {
		t.Fatalf("want seq 65535, got %d", seq)
	}
	if seq := readRTP(t, sink).SequenceNumber; seq != 0 {
		t.Fatalf("want wrapped seq 0, got %d", seq)
	}
}

// TestSweepExpiresIdleSessions verifies a session idle past the threshold is
// removed exactly once and an active one survives.
func TestSweepExpiresIdleSessions(t *testing.T) {
	s, _ := newTestStreamer(t)
	s.HandleCallStart(Call{ID: "stale", TalkgroupID: 10, StartTime: 1})
	s.HandleCallStart(Call{ID: "fresh", TalkgroupID: 20, StartTime: 2})

	s.mu.Lock()
	s.sessions["stale"].lastAudio = time.Now().Add(-11 * time.Second)
	s.mu.Unlock()

	s.sweepStale(time.Now())
	if s.Status().ActiveCalls != 1 {
		t.Fatalf("sweep result mismatch: active=%d", s.Status().ActiveCalls)
	}
	s.sweepStale(time.Now()) // second pass must be a no-op
	if s.Status().ActiveCalls != 1 {
		t.Fatalf("second sweep removed a live session: active=%d", s.Status().ActiveCalls)
	}
	s.mu.Lock()
	_, staleGone := s.sessions["stale"]
	_, freshKept := s.sessions["fresh"]
	s.mu.Unlock()
	if staleGone || !freshKept {
		t.Fatalf("wrong session swept: staleGone=%v freshKept=%v", staleGone, freshKept)
	}
}

// TestStopIdempotent verifies Stop can be called repeatedly and clears all
// sessions.
func TestStopIdempotent(t *testing.T) {
	s, _ := newTestStreamer(t)
	s.HandleCallStart(Call{ID: "x", TalkgroupID: 1, StartTime: 1})
	s.Stop()
	s.Stop()
	if st := s.Status(); st.Running || st.ActiveCalls != 0 {
		t.Fatalf("stop did not settle: %+v", st)
	}
}

// TestUpdateConfigEnableDisable verifies the enabled transitions call
// Start/Stop and audio flows after a re-enable.
func TestUpdateConfigEnableDisable(t *testing.T) {
	s, sink := newTestStreamer(t)

	off := false
	if err := s.UpdateConfig(ConfigUpdate{Enabled: &off}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if s.Status().Running {
		t.Fatal("still running after disable")
	}
	s.HandleAudio(1, make([]byte, 320)) // must be a no-op while disabled
	if s.Status().ActiveCalls != 0 {
		t.Fatal("audio accepted while disabled")
	}

	on := true
	if err := s.UpdateConfig(ConfigUpdate{Enabled: &on}); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !s.Status().Running {
		t.Fatal("not running after enable")
	}
	s.HandleAudio(1, make([]byte, 320))
	if pkt := readRTP(t, sink); pkt.SequenceNumber != 0 {
		t.Fatalf("unexpected sequence after re-enable: %d", pkt.SequenceNumber)
	}
}

// newControlTestStreamer starts a streamer whose control target is a live
// loopback TCP listener. The returned channel yields each connection the
// console side accepts.
func newControlTestStreamer(t *testing.T) (*Streamer, chan net.Conn) {
	t.Helper()
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	conns := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- c
		}
	}()

	s := NewStreamer(Config{
		Enabled:     true,
		ControlHost: "127.0.0.1",
		ControlPort: ln.Addr().(*net.TCPAddr).Port,
		AudioHost:   "127.0.0.1",
		AudioPort:   sink.LocalAddr().(*net.UDPAddr).Port,
	}, metrics.NewForTest())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, conns
}

func acceptControl(t *testing.T, conns chan net.Conn) net.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("control link never connected")
		return nil
	}
}

func waitForLinkState(t *testing.T, s *Streamer, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status().LinkState == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("link state never became %q, got %q", want, s.Status().LinkState)
}

// TestControlLinkDeliversEndpointInfo runs the happy path over a real TCP
// link: connect, then a call start must push one endpoint-info packet to the
// console.
func TestControlLinkDeliversEndpointInfo(t *testing.T) {
	s, conns := newControlTestStreamer(t)
	conn := acceptControl(t, conns)
	waitForLinkState(t, s, StateConnected)

	s.HandleCallStart(Call{ID: "927-1000", TalkgroupID: 927, AlphaTag: "FIRE", StartTime: 1000})

	want := buildEndpointInfo(deriveSSRC(927, 1000), 0, "FIRE", "927", "FIRE", false)
	got := make([]byte, len(want))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read endpoint packet: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("endpoint packet mismatch:\nwant=% X\ngot =% X", want, got)
	}
}

// TestControlLinkLossSchedulesSingleReconnect verifies a dropped link lands
// in Disconnected with exactly one pending reconnect, that further failures
// do not arm another, and that Stop cancels it.
func TestControlLinkLossSchedulesSingleReconnect(t *testing.T) {
	s, conns := newControlTestStreamer(t)
	conn := acceptControl(t, conns)
	waitForLinkState(t, s, StateConnected)

	_ = conn.Close()
	waitForLinkState(t, s, StateDisconnected)

	s.mu.Lock()
	if !s.reconnectPending {
		s.mu.Unlock()
		t.Fatal("no reconnect pending after link loss")
	}
	first := s.reconnectTimer
	s.scheduleReconnectLocked()
	second := s.reconnectTimer
	s.mu.Unlock()
	if first != second {
		t.Fatal("second reconnect armed while one was pending")
	}

	s.Stop()
	s.mu.Lock()
	pending := s.reconnectPending
	s.mu.Unlock()
	if pending {
		t.Fatal("reconnect still pending after Stop")
	}
}

// TestStaleControlDialDiscarded verifies a dial that completed against a
// target the config has since moved away from is closed, not adopted.
func TestStaleControlDialDiscarded(t *testing.T) {
	s, _ := newTestStreamer(t)

	local, remote := net.Pipe()
	s.adoptControlConn(local, "198.51.100.1:50000", nil)

	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := remote.Read(make([]byte, 1)); err == nil {
		t.Fatal("stale connection left open")
	}
	s.mu.Lock()
	adopted := s.tcpConn == local
	s.mu.Unlock()
	if adopted {
		t.Fatal("stale connection adopted as the control link")
	}
}

// TestEndpointInfoLayout pins the control packet byte layout the console
// depends on.
func TestEndpointInfoLayout(t *testing.T) {
	pkt := buildEndpointInfo(0x039F4A00, 7, "FIRE", "927", "OPS", true)

	want := []byte{
		0x00, 0x01, // type: endpoint info
		0x00, 0x1B, // total length 27
		0x03, 0x9F, 0x4A, 0x00, // session id
		0x00, 0x00, 0x00, 0x07, // sequence
		0x01,                   // direction: incoming
		0x01,                   // flags: emergency
		0x04, 'F', 'I', 'R', 'E', // alpha tag
		0x03, '9', '2', '7', // ANI
		0x03, 'O', 'P', 'S', // group
	}
	if !bytes.Equal(pkt, want) {
		t.Fatalf("endpoint packet mismatch:\nwant=% X\ngot =% X", want, pkt)
	}
}

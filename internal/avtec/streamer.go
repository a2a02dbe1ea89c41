// Package avtec streams active calls to a legacy Avtec console: call
// metadata over a TCP control channel and μ-law RTP audio over UDP. The two
// links fail independently; audio keeps flowing while the control link
// reconnects.
package avtec

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"

	"github.com/radio-stream-lab/internal/logging"
	"github.com/radio-stream-lab/internal/metrics"
)

// Link states for the TCP control channel.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

const (
	connectTimeout = 5 * time.Second
	reconnectDelay = 5 * time.Second

	defaultSweepInterval = 5 * time.Second
	defaultStaleAfter    = 10 * time.Second

	rtpPayloadTypePCMU = 0
)

// Config is the streamer's target configuration.
type Config struct {
	Enabled     bool
	ControlHost string
	ControlPort int
	AudioHost   string
	AudioPort   int
}

// ConfigUpdate applies a partial configuration change; nil fields are left
// untouched.
type ConfigUpdate struct {
	Enabled     *bool
	ControlHost *string
	ControlPort *int
	AudioHost   *string
	AudioPort   *int
}

// Call describes a call-start event from the upstream decoder.
type Call struct {
	ID          string
	TalkgroupID int
	AlphaTag    string
	StartTime   int64
	Emergency   bool
}

// Status is a point-in-time snapshot for the control API.
type Status struct {
	Enabled       bool      `json:"enabled"`
	Running       bool      `json:"running"`
	LinkState     string    `json:"linkState"`
	ControlTarget string    `json:"controlTarget"`
	AudioTarget   string    `json:"audioTarget"`
	ActiveCalls   int       `json:"activeCalls"`
	RTPSent       uint64    `json:"rtpSent"`
	RTPErrors     uint64    `json:"rtpErrors"`
	LastError     string    `json:"lastError,omitempty"`
	LastErrorTime time.Time `json:"lastErrorTime,omitempty"`
}

// Streamer owns the per-call session table, the control link state machine
// and the RTP audio egress.
type Streamer struct {
	mu  sync.Mutex
	cfg Config
	m   *metrics.Metrics

	sessions map[string]*session
	metaSeq  uint32

	state            string
	tcpConn          net.Conn
	reconnectPending bool
	reconnectTimer   *time.Timer

	udpConn *net.UDPConn

	running bool
	quit    chan struct{}
	wg      sync.WaitGroup

	rtpSent   uint64
	rtpErrs   uint64
	lastErr   string
	lastErrAt time.Time

	// Overridable in tests.
	sweepInterval time.Duration
	staleAfter    time.Duration
}

// NewStreamer creates a stopped streamer. Call Start (or UpdateConfig with
// Enabled=true) to begin streaming.
func NewStreamer(cfg Config, m *metrics.Metrics) *Streamer {
	return &Streamer{
		cfg:           cfg,
		m:             m,
		sessions:      make(map[string]*session),
		state:         StateDisconnected,
		sweepInterval: defaultSweepInterval,
		staleAfter:    defaultStaleAfter,
	}
}

// Start opens the UDP audio socket, begins the stale-call sweep and kicks
// off the first control link connection attempt. Safe to call again after
// Stop.
func (s *Streamer) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("open avtec audio socket: %w", err)
	}
	s.udpConn = udpConn
	s.running = true
	s.cfg.Enabled = true
	s.quit = make(chan struct{})
	quit := s.quit
	s.mu.Unlock()

	logging.Infow("AvtecStreamer: started",
		"control", s.controlTarget(), "audio", s.audioTarget())

	s.wg.Add(1)
	go s.sweepLoop(quit)
	go s.connect()
	return nil
}

// Stop tears down both sockets, cancels timers and clears all sessions.
// Idempotent.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cfg.Enabled = false
	close(s.quit)
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.reconnectPending = false
	if s.tcpConn != nil {
		_ = s.tcpConn.Close()
		s.tcpConn = nil
	}
	s.state = StateDisconnected
	if s.udpConn != nil {
		_ = s.udpConn.Close()
		s.udpConn = nil
	}
	cleared := len(s.sessions)
	s.sessions = make(map[string]*session)
	s.m.ActiveCalls.Set(0)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Infow("AvtecStreamer: stopped", "cleared_sessions", cleared)
}

// HandleCallStart creates a session for the call and announces it on the
// control channel. No-op while the streamer is stopped.
func (s *Streamer) HandleCallStart(call Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.startSessionLocked(call)
}

func (s *Streamer) startSessionLocked(call Call) *session {
	now := time.Now()
	sess := &session{
		id:          call.ID,
		ssrc:        deriveSSRC(call.TalkgroupID, call.StartTime),
		talkgroupID: call.TalkgroupID,
		alphaTag:    call.AlphaTag,
		startTime:   call.StartTime,
		emergency:   call.Emergency,
		createdAt:   now,
		lastAudio:   now,
	}
	s.sessions[call.ID] = sess
	s.m.CallsStarted.Inc()
	s.m.ActiveCalls.Set(float64(len(s.sessions)))

	seq := s.metaSeq
	s.metaSeq++
	pkt := buildEndpointInfo(sess.ssrc, seq, call.AlphaTag,
		strconv.Itoa(call.TalkgroupID), call.AlphaTag, call.Emergency)
	s.sendControlLocked(pkt)

	logging.Infow("AvtecStreamer: call started",
		append(logging.CallFields(call.ID, call.TalkgroupID), "ssrc", sess.ssrc)...)
	return sess
}

// HandleCallEnd removes the matching session. The lookup is three-tier:
// exact id, then talkgroup field, then a talkgroup parsed out of the call
// id. A miss is a silent no-op: the session already expired or was never
// tracked.
func (s *Streamer) HandleCallEnd(callID string, talkgroupID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	id, ok := s.findSessionIDLocked(callID, talkgroupID)
	if !ok {
		logging.Debugw("AvtecStreamer: call end for unknown session", "call.id", callID)
		return
	}
	sess := s.sessions[id]
	delete(s.sessions, id)
	s.m.CallsEnded.Inc()
	s.m.ActiveCalls.Set(float64(len(s.sessions)))
	logging.Infow("AvtecStreamer: call ended",
		append(logging.CallFields(id, sess.talkgroupID), "ssrc", sess.ssrc)...)
}

func (s *Streamer) findSessionIDLocked(callID string, talkgroupID int) (string, bool) {
	if _, ok := s.sessions[callID]; ok {
		return callID, true
	}
	if talkgroupID != 0 {
		for id, sess := range s.sessions {
			if sess.talkgroupID == talkgroupID {
				return id, true
			}
		}
	}
	if tgid := parseCallIDTalkgroup(callID); tgid != 0 {
		for id, sess := range s.sessions {
			if sess.talkgroupID == tgid {
				return id, true
			}
		}
	}
	return "", false
}

// HandleAudio transcodes one PCM buffer to μ-law and sends it as RTP for the
// talkgroup's session, synthesizing a session if the audio arrived without a
// preceding call-start. Send failures are counted, never fatal.
func (s *Streamer) HandleAudio(talkgroupID int, pcm []byte) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}

	var sess *session
	for _, candidate := range s.sessions {
		if candidate.talkgroupID == talkgroupID {
			sess = candidate
			break
		}
	}
	if sess == nil {
		now := time.Now().Unix()
		sess = s.startSessionLocked(Call{
			ID:          fmt.Sprintf("auto-%d-%d", talkgroupID, now),
			TalkgroupID: talkgroupID,
			StartTime:   now,
		})
	}

	payload := g711.EncodeUlaw(pcm)
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         !sess.firstSent,
			PayloadType:    rtpPayloadTypePCMU,
			SequenceNumber: sess.rtpSeq,
			Timestamp:      sess.rtpTimestamp,
			SSRC:           sess.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		s.mu.Unlock()
		s.recordSendError(fmt.Errorf("marshal rtp: %w", err))
		return
	}

	sess.firstSent = true
	sess.rtpSeq++ // wraps at 65535 by uint16 arithmetic
	sess.rtpTimestamp += uint32(len(pcm) / 2)
	sess.lastAudio = time.Now()

	conn := s.udpConn
	target := s.audioTargetLocked()
	s.mu.Unlock()

	if conn == nil {
		return
	}
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		s.recordSendError(fmt.Errorf("resolve audio target %s: %w", target, err))
		return
	}
	if _, err := conn.WriteToUDP(raw, addr); err != nil {
		s.recordSendError(err)
		return
	}
	s.mu.Lock()
	s.rtpSent++
	s.mu.Unlock()
	s.m.RTPPacketsSent.Inc()
}

func (s *Streamer) recordSendError(err error) {
	s.mu.Lock()
	s.rtpErrs++
	s.lastErr = err.Error()
	s.lastErrAt = time.Now()
	s.mu.Unlock()
	s.m.RTPSendErrors.Inc()
	logging.Warnw("AvtecStreamer: audio send failed", "err", err)
}

// UpdateConfig applies a partial configuration change. Enabling starts the
// streamer, disabling stops it, and a control target change while running
// bounces only the TCP link.
func (s *Streamer) UpdateConfig(upd ConfigUpdate) error {
	s.mu.Lock()
	wasEnabled := s.cfg.Enabled
	controlChanged := false
	if upd.ControlHost != nil && *upd.ControlHost != s.cfg.ControlHost {
		s.cfg.ControlHost = *upd.ControlHost
		controlChanged = true
	}
	if upd.ControlPort != nil && *upd.ControlPort != s.cfg.ControlPort {
		s.cfg.ControlPort = *upd.ControlPort
		controlChanged = true
	}
	if upd.AudioHost != nil {
		s.cfg.AudioHost = *upd.AudioHost
	}
	if upd.AudioPort != nil {
		s.cfg.AudioPort = *upd.AudioPort
	}
	enabled := wasEnabled
	if upd.Enabled != nil {
		enabled = *upd.Enabled
		s.cfg.Enabled = enabled
	}

	if enabled && wasEnabled && controlChanged && s.running {
		// Tear down the control link; the close kicks the read loop into a
		// reconnect against the new target. The UDP target is read per-send.
		logging.Infow("AvtecStreamer: control target changed, reconnecting",
			"control", s.controlTargetLocked())
		if s.tcpConn != nil {
			_ = s.tcpConn.Close()
			s.tcpConn = nil
		}
		if s.state == StateConnected {
			s.state = StateDisconnected
			s.scheduleReconnectLocked()
		}
	}
	s.mu.Unlock()

	if enabled && !wasEnabled {
		return s.Start()
	}
	if !enabled && wasEnabled {
		s.Stop()
	}
	return nil
}

// Status returns a snapshot for the control API.
func (s *Streamer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Enabled:       s.cfg.Enabled,
		Running:       s.running,
		LinkState:     s.state,
		ControlTarget: s.controlTargetLocked(),
		AudioTarget:   s.audioTargetLocked(),
		ActiveCalls:   len(s.sessions),
		RTPSent:       s.rtpSent,
		RTPErrors:     s.rtpErrs,
		LastError:     s.lastErr,
		LastErrorTime: s.lastErrAt,
	}
}

func (s *Streamer) controlTargetLocked() string {
	return net.JoinHostPort(s.cfg.ControlHost, strconv.Itoa(s.cfg.ControlPort))
}

func (s *Streamer) audioTargetLocked() string {
	return net.JoinHostPort(s.cfg.AudioHost, strconv.Itoa(s.cfg.AudioPort))
}

func (s *Streamer) controlTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlTargetLocked()
}

func (s *Streamer) audioTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioTargetLocked()
}

// connect attempts one TCP dial to the console. Any failure lands back in
// Disconnected with a single pending reconnect.
func (s *Streamer) connect() {
	s.mu.Lock()
	if !s.running || s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	target := s.controlTargetLocked()
	s.mu.Unlock()

	logging.Infow("AvtecStreamer: connecting control link", "target", target)
	conn, err := net.DialTimeout("tcp", target, connectTimeout)
	s.adoptControlConn(conn, target, err)
}

// adoptControlConn installs the result of a dial against target. A dial that
// raced a config change is discarded and a fresh attempt is made against the
// current target, so the streamer never stays connected to a stale console.
func (s *Streamer) adoptControlConn(conn net.Conn, target string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if target != s.controlTargetLocked() {
		if conn != nil {
			_ = conn.Close()
		}
		logging.Infow("AvtecStreamer: discarding dial against stale control target",
			"stale", target, "control", s.controlTargetLocked())
		// Only retry if this dial still owns the state machine; a newer
		// dial or pending reconnect is already heading for the new target.
		if s.state == StateConnecting {
			s.state = StateDisconnected
			go s.connect()
		}
		return
	}
	if err != nil {
		s.state = StateDisconnected
		s.lastErr = err.Error()
		s.lastErrAt = time.Now()
		logging.Warnw("AvtecStreamer: control connect failed", "target", target, "err", err)
		s.scheduleReconnectLocked()
		return
	}
	s.tcpConn = conn
	s.state = StateConnected
	logging.Infow("AvtecStreamer: control link connected", "target", target)
	go s.watchControl(conn)
}

// watchControl blocks on the control socket so a close or error is noticed
// immediately; the console never sends application data back.
func (s *Streamer) watchControl(conn net.Conn) {
	buf := make([]byte, 256)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpConn != conn {
		return // superseded by a newer connection or Stop
	}
	_ = conn.Close()
	s.tcpConn = nil
	if !s.running {
		return
	}
	s.state = StateDisconnected
	logging.Warnw("AvtecStreamer: control link lost")
	s.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms at most one pending reconnect. A new failure
// while one is pending does not schedule another.
func (s *Streamer) scheduleReconnectLocked() {
	if s.reconnectPending || !s.running {
		return
	}
	s.reconnectPending = true
	s.m.TCPReconnects.Inc()
	s.reconnectTimer = time.AfterFunc(reconnectDelay, func() {
		s.mu.Lock()
		s.reconnectPending = false
		s.reconnectTimer = nil
		run := s.running && s.state == StateDisconnected
		s.mu.Unlock()
		if run {
			s.connect()
		}
	})
}

// sendControlLocked writes a metadata packet if the control link is up.
// While the link is down the send is a logged no-op, not an error.
func (s *Streamer) sendControlLocked(pkt []byte) {
	if s.state != StateConnected || s.tcpConn == nil {
		logging.Debugw("AvtecStreamer: control link down, metadata dropped", "bytes", len(pkt))
		return
	}
	_ = s.tcpConn.SetWriteDeadline(time.Now().Add(connectTimeout))
	if _, err := s.tcpConn.Write(pkt); err != nil {
		logging.Warnw("AvtecStreamer: control write failed", "err", err)
		_ = s.tcpConn.Close()
		s.tcpConn = nil
		s.state = StateDisconnected
		s.scheduleReconnectLocked()
	}
}

func (s *Streamer) sweepLoop(quit chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			s.sweepStale(time.Now())
		}
	}
}

// sweepStale removes sessions with no audio for longer than staleAfter,
// counting each as an ended call.
func (s *Streamer) sweepStale(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if now.Sub(sess.lastAudio) > s.staleAfter {
			delete(s.sessions, id)
			s.m.CallsEnded.Inc()
			logging.Infow("AvtecStreamer: stale call expired",
				append(logging.CallFields(id, sess.talkgroupID), "idle", now.Sub(sess.lastAudio).String())...)
		}
	}
	s.m.ActiveCalls.Set(float64(len(s.sessions)))
}

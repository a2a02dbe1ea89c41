package ingest

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/radio-stream-lab/internal/logging"
	"github.com/radio-stream-lab/internal/metrics"
)

// AudioHandler receives each decoded audio packet. Handlers run on the
// receive goroutine and must not block.
type AudioHandler func(*AudioPacket)

// AudioReceiver listens for voice datagrams from the decoder and fans each
// parsed packet out to the registered handlers. Malformed frames are dropped
// and logged, never surfaced.
type AudioReceiver struct {
	addr       string
	readBuffer int
	m          *metrics.Metrics

	conn     *net.UDPConn
	handlers []AudioHandler

	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewAudioReceiver creates a receiver bound to addr ("host:port") once
// Start is called.
func NewAudioReceiver(addr string, readBuffer int, m *metrics.Metrics) *AudioReceiver {
	return &AudioReceiver{
		addr:       addr,
		readBuffer: readBuffer,
		m:          m,
		quit:       make(chan struct{}),
	}
}

// OnPacket registers a handler. Call before Start; registration is not
// synchronized with the receive loop.
func (r *AudioReceiver) OnPacket(h AudioHandler) {
	r.handlers = append(r.handlers, h)
}

// Start binds the UDP socket and launches the receive loop.
func (r *AudioReceiver) Start() error {
	addr, err := net.ResolveUDPAddr("udp", r.addr)
	if err != nil {
		return fmt.Errorf("resolve audio listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen audio udp: %w", err)
	}
	if err := conn.SetReadBuffer(r.readBuffer); err != nil {
		logging.Warnw("AudioReceiver: failed to set read buffer", "size", r.readBuffer, "err", err)
	}
	r.conn = conn
	logging.Infow("AudioReceiver: listening", "addr", addr.String())

	r.wg.Add(1)
	go r.receiveLoop()
	return nil
}

// Stop closes the socket and waits for the receive loop to exit. Idempotent.
func (r *AudioReceiver) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		if r.conn != nil {
			_ = r.conn.Close()
		}
		r.wg.Wait()
		logging.Infow("AudioReceiver: stopped")
	})
}

func (r *AudioReceiver) receiveLoop() {
	defer r.wg.Done()
	buf := make([]byte, 65536)

	for {
		select {
		case <-r.quit:
			return
		default:
		}

		// Deadline so a quiet socket still observes shutdown promptly.
		_ = r.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-r.quit:
				return
			default:
				logging.Errorw("AudioReceiver: read error", "err", err)
				continue
			}
		}
		r.m.AudioPacketsReceived.Inc()

		// The read buffer is reused, so hand parsers their own copy.
		frame := make([]byte, n)
		copy(frame, buf[:n])

		pkt, err := ParseAudioPacket(frame)
		if err != nil {
			r.m.AudioParseErrors.Inc()
			logging.Warnw("AudioReceiver: dropping malformed frame", "bytes", n, "err", err)
			continue
		}
		for _, h := range r.handlers {
			h(pkt)
		}
	}
}

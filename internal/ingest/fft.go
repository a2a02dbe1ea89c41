package ingest

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/radio-stream-lab/internal/logging"
	"github.com/radio-stream-lab/internal/metrics"
)

// FFTHandler receives each decoded spectrum packet. Handlers run on the
// receive goroutine and must not block.
type FFTHandler func(*FFTPacket)

// FFTReceiver listens for spectrum snapshot datagrams. Frames with a bad
// magic or truncated payload are dropped and logged, never surfaced.
type FFTReceiver struct {
	addr       string
	readBuffer int
	m          *metrics.Metrics

	conn     *net.UDPConn
	handlers []FFTHandler

	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewFFTReceiver creates a receiver bound to addr ("host:port") once Start
// is called.
func NewFFTReceiver(addr string, readBuffer int, m *metrics.Metrics) *FFTReceiver {
	return &FFTReceiver{
		addr:       addr,
		readBuffer: readBuffer,
		m:          m,
		quit:       make(chan struct{}),
	}
}

// OnPacket registers a handler. Call before Start.
func (r *FFTReceiver) OnPacket(h FFTHandler) {
	r.handlers = append(r.handlers, h)
}

// Start binds the UDP socket and launches the receive loop.
func (r *FFTReceiver) Start() error {
	addr, err := net.ResolveUDPAddr("udp", r.addr)
	if err != nil {
		return fmt.Errorf("resolve fft listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen fft udp: %w", err)
	}
	if err := conn.SetReadBuffer(r.readBuffer); err != nil {
		logging.Warnw("FFTReceiver: failed to set read buffer", "size", r.readBuffer, "err", err)
	}
	r.conn = conn
	logging.Infow("FFTReceiver: listening", "addr", addr.String())

	r.wg.Add(1)
	go r.receiveLoop()
	return nil
}

// Stop closes the socket and waits for the receive loop to exit. Idempotent.
func (r *FFTReceiver) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		if r.conn != nil {
			_ = r.conn.Close()
		}
		r.wg.Wait()
		logging.Infow("FFTReceiver: stopped")
	})
}

func (r *FFTReceiver) receiveLoop() {
	defer r.wg.Done()
	buf := make([]byte, 262144)

	for {
		select {
		case <-r.quit:
			return
		default:
		}

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
				logging.Errorw("FFTReceiver: read error", "err", err)
				continue
			}
		}
		r.m.FFTPacketsReceived.Inc()

		frame := make([]byte, n)
		copy(frame, buf[:n])

		pkt, err := ParseFFTPacket(frame)
		if err != nil {
			r.m.FFTParseErrors.Inc()
			logging.Warnw("FFTReceiver: dropping frame", "bytes", n, "err", err)
			continue
		}
		for _, h := range r.handlers {
			h(pkt)
		}
	}
}

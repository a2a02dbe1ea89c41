// Package metrics registers the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the telemetry gateway.
type Metrics struct {
	// UDP ingest
	AudioPacketsReceived prometheus.Counter
	AudioParseErrors     prometheus.Counter
	FFTPacketsReceived   prometheus.Counter
	FFTParseErrors       prometheus.Counter

	// Avtec streaming
	ActiveCalls    prometheus.Gauge
	CallsStarted   prometheus.Counter
	CallsEnded     prometheus.Counter
	RTPPacketsSent prometheus.Counter
	RTPSendErrors  prometheus.Counter
	TCPReconnects  prometheus.Counter

	// WebSocket fan-out
	ConnectedClients prometheus.Gauge
	FramesBroadcast  *prometheus.CounterVec
	FramesDropped    prometheus.Counter
}

// New creates and registers all gateway metrics with reg. Pass a fresh
// registry in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AudioPacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_audio_packets_received_total",
			Help: "Total number of audio UDP datagrams received",
		}),
		AudioParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_audio_parse_errors_total",
			Help: "Total number of audio datagrams dropped as malformed",
		}),
		FFTPacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_fft_packets_received_total",
			Help: "Total number of FFT UDP datagrams received",
		}),
		FFTParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_fft_parse_errors_total",
			Help: "Total number of FFT datagrams dropped as malformed",
		}),
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_avtec_active_calls",
			Help: "Current number of tracked Avtec call sessions",
		}),
		CallsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_avtec_calls_started_total",
			Help: "Total number of Avtec call sessions created",
		}),
		CallsEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_avtec_calls_ended_total",
			Help: "Total number of Avtec call sessions removed",
		}),
		RTPPacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_avtec_rtp_packets_sent_total",
			Help: "Total number of RTP audio packets sent to the console",
		}),
		RTPSendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_avtec_rtp_send_errors_total",
			Help: "Total number of RTP UDP send failures",
		}),
		TCPReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_avtec_tcp_reconnects_total",
			Help: "Total number of Avtec control link reconnect attempts",
		}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_ws_connected_clients",
			Help: "Current number of connected WebSocket clients",
		}),
		FramesBroadcast: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ws_frames_broadcast_total",
			Help: "Total number of frames delivered to WebSocket clients",
		}, []string{"kind"}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ws_frames_dropped_total",
			Help: "Total number of frames dropped on full client queues",
		}),
	}
}

// NewForTest returns metrics bound to a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}

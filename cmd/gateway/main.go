package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/radio-stream-lab/internal/api"
	"github.com/radio-stream-lab/internal/avtec"
	"github.com/radio-stream-lab/internal/config"
	"github.com/radio-stream-lab/internal/eventsink"
	"github.com/radio-stream-lab/internal/hub"
	"github.com/radio-stream-lab/internal/ingest"
	"github.com/radio-stream-lab/internal/logging"
	"github.com/radio-stream-lab/internal/metrics"
	"github.com/radio-stream-lab/internal/tgmeta"
)

func main() {
	configPath := flag.String("config", "", "path to gateway config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	sugar := logging.Init(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer func() { _ = logging.Sync() }()
	sugar.Infow("Gateway: starting", "config", *configPath)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	var resolver tgmeta.Resolver = tgmeta.NewNoopResolver()
	if cfg.TGMeta.URL != "" {
		resolver = tgmeta.NewHTTPResolver(cfg.TGMeta.URL, cfg.TGMeta.TTL())
	}

	h := hub.New(cfg.Hub.ClientQueue, cfg.Hub.WriteTimeoutDuration(), m)

	streamer := avtec.NewStreamer(avtec.Config{
		Enabled:     cfg.Avtec.Enabled,
		ControlHost: cfg.Avtec.ControlHost,
		ControlPort: cfg.Avtec.ControlPort,
		AudioHost:   cfg.Avtec.AudioHost,
		AudioPort:   cfg.Avtec.AudioPort,
	}, m)
	if cfg.Avtec.Enabled {
		if err := streamer.Start(); err != nil {
			sugar.Fatalw("Gateway: avtec streamer start failed", "err", err)
		}
	}

	var sink *eventsink.KafkaSink
	if len(cfg.Kafka.Brokers) > 0 {
		sink = eventsink.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sugar.Infow("Gateway: kafka event sink enabled",
			"brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	dispatch := newEventDispatcher(h, streamer, sink)

	audioAddr := net.JoinHostPort(cfg.Ingest.BindAddress, strconv.Itoa(cfg.Ingest.AudioPort))
	audioRx := ingest.NewAudioReceiver(audioAddr, cfg.Ingest.ReadBuffer, m)
	audioRx.OnPacket(func(pkt *ingest.AudioPacket) {
		streamer.HandleAudio(pkt.TalkgroupID, pkt.PCM)
		// Cache-only lookup; a cold talkgroup is enriched once the
		// resolver's background fetch lands.
		info := resolver.Resolve(pkt.TalkgroupID)
		h.BroadcastAudio(pkt.TalkgroupID, pkt.PCM, hub.AudioEnrichment{
			AlphaTag:    info.AlphaTag,
			GroupName:   info.Group,
			Tag:         info.Tag,
			Description: info.Description,
		})
	})
	if err := audioRx.Start(); err != nil {
		sugar.Fatalw("Gateway: audio receiver start failed", "err", err)
	}

	fftAddr := net.JoinHostPort(cfg.Ingest.BindAddress, strconv.Itoa(cfg.Ingest.FFTPort))
	fftRx := ingest.NewFFTReceiver(fftAddr, cfg.Ingest.ReadBuffer, m)
	fftRx.OnPacket(func(pkt *ingest.FFTPacket) {
		h.BroadcastFFT(pkt)
	})
	if err := fftRx.Start(); err != nil {
		sugar.Fatalw("Gateway: fft receiver start failed", "err", err)
	}

	server := api.New(cfg.HTTP.Address, h, streamer, registry, dispatch)
	server.Start()

	sugar.Infow("Gateway: running",
		"audio_addr", audioAddr, "fft_addr", fftAddr, "http_addr", cfg.HTTP.Address)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	sugar.Infow("Gateway: shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		sugar.Warnw("Gateway: http shutdown error", "err", err)
	}
	audioRx.Stop()
	fftRx.Stop()
	streamer.Stop()
	h.Stop()
	if sink != nil {
		if err := sink.Close(); err != nil {
			sugar.Warnw("Gateway: kafka sink close error", "err", err)
		}
	}
	sugar.Infow("Gateway: stopped")
}

// newEventDispatcher routes decoder events to the console streamer, the
// WebSocket hub and the optional Kafka sink. Each consumer is independent:
// one failing never stops the others from seeing the event.
func newEventDispatcher(h *hub.Hub, streamer *avtec.Streamer, sink *eventsink.KafkaSink) api.EventHandler {
	return func(evt api.Event) {
		switch evt.Type {
		case hub.EventCallStart:
			streamer.HandleCallStart(avtec.Call{
				ID:          evt.CallID,
				TalkgroupID: evt.TalkgroupID,
				AlphaTag:    evt.AlphaTag,
				StartTime:   evt.StartTime,
				Emergency:   evt.Emergency,
			})
			h.BroadcastTalkgroupEvent(eventPayload(evt), evt.TalkgroupID)
		case hub.EventCallEnd:
			streamer.HandleCallEnd(evt.CallID, evt.TalkgroupID)
			h.BroadcastTalkgroupEvent(eventPayload(evt), evt.TalkgroupID)
		case hub.EventNewRecording:
			h.BroadcastTalkgroupEvent(eventPayload(evt), evt.TalkgroupID)
		default:
			// callsActive, rates, controlChannel: system-wide events.
			h.BroadcastEvent(eventPayload(evt))
		}

		if sink != nil {
			switch evt.Type {
			case hub.EventCallStart, hub.EventCallEnd:
				go func(evt api.Event) {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = sink.Publish(ctx, eventsink.Event{
						Type:        evt.Type,
						CallID:      evt.CallID,
						TalkgroupID: evt.TalkgroupID,
						Source:      evt.Source,
						Frequency:   evt.Frequency,
						Emergency:   evt.Emergency,
					})
				}(evt)
			}
		}
	}
}

// eventPayload renders an event as the JSON object broadcast to clients,
// keeping only the fields set for its type.
func eventPayload(evt api.Event) map[string]any {
	data, err := json.Marshal(evt)
	if err != nil {
		return map[string]any{"type": evt.Type}
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return map[string]any{"type": evt.Type}
	}
	return payload
}

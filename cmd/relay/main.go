package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/claude-did-this/chip-audio-receiver/config"
	"github.com/claude-did-this/chip-audio-receiver/controlplane"
	"github.com/claude-did-this/chip-audio-receiver/core"
	"github.com/claude-did-this/chip-audio-receiver/internal/jitter"
	"github.com/claude-did-this/chip-audio-receiver/internal/receiver"
	"github.com/claude-did-this/chip-audio-receiver/internal/session"
	"github.com/claude-did-this/chip-audio-receiver/internal/telemetry"
)

func main() {
	broker := pflag.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker URL for the control plane")
	topicPrefix := pflag.String("mqtt-topic-prefix", "chipaudio", "MQTT topic prefix for control-plane messages")
	metricsAddr := pflag.String("metrics-addr", ":9100", "listen address for /metrics and /healthz (empty to disable)")
	advertiseHost := pflag.String("advertise-host", "0.0.0.0", "host advertised to senders in SESSION_READY")

	cfg, err := config.Load(os.Getenv("CHIPAUDIO_CONFIG"))
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	config.BindFlags(pflag.CommandLine, &cfg)
	pflag.Parse()

	relayLog := telemetry.NewLogger("relay")
	metrics := telemetry.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		relayLog.Println("shutting down...")
		cancel()
	}()

	registry := session.NewRegistry()
	limits := jitter.Limits{
		TargetMs:              float64(cfg.Jitter.TargetMs),
		MinMs:                 float64(cfg.Jitter.MinMs),
		MaxMs:                 float64(cfg.Jitter.MaxMs),
		Adaptive:              cfg.Jitter.Adaptive,
		PerSessionMemoryBytes: uint64(cfg.Memory.PerSessionBytes),
	}

	udpEndpoint := *advertiseHost + ":" + strconv.Itoa(cfg.UDP.Port)

	negotiator := core.NewNegotiator(registry, limits, newLoggingSink(relayLog), nil, relayLog, metrics, cfg.SessionTimeout(), udpEndpoint, uint64(cfg.Memory.TotalBytes))

	cpCfg := controlplane.DefaultConfig()
	cpCfg.Broker = *broker
	cpCfg.TopicPrefix = *topicPrefix
	cpLog := telemetry.NewLogger("controlplane")
	cp, err := controlplane.Connect(cpCfg, negotiator, cpLog)
	if err != nil {
		log.Fatalf("[controlplane] %v", err)
	}
	defer cp.Disconnect()
	negotiator.SetControlPlane(cp)

	recv, err := receiver.New(":"+strconv.Itoa(cfg.UDP.Port), registry, negotiator.Handler())
	if err != nil {
		log.Fatalf("[receiver] %v", err)
	}
	defer recv.Close()
	recv.SetMetrics(metrics)

	go func() {
		if err := recv.Run(ctx); err != nil && ctx.Err() == nil {
			relayLog.Printf("receiver stopped: %v", err)
		}
	}()

	go runTickLoop(ctx, negotiator, 5*time.Millisecond)
	go negotiator.RunIdleSweep(ctx, cfg.CleanupInterval())
	go runReceiverStatsLogger(ctx, recv, relayLog, 30*time.Second)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", telemetry.HealthHandler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			relayLog.Printf("metrics/health listening on %s", *metricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				relayLog.Printf("metrics server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	relayLog.Printf("listening for audio datagrams on :%d", cfg.UDP.Port)
	<-ctx.Done()
}

func runTickLoop(ctx context.Context, n *core.Negotiator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Tick(time.Now().UnixMilli())
		}
	}
}

func runReceiverStatsLogger(ctx context.Context, recv *receiver.Receiver, log *telemetry.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := recv.Stats()
			if stats.Malformed > 0 || stats.Unattributed > 0 || stats.EndpointMismatch > 0 {
				log.Printf("malformed=%d unattributed=%d endpoint_mismatch=%d", stats.Malformed, stats.Unattributed, stats.EndpointMismatch)
			}
		}
	}
}

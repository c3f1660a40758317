// fieldlinkd is a headless field-agent daemon: it keeps a realtime session
// to the operations server, joins the command channel, streams position
// telemetry for its assigned missions, and exposes Prometheus metrics.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	bolt "go.etcd.io/bbolt"

	"github.com/opsmesh/fieldlink"
	"github.com/opsmesh/fieldlink/session"
)

type config struct {
	ServerURL   string        `env:"FIELDLINK_SERVER_URL,required"`
	Token       string        `env:"FIELDLINK_TOKEN,required"`
	DataDir     string        `env:"FIELDLINK_DATA_DIR" envDefault:"/var/lib/fieldlinkd"`
	MetricsAddr string        `env:"FIELDLINK_METRICS_ADDR" envDefault:":9321"`
	MissionIDs  []int64       `env:"FIELDLINK_MISSION_IDS" envSeparator:","`
	SampleEvery time.Duration `env:"FIELDLINK_SAMPLE_INTERVAL" envDefault:"15s"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		slog.Error("parse env", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("create data dir", "error", err)
		os.Exit(1)
	}
	db, err := bolt.Open(cfg.DataDir+"/notifications.db", 0o600, nil)
	if err != nil {
		slog.Error("open notification db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	scfg := session.DefaultConfig(cfg.ServerURL)
	scfg.DB = db
	scfg.Source = &tickerSource{interval: cfg.SampleEvery}
	scfg.OnAuthError = func(err error) {
		slog.Error("credential rejected, refresh the token and restart", "error", err)
		stop()
	}
	scfg.OnStreamWarning = func(missionID int64, err error) {
		slog.Warn("location stream stopped", "mission_id", missionID, "error", err)
	}

	s, err := session.New(scfg)
	if err != nil {
		slog.Error("build session", "error", err)
		os.Exit(1)
	}

	s.On(fieldlink.TypeConnectionStatus, func(msg fieldlink.Message) {
		slog.Info("connection status", "payload", string(msg.Payload))
	})
	s.On(fieldlink.TypeMissionAssigned, func(msg fieldlink.Message) {
		slog.Info("mission assigned", "mission_id", msg.MissionID)
	})
	s.On(fieldlink.TypeEmergencyAlert, func(msg fieldlink.Message) {
		slog.Warn("emergency alert received",
			"mission_id", msg.MissionID,
			"payload", string(msg.Payload),
		)
	})

	// Metrics endpoint in a goroutine so we can listen for shutdown signals.
	msrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		slog.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := msrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	if err := s.Connect(ctx, fieldlink.Credentials{Token: cfg.Token}); err != nil {
		slog.Error("connect", "error", err)
		os.Exit(1)
	}
	slog.Info("session established", "server", cfg.ServerURL)

	s.JoinRoom(fieldlink.RoomCommand)
	for _, id := range cfg.MissionIDs {
		s.JoinMissionRoom(id)
		if err := s.StartLocationStream(id); err != nil {
			slog.Warn("start location stream", "mission_id", id, "error", err)
		}
	}

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Close(shutdownCtx); err != nil {
		slog.Error("session teardown error", "error", err)
	}
	msrv.Shutdown(shutdownCtx)
	slog.Info("stopped")
}

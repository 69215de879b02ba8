package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ecusafe/internal/api"
	"ecusafe/internal/config"
	"ecusafe/internal/corectx"
	"ecusafe/internal/diagnostics"
	"ecusafe/internal/eventbus"
	"ecusafe/internal/flash"
	"ecusafe/internal/isotp"
	"ecusafe/internal/safety"
	"ecusafe/internal/telemetry"
	"ecusafe/internal/transport"
)

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

var configFile string

func init() {
	flag.StringVar(&configFile, "config", "config.yaml", "Path to configuration file")
	flag.Parse()
}

func main() {
	log := logrus.New()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	entry := logrus.NewEntry(log)

	reg := prometheus.NewRegistry()

	// Transport: one connection shared between the ISO-TP segmenter
	// (diagnostics) and the telemetry streamer, arbitrated by corectx's
	// Mode so only one side reads at a time.
	t, err := transport.New(cfg.GetTransportConfig())
	if err != nil {
		log.WithError(err).Fatal("failed to open transport")
	}

	seg := isotp.New(t)
	if cfg.ISOTP.RequestID != 0 {
		seg.RequestID = cfg.ISOTP.RequestID
	}
	if cfg.ISOTP.ResponseID != 0 {
		seg.ResponseID = cfg.ISOTP.ResponseID
	}
	if cfg.ISOTP.TimeoutMS > 0 {
		seg.Timeout = msToDuration(cfg.ISOTP.TimeoutMS)
	}

	diagEngine := diagnostics.New(seg, entry)

	persistence, err := eventbus.NewSQLitePersistence(cfg.Datastore.SQLite.Path)
	if err != nil {
		log.WithError(err).Fatal("failed to open event persistence store")
	}

	bus, err := eventbus.New(eventbus.DefaultConfig(), persistence, reg, entry)
	if err != nil {
		log.WithError(err).Fatal("failed to start event bus")
	}

	safetyState := safety.New(cfg.SafetyLimits(), bus, entry)

	streamer := telemetry.New(cfg.TelemetryConfig(), t, bus, entry)
	if err := streamer.Start(); err != nil {
		log.WithError(err).Fatal("failed to start telemetry streamer")
	}

	var influxSink *telemetry.InfluxSink
	if cfg.Datastore.InfluxDB.URL != "" {
		influxSink, err = telemetry.NewInfluxSink(
			cfg.Datastore.InfluxDB.URL,
			cfg.Datastore.InfluxDB.Token,
			cfg.Datastore.InfluxDB.Org,
			cfg.Datastore.InfluxDB.Bucket,
			bus, entry,
		)
		if err != nil {
			log.WithError(err).Warn("failed to connect influxdb sink, continuing without it")
		} else {
			go influxSink.Run()
		}
	}

	flashCfg := cfg.FlashConfig()
	var ecuReader flash.ECUReader
	var verifier flash.Verifier
	if flashCfg.BackupBeforeFlash || flashCfg.VerifyAfterFlash {
		adapter := &corectx.DiagnosticsECUAdapter{Engine: diagEngine, ImageSize: 256 * 1024}
		ecuReader = adapter
		verifier = adapter
	}
	paramWriter := &corectx.DiagnosticsParamWriter{Engine: diagEngine}

	// Core is built before the flash supervisor so the supervisor can
	// switch core's transport mode directly (as a flash.ModeSwitcher)
	// around its own backup/verify reads; Core.Flash is filled in once
	// the supervisor exists.
	core, err := corectx.Start(corectx.Params{
		Transport:   t,
		Segmenter:   seg,
		Diagnostics: diagEngine,
		Streamer:    streamer,
		Bus:         bus,
		Safety:      safetyState,
		Registry:    reg,
		Log:         log,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to initialize core context")
	}

	flashSupervisor := flash.New(flashCfg, bus, ecuReader, verifier, core, reg, entry)
	core.Flash = flashSupervisor

	_, router := api.New(bus, safetyState, flashSupervisor, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), paramWriter, entry)

	watcher, err := config.WatchConfig(configFile)
	if err != nil {
		log.WithError(err).Warn("config hot-reload unavailable")
	} else {
		watchStop := make(chan struct{})
		defer close(watchStop)
		go watcher.Run(watchStop, func(prev, next *config.Config) {
			if safetyLimitsChanged(prev, next) {
				if safetyState.CanApplyLive() {
					log.Warn("config edit changed safety limits but a live-apply or flash session is armed; change not applied")
				} else if err := safetyState.ReloadSafetyLimits(next.SafetyLimits()); err != nil {
					log.WithError(err).Warn("failed to reload safety limits")
				} else {
					log.Info("safety limits reloaded from disk")
				}
			}
			streamer.Reconfigure(next.TelemetryConfig())
			log.Info("reloaded non-safety-critical configuration")
		}, func(err error) {
			log.WithError(err).Warn("config watch error")
		})
	}

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: serverAddr, Handler: router}
	go func() {
		log.WithField("addr", serverAddr).Info("starting ecusafe api server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("api server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	if err := srv.Close(); err != nil {
		log.WithError(err).Warn("error closing api server")
	}
	if influxSink != nil {
		influxSink.Close()
	}
	core.Shutdown()
	log.Info("shutdown complete")
}

func safetyLimitsChanged(prev, next *config.Config) bool {
	if prev == nil {
		return false
	}
	return prev.Safety != next.Safety
}

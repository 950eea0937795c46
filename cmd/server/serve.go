package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scanstream/backend/internal/artifact"
	"github.com/scanstream/backend/internal/cleanup"
	"github.com/scanstream/backend/internal/config"
	"github.com/scanstream/backend/internal/device"
	"github.com/scanstream/backend/internal/frontend"
	"github.com/scanstream/backend/internal/index"
	"github.com/scanstream/backend/internal/logging"
	"github.com/scanstream/backend/internal/ocr"
	"github.com/scanstream/backend/internal/pipeline"
	"github.com/scanstream/backend/internal/relay"
	"github.com/scanstream/backend/internal/sysinfo"
	"github.com/scanstream/backend/internal/telemetry"
	"github.com/scanstream/backend/internal/ws"
)

var (
	servePort int
	serveMock string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scanning server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&servePort, "port", "p", 0, "override server port")
	cmd.Flags().StringVar(&serveMock, "mock", "", "replay sample images from this directory instead of driving a camera")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	if serveMock != "" {
		cfg.Device.ReplayDir = serveMock
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.Logging, version)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	return a.server.ListenAndServe(ctx)
}

// app holds the wired components and what must be closed on exit.
type app struct {
	server  *ws.Server
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{}

	store, err := index.NewStore(cfg.Index.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing index failed", "error", err)
		}
	})
	logger.Info("index opened", "path", store.Path())

	var sinks []ws.Sink
	if cfg.MQTT.Enabled {
		m, err := relay.Connect(cfg.MQTT, logger)
		if err != nil {
			logger.Warn("mqtt relay unavailable, continuing without it", "error", err)
		} else {
			sinks = append(sinks, m)
			a.closers = append(a.closers, m.Close)
			logger.Info("mqtt relay connected", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic)
		}
	}
	registry := ws.NewRegistry(logger, sinks...)

	var recorder telemetry.Recorder = telemetry.Nop{}
	if cfg.InfluxDB.Enabled {
		influx, err := telemetry.Connect(cfg.InfluxDB)
		if err != nil {
			logger.Warn("influxdb unavailable, stage timings disabled", "error", err)
		} else {
			recorder = influx
			a.closers = append(a.closers, influx.Close)
		}
	}

	var cleaner pipeline.Cleaner = cleanup.Passthrough{}
	if cfg.Cleanup.Enabled {
		cleaner = cleanup.New(cfg.Cleanup)
	}

	coordinator := pipeline.New(ocr.New(cfg.OCR), cleaner, store, registry,
		pipeline.WithRecorder(recorder),
		pipeline.WithStageTimeout(cfg.Pipeline.StageTimeout),
		pipeline.WithLogger(logger),
	)

	camera, err := newCamera(ctx, cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	var sampler ws.ProcessSampler
	if s, err := sysinfo.NewSampler(); err != nil {
		logger.Warn("process stats unavailable", "error", err)
	} else {
		sampler = s
	}

	a.server = ws.NewServer(cfg.Server, ws.ServerDeps{
		Registry: registry,
		Camera:   camera,
		Pipeline: coordinator,
		Index:    store,
		Sampler:  sampler,
		Frontend: frontend.Handler(),
		Logger:   logger,
		Version:  version,
	})
	return a, nil
}

func newCamera(ctx context.Context, cfg *config.Config, logger *logging.Logger) (device.Controller, error) {
	if cfg.Device.ReplayDir != "" {
		logger.Info("starting in mock mode", "replay_dir", cfg.Device.ReplayDir)
		return device.NewReplayCamera(cfg.Device, logger), nil
	}

	var artifacts artifact.Store = artifact.Nop{}
	if cfg.Artifacts.Bucket != "" {
		mirror, err := artifact.NewGCSMirror(ctx, cfg.Artifacts)
		if err != nil {
			return nil, fmt.Errorf("artifact mirror: %w", err)
		}
		artifacts = mirror
		logger.Info("mirroring captures to gcs", "bucket", cfg.Artifacts.Bucket, "prefix", cfg.Artifacts.Prefix)
	}
	return device.NewExecCamera(cfg.Device, artifacts, logger), nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	child_process_manager "github.com/AgustinSRG/go-child-process-manager"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/expoolleet/pi-tracking-stream-receiver/internal/camera"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/config"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/controller"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/httpapi"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/media"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/metrics"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/protocol"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/pump"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/roi"
)

type flags struct {
	configPath string
	logLevel   string
	listen     string
	server     string
	port       int
	camera     bool
}

func main() {
	var f flags
	rootCmd := &cobra.Command{
		Use:           "tracking-receiver",
		Short:         "Receives a tracking stream and drives the remote tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	rootCmd.Flags().StringVarP(&f.configPath, "config", "c", "", "YAML config file")
	rootCmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&f.listen, "listen", "", "control API listen address")
	rootCmd.Flags().StringVar(&f.server, "server", "", "tracking server ip; empty waits for discovery")
	rootCmd.Flags().IntVar(&f.port, "port", 0, "tracking server port")
	rootCmd.Flags().BoolVar(&f.camera, "camera", false, "read frames from the local camera")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.listen != "" {
		cfg.HTTPListenAddr = f.listen
	}
	if f.server != "" {
		cfg.ServerIP = f.server
	}
	if f.port != 0 {
		cfg.ServerPort = f.port
	}
	if cmd.Flags().Changed("camera") {
		cfg.UseCamera = f.camera
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		lvl = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		log = zerolog.New(os.Stderr)
	}
	lctx := log.Level(lvl).With().Timestamp()
	if cfg.IsDebug() {
		lctx = lctx.Caller()
	}
	return lctx.Logger()
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := child_process_manager.InitializeChildProcessManager(); err != nil {
		return fmt.Errorf("init child process manager: %w", err)
	}
	defer child_process_manager.DisposeChildProcessManager()

	log := newLogger(cfg)
	log.Info().Stringer("config", cfg).Msg("tracking receiver starting")

	m := metrics.New()
	res := media.ResolutionFromIndex(cfg.StreamResolution)

	decoder := media.NewDecoder(log, media.DecoderConfig{
		Path:         cfg.DecoderPath,
		InputOptions: cfg.DecoderInputOptions,
	}, res, m)

	selector := roi.NewSelector(log, roi.Config{
		SmoothingDuration: cfg.SmoothingDuration,
		SmoothingStep:     cfg.SmoothingStep,
		OptimalSizes:      cfg.OptimalSizes,
		SnapToOptimal:     cfg.SnapToOptimal,
		StickyFastROI:     cfg.StickyFastROI,
		FastROISize:       cfg.FastROISize,
		JoinTimeout:       cfg.JoinTimeout,
	}, m)

	client := protocol.NewClient(log, protocol.ClientConfig{
		DialTimeout: cfg.DialTimeout,
		JoinTimeout: cfg.JoinTimeout,
		Reconnect: protocol.ReconnectConfig{
			MaxRetries:    cfg.ReconnectRetries,
			RetryDelay:    cfg.ReconnectDelay,
			MaxRetryDelay: cfg.ReconnectMaxDelay,
		},
	}, m)

	ctrl, err := controller.New(log, controller.Deps{
		Selector: selector,
		Client:   client,
		Decoder:  decoder,
		Camera:   camera.New(log, cfg.CameraDevice, cfg.TrackingWidth, cfg.TrackingHeight),
		Pump:     pump.New(log, cfg.FrameRate, m),
	}, controller.Options{
		Resolution:     res,
		TrackingWidth:  cfg.TrackingWidth,
		TrackingHeight: cfg.TrackingHeight,
		UseCamera:      cfg.UseCamera,
		JoinTimeout:    cfg.JoinTimeout,
	})
	if err != nil {
		return fmt.Errorf("build controller: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.HasServer() {
		if err := ctrl.ApplyDiscovery(ctx, cfg.Bundle()); err != nil {
			// the API can retry via /connect or /reconnect
			log.Error().Err(err).Msg("initial connection failed")
		}
	} else {
		log.Info().Msg("no server configured, waiting for a discovery bundle")
	}

	server := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           httpapi.New(log, ctrl, selector, nil).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPListenAddr).Msg("control API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("control API failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("control API shutdown")
	}
	if err := ctrl.Close(); err != nil {
		log.Warn().Err(err).Msg("controller close")
	}

	log.Info().Msg("tracking receiver stopped")
	return serveErr
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/e-vnts/meet-recorder/pkg/browser"
	"github.com/e-vnts/meet-recorder/pkg/config"
	"github.com/e-vnts/meet-recorder/pkg/events"
	"github.com/e-vnts/meet-recorder/pkg/log"
	"github.com/e-vnts/meet-recorder/pkg/orchestrator"
	"github.com/e-vnts/meet-recorder/pkg/platform"
	"github.com/e-vnts/meet-recorder/pkg/process"
	"github.com/e-vnts/meet-recorder/pkg/recorder"
	"github.com/e-vnts/meet-recorder/pkg/resource"
	"github.com/e-vnts/meet-recorder/pkg/server"
	"github.com/e-vnts/meet-recorder/pkg/task"
	"github.com/e-vnts/meet-recorder/pkg/upload"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the session runner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log.Init(cfg.LogLevel, cfg.LogFormat)
			return runServer(cmd.Context(), cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// app holds the long-lived components built from the configuration
type app struct {
	displays *resource.DisplayAllocator
	sinks    *resource.SinkAllocator
	bus      *events.Bus
	runner   *orchestrator.Runner
	handler  *server.HTTPServer
}

func newApp(cfg *config.Config) (*app, error) {
	sup := process.NewSupervisor()

	displays := resource.NewDisplayAllocator(resource.DisplayConfig{
		XvfbPath:     cfg.Display.XvfbPath,
		Base:         cfg.Display.Base,
		Count:        cfg.Display.Count,
		Depth:        cfg.Display.Depth,
		StartupGrace: cfg.Display.StartupGrace,
		StopGrace:    cfg.StopGracePeriod,
		LockDir:      cfg.Display.LockDir,
	}, sup)

	sinks := resource.NewSinkAllocator(resource.SinkConfig{
		Mode:           cfg.Audio.Mode,
		PactlPath:      cfg.Audio.PactlPath,
		PulseAudioPath: cfg.Audio.PulseAudioPath,
		SharedSink:     cfg.Audio.SharedSink,
	})

	launcher := browser.NewLauncher(browser.Config{
		ChromePath:     cfg.Browser.ChromePath,
		StartupTimeout: cfg.Browser.StartupTimeout,
		ProfileRoot:    cfg.Browser.ProfileRoot,
		ExtraArgs:      cfg.Browser.ExtraArgs,
	}, sup)

	recCfg := recorder.DefaultConfig()
	recCfg.FFmpegPath = cfg.Recorder.FFmpegPath
	recCfg.FrameRate = cfg.Recorder.FrameRate
	recCfg.VideoCodec = cfg.Recorder.VideoCodec
	recCfg.Preset = cfg.Recorder.Preset
	recCfg.AudioCodec = cfg.Recorder.AudioCodec
	recCfg.AudioBitrate = cfg.Recorder.AudioBitrate
	recCfg.StopGrace = cfg.StopGracePeriod
	recorders, err := recorder.NewFactory(cfg.Recorder.Strategy, recCfg, sup)
	if err != nil {
		return nil, err
	}

	exporter := upload.NewExporter(upload.Config{
		Endpoint:   cfg.Upload.Endpoint,
		Token:      cfg.Upload.Token,
		Timeout:    cfg.Upload.Timeout,
		MaxRetries: cfg.Upload.MaxRetries,
	})

	width, height, _ := config.ParseResolution(cfg.DefaultResolution)
	bus := events.NewBus()

	runner := orchestrator.New(orchestrator.Config{
		RecordingsDir:      cfg.RecordingsDir,
		DefaultDisplayName: cfg.DefaultDisplayName,
		DefaultFilename:    cfg.DefaultFilename,
		DefaultWidth:       width,
		DefaultHeight:      height,
		PollInterval:       cfg.PollInterval,
		StopGrace:          cfg.StopGracePeriod,
		JoinTimeout:        cfg.JoinTimeout,
	}, orchestrator.Deps{
		Tasks:      task.NewManager(),
		Displays:   displays,
		Sinks:      sinks,
		Ports:      resource.NewPortPool(cfg.Browser.DebugPortBase, cfg.Browser.DebugPortCount),
		Browsers:   orchestrator.ChromeLauncher{Launcher: launcher},
		Drivers:    platform.DefaultRegistry(),
		Recorders:  recorders,
		Exporter:   exporter,
		Events:     bus,
		Supervisor: sup,
	})

	wsServer := server.NewWebSocketServer(bus, runner, server.WebSocketConfig{
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		PingInterval: cfg.WebSocket.PingInterval,
		QueueSize:    cfg.WebSocket.QueueSize,
	})

	handler := server.NewHTTPServer(runner, wsServer)
	handler.SetProcessReporter(sup)
	handler.SetDisplayReporter(displays)

	return &app{
		displays: displays,
		sinks:    sinks,
		bus:      bus,
		runner:   runner,
		handler:  handler,
	}, nil
}

func runServer(parent context.Context, cfg *config.Config) error {
	log.Info("Starting server...")

	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Audio.EnsureServer {
		if err := a.sinks.EnsureServer(ctx); err != nil {
			log.Warnf("PulseAudio is not available, audio capture will fail: %v", err)
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	go a.reapSubscribers(ctx, 2*cfg.WebSocket.ReadTimeout)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Errorf("HTTP server error: %v", err)
			a.shutdown(srv)
			return err
		}
	}

	a.shutdown(srv)
	return nil
}

// shutdown stops the sessions first so their recordings are finalized,
// then the HTTP server
func (a *app) shutdown(srv *http.Server) {
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.runner.Shutdown(ctx); err != nil {
		log.Errorf("Error during session runner shutdown: %v", err)
	} else {
		log.Info("Session runner shut down successfully")
	}
	// Sessions that did not drain in time still hold displays
	a.displays.ReleaseAll()

	a.bus.Shutdown()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Error during HTTP server shutdown: %v", err)
	} else {
		log.Info("HTTP server shut down successfully")
	}

	log.Info("Server shutdown complete.")
}

// reapSubscribers drops event stream clients that stopped answering pings
func (a *app) reapSubscribers(ctx context.Context, idle time.Duration) {
	if idle <= 0 {
		idle = 2 * time.Minute
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.bus.CleanupInactiveSubscribers(idle)
		}
	}
}

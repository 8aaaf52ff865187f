package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/satlink-project/satlink/internal/api"
	"github.com/satlink-project/satlink/internal/cli"
	"github.com/satlink-project/satlink/internal/config"
	"github.com/satlink-project/satlink/internal/db"
	"github.com/satlink-project/satlink/internal/events"
	"github.com/satlink-project/satlink/internal/handoff"
	"github.com/satlink-project/satlink/internal/health"
	"github.com/satlink-project/satlink/internal/network"
	"github.com/satlink-project/satlink/internal/pipeline"
	"github.com/satlink-project/satlink/internal/protocol"
	"github.com/satlink-project/satlink/internal/scheduler"
	"github.com/satlink-project/satlink/internal/telemetry"
	"github.com/satlink-project/satlink/internal/util"
)

var (
	configDir string
	noConsole bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the device listener with the status API and operator console",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return serve(configDir, !noConsole)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configDir, "config-dir", "c", config.DefaultConfigDir, "directory holding config.json")
	serveCmd.Flags().BoolVar(&noConsole, "no-console", false, "disable the interactive console (for running under a supervisor)")
}

func serve(configDir string, console bool) error {
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting satlink")

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logCfg := cfg.GetLogging()
	if err := util.InitLogger(util.LogConfig{
		Level:      logCfg.Level,
		Directory:  logCfg.Directory,
		MaxBackups: logCfg.MaxBackups,
		Console:    logCfg.Console,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed, fix the errors above in %s", cfg.Path())
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	// Session history is optional: the transport runs without it.
	var (
		store    *db.Store
		database *db.Database
	)
	dbCfg := cfg.GetDatabase()
	if database, err = db.NewDatabase(dbCfg.Path); err != nil {
		log.Warn().Err(err).Msg("failed to open database, session history disabled")
	} else if store, err = db.NewStore(ctx, database); err != nil {
		log.Warn().Err(err).Msg("failed to prepare database, session history disabled")
		database.Close()
		database = nil
	} else {
		store.Attach(bus)
		log.Info().Str("path", database.Path()).Msg("session history enabled")
	}

	processor, err := buildPipeline(cfg.GetPipeline())
	if err != nil {
		return err
	}

	netCfg := cfg.GetNetwork()
	slot := handoff.NewSlot(netCfg.ProcessingTimeout())
	engine := network.NewEngine(engineConfig(netCfg), slot, bus)
	srv := network.NewServer(netCfg.ListenAddr(), engine, bus)

	var (
		apiHistory   api.History
		cliHistory   cli.History
		alertSink    health.AlertSink
		pruneTargets scheduler.Store
	)
	if store != nil {
		apiHistory, cliHistory, alertSink, pruneTargets = store, store, store, store
	}

	healthMgr := health.NewManager(srv, alertSink, bus, health.Options{
		CheckInterval:     seconds(cfg.GetTimers().HealthCheckIntervalSec),
		HeartbeatInterval: seconds(cfg.GetTimers().HeartbeatIntervalSec),
		StuckAfter:        netCfg.ProcessingTimeout() + 2*netCfg.SocketTimeout(),
		IdleAfter:         netCfg.ProcessingTimeout() + netCfg.SocketTimeout(),
		DiskPath:          dirOf(dbCfg.Path),
	})
	sched := scheduler.NewScheduler(cfg, pruneTargets)

	var mqttHandler *telemetry.Handler
	if mqttCfg := cfg.GetMQTT(); mqttCfg.Enabled {
		if mqttHandler, err = telemetry.NewHandler(mqttCfg, bus, Version); err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	shutdown := make(chan string, 1)
	bus.Subscribe(events.EventShutdown, "main", func(_ context.Context, ev events.Event) error {
		if ev.Source == "main" {
			return nil
		}
		select {
		case shutdown <- ev.Source:
		default:
		}
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msgf("starting %s", name)
			fn()
		}()
	}

	run("processing loop", func() {
		if err := handoff.Serve(ctx, slot, processor); err != nil {
			errCh <- fmt.Errorf("processing loop: %w", err)
		}
	})

	if !config.IsPortAvailable(netCfg.Host, netCfg.Port) {
		log.Warn().Int("port", netCfg.Port).Msg("device port is in use, waiting for it to free up")
	}
	if err := startWithRetry(ctx, "device listener", srv.Start, 15); err != nil {
		cancel()
		slot.Close()
		wg.Wait()
		bus.Stop()
		return err
	}

	if ip, err := util.GetLocalIP(); err == nil {
		log.Info().
			Str("lan_addr", net.JoinHostPort(ip, strconv.Itoa(listenPort(srv.Addr(), netCfg.Port)))).
			Msg("devices can connect to")
	}

	if netCfg.DiscoveryPort != 0 {
		responder := network.NewDiscoveryResponder(
			net.JoinHostPort(netCfg.Host, strconv.Itoa(netCfg.DiscoveryPort)),
			protocol.Announcement{
				Name:          sysInfo.Hostname,
				ServerVersion: Version,
				Port:          uint16(listenPort(srv.Addr(), netCfg.Port)),
			})
		run("discovery responder", func() {
			if err := responder.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("discovery responder failed (non-fatal)")
			}
		})
	}

	if cfg.GetAPI().Enabled {
		apiServer := api.NewServer(cfg, bus, srv, apiHistory, Version)
		run("REST API server", func() {
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("API server failed (non-fatal)")
			}
		})
	}

	if mqttHandler != nil {
		run("MQTT telemetry", func() {
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		})
	}

	run("health check manager", func() { healthMgr.Start(ctx) })
	run("task scheduler", func() { sched.Start(ctx) })

	if console {
		console := cli.New(cfg, bus, srv, cliHistory, os.Stdin, os.Stdout)
		run("interactive console", func() { console.Start(ctx) })
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case source := <-shutdown:
		log.Info().Str("source", source).Msg("shutdown requested")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	bus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "main"})
	srv.Stop()
	cancel()
	slot.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	bus.Stop()
	if database != nil {
		if err := database.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close database")
		}
	}

	log.Info().Msg("satlink stopped")
	return runErr
}

// buildPipeline assembles the processor chain described by p.
func buildPipeline(p config.PipelineConfig) (handoff.Processor, error) {
	var proc handoff.Processor
	switch p.Mode {
	case config.PipelineEcho:
		proc = pipeline.Echo()
	case config.PipelineCommand:
		if len(p.Command) == 0 {
			return nil, fmt.Errorf("pipeline command is empty")
		}
		proc = pipeline.Command(p.Command[0], p.Command[1:]...)
	default:
		return nil, fmt.Errorf("unknown pipeline mode %q", p.Mode)
	}

	if p.ResponseLimitBytes > 0 {
		proc = pipeline.Limit(proc, p.ResponseLimitBytes)
	}
	if p.InspectInput {
		proc = pipeline.Inspect(proc)
	}
	return proc, nil
}

// engineConfig maps the network section onto the engine's timings.
func engineConfig(n config.NetworkConfig) network.Config {
	c := network.DefaultConfig()
	c.SocketTimeout = n.SocketTimeout()
	c.AckTimeout = n.AckTimeout()
	c.HandshakeSettle = n.HandshakeSettle()
	c.SendSettle = n.SendSettle()
	c.MaxSendAttempts = n.MaxSendAttempts
	c.EchoOnFailure = n.EchoOnFailure
	return c
}

// startWithRetry retries fn once a second, which covers a port still held
// by a previous instance.
func startWithRetry(ctx context.Context, name string, fn func() error, attempts int) error {
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		log.Warn().Err(err).Int("attempt", i).Msgf("%s failed to start, retrying", name)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}

func listenPort(addr net.Addr, fallback int) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return fallback
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func dirOf(path string) string {
	if path == "" || path == ":memory:" {
		return ""
	}
	return filepath.Dir(path)
}

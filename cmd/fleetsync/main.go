package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/fleetsync/internal/api"
	"github.com/rickgao/fleetsync/internal/config"
	"github.com/rickgao/fleetsync/internal/connection"
	"github.com/rickgao/fleetsync/internal/console"
	"github.com/rickgao/fleetsync/internal/database"
	"github.com/rickgao/fleetsync/internal/eventloop"
	"github.com/rickgao/fleetsync/internal/journal"
	"github.com/rickgao/fleetsync/internal/notify"
	"github.com/rickgao/fleetsync/internal/reconnect"
	"github.com/rickgao/fleetsync/internal/router"
	"github.com/rickgao/fleetsync/internal/state"
	"github.com/rickgao/fleetsync/internal/version"
)

type options struct {
	configPath  string
	host        string
	apiKey      string
	logLevel    string
	showMetrics bool
	quiet       bool
	showVersion bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("fleetsync", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to config file (defaults apply when empty)")
	flagSet.StringVar(&opts.host, "host", "", "dashboard host[:port], overrides server.host")
	flagSet.StringVar(&opts.apiKey, "api-key", "", "API key, overrides server.api_key")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error, overrides log.level")
	flagSet.BoolVar(&opts.showMetrics, "show-metrics", false, "print every metrics sample")
	flagSet.BoolVarP(&opts.quiet, "quiet", "q", false, "do not list hosts on full renders")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.showVersion {
		fmt.Println("fleetsync " + version.String())
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("starting fleetsync",
		"version", version.Version,
		"commit", version.Commit,
		"config", opts.configPath,
		"url", cfg.Server.WebSocketURL(),
	)

	return runSync(cfg, opts, logger)
}

// loadConfig reads the config file, if any, then applies flag overrides.
func loadConfig(opts options) (*config.Config, error) {
	var cfg *config.Config
	if opts.configPath != "" {
		loaded, err := config.LoadWithDefaults(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.apiKey != "" {
		cfg.Server.APIKey = opts.apiKey
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// newLogger builds a text or JSON slog logger.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler), nil
}

func managerConfig(cfg *config.Config) connection.ManagerConfig {
	return connection.ManagerConfig{
		Client: connection.ClientConfig{
			URL:              cfg.Server.WebSocketURL(),
			APIKey:           cfg.Server.APIKey,
			HandshakeTimeout: cfg.Connection.HandshakeTimeout,
			PingInterval:     cfg.Connection.PingInterval,
			ReadTimeout:      cfg.Connection.ReadTimeout,
			WriteTimeout:     cfg.Connection.WriteTimeout,
		},
		Reconnect: reconnect.Config{
			BaseDelay:   cfg.Reconnect.BaseDelay,
			Multiplier:  cfg.Reconnect.Multiplier,
			MaxDelay:    cfg.Reconnect.MaxDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
	}
}

func runSync(cfg *config.Config, opts options, logger *slog.Logger) error {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core components, all driven by one event loop
	loop := eventloop.New(eventloop.DefaultConfig(), logger)
	mirror := state.NewMirror()
	notifier := console.NewNotifier(os.Stdout)
	batcher := notify.NewBatcher(notify.BatchConfig{QuietPeriod: cfg.Notifications.QuietPeriod}, loop, notifier, logger)

	apiClient := api.NewClient(
		cfg.Server.BaseURL(),
		cfg.Server.APIKey,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)

	rendererCfg := console.DefaultRendererConfig()
	rendererCfg.ShowMetrics = opts.showMetrics
	rendererCfg.ShowHosts = !opts.quiet
	renderer := console.NewRenderer(ctx, rendererCfg, os.Stdout, apiClient, logger,
		console.WithStore(loop, mirror))
	unsubscribe := mirror.Subscribe(renderer.SnapshotChanged)
	defer unsubscribe()

	rt := router.New(mirror, batcher, notifier, renderer.Hooks(), logger)

	// Optional envelope journal
	var jw *journal.Writer
	var db pinger
	if cfg.Journal.Enabled {
		pool, err := database.Connect(ctx, cfg.Journal.Database, logger)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pool.Close()
		db = pool

		if err := journal.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		jw = journal.NewWriter(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, pool, logger)
		// Background context: rows queued before shutdown are still written
		if err := jw.Start(context.Background()); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
		rt.Register("journal", jw)
	}

	mgr := connection.NewManager(managerConfig(cfg), loop, rt, notifier, logger, batcher)
	mgr.Subscribe(renderer.ConnectionEvent)

	// The manager outlives ctx so Stop can tear down on the loop
	if err := mgr.Start(context.Background()); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Health server
	healthServer := newHealthServer(cfg.Health.Port, healthSources{conn: mgr, mirror: mirror, router: rt, journal: jw, db: db})
	if healthServer != nil {
		g.Go(func() error {
			logger.Info("starting health server", "port", cfg.Health.Port)
			if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		logger.Info("fleetsync running", "health_url", healthURL(cfg.Health.Port))
	} else {
		logger.Info("fleetsync running", "health", "disabled")
	}

	// Signals: INT/TERM shut down, USR1 retries after giving up
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-sigCh:
				if sig == syscall.SIGUSR1 {
					logger.Info("manual retry requested")
					mgr.Retry()
					continue
				}
				logger.Info("received shutdown signal", "signal", sig)
				cancel()
				return nil
			}
		}
	})

	<-gctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := mgr.Stop(shutdownCtx); err != nil {
		logger.Warn("connection manager stop", "error", err)
	}
	if jw != nil {
		if err := jw.Stop(shutdownCtx); err != nil {
			logger.Warn("journal stop", "error", err)
		}
	}
	if healthServer != nil {
		healthServer.Shutdown(shutdownCtx)
	}
	cancel()
	renderer.Wait()

	err := g.Wait()
	logger.Info("fleetsync stopped")
	return err
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mmcdole/biolink/internal/config"
	"github.com/mmcdole/biolink/internal/datasync"
	"github.com/mmcdole/biolink/internal/domain"
	"github.com/mmcdole/biolink/internal/log"
	"github.com/mmcdole/biolink/internal/network"
	"github.com/mmcdole/biolink/internal/profile"
	"github.com/mmcdole/biolink/internal/remote"
	"github.com/mmcdole/biolink/internal/store"
)

// Version is set at build time via -ldflags
var Version = "dev"

const usage = `usage: biolink [flags] <command> [args]

commands:
  show [username]                     open the dashboard (plain text when not a terminal)
  stats [username]                    print view and click totals
  sync                                push queued offline writes
  create-profile <username> <name>    create your profile
  add-link <username> <title> <url>   add a link to your profile
  click <username> <link-id>          record a click on a public link

flags:
`

// options holds parsed command line flags
type options struct {
	configPath string
	userID     string
	offline    bool
}

func main() {
	var (
		showVersion bool
		opts        options
	)
	flag.BoolVar(&showVersion, "v", false, "print version")
	flag.BoolVar(&showVersion, "version", false, "print version")
	flag.StringVar(&opts.configPath, "config", "", "config file (default ~/.config/biolink/config.yaml)")
	flag.StringVar(&opts.userID, "user", os.Getenv("USER"), "signed-in user id")
	flag.BoolVar(&opts.offline, "offline", false, "start offline; writes are queued locally")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("biolink %s\n", Version)
		return
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, closer, err := log.SetupLogger(&cfg.Logging)
	if err != nil {
		// Fall back to null logger if file logging fails
		logger = log.NullLogger()
		closer = io.NopCloser(nil)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	logger.Info("starting biolink", "version", Version, "backend", cfg.Remote.Backend, "command", args[0])

	app, err := newApp(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.dispatch(ctx, args)
}

// app wires the remote store, local storage and sync manager for one run
type app struct {
	cfg     *config.Config
	user    domain.Identity
	logger  *slog.Logger
	remote  domain.RemoteStore
	local   *store.LocalStore
	monitor *network.Monitor
	manager *datasync.Manager
	svc     *profile.Service
	metrics *http.Server
	cancel  context.CancelFunc
}

func newApp(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) (*app, error) {
	backend, err := openRemote(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}

	guardCfg := remote.DefaultGuardConfig(string(cfg.Remote.Backend))
	guardCfg.Timeout = cfg.Remote.Timeout
	guardCfg.ConsecutiveFailures = cfg.Remote.BreakerFailures
	guardCfg.OpenTimeout = cfg.Remote.BreakerTimeout
	guard := remote.NewGuard(backend, guardCfg, logger)

	local, err := store.NewLocalStore(cfg.Storage.Dir, cfg.RemoteIdentity())
	if err != nil {
		guard.Close()
		return nil, fmt.Errorf("failed to open local storage: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	a := &app{
		cfg:     cfg,
		user:    domain.Identity{ID: opts.userID},
		logger:  logger,
		remote:  guard,
		local:   local,
		monitor: network.NewMonitor(false),
		cancel:  cancel,
	}

	if !opts.offline {
		prober := network.NewProber(a.monitor, guard, cfg.Sync.ProbeInterval, logger)
		prober.Check(ctx)
		go prober.Run(ctx)
	}

	var metrics *datasync.Metrics
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		if metrics, err = datasync.NewMetrics(reg); err != nil {
			a.Close()
			return nil, err
		}
		a.serveMetrics(reg)
	}

	a.manager = datasync.NewManager(guard,
		datasync.WithLogger(logger),
		datasync.WithConnectivity(a.monitor),
		datasync.WithLocalStorage(local),
		datasync.WithCacheLimits(cfg.Cache.MaxEntries, cfg.Cache.TTL, cfg.Cache.QueryTTL),
		datasync.WithSyncInterval(cfg.Sync.Interval),
		datasync.WithRetryPolicy(datasync.RetryPolicy{
			MaxRetries:     cfg.Sync.MaxRetries,
			InitialBackoff: cfg.Sync.InitialBackoff,
			MaxBackoff:     cfg.Sync.MaxBackoff,
			Multiplier:     2,
		}),
		datasync.WithTimeout(cfg.Remote.Timeout),
		datasync.WithMetrics(metrics),
		datasync.WithErrorHandler(func(e *datasync.SyncError) {
			logger.Error("dropped queued write", "ref", e.Item.Ref.Key(), "op", e.Item.Op, "error", e.Err)
		}),
	)
	if err := a.manager.Start(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to start sync: %w", err)
	}

	a.svc = profile.NewService(a.manager, profile.Config{BaseURL: cfg.Profile.BaseURL}, logger)
	return a, nil
}

// openRemote builds the configured backend
func openRemote(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.RemoteStore, error) {
	switch cfg.Remote.Backend {
	case config.BackendNATS:
		return remote.NewNATS(ctx, remote.NATSConfig{
			URL:       cfg.Remote.URL,
			Bucket:    cfg.Remote.Bucket,
			Namespace: cfg.Remote.Namespace,
			Name:      "biolink",
		}, logger)
	case config.BackendSQLite:
		return remote.NewSQL(remote.SQLConfig{
			Path:      cfg.Remote.SQLitePath,
			Namespace: cfg.Remote.Namespace,
		}, logger)
	default:
		return remote.NewMemory(), nil
	}
}

func (a *app) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	a.metrics = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", a.cfg.Metrics.Addr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", a.cfg.Metrics.Addr)
}

// Close shuts everything down in reverse order of construction
func (a *app) Close() error {
	if a.manager != nil {
		a.manager.Close()
	}
	a.cancel()

	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.metrics.Shutdown(ctx)
	}

	if err := a.remote.Close(); err != nil {
		a.logger.Warn("failed to close remote store", "error", err)
	}
	if err := a.local.Close(); err != nil {
		a.logger.Warn("failed to close local storage", "error", err)
	}
	a.logger.Info("shutting down")
	return nil
}

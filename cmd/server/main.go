package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/example/private-dispatch/internal/config"
	"github.com/example/private-dispatch/internal/dispatch"
	"github.com/example/private-dispatch/internal/eventbus"
	httpapi "github.com/example/private-dispatch/internal/http"
	"github.com/example/private-dispatch/internal/ledger"
	"github.com/example/private-dispatch/internal/logging"
	"github.com/example/private-dispatch/internal/models"
	"github.com/example/private-dispatch/internal/opaque"
	"github.com/example/private-dispatch/internal/relay"
	"github.com/example/private-dispatch/internal/storage"
)

func main() {
	var (
		configFile = pflag.String("config", "", "YAML config file (overrides DISPATCH_CONFIG_FILE)")
		addr       = pflag.String("addr", "", "HTTP listen address (overrides HTTP_ADDR)")
		logLevel   = pflag.String("log-level", "", "log level (overrides LOG_LEVEL)")
		migrate    = pflag.Bool("migrate", false, "create the journal table before serving")
		serveLocal = pflag.Bool("serve-collaborators", false, "in nats relay mode, also serve the in-process key authority and broker")
	)
	pflag.Parse()
	if *configFile != "" {
		_ = os.Setenv("DISPATCH_CONFIG_FILE", *configFile)
	}

	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *migrate {
		cfg.RunMigrations = true
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *serveLocal, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, serveLocal bool, logger *slog.Logger) error {
	backend, err := opaque.NewClear()
	if err != nil {
		return err
	}

	journal, closeJournal, err := openJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeJournal()

	rel, closeRelay, err := buildRelay(cfg, backend, serveLocal, logger)
	if err != nil {
		return err
	}
	defer closeRelay()

	ws := dispatch.NewWSRegistry(logger)
	c, err := openCore(ctx, cfg, journal, backend, rel, logger, ledger.WithPublisher(ws))
	if err != nil {
		return err
	}
	l := c.ledger

	if len(cfg.KafkaBrokers) > 0 {
		kp := eventbus.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		l.AddPublisher(kp)
		logger.Info("publishing events to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		l.AddPublisher(eventbus.NewRedisPublisher(rc, cfg.RedisChannel))
		logger.Info("publishing events to redis", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
	}
	// Runs before the publishers above are closed.
	defer l.Close()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(c.engine, c.gateway, l, ws, backend, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("private-dispatch listening", "addr", cfg.HTTPAddr, "relay", cfg.RelayMode, "authorities", len(cfg.Authorities))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openJournal(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.EventStore, func(), error) {
	if cfg.PGDSN == "" {
		return storage.NewMemoryJournal(), func() {}, nil
	}
	pj, err := storage.NewPostgresJournal(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		if err := pj.Migrate(ctx); err != nil {
			_ = pj.Close()
			return nil, nil, err
		}
		logger.Info("journal migration applied")
	}
	return pj, func() { _ = pj.Close() }, nil
}

// buildRelay picks the forwarding transport. The clear backend's broker
// and key authority are always hosted in-process; remote transports
// are tried first and fall back to them for targets they cannot route.
// With serve-collaborators they are also served over nats.
func buildRelay(cfg config.ServerConfig, backend *opaque.Clear, serveLocal bool, logger *slog.Logger) (relay.Relay, func(), error) {
	broker := &opaque.Broker{Backend: backend, Logger: logger}
	handlers := map[models.Principal]relay.Handler{}
	if !cfg.DisclosureBroker.IsZero() {
		handlers[cfg.DisclosureBroker] = broker.Handle
	}
	handlers[cfg.KeyAuthority] = opaque.KeyAuthority{}.Handle

	local := relay.NewLocal()
	for target, h := range handlers {
		local.Register(target, h)
	}
	inProcess := &relay.Instrumented{Transport: "local", Next: local}

	switch cfg.RelayMode {
	case config.RelayHTTP:
		remote := &relay.Instrumented{Transport: "http", Next: relay.NewHTTPRelay(cfg.RelayEndpoints)}
		return relay.Fallback{remote, inProcess}, func() {}, nil
	case config.RelayNATS:
		nr, err := relay.NewNATSRelay(cfg.NATSURL, cfg.NATSPrefix, cfg.RelayTimeout)
		if err != nil {
			return nil, nil, err
		}
		if serveLocal {
			for target, h := range handlers {
				if _, err := nr.Serve(target, h); err != nil {
					nr.Close()
					return nil, nil, err
				}
			}
		}
		return &relay.Instrumented{Transport: "nats", Next: nr}, nr.Close, nil
	default:
		return inProcess, func() {}, nil
	}
}

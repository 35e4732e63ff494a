// Command gamecast runs the real-time score broadcasting server: a
// WebSocket hub for clients, a scheduler per live game pacing feeder output
// onto the broker, an admin gRPC streaming surface, and admin HTTP endpoints
// for operations and export.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"gamecast/broker/internal/archive"
	"gamecast/broker/internal/auth"
	"gamecast/broker/internal/broker"
	"gamecast/broker/internal/config"
	"gamecast/broker/internal/events"
	"gamecast/broker/internal/feeder"
	"gamecast/broker/internal/grpcapi"
	httpapi "gamecast/broker/internal/http"
	"gamecast/broker/internal/logging"
	"gamecast/broker/internal/registry"
	"gamecast/broker/internal/relay"
	"gamecast/broker/internal/router"
	"gamecast/broker/internal/scheduler"
	"gamecast/broker/internal/transport"
)

// dispatchSlot breaks the construction cycle between transport.Hub (which
// needs a Dispatcher at construction) and router.Router (which needs the
// Hub as its Sender): the hub is built first against this forwarding slot,
// then the slot is pointed at the real router once it exists.
type dispatchSlot struct {
	router *router.Router
}

func (s *dispatchSlot) Dispatch(client *transport.Client, raw []byte) {
	if s.router != nil {
		s.router.Dispatch(client, raw)
	}
}

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if len(cfg.AllowedOrigins) > 0 {
		logger.Info("allowing websocket origins", logging.Strings("origins", cfg.AllowedOrigins))
	} else {
		logger.Info("no allowed origins configured; permitting only local development origins")
	}
	logger.Info("maximum websocket payload configured", logging.Int64("bytes", cfg.MaxPayloadBytes))
	if cfg.MaxClients > 0 {
		logger.Info("limiting websocket clients", logging.Int("max_clients", cfg.MaxClients))
	} else {
		logger.Info("no limit configured for websocket clients")
	}

	var redisClient *redis.Client
	if cfg.MessageBroker == "redis" || cfg.GameFeeder == "redis" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to parse redis url", logging.Error(err))
		}
		redisClient = redis.NewClient(opts)
	}

	var br broker.Broker
	switch cfg.MessageBroker {
	case "redis":
		br = broker.NewRedisBroker(redisClient)
		logger.Info("message broker backed by redis")
	default:
		br = broker.NewMemoryBroker()
		logger.Info("message broker backed by in-process memory")
	}

	buildFeeder := feederFactory(cfg, redisClient)

	archivePath := cfg.ArchivePath
	if archivePath == "" {
		archivePath = "./data/archive"
	}
	eventsDir := archivePath + "/events"
	exportsDir := archivePath + "/exports"

	exporter, err := archive.NewExporter(exportsDir, nil)
	if err != nil {
		logger.Fatal("failed to initialise exporter", logging.Error(err))
	}

	cleaner := archive.NewCleaner(eventsDir, archive.RetentionPolicy{MaxGames: 200, MaxAge: 30 * 24 * time.Hour},
		logger.With(logging.String("component", "archive-cleaner")))
	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	go cleaner.Run(cleanupCtx, cfg.ArchiveFlushInterval)
	defer cancelCleanup()

	store := newArchivist(eventsDir, exporter, logger.With(logging.String("component", "archivist")))

	reg := registry.New(
		schedulerFactory(cfg, br, buildFeeder, store, logger),
		registry.WithLogger(logger.With(logging.String("component", "registry"))),
		registry.WithCleanupTimeout(cfg.SchedulerCleanupTimeout),
	)
	defer reg.Shutdown()

	slot := &dispatchSlot{}
	hub := transport.NewHub(slot,
		transport.WithLogger(logger.With(logging.String("component", "transport"))),
		transport.WithAllowedOrigins(cfg.AllowedOrigins),
		transport.WithMaxPayloadBytes(cfg.MaxPayloadBytes),
		transport.WithMaxClients(cfg.MaxClients),
		transport.WithPingInterval(cfg.PingInterval),
		transport.WithAuthenticator(websocketAuthenticator(cfg, logger)),
	)

	rel := relay.New(br, hub, relay.WithLogger(logger.With(logging.String("component", "relay"))))

	rtr := router.New(hub, router.WithLogger(logger.With(logging.String("component", "router"))))
	rtr.RegisterRoute(events.TypeJoin, router.NewJoinHandler(hub, reg, rel, cfg.RelayChannels))

	controlHandler := router.NewControlHandler(controlValidatorFor(cfg), reg, br)
	rtr.RegisterRoute(events.TypeControlStart, controlHandler)
	rtr.RegisterRoute(events.TypeControlPause, controlHandler)
	rtr.RegisterRoute(events.TypeControlResume, controlHandler)
	rtr.RegisterRoute(events.TypeControlSpeed, controlHandler, router.SpeedSchema)
	slot.router = rtr

	grpcLogger := logger.With(logging.String("component", "grpc"))
	bridge := grpcapi.NewBrokerBridge(br, reg)
	svc := grpcapi.NewService(bridge, grpcapi.WithLogger(grpcLogger))
	grpcServer := grpc.NewServer()
	grpcapi.Register(grpcServer, svc)

	go func() {
		listener, err := net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			logger.Fatal("failed to start gRPC listener", logging.Error(err), logging.String("address", cfg.GRPCAddress))
		}
		logger.Info("gRPC streaming server listening", logging.String("address", cfg.GRPCAddress))
		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal("gRPC server terminated", logging.Error(err))
		}
	}()
	defer grpcServer.GracefulStop()

	handler := buildHandler(hub, reg, store, exporter, cleaner, cfg, logger, startedAt)
	server := &http.Server{Addr: cfg.Address, Handler: handler}

	certProvided := cfg.TLSCertPath != ""
	logger.Info("gamecast server listening", logging.String("address", cfg.Address), logging.Bool("tls", certProvided))

	errCh := make(chan error, 1)
	go func() {
		if certProvided {
			errCh <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("gamecast server terminated", logging.Error(err))
		}
	case sig := <-sigCh:
		logger.Info("received shutdown signal", logging.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", logging.Error(err))
		}
	}
}

// feederFactory returns a constructor that builds the configured feeder
// backend for a single game_id.
func feederFactory(cfg *config.Config, redisClient *redis.Client) func(gameID string) (feeder.Feeder, error) {
	switch cfg.GameFeeder {
	case "redis":
		return func(gameID string) (feeder.Feeder, error) {
			return feeder.NewStoreFeeder(context.Background(), redisClient, gameID, cfg.FeederBatchSize)
		}
	default:
		return func(gameID string) (feeder.Feeder, error) {
			return feeder.NewFileFeeder(cfg.GameDataDir, gameID, cfg.GameFileExt)
		}
	}
}

// schedulerFactory builds a registry.Factory that constructs a feeder and a
// scheduler for a newly activated game_id, and starts an archiving
// subscription on its scores channel alongside it.
func schedulerFactory(cfg *config.Config, br broker.Broker, buildFeeder func(string) (feeder.Feeder, error), store *archivist, logger *logging.Logger) registry.Factory {
	interval := time.Duration(cfg.DefaultGameSpeed * float64(time.Second))
	pauseTimeout := time.Duration(cfg.PauseTimeoutSecs * float64(time.Second))
	return func(gameID string) (*scheduler.Scheduler, error) {
		fd, err := buildFeeder(gameID)
		if err != nil {
			return nil, err
		}
		startArchiving(br, store, gameID, logger)
		return scheduler.New(gameID, br, fd,
			scheduler.WithInterval(interval),
			scheduler.WithPauseTimeout(pauseTimeout),
			scheduler.WithLogger(logger.With(logging.String("component", "scheduler"), logging.String("game_id", gameID))),
		), nil
	}
}

// startArchiving subscribes to gameID's scores channel for the lifetime of
// the process and forwards every message into store. Unlike the scheduler
// it paces, this subscription is not torn down when the game's scheduler
// completes: archiving a game that later replays is harmless, and the
// broker's own Shutdown terminates every outstanding subscription cleanly.
func startArchiving(br broker.Broker, store *archivist, gameID string, logger *logging.Logger) {
	sub, err := br.Subscribe(context.Background(), gameID, []string{string(events.ChannelScores)})
	if err != nil {
		logger.Error("failed to start archiving subscription", logging.String("game_id", gameID), logging.Error(err))
		return
	}
	go func() {
		for raw := range sub.Messages() {
			store.observe(raw)
		}
	}()
}

// controlValidatorFor builds the auth.Validator used to authorize inbound
// control commands. When no auth secret is configured, control commands are
// rejected by default rather than silently accepted.
func controlValidatorFor(cfg *config.Config) auth.Validator {
	if cfg.AuthSecret == "" {
		return auth.ValidatorFunc(func(string) bool { return false })
	}
	verifier, err := auth.NewHMACTokenVerifier(cfg.AuthSecret, 2*time.Second)
	if err != nil {
		return auth.ValidatorFunc(func(string) bool { return false })
	}
	return verifier
}

// websocketAuthenticator builds the transport.Authenticator matching the
// configured websocket auth mode.
func websocketAuthenticator(cfg *config.Config, logger *logging.Logger) transport.Authenticator {
	if cfg.WSAuthMode != config.WSAuthModeHMAC {
		logger.Info("websocket authentication disabled")
		return auth.AllowAllAuthenticator{}
	}
	authenticator, err := auth.NewHMACWebsocketAuthenticator(cfg.AuthSecret)
	if err != nil {
		logger.Fatal("failed to configure websocket authenticator", logging.Error(err))
	}
	logger.Info("websocket hmac authentication enabled")
	return authenticator
}

// archivist persists every score update it observes into a per-game
// snappy/zstd event stream, lazily opening one archive.Writer per game_id,
// and buffers the same payload into the shared exporter for on-demand
// admin export.
type archivist struct {
	root     string
	exporter *archive.Exporter
	logger   *logging.Logger

	mu        sync.Mutex
	writers   map[string]*archive.Writer
	seqs      map[string]uint64
	broadcast int64
}

func newArchivist(root string, exporter *archive.Exporter, logger *logging.Logger) *archivist {
	return &archivist{
		root:     root,
		exporter: exporter,
		logger:   logger,
		writers:  make(map[string]*archive.Writer),
		seqs:     make(map[string]uint64),
	}
}

// observe archives a raw score-update envelope, opening a new writer the
// first time a game_id is seen. Wrap in a relay.Processor to hook it into a
// game's live relay listener.
func (a *archivist) observe(raw []byte) {
	env, err := events.ParseEnvelope(raw)
	if err != nil || env.Type != events.TypeScoreUpdate {
		return
	}

	a.mu.Lock()
	w, ok := a.writers[env.GameID]
	if !ok {
		var werr error
		w, _, werr = archive.NewWriter(a.root, env.GameID, nil)
		if werr != nil {
			a.mu.Unlock()
			a.logger.Error("failed to open archive writer", logging.String("game_id", env.GameID), logging.Error(werr))
			return
		}
		a.writers[env.GameID] = w
	}
	a.seqs[env.GameID]++
	seq := a.seqs[env.GameID]
	a.broadcast++
	a.mu.Unlock()

	if err := w.AppendEvent(seq, string(env.Type), raw); err != nil {
		a.logger.Error("failed to append archive event", logging.String("game_id", env.GameID), logging.Error(err))
	}
	a.exporter.Record(seq, raw)
}

// Broadcasts returns the running total of score updates archived across all
// games, for reporting via the admin stats endpoint.
func (a *archivist) Broadcasts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.broadcast)
}

// buildHandler assembles the admin HTTP mux: the websocket upgrade endpoint
// and the operational handlers (liveness, readiness, metrics, export, game
// control), wrapped in structured request tracing.
func buildHandler(hub *transport.Hub, reg *registry.Registry, store *archivist, exporter *archive.Exporter, cleaner *archive.Cleaner, cfg *config.Config, logger *logging.Logger, startedAt time.Time) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)

	var limiter httpapi.RateLimiter
	if cfg.ArchiveDumpWindow > 0 && cfg.ArchiveDumpBurst > 0 {
		limiter = httpapi.NewSlidingWindowLimiter(cfg.ArchiveDumpWindow, cfg.ArchiveDumpBurst, nil)
	}

	readiness := readinessAdapter{hub: hub, startedAt: startedAt}

	opsHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:    logger,
		Readiness: readiness,
		Stats: func() (int, int) {
			return store.Broadcasts(), reg.Count()
		},
		Exporter:       exporter,
		AdminToken:     cfg.AdminToken,
		RateLimiter:    limiter,
		ArchiveStats:   exporter.Stats,
		ArchiveStorage: cleaner.Stats,
		Schedulers:     reg,
	})
	opsHandlers.Register(mux)

	return logging.HTTPTraceMiddleware(logger)(mux)
}

// readinessAdapter satisfies httpapi.ReadinessProvider over a live Hub.
type readinessAdapter struct {
	hub       *transport.Hub
	startedAt time.Time
}

func (r readinessAdapter) SnapshotClientCounts() (clients, pending int) {
	return r.hub.ClientCount(), r.hub.PendingCount()
}

func (r readinessAdapter) StartupError() error { return nil }

func (r readinessAdapter) Uptime() time.Duration { return time.Since(r.startedAt) }

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"hut.evalgo.org/api"
	"hut.evalgo.org/chain"
	"hut.evalgo.org/clock"
	"hut.evalgo.org/common"
	"hut.evalgo.org/config"
	hhttp "hut.evalgo.org/http"
	"hut.evalgo.org/lifecycle"
	"hut.evalgo.org/metrics"
	"hut.evalgo.org/orchestrator"
	"hut.evalgo.org/queue"
	"hut.evalgo.org/scheduler"
	"hut.evalgo.org/security"
	sm "hut.evalgo.org/statemanager"
	"hut.evalgo.org/store"
	"hut.evalgo.org/store/bolt"
	redisstore "hut.evalgo.org/store/redis"
	"hut.evalgo.org/version"
	"hut.evalgo.org/worker"
)

// Store namespaces
const (
	nsContainers = "containers"
	nsOperations = "operations"
)

// Service is the fully wired daemon
type Service struct {
	Config       *config.Config
	Echo         *echo.Echo
	Orchestrator *orchestrator.Orchestrator
	Runner       *worker.Runner
	Metrics      *metrics.Metrics

	log       *logrus.Entry
	provider  store.Provider
	publisher queue.Publisher
}

// Build wires every component from cfg. The returned service owns its
// store and publisher; call Close when done.
func Build(ctx context.Context, cfg *config.Config, c clock.Clock) (s *Service, err error) {
	log := common.ServiceLogger(cfg.Service.Name, version.Version).
		WithField("environment", cfg.Service.Environment).
		Entry()

	provider, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	var publisher queue.Publisher = queue.NopPublisher{}
	defer func() {
		if err != nil {
			_ = publisher.Close()
			_ = provider.Close()
		}
	}()

	containers, err := provider.Namespace(nsContainers)
	if err != nil {
		return nil, err
	}
	operations, err := provider.Namespace(nsOperations)
	if err != nil {
		return nil, err
	}

	registry := chain.NewRegistry(cfg.ChainNetworks()...)
	for _, n := range registry.Networks() {
		adapter := chain.NewLimited(chain.NewSimulated(n, c), n.RateLimit, n.Burst)
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	m := metrics.New("hut")

	if cfg.Events.AMQPURL != "" {
		p, err := queue.NewAMQPPublisher(queue.Config{URL: cfg.Events.AMQPURL, Queue: cfg.Events.Queue, Logger: log})
		if err != nil {
			return nil, fmt.Errorf("failed to connect event publisher: %w", err)
		}
		publisher = p
	}
	events := m.Publisher(publisher)

	tracker, err := sm.New(sm.Config{
		ServiceName:      cfg.Service.Name,
		Store:            operations,
		Networks:         registry,
		Clock:            c,
		Logger:           log,
		MaxOperations:    cfg.Tracker.MaxOperations,
		MaxRetries:       cfg.Tracker.MaxRetries,
		RetryBackoff:     cfg.Tracker.RetryBackoff,
		Retention:        cfg.Tracker.Retention,
		OperationTimeout: cfg.Tracker.OperationTimeout,
	})
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(scheduler.Config{
		Tracker:       tracker,
		Networks:      registry,
		Clock:         c,
		Logger:        log,
		Observer:      m,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
	})
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Lifecycle: lifecycle.New(lifecycle.Config{
			Store:            containers,
			Clock:            c,
			Logger:           log,
			Publisher:        events,
			ActivationWindow: cfg.Hut.ActivationWindow,
			ExpiredRetention: cfg.Hut.ExpiredRetention,
			Minimums:         cfg.Hut.Minimums,
		}),
		Tracker:       tracker,
		Registry:      registry,
		Scheduler:     sched,
		Publisher:     events,
		Metrics:       m,
		Clock:         c,
		Logger:        log,
		Assets:        cfg.Assets,
		TickInterval:  cfg.Scheduler.TickInterval,
		ReapInterval:  cfg.Hut.ReaperInterval,
		SweepInterval: cfg.Tracker.SweepInterval,
	})
	if err != nil {
		return nil, err
	}

	runner, err := worker.NewRunner(worker.Config{Clock: c, Logger: log}, orch.Tasks()...)
	if err != nil {
		return nil, err
	}
	orch.AttachRunner(runner)

	e := hhttp.NewEchoServer(serverConfig(cfg, log))
	api.SetupRoutes(e, &api.Handlers{
		Orchestrator:    orch,
		Tracker:         tracker,
		JWT:             jwtService(cfg),
		Metrics:         m,
		TokenExpiration: cfg.Security.JWTExpiration,
		IssueTokens:     cfg.Security.IssueTokens,
		Operators:       cfg.Security.Operators,
	})

	return &Service{
		Config:       cfg,
		Echo:         e,
		Orchestrator: orch,
		Runner:       runner,
		Metrics:      m,
		log:          log,
		provider:     provider,
		publisher:    publisher,
	}, nil
}

// Run starts the background tasks and the HTTP server and blocks until ctx
// is cancelled or the server fails. It then shuts everything down.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Runner.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- hhttp.StartServer(s.Echo, serverConfig(s.Config, s.log))
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("Shutting down")
	case runErr = <-serverErr:
		if runErr != nil {
			s.log.WithError(runErr).Error("Server failed")
		}
	}

	return errors.Join(runErr, s.Shutdown())
}

// Shutdown stops the background tasks, runs a final reap and drains the
// HTTP server.
func (s *Service) Shutdown() error {
	defer common.LogDuration(s.log, "shutdown")()
	s.Runner.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), s.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.Orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final reap: %w", err))
	}
	if err := hhttp.GracefulShutdown(s.Echo, s.Config.Server.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, s.Close())
	return errors.Join(errs...)
}

// Close releases the store and the event publisher
func (s *Service) Close() error {
	return errors.Join(s.publisher.Close(), s.provider.Close())
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store.Provider, error) {
	switch cfg.Backend {
	case store.BackendMemory, "":
		return store.NewMemoryProvider(), nil
	case store.BackendBolt:
		return bolt.Open(cfg.BoltPath)
	case store.BackendRedis:
		return redisstore.NewProvider(ctx, redisstore.Config{RedisURL: cfg.RedisURL, KeyPrefix: cfg.KeyPrefix, LockTTL: cfg.LockTTL})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func serverConfig(cfg *config.Config, log *logrus.Entry) hhttp.ServerConfig {
	return hhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Debug:           cfg.Server.Debug,
		BodyLimit:       cfg.Server.BodyLimit,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AllowedOrigins:  cfg.Security.AllowedOrigins,
		RateLimit:       cfg.Security.RateLimit,
		Logger:          log,
	}
}

func jwtService(cfg *config.Config) *security.JWTService {
	return security.NewJWTServiceWithIssuer(cfg.Security.JWTSecret, cfg.Security.JWTIssuer, "")
}

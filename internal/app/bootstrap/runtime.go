package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/classmesh/event-relay/internal/adapters/cache"
	eventadapter "github.com/classmesh/event-relay/internal/adapters/events"
	httpadapter "github.com/classmesh/event-relay/internal/adapters/http"
	"github.com/classmesh/event-relay/internal/adapters/postgres"
	"github.com/classmesh/event-relay/internal/adapters/security"
	"github.com/classmesh/event-relay/internal/application"
	"github.com/classmesh/event-relay/internal/contracts"
	"github.com/classmesh/event-relay/internal/domain"
	"github.com/classmesh/event-relay/internal/ports"
	"github.com/classmesh/event-relay/internal/relay"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Runtime struct {
	cfg         Config
	logger      *slog.Logger
	httpServer  *http.Server
	grpcServer  *grpc.Server
	grpcLis     net.Listener
	outbox      *relay.OutboxWorker
	dispatchers []*relay.Dispatcher
	service     *application.Service
	cleanupFn   func(context.Context)
}

func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With("service", cfg.ServiceID)
	slog.SetDefault(logger)

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := postgres.RunMigrations(ctx, db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	repos := postgres.NewRepositories(db, cfg.ClaimLeaseTTL)

	var closers []io.Closer

	// Redis carries the claim leases when configured; otherwise the unique
	// insert on relay_processed_events arbitrates instead.
	claims := ports.ClaimStore(repos.Claims)
	if cfg.RedisURL != "" {
		redisClient, redisErr := cache.Connect(ctx, cfg.RedisURL)
		if redisErr != nil {
			_ = sqlDB.Close()
			return nil, redisErr
		}
		claims = cache.NewRedisClaimStore(redisClient, cfg.ClaimLeaseTTL, cfg.ProcessedRetention)
		closers = append(closers, redisClient)
	}

	publisher, drainOutbox, err := selectPublisher(cfg.KafkaBrokers)
	if err != nil {
		for _, closer := range closers {
			_ = closer.Close()
		}
		_ = sqlDB.Close()
		return nil, err
	}
	if drainOutbox {
		closers = append(closers, publisher)
	}

	var dispatchers []*relay.Dispatcher
	if len(cfg.KafkaBrokers) > 0 {
		channels := cfg.Channels
		if len(channels) == 0 {
			channels = domain.Channels()
		}
		for _, channel := range channels {
			consumer, conErr := eventadapter.NewKafkaConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup, []string{channel})
			if conErr != nil {
				logger.WarnContext(ctx, "kafka consumer disabled for channel", "channel", channel, "error", conErr)
				continue
			}
			dispatcher := relay.NewDispatcher(logger, relay.DispatcherConfig{
				Group:         cfg.ConsumerGroup,
				Channel:       channel,
				Workers:       cfg.DispatcherWorkers,
				Retry:         relay.RetryPolicy{MaxAttempts: cfg.RetryMaxAttempts, Base: cfg.RetryBase, Ceiling: cfg.RetryCeiling},
				ShutdownGrace: cfg.ShutdownGrace,
			}, consumer, claims, repos.DeadLetters)
			if regErr := registerAuditHandlers(logger, dispatcher); regErr != nil {
				for _, closer := range closers {
					_ = closer.Close()
				}
				_ = sqlDB.Close()
				return nil, regErr
			}
			dispatchers = append(dispatchers, dispatcher)
		}
	} else {
		logger.WarnContext(ctx, "no kafka brokers configured, dispatchers disabled")
	}

	// Without a broker the outbox is never swept: accepted events stay staged
	// in relay_outbox until a broker is configured, instead of being "published"
	// into memory and lost.
	var outbox *relay.OutboxWorker
	if drainOutbox {
		outbox = relay.NewOutboxWorker(logger, repos.Outbox, publisher, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	} else {
		logger.WarnContext(ctx, "outbox worker disabled, accepted events stay staged until a broker is configured")
	}

	service := application.NewService(application.Dependencies{
		Config: application.Config{
			ServiceName:        cfg.ServiceID,
			ConsumerGroup:      cfg.ConsumerGroup,
			ProcessedRetention: cfg.ProcessedRetention,
		},
		Outbox:      repos.Outbox,
		DeadLetters: repos.DeadLetters,
		Claims:      claims,
		Publisher:   publisher,
		Dispatchers: dispatchers,
	})

	verifier, err := security.NewJWTVerifier(cfg.JWTSecret)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	handler := httpadapter.NewHandler(service)
	router := httpadapter.NewRouter(logger, handler, verifier)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		for _, closer := range closers {
			_ = closer.Close()
		}
		_ = sqlDB.Close()
		return nil, err
	}

	return &Runtime{
		cfg:         cfg,
		logger:      logger,
		httpServer:  httpServer,
		grpcServer:  grpcServer,
		grpcLis:     lis,
		outbox:      outbox,
		dispatchers: dispatchers,
		service:     service,
		cleanupFn: func(ctx context.Context) {
			for _, closer := range closers {
				_ = closer.Close()
			}
			_ = sqlDB.Close()
		},
	}, nil
}

// selectPublisher picks the broker adapter for this boot. Configured brokers
// must wire cleanly or startup fails; without brokers the memory publisher
// only serves dead-letter replays and the outbox must not be drained into it.
func selectPublisher(brokers []string) (ports.Publisher, bool, error) {
	if len(brokers) == 0 {
		return eventadapter.NewMemoryPublisher(), false, nil
	}
	publisher, err := eventadapter.NewKafkaPublisher(brokers)
	if err != nil {
		return nil, false, fmt.Errorf("wire kafka publisher: %w", err)
	}
	return publisher, true, nil
}

// registerAuditHandlers wires the relay's own consumption of the catalog: an
// audit trail entry per catalogued event. Downstream services attach their
// domain handlers through their own dispatcher instances.
func registerAuditHandlers(logger *slog.Logger, dispatcher *relay.Dispatcher) error {
	for _, eventType := range []string{
		domain.EventStudentEnrolled,
		domain.EventStudentWithdrawn,
		domain.EventPaymentProcessed,
		domain.EventPaymentFailed,
		domain.EventInvoiceIssued,
		domain.EventExamScheduled,
		domain.EventExamGraded,
		domain.EventNotificationRequested,
	} {
		eventType := eventType
		err := dispatcher.Register(eventType, func(ctx context.Context, env contracts.Envelope) error {
			logger.InfoContext(ctx, "event relayed",
				"module", "relay.audit",
				"layer", "app",
				"operation", "audit",
				"outcome", "success",
				"event_type", env.EventType,
				"event_id", env.EventID,
				"tenant_id", env.TenantID,
			)
			return nil
		})
		if err != nil {
			return fmt.Errorf("register audit handler for %s on %s: %w", eventType, dispatcher.Channel(), err)
		}
	}
	return nil
}

// Run starts the admin servers and the relay workers and blocks until a
// shutdown signal or a fatal worker error.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 3+len(r.dispatchers))

	go func() {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := r.grpcServer.Serve(r.grpcLis); err != nil {
			errCh <- err
		}
	}()
	if r.outbox != nil {
		go func() {
			if err := r.outbox.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}
	for _, dispatcher := range r.dispatchers {
		dispatcher := dispatcher
		go func() {
			if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}
	go r.pruneLoop(ctx)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		r.logger.ErrorContext(ctx, "runtime failure", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGrace)
	defer cancel()
	_ = r.httpServer.Shutdown(shutdownCtx)
	r.grpcServer.GracefulStop()
	r.cleanupFn(shutdownCtx)
	return nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := r.service.PruneProcessed(ctx)
			if err != nil {
				r.logger.WarnContext(ctx, "processed-id prune failed", "error", err)
				continue
			}
			if pruned > 0 {
				r.logger.InfoContext(ctx, "processed-id records pruned", "count", pruned)
			}
		}
	}
}

// Package app wires the rollup services together and manages their lifecycle.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/arkilian/rollup/internal/aggregate"
	grpcapi "github.com/arkilian/rollup/internal/api/grpc"
	httpapi "github.com/arkilian/rollup/internal/api/http"
	"github.com/arkilian/rollup/internal/audit"
	"github.com/arkilian/rollup/internal/config"
	"github.com/arkilian/rollup/internal/daemon"
	"github.com/arkilian/rollup/internal/ledger"
	"github.com/arkilian/rollup/internal/logging"
	"github.com/arkilian/rollup/internal/maintainer"
	"github.com/arkilian/rollup/internal/metrics"
	"github.com/arkilian/rollup/internal/policy"
	"github.com/arkilian/rollup/internal/quarantine"
	"github.com/arkilian/rollup/internal/router"
	"github.com/arkilian/rollup/internal/server"
	"github.com/arkilian/rollup/internal/snapshot"
	"github.com/arkilian/rollup/internal/storage"
	"github.com/arkilian/rollup/pkg/types"
)

const healthInterval = 5 * time.Second

// App manages all rollup service lifecycles.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	// Shared resources, set by Open
	metrics  *metrics.Registry
	notifier *router.Notifier
	ledger   *ledger.SQLiteLedger
	store    *aggregate.SQLiteStore
	journal  *quarantine.Journal
	objects  storage.ObjectStorage
	exporter *snapshot.Exporter
	shutdown *server.ShutdownManager

	events  *maintainer.EventMaintainer
	batch   *maintainer.BatchMaintainer
	checker *audit.Checker

	// Service components, set by Start
	daemons      map[string]*daemon.Daemon
	httpServer   *http.Server
	grpcServer   *grpc.Server
	grpcListener net.Listener
	health       *grpcapi.HealthService
	wakeSub      *router.Subscriber
	httpAddr     string
	grpcAddr     string

	mu      sync.Mutex
	opened  bool
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		daemons: make(map[string]*daemon.Daemon),
	}, nil
}

// Open initializes the stores and the components built on them without
// starting any background work. Start calls it; one-shot commands call it
// directly and then Close.
func (a *App) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened {
		return nil
	}
	if err := a.initSharedResources(ctx); err != nil {
		a.closeResources()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}
	a.opened = true
	return nil
}

func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	a.metrics = metrics.New()
	a.notifier = router.NewNotifier(64)
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig(), a.logger)

	pol, err := policy.New(a.cfg.Policy.CountedStatuses)
	if err != nil {
		return err
	}
	epsilon, err := types.ParseAmount(a.cfg.Audit.Epsilon)
	if err != nil {
		return fmt.Errorf("audit.epsilon: %w", err)
	}

	a.ledger, err = ledger.NewSQLiteLedger(a.cfg.LedgerPath(), a.notifier)
	if err != nil {
		return err
	}
	a.ledger.SetPageSize(a.cfg.Events.PageSize)

	a.store, err = aggregate.NewSQLiteStore(a.cfg.AggregatePath(), aggregate.Options{
		RequireExisting: a.cfg.Policy.RequireExisting,
	})
	if err != nil {
		return err
	}

	a.journal, err = quarantine.Open(a.cfg.Quarantine.Dir, a.cfg.Quarantine.MaxSegmentBytes, a.logger)
	if err != nil {
		return err
	}

	switch a.cfg.Storage.Type {
	case "local":
		a.objects, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		if a.cfg.Storage.S3.Endpoint != "" {
			s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		}
		a.objects, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.logger.Info("storage initialized", "type", a.cfg.Storage.Type,
		"path", a.cfg.Storage.Path, "bucket", a.cfg.Storage.S3.Bucket)

	a.exporter = snapshot.NewExporter(a.store, a.objects,
		[]string{maintainer.CheckpointEvents, maintainer.CheckpointBatch}, a.metrics, a.logger)

	bp := a.cfg.Events.Backpressure
	deps := maintainer.Deps{
		Ledger:   a.ledger,
		Store:    a.store,
		Policy:   pol,
		Journal:  a.journal,
		Notifier: a.notifier,
		Metrics:  a.metrics,
		Backpressure: maintainer.NewBackpressureController(maintainer.BackpressureConfig{
			MaxConcurrency:   a.cfg.Events.Lanes,
			FailureThreshold: bp.FailureThreshold,
			WindowDuration:   bp.WindowDuration,
			MinAttempts:      bp.MinAttempts,
		}),
		Logger: a.logger,
	}

	eventCfg := maintainer.DefaultEventConfig()
	eventCfg.Lanes = a.cfg.Events.Lanes
	eventCfg.PageSize = a.cfg.Events.PageSize
	eventCfg.ApplyTimeout = a.cfg.Events.ApplyTimeout
	eventCfg.MaxRetries = a.cfg.Events.MaxRetries
	if a.events, err = maintainer.NewEventMaintainer(eventCfg, deps); err != nil {
		return err
	}

	batchCfg := maintainer.DefaultBatchConfig()
	batchCfg.Mode = maintainer.BatchMode(a.cfg.Batch.Mode)
	batchCfg.Parallelism = a.cfg.Batch.Parallelism
	if a.batch, err = maintainer.NewBatchMaintainer(batchCfg, deps); err != nil {
		return err
	}

	auditCfg := audit.DefaultConfig()
	auditCfg.Epsilon = epsilon
	auditCfg.PageSize = a.cfg.Audit.PageSize
	a.checker, err = audit.NewChecker(auditCfg, audit.Deps{
		Ledger:   a.ledger,
		Store:    a.store,
		Policy:   pol,
		Notifier: a.notifier,
		Metrics:  a.metrics,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}

	// Closed LIFO: servers and daemons registered later are stopped first.
	a.shutdown.RegisterCloser("aggregates", a.store)
	a.shutdown.RegisterCloser("ledger", a.ledger)
	a.shutdown.RegisterCloser("quarantine", a.journal)

	a.logger.Info("resources opened", "data_dir", a.cfg.DataDir,
		"counted_statuses", a.cfg.Policy.CountedStatuses, "require_existing", a.cfg.Policy.RequireExisting)
	return nil
}

// Start opens shared resources and starts every service the mode selects.
func (a *App) Start(ctx context.Context) error {
	if err := a.Open(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.cfg.ShouldRunMaintainers() {
		if err := a.startMaintainers(ctx); err != nil {
			a.Stop(context.Background())
			return fmt.Errorf("failed to start maintainers: %w", err)
		}
	}

	if a.cfg.ShouldRunAudit() {
		d, err := audit.NewDaemon(a.checker, a.cfg.Audit.Interval, a.logger)
		if err != nil {
			a.Stop(context.Background())
			return err
		}
		if err := a.startDaemon(ctx, d, "audit"); err != nil {
			a.Stop(context.Background())
			return err
		}
	}

	if a.cfg.ShouldServe() {
		if err := a.startServers(ctx); err != nil {
			a.Stop(context.Background())
			return fmt.Errorf("failed to start servers: %w", err)
		}
	}

	a.logger.Info("rollup started", "mode", a.cfg.Mode)
	return nil
}

func reconcileTask(r maintainer.Reconciler) daemon.Task {
	return daemon.TaskFunc{
		TaskName: r.Name(),
		Fn: func(ctx context.Context) error {
			_, err := r.Reconcile(ctx)
			return err
		},
	}
}

func (a *App) startMaintainers(ctx context.Context) error {
	if a.cfg.Events.Enabled {
		a.wakeSub = a.notifier.Subscribe("events-wake", router.MutationCommitted)
		d, err := daemon.New(reconcileTask(a.events), daemon.Config{
			Interval:   a.cfg.Events.PollInterval,
			Wake:       wakeOn(a.wakeSub),
			RunOnStart: true,
		}, a.logger)
		if err != nil {
			return err
		}
		if err := a.startDaemon(ctx, d, a.events.Name()); err != nil {
			return err
		}
	}

	if a.cfg.Batch.Enabled {
		d, err := daemon.New(reconcileTask(a.batch), daemon.Config{
			Interval:   a.cfg.Batch.Interval,
			RunOnStart: true,
		}, a.logger)
		if err != nil {
			return err
		}
		if err := a.startDaemon(ctx, d, a.batch.Name()); err != nil {
			return err
		}
	}

	if a.cfg.Snapshot.Enabled {
		task := snapshot.Task{Exporter: a.exporter, Keep: a.cfg.Snapshot.Keep}
		d, err := daemon.New(task, daemon.Config{Interval: a.cfg.Snapshot.Interval}, a.logger)
		if err != nil {
			return err
		}
		if err := a.startDaemon(ctx, d, task.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) startDaemon(ctx context.Context, d *daemon.Daemon, name string) error {
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s daemon: %w", name, err)
	}
	a.daemons[name] = d
	a.shutdown.RegisterCloser(name+" daemon", server.CloserFunc(d.Stop))
	a.logger.Info("daemon started", "name", name)
	return nil
}

// wakeOn turns commit notifications into daemon wake-ups. The returned
// channel closes when the subscription does.
func wakeOn(sub *router.Subscriber) <-chan struct{} {
	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		for range sub.Ch {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	return wake
}

func (a *App) healthChecks() map[string]httpapi.HealthCheck {
	checks := map[string]httpapi.HealthCheck{
		"ledger": func(ctx context.Context) error {
			_, err := a.ledger.LatestSequence(ctx)
			return err
		},
		"aggregates": func(ctx context.Context) error {
			_, err := a.store.LoadCheckpoint(ctx, maintainer.CheckpointEvents)
			return err
		},
	}
	for name, d := range a.daemons {
		checks[name] = func(ctx context.Context) error {
			if !d.Running() {
				return fmt.Errorf("%s daemon stopped", name)
			}
			if s := d.Stats(); s.LastError != "" {
				return fmt.Errorf("last run failed: %s", s.LastError)
			}
			return nil
		}
	}
	return checks
}

func (a *App) startServers(ctx context.Context) error {
	checks := a.healthChecks()

	admin := &httpapi.AdminHandler{
		Auditor:    a.checker,
		Rebuilder:  a.batch,
		Quarantine: a.journal,
		Snapshots:  a.exporter,
	}
	mux := httpapi.NewRouter(httpapi.Routes{
		Aggregates: httpapi.NewAggregateHandler(a.store),
		Orders:     httpapi.NewOrderHandler(a.ledger),
		Admin:      admin,
		Health:     &httpapi.HealthHandler{Service: "rollup", Mode: string(a.cfg.Mode), Checks: checks},
		Metrics:    a.metrics.Handler(),
		Middleware: httpapi.ChainMiddleware(
			server.ShutdownMiddleware(a.shutdown),
			httpapi.DefaultMiddleware(a.logger.Named("http")),
		),
	})

	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP address: %w", err)
	}
	a.httpAddr = lis.Addr().String()
	a.shutdown.RegisterCloser("http", server.HTTPServerCloser{Server: a.httpServer})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("HTTP server listening", "addr", a.httpAddr)
		if err := a.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server error", "error", err)
		}
	}()

	if !a.cfg.GRPC.Enabled {
		return nil
	}

	grpcChecks := make(map[string]grpcapi.Check, len(checks))
	for name, c := range checks {
		grpcChecks[name] = grpcapi.Check(c)
	}
	a.health = grpcapi.NewHealthService(grpcChecks, 0, a.logger)
	a.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(grpcapi.LoggingInterceptor(a.logger.Named("grpc"))))
	a.health.Register(a.grpcServer)

	a.grpcListener, err = net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	a.grpcAddr = a.grpcListener.Addr().String()

	a.shutdown.RegisterCloser("grpc", server.CloserFunc(func() error {
		a.health.Shutdown()
		a.grpcServer.GracefulStop()
		return nil
	}))

	hd, err := daemon.New(a.health, daemon.Config{Interval: healthInterval, RunOnStart: true}, a.logger)
	if err != nil {
		return err
	}
	if err := a.startDaemon(ctx, hd, a.health.Name()); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("gRPC server listening", "addr", a.grpcAddr)
		if err := a.grpcServer.Serve(a.grpcListener); err != nil {
			a.logger.Error("gRPC server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	wasRunning := a.running
	a.running = false
	a.mu.Unlock()

	if wasRunning {
		a.logger.Info("initiating graceful shutdown")
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.wakeSub != nil {
		a.notifier.Unsubscribe(a.wakeSub.ID)
	}

	err := a.Close(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		a.logger.Warn("shutdown timeout, some goroutines may not have finished")
	}

	if wasRunning {
		a.logger.Info("rollup stopped")
	}
	return err
}

// Close releases everything Open and Start acquired.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened {
		return nil
	}
	a.opened = false
	return a.shutdown.Shutdown(ctx, "stop")
}

// closeResources releases whatever a failed Open managed to acquire.
func (a *App) closeResources() {
	if a.journal != nil {
		a.journal.Close()
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// WaitForShutdown blocks until a shutdown signal is received or ctx ends,
// then stops the app.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	if stopErr := a.Stop(context.Background()); err == nil {
		err = stopErr
	}
	return err
}

// HTTPAddr returns the bound HTTP address, or "" when not serving.
func (a *App) HTTPAddr() string { return a.httpAddr }

// GRPCAddr returns the bound gRPC address, or "" when not serving.
func (a *App) GRPCAddr() string { return a.grpcAddr }

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Metrics returns the app's metrics registry.
func (a *App) Metrics() *metrics.Registry { return a.metrics }

// Checker returns the consistency checker.
func (a *App) Checker() *audit.Checker { return a.checker }

// Batch returns the batch maintainer.
func (a *App) Batch() *maintainer.BatchMaintainer { return a.batch }

// Events returns the event maintainer.
func (a *App) Events() *maintainer.EventMaintainer { return a.events }

// Exporter returns the snapshot exporter.
func (a *App) Exporter() *snapshot.Exporter { return a.exporter }

// Journal returns the quarantine journal.
func (a *App) Journal() *quarantine.Journal { return a.journal }

// Store returns the aggregate store.
func (a *App) Store() aggregate.Backend { return a.store }

// CreateCustomer registers an empty aggregate for customerID. Stores
// running with policy.require_existing only count customers registered
// this way.
func (a *App) CreateCustomer(ctx context.Context, customerID string) error {
	if customerID == "" {
		return fmt.Errorf("customer id is required")
	}
	return a.store.Create(ctx, customerID)
}

// Ledger returns the ledger.
func (a *App) Ledger() ledger.Ledger { return a.ledger }

// Objects returns the snapshot object storage.
func (a *App) Objects() storage.ObjectStorage { return a.objects }

// Daemons returns the stats of every running daemon.
func (a *App) Daemons() []daemon.Stats {
	out := make([]daemon.Stats, 0, len(a.daemons))
	for _, d := range a.daemons {
		out = append(out, d.Stats())
	}
	return out
}

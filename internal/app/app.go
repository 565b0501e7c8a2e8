package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/vk/blockflow/internal/config"
	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/events"
	"github.com/vk/blockflow/internal/executor"
	"github.com/vk/blockflow/internal/progress"
	"github.com/vk/blockflow/internal/queuestore"
	"github.com/vk/blockflow/internal/registry"
	"github.com/vk/blockflow/internal/scheduler"
	"github.com/vk/blockflow/internal/transport"
)

// QueueFile is the queue database inside the data directory.
const QueueFile = "queue.db"

// Components selects what Start brings up.
type Components struct {
	// Scheduler accepts and runs jobs in this process.
	Scheduler bool
	// Workers consume the configured task queues in this process.
	Workers bool
	// HTTP serves /health, /socket.io/ and the job API on cfg.HTTP.Port.
	HTTP bool
}

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry

	ctx        context.Context
	store      *queuestore.Store
	transport  *transport.Transport
	scheduler  *scheduler.Scheduler
	worker     *executor.Worker
	progress   *progress.Server
	redis      *redis.Client
	redisSink  *events.RedisSink
	httpServer *http.Server
}

// New creates an App with its own logger and registry. With no modules the
// core modules are registered. Nothing is started until Start.
func New(outW io.Writer, cfg *config.Config, modules ...registry.Module) *App {
	logger := newLogger(cfg.Log.Level, cfg.Log.Format, outW)
	logger.Debug("Logger configured successfully.")

	reg := registry.New()
	if len(modules) == 0 {
		modules = coreModules(outW)
	}
	reg.RegisterModules(modules...)
	logger.Debug("All Go modules registered.", "count", len(modules), "blocks", reg.Names())

	return &App{
		outW:     outW,
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		ctx:      ctxlog.WithLogger(context.Background(), logger),
	}
}

// Logger returns the application's logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Context returns a background context carrying the application's logger.
func (a *App) Context() context.Context { return a.ctx }

// Registry returns the application's registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Scheduler returns the scheduler, or nil when it was not started.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Store returns the queue store, or nil when it was not opened.
func (a *App) Store() *queuestore.Store { return a.store }

// Start brings up the requested components. ctx bounds their lifetime; Close
// releases everything Start acquired, also after a failed Start.
func (a *App) Start(ctx context.Context, c Components) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.ctx = ctx

	remote := c.Scheduler && a.cfg.Execution.Mode == config.ModeRemote
	if c.Workers || remote {
		if err := a.openTransport(ctx); err != nil {
			return err
		}
	}

	if c.Workers {
		a.worker = executor.NewWorker(a.transport, a.registry, executor.WorkerOptions{
			Queues:      a.cfg.Worker.Queues,
			Concurrency: a.cfg.Worker.Concurrency,
			MaxRetries:  a.cfg.Worker.MaxRetries,
			RetryDelay:  a.cfg.Worker.RetryDelay,
		})
		if err := a.worker.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}

	if c.HTTP {
		a.progress = progress.NewServer(ctx)
	}

	if c.Scheduler {
		if err := a.startScheduler(ctx, remote); err != nil {
			return err
		}
	}

	if c.HTTP {
		a.startHTTPServer()
	}
	return nil
}

// OpenStore opens the queue database without starting anything else. Used by
// the queue inspection commands.
func (a *App) OpenStore(ctx context.Context) (*queuestore.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", a.cfg.DataDir, err)
	}
	store, err := queuestore.Open(ctxlog.WithLogger(ctx, a.logger), filepath.Join(a.cfg.DataDir, QueueFile))
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

func (a *App) openTransport(ctx context.Context) error {
	store, err := a.OpenStore(ctx)
	if err != nil {
		return err
	}
	tc := a.cfg.Transport
	a.transport, err = transport.New(ctx, store, transport.Options{
		ShardID:           tc.ShardID,
		TaskExchange:      tc.TaskExchange,
		ResultExchange:    tc.ResultExchange,
		DefaultRoutingKey: tc.DefaultRoutingKey,
		PinnedConsumers:   tc.PinnedConsumers,
		FixedQueueSuffix:  tc.FixedQueueSuffix,
		ResultConcurrency: a.cfg.Queue.Prefetch,
		PollInterval:      a.cfg.Queue.PollInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	a.logger.Info("📬 Task transport connected.", "shard_id", a.transport.ShardID(), "task_exchange", a.transport.TaskExchange())
	return nil
}

func (a *App) startScheduler(ctx context.Context, remote bool) error {
	bus := events.NewBus(events.LogSink{})
	if a.progress != nil {
		bus.AddSink(a.progress)
	}
	if a.cfg.Redis.URL != "" {
		client, err := events.OpenRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return err
		}
		a.redis = client
		a.redisSink = events.NewRedisSink(ctx, client, a.cfg.Redis.Prefix, a.cfg.Redis.SnapshotTTL)
		bus.AddSink(a.redisSink)
	}

	var exec executor.NodeExecutor = executor.NewLocal(a.registry)
	if remote {
		exec = executor.Chain{
			executor.NewRemote(a.transport, executor.RemoteOptions{
				Blocks: a.cfg.Execution.RemoteBlocks,
				Known:  a.registry.Has,
			}),
			exec,
		}
		a.logger.Info("Scheduler dispatching to workers.", "remote_blocks", a.cfg.Execution.RemoteBlocks)
	}

	a.scheduler = scheduler.New(ctx, exec, scheduler.Options{
		Concurrency: a.cfg.Scheduler.Concurrency,
		Retention:   a.cfg.Scheduler.Retention,
		Bus:         bus,
	})
	return nil
}

// Close stops every started component in reverse dependency order.
func (a *App) Close() error {
	var errs []error
	if err := a.closeHTTPServer(); err != nil {
		errs = append(errs, err)
	}
	if a.scheduler != nil {
		a.scheduler.Close()
	}
	if a.progress != nil {
		a.progress.Close()
	}
	if a.worker != nil {
		a.worker.Stop()
	}
	if a.redisSink != nil {
		a.redisSink.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}
	if a.transport != nil {
		a.transport.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.logger.Debug("Application closed.")
	return errors.Join(errs...)
}

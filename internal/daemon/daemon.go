// Package daemon wires the Kiln runtime: config, storage, scheduler, batch
// manager, webhook dispatcher, rate limiter, health checks, and the HTTP API.
package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kiln-media/kiln/internal/api"
	"github.com/kiln-media/kiln/internal/health"
	"github.com/kiln-media/kiln/internal/infra/batch"
	"github.com/kiln-media/kiln/internal/infra/cache"
	_ "github.com/kiln-media/kiln/internal/infra/metrics" // Register Prometheus metrics
	"github.com/kiln-media/kiln/internal/infra/ratelimit"
	"github.com/kiln-media/kiln/internal/infra/retry"
	"github.com/kiln-media/kiln/internal/infra/scheduler"
	"github.com/kiln-media/kiln/internal/infra/sqlite"
	"github.com/kiln-media/kiln/internal/infra/webhook"
	"github.com/kiln-media/kiln/internal/infra/worker"
	"github.com/kiln-media/kiln/internal/security"
)

// Daemon is the core Kiln runtime. It wires together all services.
type Daemon struct {
	Config     Config
	DB         *sqlite.DB
	Cache      *cache.Similarity
	Sched      *scheduler.Scheduler
	Core       *batch.Manager
	Dispatcher *webhook.Dispatcher
	Limiter    *ratelimit.Limiter
	Health     *health.Checker
	Server     *api.Server
	Signer     *security.Signer

	// Simulate keeps the worker's fast test cadence instead of pacing
	// generations by the ETA model. Set before Serve.
	Simulate bool

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		dataDir = kilnHome()
	}

	db, err := sqlite.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	signer, err := security.LoadOrCreateSigner(dataDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load webhook signing key: %w", err)
	}

	dispatcher := webhook.NewDispatcher(signer,
		webhook.NewHTTPSender(parseDuration(cfg.Webhook.Timeout, 10*time.Second)), db)

	// No engine adapter is built in yet; generations run on the simulated
	// worker, paced by the ETA model so progress looks like real work.
	log.Printf("[daemon] no engine adapter configured; using simulated worker")
	sim := worker.NewSim()
	sim.Realtime = true

	sched := scheduler.New(scheduler.Config{
		TotalVRAMMB:  cfg.Scheduler.TotalVRAMMB,
		InboxSize:    cfg.Scheduler.InboxSize,
		PollInterval: parseDuration(cfg.Scheduler.PollInterval, 250*time.Millisecond),
		StallTimeout: parseDuration(cfg.Scheduler.StallTimeout, 5*time.Minute),
		Retry: retry.Policy{
			MaxAttempts: cfg.Scheduler.MaxAttempts,
			BaseDelay:   parseDuration(cfg.Scheduler.RetryBaseDelay, time.Second),
			MaxDelay:    parseDuration(cfg.Scheduler.RetryMaxDelay, time.Minute),
		},
	}, sim, dispatcher, db)

	simCache := cache.NewSimilarity(cfg.Cache.MaxMB << 20)
	core := batch.NewManager(sched, simCache, dispatcher, db)
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		PerMinute: cfg.RateLimit.PerMinute,
		Burst:     cfg.RateLimit.Burst,
	})
	checker := health.NewChecker(db, sched, dispatcher, dataDir)

	srv := api.NewServer(core, db)
	srv.SetHealth(checker)
	srv.SetLimiter(limiter)
	srv.SetCORSOrigins(cfg.API.CORSOrigins)
	srv.SetTimeout(parseDuration(cfg.API.RequestTimeout, 60*time.Second))

	return &Daemon{
		Config:     cfg,
		DB:         db,
		Cache:      simCache,
		Sched:      sched,
		Core:       core,
		Dispatcher: dispatcher,
		Limiter:    limiter,
		Health:     checker,
		Server:     srv,
		Signer:     signer,
	}, nil
}

// Serve starts the scheduler and HTTP server and blocks until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.Simulate {
		// Fast cadence for demos and development: clips finish in seconds.
		d.Sched.SetWorker(worker.NewSim())
	}

	go d.Sched.Run(ctx)
	go d.Health.Run(ctx)
	go d.janitor(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		_ = httpServer.Shutdown(shutdownCtx)
		d.Close()
	}()

	fmt.Printf("Kiln serving on http://%s\n", addr)
	fmt.Printf("  VRAM budget: %d MB, webhook delivery signed, metrics at /metrics\n",
		d.Config.Scheduler.TotalVRAMMB)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// janitor sweeps settled state on a slow cadence: live task/batch records
// past the retention window, idle rate-limit buckets, and durable rows past
// the longer row-retention window.
func (d *Daemon) janitor(ctx context.Context) {
	taskRetention := parseDuration(d.Config.Storage.TaskRetention, 24*time.Hour)
	rowRetention := parseDuration(d.Config.Storage.RowRetention, 7*24*time.Hour)

	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := d.Sched.Sweep(taskRetention)
			swept += d.Core.Sweep(taskRetention)
			buckets := d.Limiter.Sweep(time.Hour)
			pruned, err := d.DB.PruneTasks(time.Now().Add(-rowRetention))
			if err != nil {
				log.Printf("[daemon] prune rows: %v", err)
			}
			if swept+buckets+pruned > 0 {
				log.Printf("[daemon] janitor swept=%d buckets=%d pruned=%d", swept, buckets, pruned)
			}
		}
	}
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	d.closeOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		if d.Dispatcher != nil {
			d.Dispatcher.Close()
		}
		if d.DB != nil {
			_ = d.DB.Close()
		}
	})
}

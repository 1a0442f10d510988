package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"lifelog_sync/backfill"
	"lifelog_sync/config"
	"lifelog_sync/health"
	"lifelog_sync/ledger"
	"lifelog_sync/limitless"
	"lifelog_sync/memorybox"
	"lifelog_sync/metrics"
	"lifelog_sync/notify"
	"lifelog_sync/queue"
	"lifelog_sync/ratelimit"
	"lifelog_sync/syncer"
	"lifelog_sync/transport"
)

const (
	breakerThreshold = 5
	breakerCooldown  = time.Minute

	backfillLimit    = 50
	cleanupRetention = 30 * 24 * time.Hour
	cleanupInterval  = 24 * time.Hour

	shutdownGrace = 10 * time.Second
)

// App wires the sync engine together: ledger, clients, worker pool,
// agent, and the health server.
type App struct {
	cfg     config.Config
	store   *ledger.Store
	queue   *queue.Queue
	agent   *syncer.Agent
	runner  *backfill.Runner
	mailer  *notify.Mailer
	metrics *metrics.Metrics
	source  *limitless.Client
	dest    *memorybox.Client
	mux     *http.ServeMux
}

// limitlessSource adapts the concrete client's stream to the agent's
// source interface.
type limitlessSource struct {
	c *limitless.Client
}

func (s limitlessSource) FetchSince(since time.Time) syncer.RecordStream {
	return s.c.FetchSince(since)
}

func New(cfg config.Config) (*App, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	store, err := ledger.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	gate := ratelimit.NewGate(cfg.RatePerMinute)
	sourceBreaker := ratelimit.NewBreaker("limitless", breakerThreshold, breakerCooldown)
	destBreaker := ratelimit.NewBreaker("memorybox", breakerThreshold, breakerCooldown)

	source := limitless.New(limitless.Options{
		BaseURL:  cfg.LimitlessAPIURL,
		APIKey:   cfg.LimitlessAPIKey,
		Timezone: cfg.Timezone,
		PageSize: cfg.BatchSize,
		Call:     transport.New(transport.Options{Gate: gate, Breaker: sourceBreaker}),
	})
	dest := memorybox.New(memorybox.Options{
		BaseURL:      cfg.MemoryBoxAPIURL,
		APIKey:       cfg.MemoryBoxAPIKey,
		Bucket:       cfg.MemoryBoxBucket,
		PollInterval: time.Duration(cfg.PollIntervalSec) * time.Second,
		PollAttempts: cfg.MaxPollAttempts,
		Call:         transport.New(transport.Options{Breaker: destBreaker}),
	})

	q := queue.New(cfg.QueueSize, cfg.WorkerCount, time.Duration(cfg.JobTimeoutSec)*time.Second)
	m := metrics.New()
	agent := syncer.New(syncer.Options{
		Source:      limitlessSource{c: source},
		Destination: dest,
		Ledger:      store,
		Queue:       q,
		Metrics:     m,
		MaxAttempts: cfg.MaxDeliveryAttempts,
	})
	runner := &backfill.Runner{
		Repo:        store,
		Fetcher:     source,
		Deliverer:   agent,
		Limit:       backfillLimit,
		MaxAttempts: cfg.MaxDeliveryAttempts,
	}
	mailer := notify.NewMailer(notify.Options{
		APIKey:    cfg.MailgunAPIKey,
		Domain:    cfg.MailgunDomain,
		Recipient: cfg.AlertEmail,
	})

	mux := http.NewServeMux()
	health.NewRouter(health.Options{
		Store:    store,
		Queue:    q,
		Metrics:  m,
		Agent:    agent,
		Backfill: runner,
		Source:   source,
		Dest:     dest,
		Breakers: []*ratelimit.Breaker{sourceBreaker, destBreaker},
	}).Register(mux)

	return &App{
		cfg:     cfg,
		store:   store,
		queue:   q,
		agent:   agent,
		runner:  runner,
		mailer:  mailer,
		metrics: m,
		source:  source,
		dest:    dest,
		mux:     mux,
	}, nil
}

// Run starts the worker pool and health server, then drives the sync
// loop until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.queue.Start(ctx)

	srv := &http.Server{Addr: a.cfg.HealthPort, Handler: a.mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Printf("health server listening on %s", a.cfg.HealthPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("health server: %v", err)
		}
	}()

	a.startupChecks(ctx)

	interval := time.Duration(a.cfg.SyncIntervalMin) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	log.Printf("sync loop starting interval=%s bucket=%s", interval, a.cfg.MemoryBoxBucket)
	a.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return a.shutdown()
		case <-ticker.C:
			a.runCycle(ctx)
		case <-cleanup.C:
			a.housekeeping(ctx)
		}
	}
}

func (a *App) runCycle(ctx context.Context) {
	sum, err := a.agent.RunCycle(ctx)
	if err != nil {
		if errors.Is(err, syncer.ErrCycleRunning) || ctx.Err() != nil {
			return
		}
		log.Printf("sync cycle failed: %v", err)
		subject, body := notify.ErrorAlert(sum.SyncID, "", errLabel(err), err.Error())
		if mailErr := a.mailer.Send(ctx, subject, body, true); mailErr != nil {
			log.Printf("error alert not sent: %v", mailErr)
		}
		return
	}
	if sum.Failed > 0 {
		subject, body := notify.CycleSummary(sum.SyncID, sum.Fetched, sum.Delivered, sum.Failed, sum.Skipped)
		if mailErr := a.mailer.Send(ctx, subject, body, false); mailErr != nil {
			log.Printf("cycle summary not sent: %v", mailErr)
		}
	}
}

func (a *App) housekeeping(ctx context.Context) {
	if err := a.store.CleanupOldData(ctx, cleanupRetention); err != nil {
		log.Printf("ledger cleanup failed: %v", err)
	}
	stats, err := a.store.Stats(ctx)
	if err != nil {
		log.Printf("ledger stats failed: %v", err)
		return
	}
	recent, err := a.store.RecentErrors(ctx, 10)
	if err != nil {
		log.Printf("recent errors failed: %v", err)
	}
	subject, body := notify.DailySummary(stats, recent)
	if err := a.mailer.Send(ctx, subject, body, false); err != nil {
		log.Printf("daily summary not sent: %v", err)
	}
}

// startupChecks pings both APIs so a bad key shows up in the logs
// immediately instead of on the first cycle.
func (a *App) startupChecks(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := a.source.Ping(pingCtx); err != nil {
		log.Printf("limitless ping failed: %v", err)
	} else {
		log.Printf("limitless API reachable")
	}
	if err := a.dest.Ping(pingCtx); err != nil {
		log.Printf("memorybox ping failed: %v", err)
	} else {
		log.Printf("memorybox API reachable")
	}
}

func (a *App) shutdown() error {
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	a.queue.Stop(stopCtx)
	if err := a.store.Close(); err != nil {
		log.Printf("ledger close: %v", err)
	}
	log.Printf("sync loop stopped")
	return nil
}

func errLabel(err error) string {
	if kind, ok := transport.KindOf(err); ok {
		return kind.String()
	}
	return "internal"
}

func (a *App) Agent() *syncer.Agent { return a.agent }
func (a *App) Store() *ledger.Store { return a.store }
func (a *App) Mux() *http.ServeMux  { return a.mux }

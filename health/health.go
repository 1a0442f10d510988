package health

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"lifelog_sync/backfill"
	"lifelog_sync/ledger"
	"lifelog_sync/metrics"
	"lifelog_sync/queue"
	"lifelog_sync/ratelimit"
)

// Pinger verifies reachability of an upstream API.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Agent exposes the sync engine state the handlers report on.
type Agent interface {
	Running() bool
}

// Router builds HTTP handlers for /health and /ops.
type Router struct {
	store    *ledger.Store
	queue    *queue.Queue
	metrics  *metrics.Metrics
	agent    Agent
	backfill *backfill.Runner
	source   Pinger
	dest     Pinger
	breakers []*ratelimit.Breaker
}

// Options wires a Router.
type Options struct {
	Store    *ledger.Store
	Queue    *queue.Queue
	Metrics  *metrics.Metrics
	Agent    Agent
	Backfill *backfill.Runner
	Source   Pinger
	Dest     Pinger
	Breakers []*ratelimit.Breaker
}

func NewRouter(opts Options) *Router {
	return &Router{
		store:    opts.Store,
		queue:    opts.Queue,
		metrics:  opts.Metrics,
		agent:    opts.Agent,
		backfill: opts.Backfill,
		source:   opts.Source,
		dest:     opts.Dest,
		breakers: opts.Breakers,
	}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", r.health)
	mux.HandleFunc("/health/detailed", r.detailed)
	mux.HandleFunc("/live", r.live)
	mux.HandleFunc("/ready", r.ready)
	mux.HandleFunc("/ops/status", r.status)
	mux.HandleFunc("/ops/errors", r.errors)
	mux.HandleFunc("/ops/backfill", r.runBackfill)
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) live(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) ready(w http.ResponseWriter, req *http.Request) {
	if !r.queue.Healthy() {
		http.Error(w, "queue not started", http.StatusServiceUnavailable)
		return
	}
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// detailed checks each dependency with a short timeout and reports the
// aggregate. Degraded upstreams return 200 with the failing check named
// so probes do not restart the process over a remote outage.
func (r *Router) detailed(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true
	if err := r.store.Health(ctx); err != nil {
		checks["ledger"] = err.Error()
		healthy = false
	} else {
		checks["ledger"] = "ok"
	}
	for name, p := range map[string]Pinger{"limitless": r.source, "memorybox": r.dest} {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
		} else {
			checks[name] = "ok"
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	respondJSON(w, map[string]any{"status": status, "checks": checks})
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	stats, err := r.store.Stats(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	breakers := map[string]string{}
	for _, b := range r.breakers {
		breakers[b.Name()] = b.State().String()
	}
	respondJSON(w, map[string]any{
		"running":  r.agent.Running(),
		"ledger":   stats,
		"queue":    r.queue.Stats(),
		"cycles":   r.metrics.Snapshot(),
		"breakers": breakers,
	})
}

func (r *Router) errors(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	errs, err := r.store.RecentErrors(req.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if errs == nil {
		errs = []ledger.SyncError{}
	}
	respondJSON(w, errs)
}

func (r *Router) runBackfill(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	go func() {
		if _, err := r.backfill.Run(context.Background()); err != nil {
			log.Printf("backfill run failed: %v", err)
		}
	}()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	respondJSON(w, map[string]any{"status": "started"})
}

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write json: %v", err)
	}
}

package contextedge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/contextkv"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/inference"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/memstore"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/observability"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/queue"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/store"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/adapters/wal"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/config"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/executor"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/factory"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/fusion"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/healthmon"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/pipeline"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/recommend"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/app/registry"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/httpapi"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

const reloadDebounce = 500 * time.Millisecond

// Runtime wires adapters, fusion, the recommendation lifecycle, the
// executor and the health monitor, and exposes lifecycle hooks for
// embedding the edge service inside any Go program.
type Runtime struct {
	cfg        *Config
	configPath string
	serve      bool

	logger *zap.Logger
	obs    ports.Observability
	store  ports.Store
	spool  *wal.FileSpool
	lookup ports.ContextLookup

	reg     *registry.Registry
	targets *executor.TargetTable
	engine  *fusion.Engine
	audit   *recommend.AuditWriter
	service *recommend.Service
	queue   *queue.MemQueue
	trigger *pipeline.Trigger
	worker  *pipeline.Worker
	health  *healthmon.Monitor

	closeLookup func()

	// applied holds the config each live adapter was built from.
	applyMu sync.Mutex
	applied map[string]config.AdapterConfig

	mu         sync.Mutex
	httpSrv    *http.Server
	metricsSrv *http.Server
}

// New builds every component without connecting adapters or starting
// loops. Callers may use the returned runtime for one-shot maintenance
// (see Service) or call Run.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var o overrides
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	rt := &Runtime{cfg: cfg, configPath: o.configPath, serve: o.serve == nil || *o.serve}

	rt.logger = o.logger
	if rt.logger == nil {
		l, err := observability.NewLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
		rt.logger = l
	}
	rt.obs = o.obs
	if rt.obs == nil {
		rt.obs = observability.NewPromObs(rt.logger)
	}

	var err error
	rt.store = o.store
	if rt.store == nil {
		if cfg.Store.Driver == "memory" {
			rt.store = memstore.New()
		} else if rt.store, err = store.Open(ctx, cfg.Store); err != nil {
			return nil, err
		}
	}

	rt.spool, err = wal.NewFileSpool(cfg.AuditSpool.Dir, cfg.Policy.MaxSpoolSizeBytes)
	if err != nil {
		_ = rt.store.Close()
		return nil, err
	}

	rt.lookup = o.lookup
	if rt.lookup == nil {
		if rt.lookup, err = rt.openLookup(ctx); err != nil {
			_ = rt.spool.Close()
			_ = rt.store.Close()
			return nil, err
		}
	}

	inf := o.inferer
	if inf == nil {
		if cfg.Inference.URL != "" {
			inf = inference.NewHTTP(cfg.Inference.URL, cfg.Inference.Timeout, nil)
		} else {
			rt.obs.LogWarn("no inference url configured, using the heuristic model")
			inf = inference.NewHeuristic(cfg.Inference.Heuristic)
		}
	}

	rt.reg = registry.New(rt.obs)
	rt.targets = executor.NewTargetTable()
	rt.health = healthmon.New(rt.reg, rt.store, rt.obs, healthmon.Config{
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.Timeout,
	})

	var fopts []fusion.Option
	if cfg.Fusion.ExcludeFailed {
		fopts = append(fopts, fusion.WithPolicy(rt.health.ExcludeFailed()))
	}
	rt.engine = fusion.New(rt.reg, rt.lookup, rt.obs, fusion.Config{
		ReadTimeout:    cfg.Fusion.ReadTimeout,
		ContextTimeout: cfg.Fusion.ContextTimeout,
	}, fopts...)

	rt.queue = queue.NewMemQueue(cfg.Policy.MaxQueueLen)
	rt.audit = recommend.NewAuditWriter(rt.store, rt.spool, cfg.AuditSpool.Retry, rt.obs)
	rt.service = recommend.NewService(rt.store, rt.audit,
		recommend.NewDispatcher(rt.queue, cfg.Policy, rt.obs), rt.obs,
		recommend.Config{Expiry: cfg.Recommendations.Expiry})

	var fused ports.FusedStore
	if cfg.Fusion.PersistFused == nil || *cfg.Fusion.PersistFused {
		fused = rt.store
	}
	rt.trigger = pipeline.NewTrigger(rt.engine, inf, fused, rt.service, rt.obs)
	rt.worker = pipeline.NewWorker(rt.queue, rt.service,
		executor.New(rt.reg, rt.targets, cfg.Executor.WriteTimeout, rt.obs), cfg.Policy, rt.obs)

	return rt, nil
}

func (r *Runtime) openLookup(ctx context.Context) (ports.ContextLookup, error) {
	if r.cfg.Context.Driver == "nats" {
		kv, err := contextkv.Dial(ctx, r.cfg.Context.NATS)
		if err != nil {
			return nil, err
		}
		r.closeLookup = kv.Close
		return kv, nil
	}
	mem := contextkv.NewMemory()
	for cid, doc := range r.cfg.Context.Seed {
		if err := mem.Set(cid, doc); err != nil {
			return nil, err
		}
	}
	return mem, nil
}

func (r *Runtime) Service() *recommend.Service { return r.service }

func (r *Runtime) Trigger() *pipeline.Trigger { return r.trigger }

func (r *Runtime) Registry() *registry.Registry { return r.reg }

func (r *Runtime) Health() *healthmon.Monitor { return r.health }

// Handler is the HTTP API, including /metrics when the default backend
// is in use.
func (r *Runtime) Handler() http.Handler {
	var metrics http.Handler
	if _, ok := r.obs.(*observability.PromObs); ok {
		metrics = promhttp.Handler()
	}
	return httpapi.NewRouter(httpapi.NewHandlers(r.trigger, r.service, r.health, r.obs), metrics)
}

// Start seeds safety limits and connects the configured adapters.
func (r *Runtime) Start(ctx context.Context) error {
	for _, l := range r.cfg.SafetyLimits {
		if err := r.service.UpsertLimit(ctx, l); err != nil {
			return fmt.Errorf("seed safety limit %s/%s: %w", l.DeviceID, l.Parameter, err)
		}
	}
	for _, t := range r.cfg.UnlimitedTargets() {
		r.obs.LogWarn("writable target has no safety limit, any value will pass", ports.Field{Key: "target", Value: t})
	}

	rep := r.ApplyAdapters(ctx, r.cfg.Adapters)
	if len(rep.Errors) > 0 && r.reg.Len() == 0 {
		return fmt.Errorf("no adapter could be started: %w", joinReport(rep))
	}
	return nil
}

// ApplyAdapters reconciles the registry, the actuation table and the
// health monitor's disabled set with adapters.
func (r *Runtime) ApplyAdapters(ctx context.Context, adapters []config.AdapterConfig) registry.Report {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	var (
		want     []registry.Desired
		proposed = make(map[string]config.AdapterConfig)
		disabled = make(map[string]domain.SourceKind)
	)
	for _, ac := range adapters {
		if !ac.IsEnabled() {
			disabled[ac.Name] = ac.Kind
			continue
		}
		ac := ac // per-iteration copy; the module targets go 1.21 loop semantics
		want = append(want, registry.Desired{
			Name:        ac.Name,
			Fingerprint: ac.Fingerprint(),
			Build:       func() (ports.Adapter, error) { return factory.Build(ac, r.cfg.Fusion.ReadTimeout) },
		})
		proposed[ac.Name] = ac
	}

	rep := r.reg.Reconcile(ctx, want)
	r.applied = liveConfigs(r.reg.Snapshot(), proposed, r.applied)
	infos, devices := r.targetsFor(r.applied)
	r.targets.Set(infos, devices)
	r.health.SetDisabled(disabled)

	for name, err := range rep.Errors {
		r.obs.LogError("adapter reconcile failed", err, ports.Field{Key: "adapter", Value: name})
	}
	r.obs.LogInfo("adapters applied",
		ports.Field{Key: "added", Value: rep.Added},
		ports.Field{Key: "replaced", Value: rep.Replaced},
		ports.Field{Key: "removed", Value: rep.Removed},
		ports.Field{Key: "unchanged", Value: len(rep.Unchanged)},
	)

	now := time.Now().UTC()
	for _, ac := range adapters {
		err := r.store.UpsertAdapterConfig(ctx, ports.AdapterConfigRecord{
			Name:      ac.Name,
			Kind:      ac.Kind,
			Protocol:  ac.Protocol,
			Enabled:   ac.IsEnabled(),
			Config:    ac.ConnectionJSON(),
			UpdatedAt: now,
		})
		if err != nil {
			r.obs.LogError("persist adapter config failed", err, ports.Field{Key: "adapter", Value: ac.Name})
		}
	}
	return rep
}

// liveConfigs maps every registered adapter to the config it was built
// from. A failed replacement leaves the previous instance live, so its
// previous config still describes it. Entries matching neither are left
// out and cannot be actuated.
func liveConfigs(live []*registry.Entry, proposed, prev map[string]config.AdapterConfig) map[string]config.AdapterConfig {
	out := make(map[string]config.AdapterConfig, len(live))
	for _, e := range live {
		if ac, ok := proposed[e.Name()]; ok && ac.Fingerprint() == e.Fingerprint() {
			out[e.Name()] = ac
			continue
		}
		if ac, ok := prev[e.Name()]; ok && ac.Fingerprint() == e.Fingerprint() {
			out[e.Name()] = ac
		}
	}
	return out
}

func (r *Runtime) targetsFor(applied map[string]config.AdapterConfig) ([]domain.AdapterInfo, map[string][]string) {
	infos := make([]domain.AdapterInfo, 0, len(applied))
	devices := make(map[string][]string, len(applied))
	for name, ac := range applied {
		infos = append(infos, ac.Info(r.cfg.Fusion.ReadTimeout))
		devices[name] = ac.Devices
	}
	return infos, devices
}

func joinReport(rep registry.Report) error {
	errs := make([]error, 0, len(rep.Errors))
	for name, err := range rep.Errors {
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}

// Run starts the runtime and blocks until ctx is cancelled or a server
// fails, then shuts down.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return errors.Join(err, r.shutdownWithTimeout())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.worker.Run(gctx) })
	g.Go(func() error { return r.health.Run(gctx) })
	g.Go(func() error {
		return recommend.NewReplaySweeper(r.audit, r.cfg.AuditSpool.ReplayInterval, r.obs).Run(gctx)
	})
	g.Go(func() error {
		return recommend.NewExpirySweeper(r.service, r.cfg.Recommendations.SweepInterval, r.obs).Run(gctx)
	})
	g.Go(func() error {
		return recommend.NewRecoverySweeper(r.service, r.cfg.Recommendations.RecoverInterval, r.obs).Run(gctx)
	})
	if r.configPath != "" {
		g.Go(func() error { return config.Watch(gctx, r.configPath, reloadDebounce, r.reload, r.reloadFailed) })
	}
	if r.serve {
		r.startServers(gctx, g)
	}

	err := g.Wait()
	return errors.Join(err, r.shutdownWithTimeout())
}

func (r *Runtime) reload(cfg *Config) {
	r.ApplyAdapters(context.Background(), cfg.Adapters)
	r.obs.IncCounter("ctxedge_config_reloads_total", 1)
}

func (r *Runtime) reloadFailed(err error) {
	r.obs.LogError("config reload rejected, keeping current adapters", err)
}

func (r *Runtime) startServers(ctx context.Context, g *errgroup.Group) {
	r.mu.Lock()
	r.httpSrv = &http.Server{Addr: r.cfg.HTTP.Addr, Handler: r.Handler(), ReadHeaderTimeout: 5 * time.Second}
	if _, ok := r.obs.(*observability.PromObs); ok {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		r.metricsSrv = &http.Server{Addr: r.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	servers := []*http.Server{r.httpSrv, r.metricsSrv}
	r.mu.Unlock()

	for _, srv := range servers {
		if srv == nil {
			continue
		}
		srv := srv // per-iteration copy; the module targets go 1.21 loop semantics
		g.Go(func() error {
			r.obs.LogInfo("listening", ports.Field{Key: "addr", Value: srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func (r *Runtime) shutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Shutdown(ctx)
}

// Shutdown drains and disconnects adapters and closes the spool, the
// context lookup and the store. It is safe on a runtime that never ran.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	r.mu.Lock()
	for _, srv := range []*http.Server{r.httpSrv, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	r.httpSrv, r.metricsSrv = nil, nil
	r.mu.Unlock()

	if r.reg != nil {
		if err := r.reg.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.closeLookup != nil {
		r.closeLookup()
		r.closeLookup = nil
	}
	if r.spool != nil {
		if err := r.spool.Close(); err != nil {
			errs = append(errs, err)
		}
		r.spool = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, err)
		}
		r.store = nil
	}
	_ = r.logger.Sync()

	return errors.Join(errs...)
}

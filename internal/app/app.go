// Package app assembles Atlas from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/internal/config"
	"github.com/opentalon/atlas/internal/failover"
	"github.com/opentalon/atlas/internal/geo"
	"github.com/opentalon/atlas/internal/hooks"
	"github.com/opentalon/atlas/internal/metrics"
	"github.com/opentalon/atlas/internal/orchestrator"
	"github.com/opentalon/atlas/internal/places"
	"github.com/opentalon/atlas/internal/plugin"
	"github.com/opentalon/atlas/internal/provider"
	"github.com/opentalon/atlas/internal/router"
	"github.com/opentalon/atlas/internal/scheduler"
	"github.com/opentalon/atlas/internal/server"
	"github.com/opentalon/atlas/internal/state"
	"github.com/opentalon/atlas/internal/state/store"
	"github.com/opentalon/atlas/internal/toolhost"
	"github.com/opentalon/atlas/internal/weather"
)

const pruneInterval = time.Hour

// App holds every long-lived component. Build it with New and release it
// with Close.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	Registry    *capability.Registry
	Layer       *capability.Layer
	Metrics     *metrics.Metrics
	Coordinator *orchestrator.Coordinator
	TurnLog     state.TurnLog
	ToolHost    *toolhost.Host

	plugins *plugin.Manager
	turnDB  *store.TurnStore
	closers []func() error
}

// New builds the capability layer, reasoner, hooks and coordinator. Remote
// capabilities that fail to load are logged and left out.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		Registry: capability.NewRegistry(),
		Metrics:  metrics.New(),
	}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	llms, err := provider.RegistryFromConfigs(providerConfigs(cfg.Providers))
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	// Configured capabilities take precedence over the built-in providers of
	// the same name; a built-in one fills in when its remote fails to load.
	a.plugins = plugin.NewManager(a.Registry, a.logger)
	a.closers = append(a.closers, func() error { a.plugins.StopAll(); return nil })
	if err := a.plugins.LoadAll(ctx, pluginEntries(cfg.Capabilities)); err != nil {
		a.logger.Warn().Err(err).Msg("some remote capabilities are unavailable")
	}

	if err := a.registerLocal(llms); err != nil {
		return err
	}

	guard := capability.NewGuard()
	guard.Timeout = cfg.Invocation.Timeout
	if cfg.Invocation.MaxResultBytes > 0 {
		guard.MaxResultBytes = cfg.Invocation.MaxResultBytes
	}
	a.Layer = capability.NewLayer(a.Registry,
		capability.WithGuard(guard),
		capability.WithLogger(a.logger),
		capability.WithObserver(a.Metrics),
	)

	reasoner, err := a.reasoner(llms)
	if err != nil {
		return err
	}

	catalog := orchestrator.DefaultCatalog()
	if !a.Registry.Has(places.CapabilityName) {
		a.logger.Info().Msg("place details not configured, answering details requests with the location only")
		catalog[router.IntentPlaceDetails] = orchestrator.PlaceOnly()
	}
	if err := catalog.Validate(a.Registry); err != nil {
		return err
	}

	renderer, err := orchestrator.NewRenderer(cfg.Templates)
	if err != nil {
		return fmt.Errorf("templates: %w", err)
	}

	hookSet, err := hooks.Build(hooks.Config{
		Audit:   cfg.Hooks.Audit,
		Deny:    cfg.Hooks.Deny,
		Scripts: cfg.Hooks.Scripts,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("hooks: %w", err)
	}

	if err := a.openTurnLog(ctx); err != nil {
		return err
	}

	opts := append([]orchestrator.Option{
		orchestrator.WithCatalog(catalog),
		orchestrator.WithRenderer(renderer),
		orchestrator.WithRecorder(a.TurnLog),
		orchestrator.WithObserver(a.Metrics),
		orchestrator.WithLogger(a.logger),
	}, hookSet.Options()...)
	a.Coordinator, err = orchestrator.New(a.Layer, reasoner, opts...)
	if err != nil {
		return err
	}

	a.ToolHost = toolhost.New(a.Layer, cfg.ToolHost.Name, a.logger)
	return nil
}

func (a *App) registerLocal(llms *provider.Registry) error {
	cfg := a.cfg

	geoOpts := []geo.Option{geo.WithBaseURL(cfg.Geo.BaseURL), geo.WithLogger(a.logger)}
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		a.closers = append(a.closers, rdb.Close)
		geoOpts = append(geoOpts, geo.WithCache(geo.NewRedisCache(rdb, cfg.Cache.TTL)))
	}
	defs := []capability.Definition{
		geo.New(geoOpts...).Definition(),
		weather.New(weather.WithBaseURL(cfg.Weather.BaseURL), weather.WithLogger(a.logger)).Definition(),
	}

	if cfg.Places.Model != "" && !a.Registry.Has(places.CapabilityName) {
		llm, err := a.llm(llms, cfg.Places.Model, cfg.Places.Fallbacks)
		if err != nil {
			return fmt.Errorf("places: %w", err)
		}
		svc := places.New(llm, provider.ModelRef(cfg.Places.Model).Model(),
			places.WithMaxTokens(cfg.Places.MaxTokens), places.WithLogger(a.logger))
		defs = append(defs, svc.Definition())
	}

	for _, d := range defs {
		if e, ok := a.Registry.Lookup(d.Descriptor.Name); ok {
			a.logger.Info().
				Str("capability", d.Descriptor.Name).
				Str("transport", string(e.Transport)).
				Msg("served remotely, built-in provider not registered")
			continue
		}
		if err := a.Registry.RegisterLocal(d); err != nil {
			return err
		}
	}
	return nil
}

// llm returns the provider for ref, wrapped in a failover controller when
// fallbacks are configured.
func (a *App) llm(llms *provider.Registry, ref string, fallbacks []string) (provider.Provider, error) {
	if len(fallbacks) == 0 {
		p, _, err := llms.Resolve(ref)
		return p, err
	}
	refs := make([]provider.ModelRef, len(fallbacks))
	for i, f := range fallbacks {
		refs[i] = provider.ModelRef(f)
	}
	ctrl, err := failover.NewController(llms, provider.ModelRef(ref), refs,
		failover.WithCooldowns(failover.CooldownConfig{
			Initial:    a.cfg.Cooldowns.Initial,
			Max:        a.cfg.Cooldowns.Max,
			Multiplier: a.cfg.Cooldowns.Multiplier,
		}),
		failover.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	return ctrl, nil
}

func (a *App) reasoner(llms *provider.Registry) (router.Reasoner, error) {
	keyword := router.NewClassifier()
	if a.cfg.Reasoning.Reasoner != config.ReasonerLLM {
		return keyword, nil
	}
	p, err := a.llm(llms, a.cfg.Reasoning.Model, a.cfg.Reasoning.Fallbacks)
	if err != nil {
		return nil, fmt.Errorf("reasoning: %w", err)
	}
	llm := router.NewLLM(p, provider.ModelRef(a.cfg.Reasoning.Model).Model(),
		router.WithRules(router.NewRulesConfig(a.cfg.Reasoning.Rules)),
		router.WithLLMLogger(a.logger))
	return router.NewChain(a.logger, llm, keyword), nil
}

func (a *App) openTurnLog(ctx context.Context) error {
	var (
		db  *store.DB
		err error
	)
	switch a.cfg.Store.Driver {
	case config.StoreMemory:
		a.TurnLog = state.NewHistory(a.cfg.Store.HistoryLimit)
		return nil
	case config.StorePostgres:
		db, err = store.OpenPostgres(ctx, a.cfg.Store.DSN)
	default:
		db, err = store.Open(a.cfg.Store.DataDir)
	}
	if err != nil {
		return fmt.Errorf("turn log: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	a.turnDB = store.NewTurnStore(db)
	a.TurnLog = a.turnDB
	return nil
}

// Ask runs a single turn.
func (a *App) Ask(ctx context.Context, sessionID, text string) *orchestrator.Outcome {
	return a.Coordinator.Run(ctx, orchestrator.Turn{SessionID: sessionID, Text: text})
}

// Serve runs the API server, the scheduler and, when configured, the gRPC
// tool host until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	sched := scheduler.New(a.Coordinator, a.cfg.Store.DataDir, a.logger)
	if err := sched.Start(scheduleJobs(a.cfg.Schedules)); err != nil {
		return err
	}
	defer sched.Stop()

	schedules := scheduler.Handler(sched)
	srv := server.New(a.Coordinator, a.logger,
		server.WithTurnLog(a.TurnLog),
		server.WithRoute("GET /metrics", a.Metrics.Handler()),
		server.WithRoute("/v1/schedules", schedules),
		server.WithRoute("/v1/schedules/", schedules),
		server.WithRoutes(a.ToolHost.Register),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.serveHTTP(ctx, g, a.cfg.Server.Addr, srv.Handler())
	if a.cfg.ToolHost.GRPCAddr != "" {
		a.serveGRPC(ctx, g, a.cfg.ToolHost.GRPCAddr)
	}
	if a.turnDB != nil && a.cfg.Store.Retention > 0 {
		g.Go(func() error { a.prune(ctx); return nil })
	}
	return g.Wait()
}

// ServeToolHost serves only the capability-hosting endpoints.
func (a *App) ServeToolHost(ctx context.Context) error {
	mux := http.NewServeMux()
	a.ToolHost.Register(mux)
	mux.Handle("GET /metrics", a.Metrics.Handler())

	g, ctx := errgroup.WithContext(ctx)
	a.serveHTTP(ctx, g, a.cfg.ToolHost.Addr, mux)
	if a.cfg.ToolHost.GRPCAddr != "" {
		a.serveGRPC(ctx, g, a.cfg.ToolHost.GRPCAddr)
	}
	return g.Wait()
}

func (a *App) serveHTTP(ctx context.Context, g *errgroup.Group, addr string, h http.Handler) {
	hs := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}
	g.Go(func() error {
		a.logger.Info().Str("addr", addr).Msg("http listening")
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
}

func (a *App) serveGRPC(ctx context.Context, g *errgroup.Group, addr string) {
	gs := plugin.NewServer(a.Layer, a.cfg.ToolHost.Name, a.logger)
	g.Go(func() error {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("grpc %s: %w", addr, err)
		}
		a.logger.Info().Str("addr", addr).Msg("grpc tool host listening")
		return plugin.Serve(lis, gs)
	})
	g.Go(func() error {
		<-ctx.Done()
		gs.GracefulStop()
		return nil
	})
}

func (a *App) prune(ctx context.Context) {
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		n, err := a.turnDB.Prune(ctx, time.Now().Add(-a.cfg.Store.Retention))
		if err != nil && ctx.Err() == nil {
			a.logger.Warn().Err(err).Msg("pruning turn log")
		} else if n > 0 {
			a.logger.Info().Int64("turns", n).Msg("pruned turn log")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

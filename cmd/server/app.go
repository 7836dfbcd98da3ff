package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"hcert/internal/cache"
	"hcert/internal/durable"
	"hcert/internal/fetch"
	"hcert/internal/hcert"
	"hcert/internal/platform/config"
	"hcert/internal/platform/database"
	"hcert/internal/platform/health"
	"hcert/internal/platform/metrics"
	"hcert/internal/platform/redis"
	"hcert/internal/platform/tracer"
	"hcert/internal/revocation"
	revmodels "hcert/internal/revocation/models"
	"hcert/internal/rules"
	rulesmodels "hcert/internal/rules/models"
	"hcert/internal/trustlist"
	tlmodels "hcert/internal/trustlist/models"
	httptransport "hcert/internal/transport/http"
	"hcert/internal/validation"
	"hcert/internal/verify"
	refreshworker "hcert/internal/workers/refresh"
)

type app struct {
	router  http.Handler
	sources []cache.Managed
	worker  *refreshworker.Worker
	log     *slog.Logger

	closers []io.Closer
	wg      sync.WaitGroup
}

// deps is the shared plumbing every cache is built with.
type deps struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	tracer  tracer.Tracer
	store   durable.Store
	fetcher fetch.Fetcher
}

func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	d := &deps{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(prometheus.DefaultRegisterer),
		tracer:  tracer.NewNoop(),
	}
	if cfg.Server.Tracing {
		d.tracer = tracer.NewOTel()
	}

	healthHandler := health.New(cfg.Server.Environment)

	store, err := a.openDurable(ctx, cfg.Durable, healthHandler, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	d.store = store
	d.fetcher = fetch.New(fetchConfig(cfg.Fetch), fetch.WithLogger(log))

	finder, err := a.buildTrustLists(d)
	if err != nil {
		return nil, err
	}
	verifier := verify.New(finder, verify.WithLogger(log), verify.WithTracer(d.tracer))

	codec := hcert.NewCodec(
		hcert.WithPrefixes(cfg.Validation.Prefixes...),
		hcert.WithRequirePrefix(cfg.Validation.RequirePrefix),
		hcert.WithMaxInflatedSize(cfg.Validation.MaxInflatedSize),
	)

	opts := []validation.Option{
		validation.WithDefaultCountry(cfg.Validation.DefaultCountry),
		validation.WithLogger(log),
		validation.WithMetrics(d.metrics),
		validation.WithTracer(d.tracer),
	}
	if registry := a.buildRules(d); registry != nil {
		opts = append(opts, validation.WithRules(registry))
	}
	if cfg.Revocation.Enabled {
		checker, err := a.buildRevocation(d)
		if err != nil {
			return nil, err
		}
		opts = append(opts, validation.WithRevocation(checker))
	}

	orchestrator, err := validation.New(codec, verifier, opts...)
	if err != nil {
		return nil, err
	}

	for _, src := range a.sources {
		healthHandler.RegisterCheck("source:"+src.Name(), health.CacheReady(src))
	}

	a.router = httptransport.NewRouter(httptransport.RouterConfig{
		Handler:  httptransport.NewHandler(orchestrator, codec, a.sources, log),
		Health:   healthHandler,
		Logger:   log,
		Metrics:  d.metrics,
		Gatherer: prometheus.DefaultGatherer,
		Timeout:  cfg.Server.WriteTimeout,
	})

	if cfg.RefreshWorker.Enabled && len(a.sources) > 0 {
		a.worker, err = refreshworker.New(a.sources,
			refreshworker.WithInterval(cfg.RefreshWorker.Interval),
			refreshworker.WithEagerStart(true),
			refreshworker.WithLogger(log),
		)
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

func (a *app) openDurable(ctx context.Context, cfg config.Durable, h *health.Handler, reg prometheus.Registerer) (durable.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return durable.NewMemoryStore(), nil
	case config.BackendRedis:
		client, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, client)
		h.RegisterCheck("redis", health.PingCheck(client.Health))
		reg.MustRegister(client.Collector())
		return durable.NewRedisStore(client.Client, cfg.KeyPrefix), nil
	case config.BackendPostgres:
		pool, err := database.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pool)
		h.RegisterCheck("postgres", health.PingCheck(pool.Health))
		reg.MustRegister(pool.Collector())
		store := durable.NewPostgresStore(pool.DB())
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return durable.NewFileStore(cfg.Dir)
	}
}

func (a *app) buildTrustLists(d *deps) (verify.KeyFinder, error) {
	finders := make([]verify.KeyFinder, 0, len(d.cfg.TrustLists))
	for _, tl := range d.cfg.TrustLists {
		src, err := trustListSource(tl, d)
		if err != nil {
			return nil, fmt.Errorf("trust list %s: %w", tl.Name, err)
		}
		c := newCache[*tlmodels.Snapshot](d, src, "trustlist."+tl.Name)
		a.sources = append(a.sources, c)
		finders = append(finders, trustlist.NewFinder(c, src.Capabilities(), nil))
	}
	return trustlist.NewMultiFinder(finders...), nil
}

func trustListSource(tl config.TrustList, d *deps) (trustlist.Source, error) {
	if tl.Kind == config.TrustListGateway {
		return trustlist.NewGatewaySource(tl.Name, tl.URL, d.fetcher,
			trustlist.WithCountries(tl.Countries...),
			trustlist.WithGatewayLogger(d.log),
		), nil
	}

	pemData, err := config.ReadKey(tl.RootKeyPEM)
	if err != nil {
		return nil, err
	}
	root, err := trustlist.ParsePublicKeyPEM(pemData)
	if err != nil {
		return nil, err
	}
	if tl.Kind == config.TrustListJWT {
		return trustlist.NewJWTSource(tl.Name, tl.URL, d.fetcher, root, trustlist.WithJWTLogger(d.log)), nil
	}

	kid, err := base64.StdEncoding.DecodeString(tl.RootKeyID)
	if err != nil {
		return nil, fmt.Errorf("decode root_key_id: %w", err)
	}
	rootKey, err := tlmodels.NewTrustedKey(kid, "", root, nil)
	if err != nil {
		return nil, err
	}
	return trustlist.NewCOSESource(tl.Name, tl.URL, d.fetcher, trustlist.NewStaticFinder(rootKey),
		trustlist.WithCOSELogger(d.log),
	), nil
}

// buildRules returns nil when no rule list is configured, which leaves
// every signed credential at NeedRulesVerification.
func (a *app) buildRules(d *deps) *rules.Registry {
	cfg := d.cfg.Rules
	if cfg.URL == "" {
		return nil
	}

	ruleCache := newCache[*rulesmodels.RuleSet](d, rules.NewRuleSource("rules", cfg.URL, d.fetcher, nil), "rules")
	a.sources = append(a.sources, ruleCache)

	base := []rules.ValidatorOption{
		rules.WithLanguage(cfg.Language),
		rules.WithValidatorLogger(d.log),
		rules.WithValidatorTracer(d.tracer),
	}
	if cfg.ValueSetsURL != "" {
		vsCache := newCache[*rulesmodels.ValueSets](d, rules.NewValueSetSource("valuesets", cfg.ValueSetsURL, d.fetcher, nil), "valuesets")
		a.sources = append(a.sources, vsCache)
		base = append(base, rules.WithValueSets(vsCache))
	}

	evaluator := rules.NoEngine()
	standard := rules.NewCountryValidator(ruleCache, evaluator, base...)
	partial := rules.NewCountryValidator(ruleCache, evaluator,
		append(base, rules.WithPartialVaccinationPolicy())...)

	partialCountries := make(map[string]bool, len(cfg.PartialVaccination))
	for _, c := range cfg.PartialVaccination {
		partialCountries[strings.ToUpper(c)] = true
	}

	registry := rules.NewRegistry()
	if len(cfg.Countries) == 0 {
		registry.SetDefault(standard)
		return registry
	}
	for _, c := range cfg.Countries {
		if partialCountries[strings.ToUpper(c)] {
			registry.Register(c, partial)
			continue
		}
		registry.Register(c, standard)
	}
	return registry
}

func (a *app) buildRevocation(d *deps) (*revocation.Checker, error) {
	store, err := revocation.OpenBoltStore(d.cfg.Revocation.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open revocation store: %w", err)
	}
	a.closers = append(a.closers, store)

	syncer := revocation.NewSyncer(
		revocation.NewHTTPClient(d.cfg.Revocation.URL, d.fetcher),
		store,
		revocation.WithSyncLogger(d.log),
		revocation.WithSyncMetrics(d.metrics),
		revocation.WithSyncTracer(d.tracer),
	)
	stateCache := cache.New[*revmodels.State](revocation.NewSource("revocation", syncer), cacheConfig(d.cfg.CacheFor("revocation")),
		cache.WithPersistence[*revmodels.State](revocation.NewStatePersistence(store)),
		cache.WithLogger[*revmodels.State](d.log),
		cache.WithMetrics[*revmodels.State](d.metrics),
		cache.WithTracer[*revmodels.State](d.tracer),
	)
	a.sources = append(a.sources, stateCache)
	return revocation.NewChecker(store,
		revocation.WithCheckerLogger(d.log),
		revocation.WithRefresher(stateCache),
	), nil
}

// newCache builds a durably backed cache for src stored under key. Cache
// overrides are looked up by the source name.
func newCache[T any](d *deps, src cache.Source[T], key string) *cache.Cache[T] {
	return cache.New[T](src, cacheConfig(d.cfg.CacheFor(src.Name())),
		cache.WithPersistence[T](cache.NewJSONPersistence[T](d.store, key)),
		cache.WithLogger[T](d.log),
		cache.WithMetrics[T](d.metrics),
		cache.WithTracer[T](d.tracer),
	)
}

func cacheConfig(c config.Cache) cache.Config {
	return cache.Config{
		RefreshInterval:            c.RefreshInterval,
		MinRefreshInterval:         c.MinRefreshInterval,
		UseStaleWhileRefreshing:    c.UseStaleWhileRefreshing,
		ReloadFromStoreWhenExpired: c.ReloadFromStoreWhenExpired,
		MaxDurableAge:              c.MaxDurableAge,
		RefreshTimeout:             c.RefreshTimeout,
	}
}

func fetchConfig(f config.Fetch) fetch.Config {
	return fetch.Config{
		Timeout:          f.Timeout,
		MaxRetries:       f.MaxRetries,
		InitialBackoff:   f.InitialBackoff,
		MaxBackoff:       f.MaxBackoff,
		MaxBodyBytes:     f.MaxBodyBytes,
		UserAgent:        f.UserAgent,
		BreakerThreshold: f.BreakerThreshold,
		BreakerCooldown:  f.BreakerCooldown,
	}
}

func (a *app) startWorker(ctx context.Context) {
	if a.worker == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("refresh worker stopped", "error", err)
		}
	}()
}

func (a *app) waitWorker() {
	a.wg.Wait()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

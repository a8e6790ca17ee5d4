package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/barclamp/pkg/backend"
	"github.com/openfroyo/barclamp/pkg/catalog"
	"github.com/openfroyo/barclamp/pkg/config"
	"github.com/openfroyo/barclamp/pkg/engine"
	"github.com/openfroyo/barclamp/pkg/lock"
	"github.com/openfroyo/barclamp/pkg/policy"
	"github.com/openfroyo/barclamp/pkg/registry"
	"github.com/openfroyo/barclamp/pkg/schema"
	"github.com/openfroyo/barclamp/pkg/stores"
	"github.com/openfroyo/barclamp/pkg/telemetry"
)

// appVersion is reported by telemetry.
var appVersion = "dev"

// runtime holds every component wired from the configuration.
type runtime struct {
	cfg       *config.Config
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	store     *stores.SQLiteStore
	schemas   *schema.Registry
	policies  *policy.Engine
	catalog   *catalog.Registry
	lifecycle *engine.Lifecycle

	closers []func(context.Context) error
}

// loadConfig reads the --config file, falling back to ./barclamp.yaml when present.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	return config.Load(path)
}

// openRuntime wires the store, validators, catalog, registry, locker and lifecycle.
// Commands other than serve log at warn level unless --verbose is set.
func openRuntime(ctx context.Context, service bool) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	} else if !service {
		cfg.Telemetry.LogLevel = "warn"
	}
	if !service {
		cfg.Telemetry.TraceExporter = "none"
		cfg.Telemetry.EventBuffer = 0
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(appVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	rt := &runtime{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
	}
	rt.closers = append(rt.closers, tel.Shutdown)

	if err := rt.wire(ctx); err != nil {
		_ = rt.Close(context.Background())
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) wire(ctx context.Context) error {
	cfg := rt.cfg

	if dir := filepath.Dir(cfg.Database.Path); dir != "" && cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		BusyTimeout:     cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	rt.closers = append(rt.closers, func(context.Context) error { return store.Close() })
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	rt.store = store

	rt.schemas = schema.NewRegistry()
	rt.policies, err = policy.NewEngine(rt.logger)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := rt.policies.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return err
		}
	}

	backendFor, err := rt.backends()
	if err != nil {
		return err
	}
	rt.catalog, err = catalog.NewRegistry(catalog.Options{
		Backend:  backendFor,
		Schemas:  rt.schemas,
		Policies: rt.policies,
		Logger:   rt.logger,
	})
	if err != nil {
		return err
	}
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	if err := rt.catalog.Apply(ctx, cat); err != nil {
		return err
	}

	var roles engine.RoleBindings = store
	if cfg.Registry.CacheTTL > 0 {
		roles = registry.NewCached(store, cfg.Registry.CacheTTL, rt.tel.Metrics)
	}

	locker, err := rt.locker(ctx)
	if err != nil {
		return err
	}

	rt.lifecycle, err = engine.NewLifecycle(engine.Options{
		Proposals:     store,
		Queue:         store,
		Transitions:   store,
		Registry:      roles,
		Roles:         roles,
		Modules:       rt.catalog,
		Validators:    []engine.Validator{rt.schemas, rt.policies},
		Locker:        locker,
		Audit:         store,
		Telemetry:     rt.tel,
		CommitTimeout: cfg.Queue.CommitTimeout,
	})
	return err
}

// backends selects the deployment backend per catalog module. Without a backend URL
// every module is detached.
func (rt *runtime) backends() (catalog.BackendFor, error) {
	cfg := rt.cfg.Backend
	if cfg.URL == "" {
		detached := backend.Detached{Reason: "no deployment backend configured"}
		return func(catalog.Module) engine.Backend { return detached }, nil
	}

	httpBackend, err := backend.NewHTTPBackend(backend.HTTPConfig{
		URL:       cfg.URL,
		Timeout:   cfg.Timeout,
		Headers:   cfg.Headers,
		UserAgent: "barclamp/" + appVersion,
	}, rt.logger)
	if err != nil {
		return nil, err
	}

	guard := backend.DefaultGuardConfig()
	if cfg.Breaker.FailureThreshold > 0 {
		guard.FailureThreshold = cfg.Breaker.FailureThreshold
	}
	if cfg.Breaker.OpenTimeout > 0 {
		guard.OpenTimeout = cfg.Breaker.OpenTimeout
	}
	guarded := backend.NewGuarded(httpBackend, guard, rt.tel.Metrics)

	return func(m catalog.Module) engine.Backend {
		if m.Backend == "detached" {
			return backend.Detached{Reason: m.Name + " is detached from the deployment backend"}
		}
		return guarded
	}, nil
}

func (rt *runtime) locker(ctx context.Context) (engine.Locker, error) {
	cfg := rt.cfg.Lock
	if cfg.Driver != "redis" {
		return lock.NewKeyed(), nil
	}

	rl := lock.NewRedisLocker(lock.RedisConfig{
		Address:   cfg.Redis.Address,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
		TTL:       cfg.Redis.TTL,
	}, rt.logger)
	rt.closers = append(rt.closers, func(context.Context) error { return rl.Close() })

	if err := rl.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis lock server unreachable: %w", err)
	}
	return rl, nil
}

// Close releases every component in reverse order.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// withRuntime opens a CLI runtime for the duration of fn.
func withRuntime(ctx context.Context, fn func(rt *runtime) error) error {
	rt, err := openRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	return fn(rt)
}

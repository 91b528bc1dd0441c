// Package app wires configuration, storage, engines and services into the
// HTTP router.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"querydesk/internal/api"
	"querydesk/internal/config"
	"querydesk/internal/db"
	"querydesk/internal/db/repository"
	"querydesk/internal/domain"
	"querydesk/internal/engine"
	"querydesk/internal/middleware"
	"querydesk/internal/service/policy"
	"querydesk/internal/service/results"
	"querydesk/internal/service/run"
	"querydesk/internal/sqltemplate"
	"querydesk/internal/storage"
)

// Deps holds the external dependencies that main() must provide.
// WriteDB and ReadDB may be nil when neither the usage store nor the result
// index is backed by SQLite.
type Deps struct {
	Cfg     *config.Config
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Logger  *slog.Logger
}

// Services groups the service pointers the handler and background jobs need.
type Services struct {
	Policy       *policy.Service
	Results      *results.Service
	Orchestrator *run.Orchestrator
	Dispatcher   *engine.Dispatcher
	APIKeys      *repository.APIKeyRepo // nil without the metadata database
}

// App is the fully wired application.
type App struct {
	Services  Services
	Router    http.Handler
	Sweeper   *results.Sweeper
	Overrides *config.PolicyOverrides // nil when no overrides file is set

	closers []func() error
}

// New constructs every repository, adapter and service from deps.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{}

	// === Usage counters ===
	usage, err := a.openUsageStore(ctx, cfg, deps)
	if err != nil {
		return nil, a.fail(err)
	}

	// === Policy ===
	policySvc := policy.NewService(policy.Config{
		MaxQueryDurationSeconds: cfg.Policy.MaxQueryDurationSeconds,
		MaxResultRows:           cfg.Policy.MaxResultRows,
		MaxResultSizeMb:         cfg.Policy.MaxResultSizeMb,
		MaxFileSizeMb:           cfg.Policy.MaxFileSizeMb,
		AllowedEngines:          cfg.EngineNames(),
		AllowedFileTypes:        cfg.Policy.AllowedFileTypes,
		QueriesPerHour:          cfg.Policy.QueriesPerHour,
		QueriesPerDay:           cfg.Policy.QueriesPerDay,
	}, usage, logger.With("component", "policy"))

	if path := cfg.Policy.OverridesFile; path != "" {
		overrides, err := config.LoadPolicyOverrides(path, logger.With("component", "policy-overrides"))
		if err != nil {
			return nil, a.fail(err)
		}
		policySvc.SetOverrides(overrides)
		a.Overrides = overrides
		logger.Info("policy overrides loaded", "path", path, "users", overrides.Len())
	}

	// === Engines ===
	dispatcher := engine.NewDispatcher(logger.With("component", "dispatcher"))
	a.closers = append(a.closers, dispatcher.Close)
	for _, ec := range cfg.Engines {
		adapter, err := engine.Open(ec.Name, engine.AdapterConfig{
			Driver: ec.Driver,
			DSN:    ec.DSN,
			URL:    ec.URL,
			Token:  ec.Token,
		})
		if err != nil {
			return nil, a.fail(fmt.Errorf("open engine %s: %w", ec.Name, err))
		}
		dispatcher.Register(adapter)
		logger.Info("engine registered", "engine", ec.Name, "driver", ec.Driver, "remote", ec.URL != "")
	}

	// === Results ===
	index, err := openResultIndex(cfg, deps)
	if err != nil {
		return nil, a.fail(err)
	}
	blobs, err := storage.New(ctx, cfg.Results.BlobStore, storage.Config{
		Bucket:           cfg.Results.Bucket,
		Prefix:           cfg.Results.Prefix,
		Endpoint:         cfg.Results.Endpoint,
		Region:           cfg.Results.Region,
		KeyID:            cfg.Results.KeyID,
		Secret:           cfg.Results.Secret,
		UseSSL:           cfg.Results.UseSSL,
		GCSKeyFile:       cfg.Results.GCSKeyFile,
		AzureAccountName: cfg.Results.AzureAccountName,
		AzureAccountKey:  cfg.Results.AzureAccountKey,
	})
	if err != nil {
		return nil, a.fail(fmt.Errorf("open blob store: %w", err))
	}
	resultsSvc := results.NewService(index, blobs, results.Config{
		PublicBaseURL: cfg.PublicBaseURL,
		Retention:     cfg.Results.Retention,
		TokenMaxUses:  cfg.Results.TokenMaxUses,
	}, logger.With("component", "results"))

	sweeper, err := results.NewSweeper(resultsSvc, usage, cfg.Results.SweepSchedule, logger.With("component", "sweeper"))
	if err != nil {
		return nil, a.fail(err)
	}
	a.Sweeper = sweeper

	// === Orchestrator ===
	orchestrator := run.NewOrchestrator(policySvc, sqltemplate.New(), dispatcher, resultsSvc, logger.With("component", "orchestrator"))

	// === HTTP ===
	validator, err := middleware.NewValidator(ctx, cfg.Auth)
	if err != nil {
		return nil, a.fail(fmt.Errorf("jwt validator: %w", err))
	}
	var static, stored middleware.APIKeyLookup
	if len(cfg.Auth.APIKeys) > 0 {
		static = middleware.NewStaticAPIKeys(cfg.Auth.APIKeys)
	}
	if deps.WriteDB != nil {
		a.Services.APIKeys = repository.NewAPIKeyRepo(deps.WriteDB, deps.ReadDB)
		stored = a.Services.APIKeys
	}
	apiKeys := middleware.ChainAPIKeys(static, stored)
	auth := middleware.NewAuthenticator(validator, apiKeys, cfg.Auth, logger.With("component", "auth"))

	openAPI, err := api.OpenAPIJSON(ctx)
	if err != nil {
		return nil, a.fail(fmt.Errorf("load openapi document: %w", err))
	}

	handler := api.NewHandler(policySvc, orchestrator, resultsSvc, logger.With("component", "api"))
	var limiter *middleware.IPRateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = middleware.NewIPRateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		})
	}

	a.Router = api.NewRouter(api.RouterConfig{
		Handler:        handler,
		Auth:           auth.Middleware(),
		RateLimiter:    limiter,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		OpenAPI:        openAPI,
		Logger:         logger.With("component", "http"),
	})
	a.Services.Policy = policySvc
	a.Services.Results = resultsSvc
	a.Services.Orchestrator = orchestrator
	a.Services.Dispatcher = dispatcher
	return a, nil
}

// Start launches background jobs: the result sweeper and, when configured,
// the overrides file watcher. They stop when ctx is cancelled or Close runs.
func (a *App) Start(ctx context.Context) error {
	a.Sweeper.Start()
	if a.Overrides != nil {
		if err := a.Overrides.Watch(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops background jobs and releases engine pools and database handles
// opened by New.
func (a *App) Close() error {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) fail(err error) error {
	if cerr := a.Close(); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}

func (a *App) openUsageStore(ctx context.Context, cfg *config.Config, deps Deps) (domain.UsageCounterStore, error) {
	switch strings.ToLower(cfg.Usage.Store) {
	case "memory":
		return policy.NewMemoryStore(), nil
	case "", "sqlite":
		if deps.WriteDB == nil || deps.ReadDB == nil {
			return nil, errors.New("sqlite usage store requires the metadata database")
		}
		return repository.NewUsageCounterRepo(deps.WriteDB, deps.ReadDB), nil
	case "postgres":
		pg, err := db.OpenPostgres(cfg.Usage.PostgresDSN, 0)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		repo := repository.NewPostgresUsageCounterRepo(pg)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres usage schema: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown usage store %q", cfg.Usage.Store)
	}
}

func openResultIndex(cfg *config.Config, deps Deps) (domain.ResultIndex, error) {
	switch strings.ToLower(cfg.Results.Index) {
	case "memory":
		return results.NewMemoryIndex(), nil
	case "", "sqlite":
		if deps.WriteDB == nil || deps.ReadDB == nil {
			return nil, errors.New("sqlite result index requires the metadata database")
		}
		return repository.NewResultIndexRepo(deps.WriteDB, deps.ReadDB), nil
	default:
		return nil, fmt.Errorf("unknown result index %q", cfg.Results.Index)
	}
}

// NeedsMetaDB reports whether cfg keeps any state in the SQLite metadata file.
func NeedsMetaDB(cfg *config.Config) bool {
	usage := strings.ToLower(cfg.Usage.Store)
	index := strings.ToLower(cfg.Results.Index)
	return usage == "" || usage == "sqlite" || index == "" || index == "sqlite"
}

package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jasperdg/session-change-monitoring/internal/alerting"
	"github.com/jasperdg/session-change-monitoring/internal/auth"
	"github.com/jasperdg/session-change-monitoring/internal/config"
	"github.com/jasperdg/session-change-monitoring/internal/fetcher"
	"github.com/jasperdg/session-change-monitoring/internal/httpapi"
	"github.com/jasperdg/session-change-monitoring/internal/ingest"
	"github.com/jasperdg/session-change-monitoring/internal/logging"
	"github.com/jasperdg/session-change-monitoring/internal/metrics"
	"github.com/jasperdg/session-change-monitoring/internal/scheduler"
	"github.com/jasperdg/session-change-monitoring/internal/service"
	"github.com/jasperdg/session-change-monitoring/internal/sessions"
	"github.com/jasperdg/session-change-monitoring/internal/storage"
	"github.com/jasperdg/session-change-monitoring/internal/storage/memory"
	"github.com/jasperdg/session-change-monitoring/internal/timeseries"
	"github.com/jasperdg/session-change-monitoring/internal/version"
)

// Backend is everything the commands need from a sample store.
type Backend interface {
	storage.SampleStore
	storage.TableLister
	storage.AdvisoryLocker
}

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

// openStore connects to PostgreSQL. Without a DSN it returns an in-memory
// store when allowMemory is set and an error otherwise.
func (a *App) openStore(ctx context.Context, allowMemory bool) (Backend, func(), error) {
	if a.Config.Database.DSN == "" {
		if !allowMemory {
			return nil, nil, errors.New("database.dsn not configured")
		}
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store")
		return memory.New(), func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	if a.Config.Database.AutoMigrate {
		applied, err := storage.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if len(applied) > 0 {
			a.Logger.Info().Strs("versions", applied).Msg("applied migrations")
		}
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

// buildRegistry validates the configured tables and, when enabled, adds every
// sample table found in the database.
func (a *App) buildRegistry(ctx context.Context, lister storage.TableLister) (*storage.Registry, error) {
	names := a.Config.TableNames()
	if a.Config.Tables.Discover && lister != nil {
		found, err := lister.ListSampleTables(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover tables: %w", err)
		}
		for _, name := range found {
			if err := storage.ValidateTableName(name); err != nil {
				a.Logger.Warn().Str("table", name).Msg("skipping discovered table with unsupported name")
				continue
			}
			names = append(names, name)
		}
	}
	return storage.NewRegistry(names[0], names[1:]...)
}

func (a *App) newExtractor(store storage.SampleReader) *timeseries.Extractor {
	return timeseries.NewExtractor(store, a.Config.Outliers.ContextWindow, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Digest.Telegram.Enabled {
		cfg := a.Config.Digest.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) newSources(tables *storage.Registry) ([]service.Source, error) {
	ing := a.Config.Ingest
	var sources []service.Source
	for _, feed := range ing.Feeds {
		table, err := tables.Resolve(feed.Table)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", feed.Name, err)
		}
		sources = append(sources, service.Source{
			Fetcher: fetcher.NewFeed(fetcher.FeedOptions{
				Name:      feed.Name,
				URL:       feed.URL,
				Timeout:   ing.RequestTimeout,
				UserAgent: ing.UserAgent,
			}, a.Logger),
			Table:    table,
			Interval: feed.Interval,
		})
	}
	for _, vault := range ing.Vaults {
		table, err := tables.Resolve(vault.Table)
		if err != nil {
			return nil, fmt.Errorf("vault %s: %w", vault.Name, err)
		}
		timeout := vault.RequestTimeout
		if timeout <= 0 {
			timeout = ing.RequestTimeout
		}
		sources = append(sources, service.Source{
			Fetcher: fetcher.NewVault(fetcher.VaultOptions{
				Name:          vault.Name,
				RPCURL:        vault.RPCURL,
				Address:       vault.Address,
				AssetDecimals: vault.AssetDecimals,
				ShareDecimals: vault.ShareDecimals,
				Timeout:       timeout,
			}, a.Logger),
			Table:    table,
			Interval: vault.Interval,
		})
	}
	return sources, nil
}

func newMetricsRegistry() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.New(reg)
}

// Serve runs the dashboard API together with every configured background job
// until SIGINT or SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := a.Config
	store, closeStore, err := a.openStore(ctx, true)
	if err != nil {
		return err
	}
	defer closeStore()

	tables, err := a.buildRegistry(ctx, store)
	if err != nil {
		return err
	}

	reg, m := newMetricsRegistry()
	extractor := a.newExtractor(store)
	query := service.NewQuery(store, tables, extractor, m, service.QueryOptionsFromConfig(cfg), a.Logger)
	recorder := ingest.NewRecorder(store, m, cfg.Ingest.SlowInsert, a.Logger)

	authenticator, err := auth.New(auth.Options{
		Enabled:      cfg.Server.Auth.Enabled,
		Password:     cfg.Server.Auth.Password,
		Secret:       cfg.Server.Auth.SessionSecret,
		MaxAge:       cfg.Server.Auth.CookieMaxAge,
		SecureCookie: cfg.Server.Auth.SecureCookie || cfg.App.IsProduction(),
	})
	if err != nil {
		return err
	}
	if cfg.Server.Auth.Enabled && cfg.Server.Auth.SessionSecret == "" {
		a.Logger.Warn().Msg("server.auth.session_secret not set; sessions will not survive a restart")
	}

	catalog, err := sessions.Load(cfg.Sessions.Path)
	if err != nil {
		return err
	}

	var health func(context.Context) error
	if pg, ok := store.(*storage.Store); ok {
		health = func(ctx context.Context) error { return pg.Pool().Ping(ctx) }
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Query:    query,
		Sessions: catalog,
		Auth:     authenticator,
		Recorder: recorder,
		Tables:   tables,
		Metrics:  m,
		Gatherer: reg,
		Health:   health,
	}, httpapi.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IngestToken:    cfg.Ingest.Token,
	}, a.Logger)

	server := httpapi.NewServer(httpapi.ServerOptions{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, router, a.Logger)

	sources, err := a.newSources(tables)
	if err != nil {
		return err
	}

	var consumer *ingest.KafkaConsumer
	if cfg.Ingest.Kafka.Enabled {
		if consumer, err = a.newKafkaConsumer(recorder, tables); err != nil {
			return err
		}
		defer consumer.Close()
	}

	var jobs []job
	if cfg.Retention.Enabled {
		retention := service.NewRetention(store, tables.Tables(), cfg.Retention.KeepFor(), cfg.Retention.AdvisoryLockKey, m, a.Logger)
		jobs = append(jobs, job{
			opts: scheduler.Options{Name: "retention", Interval: cfg.Retention.Interval, AlignToStart: true, RunOnStart: true},
			tick: retention.Tick,
		})
	}
	if cfg.Digest.Enabled {
		digest, err := a.newDigest(store, tables)
		if err != nil {
			return err
		}
		jobs = append(jobs, job{
			opts: scheduler.Options{Name: "digest", Interval: digestCheckInterval, AlignToStart: true},
			tick: digest.Tick,
		})
	}
	schedulers := make([]*scheduler.Scheduler, len(jobs))
	for i, j := range jobs {
		if schedulers[i], err = scheduler.New(j.opts, a.Logger); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	if len(sources) > 0 {
		ingestor := service.NewIngestor(recorder, store, cfg.Retention.AdvisoryLockKey, a.Logger, sources...)
		g.Go(func() error { return ingestor.Run(gctx) })
	}
	if consumer != nil {
		g.Go(func() error { return ignoreCanceled(consumer.Run(gctx)) })
	}
	for i, j := range jobs {
		sched, tick := schedulers[i], j.tick
		g.Go(func() error { return ignoreCanceled(sched.Run(gctx, tick)) })
	}

	a.Logger.Info().
		Str("addr", cfg.Server.Addr).
		Strs("tables", tables.Names()).
		Int("poll_sources", len(sources)).
		Bool("kafka", cfg.Ingest.Kafka.Enabled).
		Bool("retention", cfg.Retention.Enabled).
		Bool("digest", cfg.Digest.Enabled).
		Bool("auth", authenticator.Enabled()).
		Str("version", version.String()).
		Msg("starting dashboard service")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("dashboard service stopped")
	return nil
}

func (a *App) newKafkaConsumer(recorder *ingest.Recorder, tables *storage.Registry) (*ingest.KafkaConsumer, error) {
	kc := a.Config.Ingest.Kafka
	table, err := tables.Resolve(kc.Table)
	if err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}
	return ingest.NewKafkaConsumer(ingest.KafkaOptions{
		Brokers: kc.Brokers,
		Topic:   kc.Topic,
		GroupID: kc.GroupID,
	}, recorder, table, a.Logger)
}

func (a *App) newDigest(store storage.SampleReader, tables *storage.Registry) (*service.Digest, error) {
	loc, err := timeseries.LoadLocation(a.Config.Digest.Timezone)
	if err != nil {
		return nil, fmt.Errorf("digest.timezone: %w", err)
	}
	selected := tables.Tables()
	if len(a.Config.Digest.Tables) > 0 {
		selected = selected[:0]
		for _, name := range a.Config.Digest.Tables {
			table, err := tables.Resolve(name)
			if err != nil {
				return nil, fmt.Errorf("digest: %w", err)
			}
			selected = append(selected, table)
		}
	}
	return service.NewDigest(a.newExtractor(store), selected, a.newNotifier(), service.DigestOptions{
		Location: loc,
		Delay:    a.Config.Digest.Delay,
	}, a.Logger), nil
}

// digestCheckInterval is how often the digest looks for a finished day.
const digestCheckInterval = 15 * time.Minute

type job struct {
	opts scheduler.Options
	tick scheduler.TickFunc
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	Table     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Table string
	Limit int
}

// ImportOptions configure a file import.
type ImportOptions struct {
	Table  string
	Path   string
	DryRun bool
}

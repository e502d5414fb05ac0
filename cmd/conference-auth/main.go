package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	gconfig "github.com/goliatone/go-config/config"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-featuregate/gate"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	auth "github.com/goliatone/go-conference-auth"
	"github.com/goliatone/go-conference-auth/config"
	"github.com/goliatone/go-conference-auth/metrics"
)

type App struct {
	config   *gconfig.Container[*config.BaseConfig]
	bunDB    *bun.DB
	repo     auth.RepositoryManager
	tokens   *auth.TokenService
	sessions *auth.SessionManager
	contexts *auth.ContextManager
	metrics  *metrics.Recorder
	registry *prometheus.Registry
	srv      router.Server[*fiber.App]
	logger   *glog.BaseLogger
}

func (a *App) Config() *config.BaseConfig {
	return a.config.Raw()
}

func (a *App) SetDB(db *bun.DB) {
	a.bunDB = db
}

func (a *App) SetRepository(repo auth.RepositoryManager) {
	a.repo = repo
}

func (a *App) SetHTTPServer(srv router.Server[*fiber.App]) {
	a.srv = srv
}

func (a *App) GetLogger(name string) glog.Logger {
	return a.logger.GetLogger(name)
}

func (a *App) LoggerProvider() auth.LoggerProvider {
	return auth.LoggerProviderFunc(func(name string) auth.Logger {
		return a.GetLogger(name)
	})
}

func main() {
	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Trace),
		glog.WithName("app"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(errors.ToSlogAttributes),
	)

	cfg := gconfig.New(&config.BaseConfig{}).
		WithLogger(lgr.GetLogger("config"))

	ctx := context.Background()
	if err := cfg.Load(ctx); err != nil {
		panic(err)
	}

	if cfg.Raw().Debug {
		fmt.Println("============")
		fmt.Println(print.MaybeHighlightJSON(cfg.Raw()))
		fmt.Println("============")
	}

	app := &App{
		config: cfg,
		logger: lgr,
	}

	WithMetrics(app)

	if err := WithPersistence(ctx, app); err != nil {
		panic(err)
	}

	WithManagers(app)

	if err := WithHTTPServer(ctx, app); err != nil {
		panic(err)
	}

	app.srv.Serve(app.Config().GetServer().GetAddress())

	WaitExitSignal()

	if err := app.bunDB.Close(); err != nil {
		app.GetLogger("app").Error("closing database failed", "error", err)
	}
}

func WithMetrics(app *App) {
	app.registry = prometheus.NewRegistry()
	app.metrics = metrics.New().MustRegister(app.registry)
}

func openDB(cfg config.Persistence) (*bun.DB, error) {
	switch cfg.GetDriver() {
	case config.DriverPostgres:
		sqldb, err := sql.Open("pgx", cfg.GetDSN())
		if err != nil {
			return nil, err
		}
		return bun.NewDB(sqldb, pgdialect.New()), nil
	default:
		sqldb, err := sql.Open(sqliteshim.ShimName, cfg.GetDSN())
		if err != nil {
			return nil, err
		}
		sqldb.SetMaxOpenConns(1)
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	}
}

func WithPersistence(ctx context.Context, app *App) error {
	cfg := app.Config().GetPersistence()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}

	timeout := cfg.GetPingTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	if err := auth.Migrate(ctx, db); err != nil {
		return err
	}

	repo := auth.NewRepositoryManager(db)
	if err := repo.Validate(); err != nil {
		return err
	}

	if err := repo.Roles().EnsureSystemRoles(ctx); err != nil {
		return err
	}

	app.SetDB(db)
	app.SetRepository(repo)

	return nil
}

func WithManagers(app *App) {
	cfg := app.Config()
	authCfg := cfg.GetAuth()
	provider := app.LoggerProvider()

	app.tokens = auth.NewTokenServiceFromConfig(authCfg, app.GetLogger("auth:tokens"))

	runner := auth.NewAsyncRunner(auth.DefaultSideEffectTimeout, app.GetLogger("auth:effects"), app.metrics)

	features := cfg.GetFeatures()
	flags := auth.FeatureFlags{
		gate.FeatureUsersSignup:                features.Signup,
		gate.FeatureUsersPasswordReset:         features.PasswordReset,
		gate.FeatureUsersPasswordResetFinalize: features.PasswordReset,
	}

	app.sessions = auth.NewSessionManager(app.repo, app.tokens, authCfg).
		WithLoggerProvider(provider).
		WithMetrics(app.metrics).
		WithSideEffectRunner(runner).
		WithPublisher(auth.NewLogPublisher(app.GetLogger("auth:notifications"))).
		WithFeatureGate(flags).
		WithPhoneRegion(authCfg.GetPhoneRegion())

	audit := auth.NewAuditRecorder(auth.NewRepositoryAuditSink(app.repo.AuditEntries()), runner)

	app.contexts = auth.NewContextManager(app.repo, app.tokens, authCfg).
		WithLoggerProvider(provider).
		WithMetrics(app.metrics).
		WithAuditRecorder(audit)

	if mode := authCfg.GetRemoveRoleMode(); mode != "" {
		app.contexts.WithRemoveRoleMode(auth.RemoveRoleMode(mode))
	}

	conference := cfg.GetConference()
	if url := conference.GetServiceURL(); url != "" {
		resolver := auth.NewHTTPScopeNameResolver(url, conference.GetTimeout())
		app.contexts.WithScopeNames(resolver, conference.GetTimeout())
	}
}

func WithHTTPServer(_ context.Context, app *App) error {
	cfg := app.Config()

	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		f := router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:  true,
			StrictRouting: false,
		}))
		if cfg.GetServer().MetricsEnabled() {
			f.Get("/metrics", adaptor.HTTPHandler(metrics.Handler(app.registry)))
		}
		return f
	})

	srv.Router().WithLogger(app.GetLogger("router"))

	rl := cfg.GetRateLimit()
	guard := auth.NewRouteGuard(app.tokens, cfg.GetAuth().GetInternalAPIKey()).
		WithLogger(app.GetLogger("auth:http")).
		WithMetrics(app.metrics).
		WithLoginLimiter(auth.NewLoginLimiter(rl.GetPerSecond(), rl.GetBurst()))

	auth.RegisterRoutes(srv.Router(),
		auth.WithSessionManager(app.sessions),
		auth.WithContextManager(app.contexts),
		auth.WithRouteGuard(guard),
		auth.WithControllerLogger(app.GetLogger("auth:controller")),
		auth.WithDebug(cfg.Debug),
	)

	srv.Router().Get("/health", func(ctx router.Context) error {
		return ctx.JSON(fiber.StatusOK, router.ViewContext{"status": "ok"})
	})

	app.SetHTTPServer(srv)

	return nil
}

func WaitExitSignal() os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	return <-ch
}

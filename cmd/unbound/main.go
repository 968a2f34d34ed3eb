package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/unbound-ops/unbound/internal/app"
	"github.com/unbound-ops/unbound/internal/audit"
	"github.com/unbound-ops/unbound/internal/auth"
	"github.com/unbound-ops/unbound/internal/commands"
	"github.com/unbound-ops/unbound/internal/observability"
	"github.com/unbound-ops/unbound/internal/platform/cache"
	"github.com/unbound-ops/unbound/internal/platform/db"
	"github.com/unbound-ops/unbound/internal/rules"
	"github.com/unbound-ops/unbound/internal/users"
	"github.com/unbound-ops/unbound/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, identity cache disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	auditRepo := audit.NewRepository(pool)
	auditRecorder := audit.NewRecorder(auditRepo, logger, metrics)
	auditService := audit.NewService(auditRepo)
	auditHandler := audit.NewHandler(logger, auditService)

	usersRepo := users.NewRepository(pool)
	ledger := users.NewLedger(usersRepo)

	authRepo := auth.NewRepository(pool)
	identityCache := auth.NewIdentityCache(redisClient, cfg.AuthCacheTTL)
	authService := auth.NewService(authRepo, usersRepo, identityCache, logger)
	authMiddleware := auth.Middleware{Service: authService, Logger: logger}

	usersService := users.NewService(usersRepo, ledger, authService, auditRecorder)
	usersHandler := users.NewHandler(logger, usersService, authMiddleware.RequireAdmin)

	rulesRepo := rules.NewRepository(pool)
	rulesService := rules.NewService(rulesRepo, auditRecorder)
	rulesHandler := rules.NewHandler(logger, rulesService, authMiddleware.RequireAdmin)

	dispatcher, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	loc, err := cfg.GovernorLocation()
	if err != nil {
		logger.Error("resolve governor timezone", slog.Any("error", err))
		os.Exit(1)
	}

	commandsRepo := commands.NewRepository(pool)
	governor := commands.NewGovernor(commandsRepo, rulesService, ledger, auditRecorder, dispatcher, metrics, logger, commands.Config{
		DefaultAction:    rules.Action(cfg.GovernorDefaultAction),
		DefaultThreshold: cfg.GovernorDefaultThreshold,
		CommandCost:      cfg.CommandCost,
		Location:         loc,
	})
	coordinator := commands.NewCoordinator(commandsRepo, governor, auditRecorder)
	commandsHandler := commands.NewHandler(logger, governor, coordinator, authMiddleware.RequireAdmin)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		AuthMiddleware:  authMiddleware,
		UsersHandler:    usersHandler,
		RulesHandler:    rulesHandler,
		CommandsHandler: commandsHandler,
		AuditHandler:    auditHandler,
		JobsHandler:     jobsHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"seedr-bot/internal/bot"
	"seedr-bot/internal/config"
	"seedr-bot/internal/metrics"
	"seedr-bot/internal/repository"
	"seedr-bot/internal/seedr"
	"seedr-bot/internal/server"
	"seedr-bot/internal/service"
)

const sweepTimeout = 30 * time.Second

// App owns every long-lived component and their startup/shutdown order.
type App struct {
	cfg       config.Config
	log       *zap.Logger
	db        *gorm.DB
	bot       *bot.Bot
	links     *service.LinkService
	scheduler *service.SchedulerService
	router    http.Handler
	server    *server.Server
}

// New authorizes against Telegram and wires the application.
func New(cfg config.Config, log *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	api, err := bot.NewAPI(cfg.TelegramToken, log)
	if err != nil {
		return nil, err
	}
	return NewWithAPI(cfg, log, api)
}

// NewWithAPI wires the application around an existing Bot API client.
func NewWithAPI(cfg config.Config, log *zap.Logger, api bot.API) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := repository.NewDB(cfg.DatabaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}

	reg := metrics.New(prometheus.NewRegistry())
	users := repository.NewUserRepository(db)
	tokens := repository.NewTokenRepository(db)
	links := service.NewLinkService(
		seedr.NewClient(cfg.SeedrBaseURL, cfg.SeedrClientID),
		tokens,
		service.LinkPolicy{CodeTTL: cfg.LinkCodeTTL, AllowRelink: cfg.AllowRelink},
	)
	telegramBot := bot.New(api, users, links, log, bot.Options{
		HandlerTimeout: cfg.HandlerTimeout,
		Metrics:        reg,
	})
	router := server.NewRouter(telegramBot, cfg.WebhookSecret, log, reg)

	a := &App{
		cfg:       cfg,
		log:       log,
		db:        db,
		bot:       telegramBot,
		links:     links,
		scheduler: service.NewSchedulerService(time.Local, log),
		router:    router,
		server:    server.New(cfg.Addr(), router),
	}

	if cfg.LinkCodeTTL > 0 && cfg.SweepInterval > 0 {
		if _, err := a.scheduler.ScheduleInterval("sweep device codes", cfg.SweepInterval, sweepTimeout, a.sweepCodes); err != nil {
			_ = repository.Close(db)
			return nil, fmt.Errorf("schedule sweep: %w", err)
		}
	}
	return a, nil
}

func (a *App) Handler() http.Handler {
	return a.router
}

// Run registers the webhook, serves until ctx is cancelled, then shuts down.
// A failed webhook registration is returned before any connection is accepted.
func (a *App) Run(ctx context.Context) error {
	if err := a.start(); err != nil {
		a.closeDB()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()
	a.log.Info("listening", zap.String("addr", a.cfg.Addr()), zap.String("webhook", a.cfg.WebhookEndpoint()))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	a.shutdown()
	return runErr
}

func (a *App) start() error {
	if err := a.bot.RegisterWebhook(a.cfg.WebhookEndpoint(), a.cfg.WebhookSecret); err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}
	a.bot.Start()
	a.scheduler.Start()
	return nil
}

// shutdown stops intake first, then the update loop, then releases the store.
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.server.Stop(ctx); err != nil {
		a.log.Warn("http shutdown", zap.Error(err))
	}
	a.bot.Stop()
	a.scheduler.Stop()
	a.closeDB()
	a.log.Info("shutdown complete")
}

func (a *App) closeDB() {
	if err := repository.Close(a.db); err != nil {
		a.log.Warn("close db", zap.Error(err))
	}
}

func (a *App) sweepCodes(ctx context.Context) error {
	n, err := a.links.Sweep(ctx)
	if n > 0 {
		a.log.Info("expired device codes dropped", zap.Int("count", n))
	}
	return err
}

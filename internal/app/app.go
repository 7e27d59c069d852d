package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"affiliate-sentinel/internal/alerting"
	"affiliate-sentinel/internal/captcha"
	"affiliate-sentinel/internal/config"
	"affiliate-sentinel/internal/control"
	"affiliate-sentinel/internal/fetcher"
	"affiliate-sentinel/internal/proxy"
	"affiliate-sentinel/internal/scheduler"
	"affiliate-sentinel/internal/service"
	"affiliate-sentinel/internal/session"
	"affiliate-sentinel/internal/stats"
	"affiliate-sentinel/internal/storage"
	"affiliate-sentinel/internal/withdraw"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newProxyProvider() (proxy.Provider, error) {
	if !a.Config.Proxy.Enabled {
		return proxy.Disabled{}, nil
	}
	return proxy.NewRotating(a.Config.Proxy.URL, a.Config.Proxy.Username, a.Config.Proxy.Password)
}

func (a *App) newSolver() captcha.Solver {
	cfg := a.Config.Captcha
	return captcha.NewAntiCaptcha(cfg.APIKey, cfg.APIBase, cfg.Timeout, a.Logger)
}

func (a *App) newSession(solver captcha.Solver) (*session.Manager, error) {
	provider, err := a.newProxyProvider()
	if err != nil {
		return nil, err
	}
	cookies, err := session.NewCookieStore(a.Config.Session.CookiesPath, a.Config.Target.DashboardURL)
	if err != nil {
		return nil, err
	}
	return session.NewManager(session.Options{
		Email:            a.Config.Account.Email,
		Password:         a.Config.Account.Password,
		TOTPSecret:       a.Config.Account.TOTPSecret,
		DashboardURL:     a.Config.Target.DashboardURL,
		LoginURL:         a.Config.Target.LoginURL,
		OTPVerifyURL:     a.Config.Target.OTPVerifyURL,
		SiteKey:          a.Config.Captcha.SiteKey,
		UserAgent:        a.Config.Target.UserAgent,
		Timeout:          a.Config.Target.RequestTimeout,
		MaxLoginAttempts: a.Config.Session.MaxLoginAttempts,
	}, provider, solver, cookies, a.Logger), nil
}

func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Telegram
	return alerting.NewTelegramNotifier(cfg.BotToken, cfg.APIBase, 10*time.Second, a.Logger)
}

// liveBalances reads withdrawable figures straight off the panel via the
// engine's persistence-free path, so the withdrawal controller and the
// control surface never act on an hour-old snapshot.
type liveBalances struct {
	engine *stats.Engine
}

func (b liveBalances) Balances(ctx context.Context) (withdraw.Balances, error) {
	figures, err := b.engine.Peek(ctx)
	if err != nil {
		return withdraw.Balances{}, err
	}
	return withdraw.Balances{Main: figures.Balance, Bonus: figures.Bonus}, nil
}

// Run executes the long-running monitoring service: both scheduled
// loops, the recipients watcher, and the operator command surface.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 必须配置")
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	solver := a.newSolver()
	if ac, ok := solver.(*captcha.AntiCaptcha); ok {
		if balance, err := ac.Balance(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("anti-captcha balance check failed")
		} else {
			a.Logger.Info().Float64("balance", balance).Msg("anti-captcha account balance")
		}
	}

	sess, err := a.newSession(solver)
	if err != nil {
		return err
	}
	fetch := fetcher.New(sess, a.Logger)

	engine := stats.NewEngine(stats.Options{
		StatisticsURL:     a.Config.Target.StatisticsURL,
		StatisticsWeekURL: a.Config.Target.StatisticsWeekURL,
		CanonicalPeriod:   config.CanonicalPeriod,
		RequestTimeout:    a.Config.Target.RequestTimeout,
	}, fetch, sess, store, store, store, a.Logger)

	balances := liveBalances{engine: engine}

	controller := withdraw.NewController(withdraw.Options{
		PaymentRequestURL: a.Config.Target.PaymentRequestURL,
		PaymentHistoryURL: a.Config.Target.PaymentHistoryURL,
		MinAmount:         decimal.NewFromFloat(a.Config.Withdrawal.MinAmount),
		MethodID:          a.Config.Withdrawal.MethodID,
		Timeout:           a.Config.Target.PaymentTimeout,
	}, fetch, sess, store, store, balances, a.Logger)

	queue := alerting.NewQueue(a.Config.Telegram.QueuePath)
	recipients, err := alerting.NewRecipients(a.Config.Telegram.ChatIDsPath, a.Logger)
	if err != nil {
		return err
	}
	notifier := a.newNotifier()

	svc := service.New(a.Config, sess, fetch, engine, controller, store, store, queue, recipients, notifier, a.Logger)

	rotate := func(ctx context.Context) error {
		_, err := sess.Rotate(ctx)
		return err
	}
	broadcastLoop := scheduler.NewLoop("broadcast", svc.BroadcastTask, rotate, a.Logger)
	withdrawalLoop := scheduler.NewLoop("withdrawal", svc.WithdrawalTask, rotate, a.Logger)

	errCh := make(chan error, 4)
	go func() { errCh <- broadcastLoop.Run(ctx) }()
	go func() { errCh <- withdrawalLoop.Run(ctx) }()
	go func() { errCh <- recipients.Watch(ctx) }()

	if a.Config.Telegram.Enabled {
		surface := control.NewSurface(control.Options{
			BotToken:      a.Config.Telegram.BotToken,
			BaseURL:       a.Config.Telegram.APIBase,
			MinWithdrawal: decimal.NewFromFloat(a.Config.Withdrawal.MinAmount),
		}, notifier, broadcastLoop, store, balances, a.Logger)
		go func() { errCh <- surface.Run(ctx) }()
	}

	a.Logger.Info().Msg("starting monitoring service")
	err = <-errCh
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting history rows.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

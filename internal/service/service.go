// Package service wires the session, statistics engine, withdrawal
// controller, and alert pipeline into the two scheduled tasks.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"affiliate-sentinel/internal/alerting"
	"affiliate-sentinel/internal/config"
	"affiliate-sentinel/internal/extract"
	"affiliate-sentinel/internal/fetcher"
	"affiliate-sentinel/internal/scheduler"
	"affiliate-sentinel/internal/session"
	"affiliate-sentinel/internal/stats"
	"affiliate-sentinel/internal/storage"
	"affiliate-sentinel/internal/withdraw"
)

// Service orchestrates collection, persistence, and alerting.
type Service struct {
	cfg        *config.Config
	sess       *session.Manager
	fetch      *fetcher.Fetcher
	engine     *stats.Engine
	controller *withdraw.Controller

	settings storage.SettingsStore
	ledger   storage.LedgerStore

	queue      *alerting.Queue
	recipients *alerting.Recipients
	notifier   alerting.Notifier

	broadcastGate  *scheduler.BroadcastGate
	withdrawalGate *scheduler.IntervalGate

	logger zerolog.Logger
}

// New constructs the monitoring service.
func New(cfg *config.Config, sess *session.Manager, fetch *fetcher.Fetcher, engine *stats.Engine, controller *withdraw.Controller, settings storage.SettingsStore, ledger storage.LedgerStore, queue *alerting.Queue, recipients *alerting.Recipients, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		sess:       sess,
		fetch:      fetch,
		engine:     engine,
		controller: controller,
		settings:   settings,
		ledger:     ledger,
		queue:      queue,
		recipients: recipients,
		notifier:   notifier,
		broadcastGate: scheduler.NewBroadcastGate(
			cfg.Broadcast.CollectMin, cfg.Broadcast.AlertMin, cfg.Broadcast.ResetMin),
		withdrawalGate: scheduler.NewIntervalGate(cfg.Withdrawal.DefaultInterval),
		logger:         logger.With().Str("component", "service").Logger(),
	}
}

// BroadcastTask is the per-second body of the broadcast loop.
func (s *Service) BroadcastTask(ctx context.Context, now time.Time) error {
	switch s.broadcastGate.Tick(now) {
	case scheduler.Collect:
		return s.Collect(ctx)
	case scheduler.Alert:
		return s.Dispatch(ctx)
	default:
		return nil
	}
}

// WithdrawalTask is the per-second body of the withdrawal loop. The
// cycle length is re-read from settings so the control surface can
// change it between cycles.
func (s *Service) WithdrawalTask(ctx context.Context, now time.Time) error {
	if settings, err := s.settings.GetWithdrawalSettings(ctx); err == nil {
		s.withdrawalGate.SetInterval(settings.PeriodMinutes)
	} else {
		s.logger.Warn().Err(err).Msg("settings read failed, keeping previous interval")
	}

	if !s.withdrawalGate.Tick(now) {
		return nil
	}
	return s.RunWithdrawalCycle(ctx)
}

// Collect gathers every configured period's statistics, renders the
// report, and queues it for the alert minute.
func (s *Service) Collect(ctx context.Context) error {
	if _, err := s.sess.EnsureAuthenticated(ctx); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	var deltas []*stats.Delta
	for _, period := range s.cfg.Broadcast.Periods {
		delta, err := s.engine.Poll(ctx, period)
		if err != nil {
			return fmt.Errorf("poll %q: %w", period, err)
		}
		deltas = append(deltas, delta)
	}

	report := alerting.Report{
		Deltas:       deltas,
		Rank:         s.fetchRank(ctx),
		AlwaysReport: s.cfg.Broadcast.AlwaysReport,
	}
	if rollup, err := s.ledger.CommissionRollup(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("commission rollup unavailable")
	} else {
		report.Rollup = &rollup
	}

	text := alerting.RenderReport(report)

	queued, err := s.queue.Load()
	if err != nil {
		s.logger.Warn().Err(err).Msg("queue load failed, starting fresh")
		queued = nil
	}
	if err := s.queue.Save(append(queued, text)); err != nil {
		return fmt.Errorf("queue report: %w", err)
	}

	s.logger.Info().Int("periods", len(deltas)).Msg("statistics collected and queued")
	return nil
}

// Dispatch sends everything queued to every recipient, then clears the
// queue. A partial failure keeps the queue for the flush command.
func (s *Service) Dispatch(ctx context.Context) error {
	messages, err := s.queue.Load()
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	if len(messages) == 0 {
		s.logger.Debug().Msg("nothing queued, skipping dispatch")
		return nil
	}

	chatIDs := s.recipients.ChatIDs()
	if len(chatIDs) == 0 {
		return fmt.Errorf("no recipients configured")
	}

	var failed bool
	for _, text := range messages {
		for _, chatID := range chatIDs {
			if err := s.notifier.Send(ctx, chatID, text); err != nil {
				failed = true
				s.logger.Error().Err(err).Str("chat_id", chatID).Msg("report delivery failed")
			}
		}
	}
	if failed {
		return fmt.Errorf("some report deliveries failed, queue retained")
	}

	if err := s.queue.Clear(); err != nil {
		s.logger.Warn().Err(err).Msg("queue clear failed")
	}
	s.logger.Info().Int("messages", len(messages)).Int("recipients", len(chatIDs)).Msg("reports dispatched")
	return nil
}

// RunWithdrawalCycle executes one payout cycle and notifies operators of
// anything visible: manual withdrawals, confirmations, rejections.
func (s *Service) RunWithdrawalCycle(ctx context.Context) error {
	if _, err := s.sess.EnsureAuthenticated(ctx); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	report, err := s.controller.Cycle(ctx)
	if err != nil {
		return fmt.Errorf("withdrawal cycle: %w", err)
	}

	text := alerting.RenderWithdrawals(report)
	if text == "" {
		return nil
	}
	for _, chatID := range s.recipients.ChatIDs() {
		if err := s.notifier.Send(ctx, chatID, text); err != nil {
			s.logger.Error().Err(err).Str("chat_id", chatID).Msg("withdrawal notice delivery failed")
		}
	}
	return nil
}

// Flush resends the queued messages immediately; used by the CLI.
func (s *Service) Flush(ctx context.Context) error {
	return s.Dispatch(ctx)
}

func (s *Service) fetchRank(ctx context.Context) *extract.RankInfo {
	if s.cfg.Target.RatingsURL == "" {
		return nil
	}
	resp, err := s.fetch.Get(ctx, s.cfg.Target.RatingsURL, fetcher.Options{Timeout: s.cfg.Target.RequestTimeout})
	if err != nil {
		s.logger.Warn().Err(err).Msg("ratings fetch failed")
		return nil
	}
	rank, ok := extract.TopAffiliateRank(resp.Text())
	if !ok {
		s.logger.Debug().Msg("own row not present in ratings table")
		return nil
	}
	return &rank
}

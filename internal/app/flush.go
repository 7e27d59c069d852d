package app

import (
	"context"
	"errors"
	"fmt"

	"affiliate-sentinel/internal/alerting"
)

// Flush resends every queued report and clears the queue on success. It
// needs no panel session, only the alert pipeline.
func (a *App) Flush(ctx context.Context) error {
	queue := alerting.NewQueue(a.Config.Telegram.QueuePath)
	messages, err := queue.Load()
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		a.Logger.Info().Msg("message queue is empty")
		return nil
	}

	recipients, err := alerting.NewRecipients(a.Config.Telegram.ChatIDsPath, a.Logger)
	if err != nil {
		return err
	}
	chatIDs := recipients.ChatIDs()
	if len(chatIDs) == 0 {
		return errors.New("no recipients configured")
	}

	notifier := a.newNotifier()
	var failed bool
	for _, text := range messages {
		for _, chatID := range chatIDs {
			if err := notifier.Send(ctx, chatID, text); err != nil {
				failed = true
				a.Logger.Error().Err(err).Str("chat_id", chatID).Msg("queued report delivery failed")
			}
		}
	}
	if failed {
		return fmt.Errorf("some deliveries failed, queue retained")
	}

	if err := queue.Clear(); err != nil {
		return err
	}
	a.Logger.Info().Int("messages", len(messages)).Msg("queued reports flushed")
	return nil
}

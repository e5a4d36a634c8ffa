// Package sender holds the delivery adapters used by the queue.
package sender

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"leadez/internal/config"
	"leadez/internal/delivery"
	"leadez/internal/domain"
)

// Log records each delivery in the log and always succeeds.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Deliver(ctx context.Context, msg domain.Message) error {
	content, err := Render(msg.Content)
	if err != nil {
		return err
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "message delivered",
		"message_id", msg.ID, "channel", msg.Channel, "to", msg.Address(), "subject", content.Subject)
	return nil
}

// Router dispatches by channel. Messages on an unrouted channel are skipped.
type Router map[domain.Channel]delivery.Sender

func (r Router) Deliver(ctx context.Context, msg domain.Message) error {
	s, ok := r[msg.Channel]
	if !ok || s == nil {
		return fmt.Errorf("%w: no sender for channel %q", delivery.ErrSkip, msg.Channel)
	}
	return s.Deliver(ctx, msg)
}

// FromConfig builds the sender selected by cfg.Kind.
func FromConfig(cfg config.Sender, logger *slog.Logger) (delivery.Sender, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch cfg.Kind {
	case config.SenderLog, "":
		return Log{Logger: logger}, nil
	case config.SenderWebhook:
		return NewWebhook(cfg.URL, cfg.Secret, timeout), nil
	case config.SenderRouter:
		router := Router{}
		for ch, url := range cfg.Channels {
			channel, err := domain.ParseChannel(ch)
			if err != nil {
				return nil, &domain.ConfigurationError{Field: "sender.channels", Reason: err.Error()}
			}
			router[channel] = NewWebhook(url, cfg.Secret, timeout)
		}
		return router, nil
	default:
		return nil, &domain.ConfigurationError{Field: "sender.kind", Reason: fmt.Sprintf("unknown sender %q", cfg.Kind)}
	}
}

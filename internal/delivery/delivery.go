// Package delivery stages approved messages in memory and dispatches them to a
// Sender at a bounded rate, with retry, auto-refill and batched status writes.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"leadez/internal/domain"
)

// Store is the slice of the record store the queue reads from and writes to.
type Store interface {
	QueryMessages(ctx context.Context, q domain.MessageQuery) ([]domain.Message, error)
	BatchUpdateMessages(ctx context.Context, updates []domain.MessageUpdate) (domain.UpdateResult, error)
}

// Sender delivers one message.
type Sender interface {
	Deliver(ctx context.Context, msg domain.Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg domain.Message) error

func (f SenderFunc) Deliver(ctx context.Context, msg domain.Message) error { return f(ctx, msg) }

// ErrSkip is returned by a Sender that declines a message. The message is counted
// as skipped and stored as FAILED with the reason, so it is not fetched again.
var ErrSkip = errors.New("delivery skipped")

// SendError records one failed delivery attempt.
type SendError struct {
	MessageID string
	Attempt   int
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s (attempt %d): %v", e.MessageID, e.Attempt, e.Err)
}

func (e *SendError) Unwrap() []error { return []error{domain.ErrSendFailure, e.Err} }

// Filter selects which stored messages a fetch pulls.
type Filter struct {
	Status  domain.MessageStatus `json:"status"`
	Channel domain.Channel       `json:"channel,omitempty"`
	// Limit further caps a single fetch below the free queue capacity.
	Limit int `json:"limit,omitempty"`
}

func (f Filter) withDefaults() Filter {
	if f.Status == "" {
		f.Status = domain.MessageApproved
	}
	return f
}

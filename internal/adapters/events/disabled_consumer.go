package events

import (
	"context"
	"log/slog"
	"sync"
)

// DisabledConsumer stands in when no broker is configured. Payout events are not read, so
// payout lines only move through the HTTP and gRPC surfaces.
type DisabledConsumer struct {
	logger *slog.Logger
	once   sync.Once
}

func NewDisabledConsumer(logger *slog.Logger) *DisabledConsumer {
	return &DisabledConsumer{logger: logger}
}

func (c *DisabledConsumer) Poll(ctx context.Context, _ int) ([]Message, error) {
	c.once.Do(func() {
		c.logger.WarnContext(ctx, "payout event consumer disabled",
			"module", "events.consumer",
			"layer", "adapter",
			"operation", "poll",
			"outcome", "disabled",
		)
	})
	return nil, nil
}

func (c *DisabledConsumer) Commit(context.Context, []Message) error {
	return nil
}

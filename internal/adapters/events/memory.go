package events

import (
	"context"
	"sync"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/contracts"
)

// MemoryPublisher records everything it is handed. Err, when set, fails every publish.
type MemoryPublisher struct {
	mu     sync.Mutex
	Err    error
	events []contracts.EventEnvelope
	dlq    []contracts.DLQRecord
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) PublishDomain(ctx context.Context, event contracts.EventEnvelope) error {
	return p.PublishEnvelope(ctx, event)
}

func (p *MemoryPublisher) PublishEnvelope(_ context.Context, event contracts.EventEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *MemoryPublisher) PublishDLQ(_ context.Context, record contracts.DLQRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dlq = append(p.dlq, record)
	return nil
}

func (p *MemoryPublisher) SetErr(err error) {
	p.mu.Lock()
	p.Err = err
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []contracts.EventEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]contracts.EventEnvelope(nil), p.events...)
}

func (p *MemoryPublisher) DLQ() []contracts.DLQRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]contracts.DLQRecord(nil), p.dlq...)
}

// MemoryConsumer hands out queued messages once.
type MemoryConsumer struct {
	mu        sync.Mutex
	pending   []Message
	committed []Message
}

func (c *MemoryConsumer) Push(msgs ...Message) {
	c.mu.Lock()
	c.pending = append(c.pending, msgs...)
	c.mu.Unlock()
}

func (c *MemoryConsumer) Poll(_ context.Context, max int) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if max <= 0 || max > len(c.pending) {
		max = len(c.pending)
	}
	out := append([]Message(nil), c.pending[:max]...)
	c.pending = c.pending[max:]
	return out, nil
}

func (c *MemoryConsumer) Commit(_ context.Context, msgs []Message) error {
	c.mu.Lock()
	c.committed = append(c.committed, msgs...)
	c.mu.Unlock()
	return nil
}

func (c *MemoryConsumer) Committed() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.committed...)
}

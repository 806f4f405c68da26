package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
)

// MemoryPayouts is a scripted provider. Delay simulates a slow provider and honours ctx.
type MemoryPayouts struct {
	mu      sync.Mutex
	payouts map[string]ports.ProviderPayout
	Delay   time.Duration
}

func NewMemoryPayouts() *MemoryPayouts {
	return &MemoryPayouts{payouts: map[string]ports.ProviderPayout{}}
}

func (p *MemoryPayouts) Set(po ports.ProviderPayout) {
	p.mu.Lock()
	p.payouts[po.PayoutTransactionID] = po
	p.mu.Unlock()
}

func (p *MemoryPayouts) GetPayout(ctx context.Context, payoutTransactionID string) (ports.ProviderPayout, error) {
	if p.Delay > 0 {
		timer := time.NewTimer(p.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ports.ProviderPayout{}, fmt.Errorf("%w: %v", domain.ErrOutcomeUnknown, ctx.Err())
		case <-timer.C:
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.payouts[payoutTransactionID]
	if !ok {
		return ports.ProviderPayout{}, &domain.NotFoundError{Entity: "payout", ID: payoutTransactionID}
	}
	return po, nil
}

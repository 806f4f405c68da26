package application

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
)

// AuditRecorder appends audit entries without ever failing the caller. Entries the sink rejects
// are spooled for replay and the degraded condition is raised once per outage.
type AuditRecorder struct {
	sink        ports.AuditRepository
	spool       ports.AuditSpool
	alerter     ports.Alerter
	logger      *slog.Logger
	nowFn       func() time.Time
	serviceName string

	mu       sync.Mutex
	degraded bool
}

func NewAuditRecorder(sink ports.AuditRepository, spool ports.AuditSpool, alerter ports.Alerter, logger *slog.Logger, nowFn func() time.Time, serviceName string) *AuditRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &AuditRecorder{sink: sink, spool: spool, alerter: alerter, logger: logger, nowFn: nowFn, serviceName: serviceName}
}

func (r *AuditRecorder) Record(ctx context.Context, entry domain.AuditEntry) {
	ctx = context.WithoutCancel(ctx)
	if strings.TrimSpace(entry.EntryID) == "" {
		entry.EntryID = uuid.NewString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.nowFn()
	}
	if entry.Result == "" {
		entry.Result = domain.AuditSuccess
	}

	var sinkErr error
	if r.sink == nil {
		sinkErr = domain.ErrDependencyUnavailable
	} else {
		sinkErr = r.sink.Append(ctx, entry)
	}
	if sinkErr == nil {
		return
	}

	r.logger.WarnContext(ctx, "audit sink append failed, spooling entry",
		"module", "application.audit",
		"layer", "application",
		"operation", "record",
		"outcome", "degraded",
		"entry_id", entry.EntryID,
		"action", entry.Action,
		"resource_id", entry.ResourceID,
		"error", sinkErr,
	)
	spooled := false
	if r.spool != nil {
		if err := r.spool.Push(ctx, entry); err != nil {
			raw, _ := json.Marshal(entry)
			r.logger.ErrorContext(ctx, "audit spool push failed",
				"module", "application.audit",
				"layer", "application",
				"operation", "spool_push",
				"outcome", "failure",
				"entry", string(raw),
				"error", err,
			)
		} else {
			spooled = true
		}
	}

	r.mu.Lock()
	first := !r.degraded
	r.degraded = true
	r.mu.Unlock()
	if first || !spooled {
		severity := "warning"
		if !spooled {
			severity = "critical"
		}
		r.raise(ctx, ports.Alert{
			Kind:     domain.EventAuditDegraded,
			Message:  "audit sink unavailable; entries are being spooled",
			Severity: severity,
			Fields: map[string]string{
				"entry_id": entry.EntryID,
				"action":   entry.Action,
				"spooled":  boolString(spooled),
				"error":    sinkErr.Error(),
			},
			RaisedAt: r.nowFn(),
		})
	}
}

// FlushSpool replays spooled entries into the sink, oldest first, and stops at the first failure.
func (r *AuditRecorder) FlushSpool(ctx context.Context, limit int) (int, error) {
	if r.spool == nil || r.sink == nil {
		return 0, nil
	}
	entries, err := r.spool.Peek(ctx, limit)
	if err != nil {
		return 0, err
	}
	acked := make([]string, 0, len(entries))
	var appendErr error
	for _, entry := range entries {
		if appendErr = r.sink.Append(ctx, entry); appendErr != nil {
			break
		}
		acked = append(acked, entry.EntryID)
	}
	if len(acked) > 0 {
		if err := r.spool.Ack(ctx, acked); err != nil {
			return 0, err
		}
	}
	if appendErr != nil {
		return len(acked), appendErr
	}
	remaining, err := r.spool.Len(ctx)
	if err == nil && remaining == 0 {
		r.mu.Lock()
		wasDegraded := r.degraded
		r.degraded = false
		r.mu.Unlock()
		if wasDegraded {
			r.logger.InfoContext(ctx, "audit sink recovered",
				"module", "application.audit",
				"layer", "application",
				"operation", "flush_spool",
				"outcome", "recovered",
				"replayed", len(acked),
			)
		}
	}
	return len(acked), nil
}

func (r *AuditRecorder) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

func (r *AuditRecorder) raise(ctx context.Context, alert ports.Alert) {
	if r.alerter == nil {
		r.logger.ErrorContext(ctx, "operational alert",
			"module", "application.audit",
			"layer", "application",
			"operation", "alert",
			"kind", alert.Kind,
			"severity", alert.Severity,
			"message", alert.Message,
		)
		return
	}
	if err := r.alerter.Raise(ctx, alert); err != nil {
		r.logger.ErrorContext(ctx, "alert delivery failed",
			"module", "application.audit",
			"layer", "application",
			"operation", "alert",
			"outcome", "failure",
			"kind", alert.Kind,
			"error", err,
		)
	}
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// QueryAudit lists audit entries for staff. Parties to a refund may read that refund's trail.
func (s *Service) QueryAudit(ctx context.Context, actor Actor, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if s.audit.sink == nil {
		return nil, domain.ErrDependencyUnavailable
	}
	if !isStaffRole(actor.Role) {
		if q.ResourceType != domain.ResourceRefund || strings.TrimSpace(q.ResourceID) == "" {
			return nil, domain.ErrForbidden
		}
		if _, err := s.GetRefund(ctx, actor, q.ResourceID); err != nil {
			return nil, err
		}
	}
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 100
	}
	return s.audit.sink.Query(ctx, q)
}

// FlushAuditSpool replays spooled audit entries; the worker calls it on every tick.
func (s *Service) FlushAuditSpool(ctx context.Context) (int, error) {
	return s.audit.FlushSpool(ctx, s.cfg.AuditFlushBatchSize)
}

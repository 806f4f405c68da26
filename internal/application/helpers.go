package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
)

// replayIdempotent returns the cached response for a reused key, or reserves the key for a new
// request. Requests without a key are not deduplicated.
func replayIdempotent[T any](ctx context.Context, s *Service, actor Actor, requestHash string) (T, bool, error) {
	var zero T
	key := strings.TrimSpace(actor.IdempotencyKey)
	if s.idempotency == nil || key == "" {
		return zero, false, nil
	}
	now := s.nowFn()
	existing, err := s.idempotency.Get(ctx, key, now)
	if err != nil {
		return zero, false, err
	}
	if existing != nil {
		if existing.RequestHash != requestHash {
			_ = s.publishDLQIdempotencyConflict(ctx, key, actor.RequestID)
			return zero, false, domain.ErrIdempotencyConflict
		}
		if len(existing.ResponseBody) == 0 {
			return zero, false, domain.ErrConflict
		}
		var cached T
		if err := json.Unmarshal(existing.ResponseBody, &cached); err != nil {
			return zero, false, err
		}
		return cached, true, nil
	}
	if err := s.idempotency.Reserve(ctx, key, requestHash, now.Add(s.cfg.IdempotencyTTL)); err != nil {
		return zero, false, err
	}
	return zero, false, nil
}

func (s *Service) completeIdempotent(ctx context.Context, key string, code int, payload any) error {
	if s.idempotency == nil || strings.TrimSpace(key) == "" {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.idempotency.Complete(ctx, strings.TrimSpace(key), code, b, s.nowFn())
}

// releaseIdempotentOnError frees the reservation taken by replayIdempotent when the request
// failed, so a retry under the same key runs again instead of reading as in flight.
func (s *Service) releaseIdempotentOnError(ctx context.Context, key string, errp *error) {
	key = strings.TrimSpace(key)
	if *errp == nil || s.idempotency == nil || key == "" {
		return
	}
	if err := s.idempotency.Release(context.WithoutCancel(ctx), key); err != nil {
		s.logger.WarnContext(ctx, "idempotency reservation not released",
			"module", "application",
			"layer", "application",
			"operation", "release_idempotency",
			"outcome", "failure",
			"error", err,
		)
	}
}

// withConflictRetry reruns fn when a compare-and-swap write loses a race. fn must reload state.
func (s *Service) withConflictRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.ConflictRetries; attempt++ {
		err = fn()
		if !errors.Is(err, domain.ErrConcurrentModification) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.logger.DebugContext(ctx, "version conflict, retrying",
			"module", "application",
			"layer", "application",
			"operation", "conflict_retry",
			"attempt", attempt+1,
			"error", err,
		)
	}
	return err
}

func hashPayload(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func parseRFC3339OrNow(raw string, fallback time.Time) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func requireActor(actor Actor) error {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return domain.ErrUnauthorized
	}
	return nil
}

func requireStaff(actor Actor) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if !isStaffRole(actor.Role) {
		return domain.ErrForbidden
	}
	return nil
}

func auditEntryFor(actor Actor, action string, resource domain.ResourceType, resourceID, reason string, before, after any) domain.AuditEntry {
	return domain.AuditEntry{
		ActorID:      actor.SubjectID,
		ActorRole:    actor.Role,
		Action:       action,
		ResourceType: resource,
		ResourceID:   resourceID,
		Reason:       strings.TrimSpace(reason),
		Before:       snapshot(before),
		After:        snapshot(after),
		Result:       domain.AuditSuccess,
	}
}

// recordRejection audits a refused state change. Lookups and lost races are not audited.
func (s *Service) recordRejection(ctx context.Context, actor Actor, action string, resource domain.ResourceType, resourceID, reason string, cause error) {
	if !errors.Is(cause, domain.ErrInvalidState) && !errors.Is(cause, domain.ErrInsufficientBalance) && !errors.Is(cause, domain.ErrRuleViolation) && !errors.Is(cause, domain.ErrDistributionMismatch) {
		return
	}
	entry := auditEntryFor(actor, action, resource, resourceID, reason, nil, nil)
	entry.Result = domain.AuditFailure
	entry.ErrorDetail = cause.Error()
	s.audit.Record(ctx, entry)
}

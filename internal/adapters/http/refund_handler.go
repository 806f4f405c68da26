package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
)

func (h *Handler) openRefund(w http.ResponseWriter, r *http.Request) {
	var req contracts.OpenRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestIDFromContext(r.Context()))
		return
	}
	evidence := make([]domain.Evidence, 0, len(req.Evidence))
	for _, item := range req.Evidence {
		evidence = append(evidence, domain.Evidence{Kind: strings.TrimSpace(item.Kind), URL: strings.TrimSpace(item.URL), Description: strings.TrimSpace(item.Description)})
	}
	refund, err := h.service.OpenRefund(r.Context(), actorFromContext(r.Context()), application.OpenRefundInput{
		TransactionID: strings.TrimSpace(req.TransactionID),
		Amount:        req.Amount,
		Reason:        strings.TrimSpace(req.Reason),
		Description:   strings.TrimSpace(req.Description),
		Evidence:      evidence,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "", refund)
}

func (h *Handler) getRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := h.service.GetRefund(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "refund_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", refund)
}

func (h *Handler) startReview(w http.ResponseWriter, r *http.Request) {
	refund, err := h.service.StartReview(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "refund_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", refund)
}

func (h *Handler) forwardToSeller(w http.ResponseWriter, r *http.Request) {
	refund, err := h.service.ForwardToSeller(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "refund_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", refund)
}

func (h *Handler) respondAsSeller(w http.ResponseWriter, r *http.Request) {
	var req contracts.SellerResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestIDFromContext(r.Context()))
		return
	}
	refund, err := h.service.RespondAsSeller(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "refund_id"), application.SellerResponseInput{
		Content:      strings.TrimSpace(req.Content),
		AcceptRefund: req.AcceptRefund,
		CounterOffer: req.CounterOffer,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", refund)
}

func (h *Handler) escalateRefund(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOptionalReason(w, r)
	if !ok {
		return
	}
	refund, err := h.service.EscalateRefund(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "refund_id"), req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", refund)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	var req contracts.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestIDFromContext(r.Context()))
		return
	}
	refund, err := h.service.Decide(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "refund_id"), application.DecisionInput{
		Decision:     strings.TrimSpace(req.Decision),
		RefundAmount: req.RefundAmount,
		Notes:        strings.TrimSpace(req.Notes),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", refund)
}

func (h *Handler) cancelRefund(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOptionalReason(w, r)
	if !ok {
		return
	}
	refund, err := h.service.CancelRefund(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "refund_id"), req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", refund)
}

func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	var req contracts.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestIDFromContext(r.Context()))
		return
	}
	msg, err := h.service.PostMessage(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "refund_id"), application.MessageInput{Content: strings.TrimSpace(req.Content), Attachments: req.Attachments})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "", msg)
}

func (h *Handler) reconcileRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := h.service.ReconcileRefund(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "refund_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", refund)
}

func (h *Handler) tickEscalation(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.TickEscalation(r.Context(), actorFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", contracts.TickEscalationResponse{Escalated: n})
}

func (h *Handler) queryAudit(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q := domain.AuditQuery{
		ActorID:      strings.TrimSpace(values.Get("actor_id")),
		ResourceType: domain.ResourceType(strings.TrimSpace(values.Get("resource_type"))),
		ResourceID:   strings.TrimSpace(values.Get("resource_id")),
	}
	for name, dst := range map[string]**time.Time{"from": &q.From, "to": &q.To} {
		raw := strings.TrimSpace(values.Get(name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", name+" must be RFC3339", requestIDFromContext(r.Context()))
			return
		}
		t = t.UTC()
		*dst = &t
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer", requestIDFromContext(r.Context()))
			return
		}
		q.Limit = limit
	}
	entries, err := h.service.QueryAudit(r.Context(), actorFromContext(r.Context()), q)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", entries)
}

// decodeOptionalReason accepts an empty body.
func decodeOptionalReason(w http.ResponseWriter, r *http.Request) (contracts.ReasonRequest, bool) {
	var req contracts.ReasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestIDFromContext(r.Context()))
		return req, false
	}
	req.Reason = strings.TrimSpace(req.Reason)
	return req, true
}

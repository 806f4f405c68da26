package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/application"
)

type Handler struct{ service *application.Service }

func NewHandler(service *application.Service) *Handler { return &Handler{service: service} }

// ReadinessCheck reports whether backing stores are reachable. Nil means always ready.
type ReadinessCheck func(r *http.Request) error

func NewRouter(handler *Handler, auth *Authenticator, logger *slog.Logger, ready ReadinessCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(logger))
	r.Use(loggingMiddleware(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeSuccess(w, http.StatusOK, "ok", nil) })
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if ready != nil {
			if err := ready(req); err != nil {
				writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error(), requestIDFromContext(req.Context()))
				return
			}
		}
		writeSuccess(w, http.StatusOK, "ready", nil)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Post("/settlements", handler.settle)
		r.Post("/settlements/renewals", handler.settleRenewal)
		r.Get("/revenue-shares/{revenue_share_id}", handler.getRevenueShare)
		r.Route("/revenue-shares/{revenue_share_id}/lines/{recipient_id}", func(r chi.Router) {
			r.Post("/start", handler.startPayout)
			r.Post("/confirm", handler.confirmPayout)
			r.Post("/fail", handler.failPayout)
			r.Post("/retry", handler.retryPayout)
			r.Post("/hold", handler.applyHold)
			r.Post("/reconcile", handler.reconcilePayout)
		})

		r.Post("/refunds", handler.openRefund)
		r.Route("/refunds/{refund_id}", func(r chi.Router) {
			r.Get("/", handler.getRefund)
			r.Post("/review", handler.startReview)
			r.Post("/forward", handler.forwardToSeller)
			r.Post("/seller-response", handler.respondAsSeller)
			r.Post("/escalate", handler.escalateRefund)
			r.Post("/decision", handler.decide)
			r.Post("/cancel", handler.cancelRefund)
			r.Post("/messages", handler.postMessage)
			r.Post("/reconcile", handler.reconcileRefund)
		})

		r.Post("/internal/escalations/tick", handler.tickEscalation)
		r.Get("/audit-entries", handler.queryAudit)
	})
	return r
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	maxBodyBytes     = 4 * 1024
	defaultListLimit = 50
)

var (
	errUnauthenticated = errors.New("authentication required")
	errForbidden       = errors.New("admin role required")
)

var validate = validator.New()

// Handler provides the HTTP endpoints for subscription inspection,
// cancellation and reconciliation.
type Handler struct {
	config   Config
	canceler Canceler
	router   http.Handler
}

// Diagnose compares local state with the provider and repairs drift.
// Non-admin callers may only diagnose their own subscription.
func (h *Handler) Diagnose(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.identity(w, r)
	if !ok {
		return
	}
	q := diagnoseQuery{
		UserID:         r.URL.Query().Get("user_id"),
		SubscriptionID: r.URL.Query().Get("subscription_id"),
	}
	if err := validate.Struct(q); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid query: %w", err), http.StatusBadRequest)
		return
	}

	if !caller.IsAdmin() {
		if q.UserID != "" && q.UserID != caller.UserID {
			h.handleError(w, r, subsync.ErrForbidden, http.StatusForbidden)
			return
		}
		if q.SubscriptionID != "" {
			sub, err := h.config.Manager.FindByExternalID(r.Context(), q.SubscriptionID)
			if err != nil || sub.UserID != caller.UserID {
				h.handleError(w, r, subsync.ErrForbidden, http.StatusForbidden)
				return
			}
		}
		if q.SubscriptionID == "" {
			q.UserID = caller.UserID
		}
	} else if q.UserID == "" && q.SubscriptionID == "" {
		h.handleError(w, r, fmt.Errorf("user_id or subscription_id is required"), http.StatusBadRequest)
		return
	}

	res, err := h.config.Reconciler.Diagnose(r.Context(), billing.DiagnoseQuery{
		UserID:                 q.UserID,
		ExternalSubscriptionID: q.SubscriptionID,
	})
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelOwn cancels the caller's active subscription.
func (h *Handler) CancelOwn(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.identity(w, r)
	if !ok {
		return
	}
	out, err := h.canceler.CancelForUser(r.Context(), caller.UserID, subsync.TriggerUser)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse(out))
}

// AdminCancel cancels a subscription by id or a user's active subscription.
func (h *Handler) AdminCancel(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}

	var req AdminCancelRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request: %w", err), http.StatusBadRequest)
		return
	}

	var (
		out subsync.CancelOutcome
		err error
	)
	if req.SubscriptionID != "" {
		out, err = h.canceler.Cancel(r.Context(), req.SubscriptionID, subsync.TriggerAdmin)
	} else {
		out, err = h.canceler.CancelForUser(r.Context(), req.UserID, subsync.TriggerAdmin)
	}
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	if !out.Found {
		h.handleError(w, r, subsync.ErrSubscriptionNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse(out))
}

// VerifySession is the post-checkout fallback: it waits for the checkout's
// subscription to be stored and synthesizes it if the webhook never came.
func (h *Handler) VerifySession(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.identity(w, r)
	if !ok {
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" || len(sessionID) > 255 {
		h.handleError(w, r, fmt.Errorf("session_id is required"), http.StatusBadRequest)
		return
	}

	sub, err := h.config.Reconciler.VerifySession(r.Context(), sessionID, caller)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// Me returns the caller's active subscription.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.identity(w, r)
	if !ok {
		return
	}
	sub, err := h.config.Manager.FindActiveByUser(r.Context(), caller.UserID)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// WebhookEvents lists webhook audit records for operators.
func (h *Handler) WebhookEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	audit := h.config.Manager.Audit()
	if audit == nil {
		h.handleError(w, r, fmt.Errorf("audit log not configured"), http.StatusNotImplemented)
		return
	}

	q := webhookEventsQuery{SubscriptionID: r.URL.Query().Get("subscription_id"), Limit: defaultListLimit}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("invalid limit: %w", err), http.StatusBadRequest)
			return
		}
		q.Limit = n
	}
	if err := validate.Struct(q); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid query: %w", err), http.StatusBadRequest)
		return
	}

	events, err := audit.ListWebhookEvents(r.Context(), subsync.WebhookEventFilter{
		ExternalSubscriptionID: q.SubscriptionID,
		OnlyFailed:             r.URL.Query().Get("failed") == "true",
		Limit:                  q.Limit,
	})
	if err != nil {
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, WebhookEventsResponse{Events: events})
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz runs Config.ReadinessCheck and answers 503 while it fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.config.ReadinessCheck != nil {
		if err := h.config.ReadinessCheck(r.Context()); err != nil {
			h.config.Manager.Logger().Warn("readiness check failed", subsync.F("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (subsync.Identity, bool) {
	id := h.config.GetIdentity(r)
	if id.UserID == "" {
		h.handleError(w, r, errUnauthenticated, http.StatusUnauthorized)
		return id, false
	}
	return id, true
}

func (h *Handler) admin(w http.ResponseWriter, r *http.Request) (subsync.Identity, bool) {
	id, ok := h.identity(w, r)
	if !ok {
		return id, false
	}
	if !id.IsAdmin() {
		h.handleError(w, r, errForbidden, http.StatusForbidden)
		return id, false
	}
	return id, true
}

func cancelResponse(out subsync.CancelOutcome) CancelResponse {
	resp := CancelResponse{
		SubscriptionID: out.ExternalSubscriptionID,
		Found:          out.Found,
		Tier:           out.Tier,
		Verified:       out.Verified,
	}
	if out.Subscription != nil {
		resp.Status = out.Subscription.Status
	}
	return resp
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, subsync.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, subsync.ErrSubscriptionNotFound),
		errors.Is(err, subsync.ErrNoActiveSubscription),
		errors.Is(err, subsync.ErrNotFoundUpstream):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrCheckoutIncomplete):
		return http.StatusConflict
	case errors.Is(err, subsync.ErrInvalidWrite):
		return http.StatusBadRequest
	case errors.Is(err, subsync.ErrProviderUnreachable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

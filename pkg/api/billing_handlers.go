package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/savistas/orgseats/pkg/billing"
	"github.com/savistas/orgseats/pkg/httputil"
	"github.com/savistas/orgseats/pkg/observability"
	"github.com/savistas/orgseats/pkg/orgs"
)

// BillingHandlers handles seat count changes and gateway events.
type BillingHandlers struct {
	coordinator *billing.Coordinator
	memberships *orgs.Service
}

func NewBillingHandlers(coordinator *billing.Coordinator, memberships *orgs.Service) *BillingHandlers {
	return &BillingHandlers{coordinator: coordinator, memberships: memberships}
}

// RegisterRoutes registers the seat routes on the authenticated router.
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/organizations/{orgID}/seats", h.ChangeSeats).Methods(http.MethodPut)
	router.HandleFunc("/organizations/{orgID}/seats/pending-decrease", h.CancelDecrease).Methods(http.MethodDelete)
}

// BillingTokenHeader carries the shared secret the gateway relay sends with
// every event.
const BillingTokenHeader = "X-Billing-Token"

// RegisterEventRoutes registers the gateway event intake. It is not behind
// member identity but requires token in BillingTokenHeader. Nothing is
// registered without a token.
func (h *BillingHandlers) RegisterEventRoutes(router *mux.Router, token string) {
	if token == "" {
		return
	}
	router.Handle("/billing/events",
		requireSecret(BillingTokenHeader, token, "invalid billing token", http.HandlerFunc(h.HandleEvent))).
		Methods(http.MethodPost)
}

type changeSeatsRequest struct {
	Seats int `json:"seats"`
}

// ChangeSeats raises the seat count immediately or schedules a decrease for
// the end of the period. Owner and admins only.
func (h *BillingHandlers) ChangeSeats(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	var req changeSeatsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !authorizeManager(w, r, h.memberships, orgID) {
		return
	}

	change, err := h.coordinator.ChangeSeats(r.Context(), orgID, req.Seats)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if change.Result == billing.ScheduledForNextPeriod {
		_ = httputil.WriteAccepted(w, change)
		return
	}
	_ = httputil.WriteSuccess(w, change)
}

// CancelDecrease drops a scheduled decrease.
func (h *BillingHandlers) CancelDecrease(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	if !authorizeManager(w, r, h.memberships, orgID) {
		return
	}

	change, err := h.coordinator.CancelScheduledDecrease(r.Context(), orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, change)
}

// HandleEvent applies a payment gateway event. Events for unknown
// subscriptions get a 404; other failures return 500 so the gateway
// redelivers, which is safe because events are idempotent.
func (h *BillingHandlers) HandleEvent(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, httputil.MaxBodyBytes))
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read body")
		return
	}
	event, err := billing.ParseEvent(payload)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.coordinator.HandleEvent(r.Context(), event); err != nil {
		if errors.Is(err, orgs.ErrNotFound) {
			writeError(w, r, err)
			return
		}
		observability.FromContext(r.Context()).WithError(err).
			WithField("event_id", event.ID).WithField("event_type", event.Type).
			Error("Failed to handle billing event")
		httputil.WriteInternalError(w)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]string{"status": "processed"})
}

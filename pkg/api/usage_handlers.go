package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/savistas/orgseats/pkg/httputil"
	"github.com/savistas/orgseats/pkg/usage"
)

const maxHistoryPeriods = 24

// UsageHandlers meters the caller's consumption inside an organization.
type UsageHandlers struct {
	meter *usage.Meter
}

func NewUsageHandlers(meter *usage.Meter) *UsageHandlers {
	return &UsageHandlers{meter: meter}
}

// RegisterRoutes registers usage routes
func (h *UsageHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/organizations/{orgID}/usage", h.Consume).Methods(http.MethodPost)
	router.HandleFunc("/organizations/{orgID}/usage", h.Current).Methods(http.MethodGet)
	router.HandleFunc("/organizations/{orgID}/usage/history", h.History).Methods(http.MethodGet)
}

type consumeRequest struct {
	Kind   usage.ResourceKind `json:"kind"`
	Amount int64              `json:"amount"`
}

type consumeResponse struct {
	*usage.Consumption
	Remaining *int64 `json:"remaining,omitempty"`
}

// Consume records amount units of kind if the caller stays within the
// monthly limit. Nothing is recorded on refusal.
func (h *UsageHandlers) Consume(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	var req consumeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	c, err := h.meter.CheckAndConsume(r.Context(), orgID, callerID(r), req.Kind, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := consumeResponse{Consumption: c}
	if remaining, limited := c.Remaining(); limited {
		resp.Remaining = &remaining
	}
	_ = httputil.WriteSuccess(w, resp)
}

// Current reports the caller's usage in the current period.
func (h *UsageHandlers) Current(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	report, err := h.meter.CurrentUsage(r.Context(), orgID, callerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, report)
}

// History lists the caller's recent periods, newest first.
func (h *UsageHandlers) History(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 12)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if limit < 1 || limit > maxHistoryPeriods {
		limit = maxHistoryPeriods
	}

	periods, err := h.meter.History(r.Context(), orgID, callerID(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if periods == nil {
		periods = []*usage.Period{}
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"periods": periods})
}

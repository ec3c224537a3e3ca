package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/savistas/orgseats/pkg/billing"
	"github.com/savistas/orgseats/pkg/httputil"
	"github.com/savistas/orgseats/pkg/observability"
	"github.com/savistas/orgseats/pkg/orgs"
	"github.com/savistas/orgseats/pkg/usage"
)

// Error codes returned in the body of refusals.
const (
	CodeSeatCapacityReached  = "seat_capacity_reached"
	CodeNoSeatsPurchased     = "no_seats_purchased"
	CodeUsageLimitReached    = "usage_limit_reached"
	CodeNotApproved          = "organization_not_approved"
	CodeAlreadyMember        = "already_member"
	CodeInvalidTransition    = "invalid_transition"
	CodeForbidden            = "forbidden"
	CodeNotFound             = "not_found"
	CodeInvalidRequest       = "invalid_request"
	CodeNoPendingDecrease    = "no_pending_decrease"
	CodeSeatsChanged         = "seats_changed"
	CodeGatewayFailure       = "gateway_failure"
	CodeTimeout              = "timeout"
	CodeInternalServiceError = "internal_error"
)

// writeError maps a service error to its HTTP status and body. Anything
// unrecognised is logged and reported as a 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if capErr, ok := orgs.AsCapacityError(err); ok {
		status, code := http.StatusConflict, CodeSeatCapacityReached
		if errors.Is(capErr, orgs.ErrNoSeatsPurchased) {
			status, code = http.StatusPaymentRequired, CodeNoSeatsPurchased
		}
		httputil.WriteDetailedError(w, status, code, err, map[string]interface{}{
			"active":          capErr.Active,
			"seat_limit":      capErr.SeatLimit,
			"effective_limit": capErr.EffectiveLimit(),
			"remaining":       capErr.Remaining(),
		})
		return
	}

	var limitErr *usage.LimitReachedError
	if errors.As(err, &limitErr) {
		httputil.WriteDetailedError(w, http.StatusForbidden, CodeUsageLimitReached, err, map[string]interface{}{
			"kind":      limitErr.Kind,
			"used":      limitErr.Used,
			"limit":     limitErr.Limit,
			"requested": limitErr.Requested,
			"remaining": limitErr.Remaining(),
		})
		return
	}

	var transErr *orgs.TransitionError
	if errors.As(err, &transErr) {
		httputil.WriteDetailedError(w, http.StatusConflict, CodeInvalidTransition, err, map[string]interface{}{
			"membership_id": transErr.MembershipID,
			"status":        transErr.From,
		})
		return
	}

	status, code := classify(err)
	if status == http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).
			WithField("path", r.URL.Path).Error("Request failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteDetailedError(w, status, code, err, nil)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, orgs.ErrUnauthorized):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, orgs.ErrNotApproved):
		return http.StatusForbidden, CodeNotApproved
	case errors.Is(err, orgs.ErrAlreadyMember):
		return http.StatusConflict, CodeAlreadyMember
	case errors.Is(err, orgs.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, billing.ErrNoPendingDecrease):
		return http.StatusConflict, CodeNoPendingDecrease
	case errors.Is(err, billing.ErrSeatsChanged):
		return http.StatusConflict, CodeSeatsChanged
	case errors.Is(err, orgs.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, billing.ErrInvalidSeatCount),
		errors.Is(err, usage.ErrInvalidAmount),
		errors.Is(err, usage.ErrUnknownResource):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, billing.ErrGatewayFailure):
		return http.StatusBadGateway, CodeGatewayFailure
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	}
	return http.StatusInternalServerError, CodeInternalServiceError
}

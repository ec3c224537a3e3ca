package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/savistas/orgseats/pkg/contextkeys"
	"github.com/savistas/orgseats/pkg/httputil"
	"github.com/savistas/orgseats/pkg/orgs"
)

// MembershipHandlers handles join requests and the membership lifecycle.
type MembershipHandlers struct {
	service     *orgs.Service
	joinLimiter func(http.Handler) http.Handler
}

// NewMembershipHandlers creates the handlers. joinLimiter wraps the join
// endpoints and may be nil.
func NewMembershipHandlers(service *orgs.Service, joinLimiter func(http.Handler) http.Handler) *MembershipHandlers {
	if joinLimiter == nil {
		joinLimiter = func(next http.Handler) http.Handler { return next }
	}
	return &MembershipHandlers{service: service, joinLimiter: joinLimiter}
}

// RegisterRoutes registers membership routes
func (h *MembershipHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/join-codes/{code}", h.joinLimiter(http.HandlerFunc(h.ResolveJoinCode))).Methods(http.MethodGet)
	router.Handle("/join", h.joinLimiter(http.HandlerFunc(h.JoinByCode))).Methods(http.MethodPost)

	router.HandleFunc("/organizations/{orgID}/memberships", h.JoinByDirectory).Methods(http.MethodPost)
	router.HandleFunc("/organizations/{orgID}/memberships", h.ListMemberships).Methods(http.MethodGet)
	router.HandleFunc("/organizations/{orgID}/join-code", h.RegenerateJoinCode).Methods(http.MethodPost)
	router.HandleFunc("/organizations/{orgID}/seats", h.SeatSummary).Methods(http.MethodGet)

	router.HandleFunc("/memberships/{membershipID}/approve", h.Approve).Methods(http.MethodPost)
	router.HandleFunc("/memberships/{membershipID}/reject", h.Reject).Methods(http.MethodPost)
	router.HandleFunc("/memberships/{membershipID}/remove", h.Remove).Methods(http.MethodPost)
	router.HandleFunc("/memberships/{membershipID}/leave", h.Leave).Methods(http.MethodPost)
}

type joinRequest struct {
	Code           string `json:"code"`
	IndividualPlan string `json:"individual_plan,omitempty"`
}

type directoryJoinRequest struct {
	IndividualPlan string `json:"individual_plan,omitempty"`
}

// ResolveJoinCode previews the organization a code belongs to.
func (h *MembershipHandlers) ResolveJoinCode(w http.ResponseWriter, r *http.Request) {
	target, err := h.service.Resolver().Resolve(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, target)
}

// JoinByCode admits the caller immediately when a seat is free.
func (h *MembershipHandlers) JoinByCode(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		httputil.WriteBadRequest(w, "code is required")
		return
	}

	m, err := h.service.RequestJoinByCode(r.Context(), h.member(r, req.IndividualPlan), req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, m)
}

// JoinByDirectory files a pending request for an admin to review.
func (h *MembershipHandlers) JoinByDirectory(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	var req directoryJoinRequest
	if r.ContentLength != 0 && !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	m, err := h.service.RequestJoinByDirectory(r.Context(), h.member(r, req.IndividualPlan), orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, m)
}

// ListMemberships lists the organization's memberships, filtered by the
// optional status query parameter. Owner and admins only.
func (h *MembershipHandlers) ListMemberships(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.requireManager(w, r)
	if !ok {
		return
	}
	status := orgs.MembershipStatus(httputil.ParseQueryString(r, "status", ""))
	if status != "" && !status.Valid() {
		httputil.WriteBadRequest(w, "unknown status "+string(status))
		return
	}

	ms, err := h.service.ListMemberships(r.Context(), orgID, status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ms == nil {
		ms = []*orgs.Membership{}
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"memberships": ms})
}

// RegenerateJoinCode issues a new code. The old one stops working.
func (h *MembershipHandlers) RegenerateJoinCode(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	code, err := h.service.RegenerateJoinCode(r.Context(), orgID, callerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]string{"join_code": code})
}

// SeatSummary reports seat occupancy. Owner and admins only.
func (h *MembershipHandlers) SeatSummary(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.requireManager(w, r)
	if !ok {
		return
	}
	summary, err := h.service.SeatSummary(r.Context(), orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, summary)
}

// Approve admits a pending member if a seat is free.
func (h *MembershipHandlers) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Approve)
}

// Reject declines a pending request.
func (h *MembershipHandlers) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Reject)
}

// Remove ends an active membership and frees its seat.
func (h *MembershipHandlers) Remove(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Remove)
}

// Leave ends the caller's own membership.
func (h *MembershipHandlers) Leave(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Leave)
}

type transitionFunc func(ctx context.Context, membershipID, actorID int64) (*orgs.Membership, error)

func (h *MembershipHandlers) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	membershipID, ok := httputil.ParsePathInt64OrError(w, r, "membershipID")
	if !ok {
		return
	}
	m, err := fn(r.Context(), membershipID, callerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, m)
}

// requireManager parses orgID and writes 403 unless the caller may manage
// the organization.
func (h *MembershipHandlers) requireManager(w http.ResponseWriter, r *http.Request) (int64, bool) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return 0, false
	}
	return orgID, authorizeManager(w, r, h.service, orgID)
}

func (h *MembershipHandlers) member(r *http.Request, individualPlan string) orgs.Member {
	return orgs.Member{ID: callerID(r), IndividualPlan: individualPlan}
}

// authorizeManager writes the refusal itself and reports whether the caller
// may manage orgID.
func authorizeManager(w http.ResponseWriter, r *http.Request, service *orgs.Service, orgID int64) bool {
	allowed, err := service.CanManage(r.Context(), orgID, callerID(r))
	if err != nil {
		writeError(w, r, err)
		return false
	}
	if !allowed {
		httputil.WriteDetailedError(w, http.StatusForbidden, CodeForbidden, orgs.ErrUnauthorized, nil)
		return false
	}
	return true
}

// callerID returns the member id set by middleware.Identity.
func callerID(r *http.Request) int64 {
	id, _ := contextkeys.GetMemberID(r.Context())
	return id
}

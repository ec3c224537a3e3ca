package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/savistas/orgseats/pkg/httputil"
	"github.com/savistas/orgseats/pkg/orgs"
)

// AdminTokenHeader carries the platform admin token.
const AdminTokenHeader = "X-Admin-Token"

// OrganizationCreator provisions organizations.
type OrganizationCreator interface {
	CreateOrganization(ctx context.Context, org *orgs.Organization) error
}

// AdminHandlers provisions organizations for the platform team. Seats are
// never set here; they come from the seat subscription.
type AdminHandlers struct {
	creator OrganizationCreator
	token   string
}

func NewAdminHandlers(creator OrganizationCreator, token string) *AdminHandlers {
	return &AdminHandlers{creator: creator, token: token}
}

// RegisterRoutes registers admin routes. Nothing is registered without a
// token.
func (h *AdminHandlers) RegisterRoutes(router *mux.Router) {
	if h.token == "" || h.creator == nil {
		return
	}
	router.Handle("/admin/organizations", h.requireToken(http.HandlerFunc(h.CreateOrganization))).Methods(http.MethodPost)
}

type createOrganizationRequest struct {
	Name             string                `json:"name"`
	DisplayName      string                `json:"display_name,omitempty"`
	OwnerID          int64                 `json:"owner_id"`
	ValidationStatus orgs.ValidationStatus `json:"validation_status,omitempty"`
	PlanID           string                `json:"plan_id,omitempty"`
	BillingAnchor    *time.Time            `json:"billing_anchor,omitempty"`
}

// CreateOrganization creates an organization with a fresh join code.
func (h *AdminHandlers) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}
	if req.OwnerID <= 0 {
		httputil.WriteBadRequest(w, "owner_id must be positive")
		return
	}
	status := req.ValidationStatus
	switch status {
	case "":
		status = orgs.ValidationPending
	case orgs.ValidationPending, orgs.ValidationApproved, orgs.ValidationRejected:
	default:
		httputil.WriteBadRequest(w, "unknown validation_status "+string(status))
		return
	}

	code, err := orgs.GenerateJoinCode()
	if err != nil {
		writeError(w, r, err)
		return
	}
	org := &orgs.Organization{
		Name:             req.Name,
		DisplayName:      req.DisplayName,
		OwnerID:          req.OwnerID,
		ValidationStatus: status,
		JoinCode:         code,
		PlanID:           req.PlanID,
	}
	if req.BillingAnchor != nil {
		org.BillingAnchor = req.BillingAnchor.UTC()
	}

	if err := h.creator.CreateOrganization(r.Context(), org); err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, org)
}

func (h *AdminHandlers) requireToken(next http.Handler) http.Handler {
	return requireSecret(AdminTokenHeader, h.token, "invalid admin token", next)
}

// requireSecret rejects requests whose header does not carry token.
func requireSecret(header, token, message string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(header)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			httputil.WriteUnauthorized(w, message)
			return
		}
		next.ServeHTTP(w, r)
	})
}

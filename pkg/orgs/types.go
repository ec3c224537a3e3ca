package orgs

import (
	"time"
)

// ValidationStatus is the platform review state of an organization.
type ValidationStatus string

const (
	ValidationPending  ValidationStatus = "pending"
	ValidationApproved ValidationStatus = "approved"
	ValidationRejected ValidationStatus = "rejected"
)

// Role is a member's role inside an organization.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleStudent Role = "student"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleStudent
}

// MembershipStatus is the lifecycle state of a membership.
type MembershipStatus string

const (
	StatusPending  MembershipStatus = "pending"
	StatusActive   MembershipStatus = "active"
	StatusRejected MembershipStatus = "rejected"
	StatusRemoved  MembershipStatus = "removed"
)

// transitions is the complete set of legal status changes. Terminal states
// have no entry.
var transitions = map[MembershipStatus][]MembershipStatus{
	StatusPending: {StatusActive, StatusRejected},
	StatusActive:  {StatusRemoved},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s MembershipStatus) CanTransitionTo(next MembershipStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s can never be left.
func (s MembershipStatus) IsTerminal() bool {
	return s == StatusRejected || s == StatusRemoved
}

// IsOpen reports whether s blocks a new membership for the same member.
func (s MembershipStatus) IsOpen() bool {
	return s == StatusPending || s == StatusActive
}

// Valid reports whether s is a known status.
func (s MembershipStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusRejected, StatusRemoved:
		return true
	}
	return false
}

// JoinSource records how a membership was requested.
type JoinSource string

const (
	SourceJoinCode  JoinSource = "join_code"
	SourceDirectory JoinSource = "directory"
)

// Organization is a tenant that buys seats for its members.
type Organization struct {
	ID               int64            `json:"id"`
	Name             string           `json:"name"`
	DisplayName      string           `json:"display_name,omitempty"`
	OwnerID          int64            `json:"owner_id"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	// SeatLimit is nil until seats are purchased.
	SeatLimit *int `json:"seat_limit,omitempty"`
	// PendingSeatLimit mirrors the subscription's scheduled decrease. It
	// caps admissions before the decrease takes effect.
	PendingSeatLimit   *int      `json:"pending_seat_limit,omitempty"`
	ActiveMembersCount int       `json:"active_members_count"`
	JoinCode           string    `json:"join_code,omitempty"`
	PlanID             string    `json:"plan_id,omitempty"`
	BillingAnchor      time.Time `json:"billing_anchor"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HasSeats reports whether the organization has purchased at least one seat.
func (o *Organization) HasSeats() bool {
	return o.SeatLimit != nil && *o.SeatLimit > 0
}

// IsApproved reports whether the organization passed review.
func (o *Organization) IsApproved() bool {
	return o.ValidationStatus == ValidationApproved
}

// Counts returns the organization's seat occupancy.
func (o *Organization) Counts() SeatCounts {
	counts := SeatCounts{Active: o.ActiveMembersCount}
	if o.SeatLimit != nil {
		counts.SeatLimit = *o.SeatLimit
	}
	if o.PendingSeatLimit != nil {
		pending := *o.PendingSeatLimit
		counts.PendingLimit = &pending
	}
	return counts
}

// Anchor returns the instant usage periods are aligned to.
func (o *Organization) Anchor() time.Time {
	if !o.BillingAnchor.IsZero() {
		return o.BillingAnchor
	}
	return o.CreatedAt
}

// SeatCounts is a snapshot of seat occupancy.
type SeatCounts struct {
	Active       int  `json:"active"`
	SeatLimit    int  `json:"seat_limit"`
	PendingLimit *int `json:"pending_limit,omitempty"`
}

// EffectiveLimit is the number of seats admissions are checked against: the
// smaller of the purchased seats and a scheduled decrease.
func (c SeatCounts) EffectiveLimit() int {
	limit := c.SeatLimit
	if c.PendingLimit != nil && *c.PendingLimit < limit {
		limit = *c.PendingLimit
	}
	return limit
}

// Remaining is the number of admissions still possible, never negative.
func (c SeatCounts) Remaining() int {
	if r := c.EffectiveLimit() - c.Active; r > 0 {
		return r
	}
	return 0
}

// OverCapacity reports whether more members are active than the effective
// limit allows. Only possible after a decrease took effect below usage.
func (c SeatCounts) OverCapacity() bool {
	return c.SeatLimit > 0 && c.Active > c.EffectiveLimit()
}

// Membership links a member to an organization.
type Membership struct {
	ID             int64            `json:"id"`
	OrganizationID int64            `json:"organization_id"`
	MemberID       int64            `json:"member_id"`
	Role           Role             `json:"role"`
	Status         MembershipStatus `json:"status"`
	Source         JoinSource       `json:"source"`
	// PreviousPlan is the member's individual plan before joining, if any.
	PreviousPlan string     `json:"previous_plan,omitempty"`
	RequestedAt  time.Time  `json:"requested_at"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	ApprovedBy   *int64     `json:"approved_by,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	EndedBy      *int64     `json:"ended_by,omitempty"`
}

// Member identifies the person requesting to join.
type Member struct {
	ID int64
	// IndividualPlan is the plan the member holds on their own, snapshotted
	// so it can be restored when they leave.
	IndividualPlan string
}

// JoinTarget is what a join code resolves to.
type JoinTarget struct {
	OrganizationID   int64  `json:"organization_id"`
	OrganizationName string `json:"organization_name"`
}

// Transition is a conditional status write: it applies only while the
// membership is still in From.
type Transition struct {
	MembershipID int64
	From         MembershipStatus
	To           MembershipStatus
	At           time.Time
	ActorID      int64
}

// SeatSummary is the read model behind the seat overview.
type SeatSummary struct {
	OrganizationID  int64 `json:"organization_id"`
	Active          int   `json:"active"`
	SeatLimit       int   `json:"seat_limit"`
	PendingLimit    *int  `json:"pending_limit,omitempty"`
	EffectiveLimit  int   `json:"effective_limit"`
	Remaining       int   `json:"remaining"`
	OverCapacity    bool  `json:"over_capacity"`
	PendingRequests int   `json:"pending_requests"`
}

// NewSeatSummary derives the summary from a counts snapshot.
func NewSeatSummary(orgID int64, counts SeatCounts, pendingRequests int) *SeatSummary {
	return &SeatSummary{
		OrganizationID:  orgID,
		Active:          counts.Active,
		SeatLimit:       counts.SeatLimit,
		PendingLimit:    counts.PendingLimit,
		EffectiveLimit:  counts.EffectiveLimit(),
		Remaining:       counts.Remaining(),
		OverCapacity:    counts.OverCapacity(),
		PendingRequests: pendingRequests,
	}
}

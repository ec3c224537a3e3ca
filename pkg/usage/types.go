package usage

import (
	"errors"
	"fmt"
	"time"
)

// ResourceKind is a metered resource.
type ResourceKind string

const (
	KindCourse        ResourceKind = "course"
	KindQuiz          ResourceKind = "quiz"
	KindDocument      ResourceKind = "document"
	KindAvatarMinutes ResourceKind = "avatar_minutes"
	KindVoiceMinutes  ResourceKind = "voice_minutes"
)

// Kinds lists every metered resource.
var Kinds = []ResourceKind{KindCourse, KindQuiz, KindDocument, KindAvatarMinutes, KindVoiceMinutes}

// Valid reports whether k is a known resource kind.
func (k ResourceKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

var (
	// ErrLimitReached is returned when a consumption would exceed the
	// member's monthly limit.
	ErrLimitReached = errors.New("usage limit reached")
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrUnknownResource is returned for a kind the plan does not meter.
	ErrUnknownResource = errors.New("unknown resource kind")
)

// LimitReachedError carries the counters behind a refusal.
type LimitReachedError struct {
	Kind      ResourceKind
	Used      int64
	Limit     int64
	Requested int64
}

func (e *LimitReachedError) Error() string {
	return fmt.Sprintf("%s: %s used %d of %d, requested %d", ErrLimitReached, e.Kind, e.Used, e.Limit, e.Requested)
}

func (e *LimitReachedError) Unwrap() error {
	return ErrLimitReached
}

// Remaining is how much is still available this period.
func (e *LimitReachedError) Remaining() int64 {
	if r := e.Limit - e.Used; r > 0 {
		return r
	}
	return 0
}

// Period is one member's usage in one organization for one billing month.
type Period struct {
	ID             int64                  `json:"id"`
	OrganizationID int64                  `json:"organization_id"`
	MemberID       int64                  `json:"member_id"`
	Start          time.Time              `json:"period_start"`
	End            time.Time              `json:"period_end"`
	Counters       map[ResourceKind]int64 `json:"counters"`
}

// Used returns the counter for kind, zero when nothing was consumed yet.
func (p *Period) Used(kind ResourceKind) int64 {
	return p.Counters[kind]
}

// Consumption is an accepted check-and-consume.
type Consumption struct {
	Kind        ResourceKind `json:"kind"`
	Amount      int64        `json:"amount"`
	Used        int64        `json:"used"`
	Limit       *int64       `json:"limit,omitempty"`
	PeriodStart time.Time    `json:"period_start"`
	PeriodEnd   time.Time    `json:"period_end"`
}

// Remaining returns what is left this period and false when unlimited.
func (c *Consumption) Remaining() (int64, bool) {
	if c.Limit == nil {
		return 0, false
	}
	if r := *c.Limit - c.Used; r > 0 {
		return r, true
	}
	return 0, true
}

// Allowance is one kind's standing within the current period.
type Allowance struct {
	Kind  ResourceKind `json:"kind"`
	Used  int64        `json:"used"`
	Limit *int64       `json:"limit,omitempty"`
}

// Report is the current period with the limits that apply to it.
type Report struct {
	OrganizationID int64       `json:"organization_id"`
	MemberID       int64       `json:"member_id"`
	PlanID         string      `json:"plan_id"`
	PeriodStart    time.Time   `json:"period_start"`
	PeriodEnd      time.Time   `json:"period_end"`
	Allowances     []Allowance `json:"allowances"`
}

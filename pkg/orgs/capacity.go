package orgs

import (
	"context"
	"fmt"

	"github.com/savistas/orgseats/pkg/observability"
)

// AdmitOutcome is the result of a seat admission attempt.
type AdmitOutcome int

const (
	Admitted AdmitOutcome = iota
	CapacityExceeded
	NoSeatsPurchased
)

func (o AdmitOutcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case CapacityExceeded:
		return "capacity_exceeded"
	case NoSeatsPurchased:
		return "no_seats_purchased"
	default:
		return "unknown"
	}
}

// Admission is the outcome of TryAdmit together with the counts observed.
type Admission struct {
	Outcome AdmitOutcome
	Counts  SeatCounts
}

// Err converts a refusal into a *CapacityError. Admitted returns nil.
func (a Admission) Err() error {
	switch a.Outcome {
	case NoSeatsPurchased:
		return &CapacityError{Reason: ErrNoSeatsPurchased, SeatCounts: a.Counts}
	case CapacityExceeded:
		return &CapacityError{Reason: ErrCapacityExceeded, SeatCounts: a.Counts}
	}
	return nil
}

// CapacityController decides whether one more member may become active.
//
// The check and the increment are a single conditional write so that two
// concurrent admissions for the last seat cannot both succeed. Callers pass
// the transaction that also writes the membership status, which makes the
// seat and the status change commit or roll back together.
type CapacityController struct {
	logger  *observability.Logger
	metrics *observability.Metrics
}

func NewCapacityController(logger *observability.Logger, metrics *observability.Metrics) *CapacityController {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &CapacityController{logger: logger, metrics: metrics}
}

// TryAdmit takes a seat in orgID if one is free.
func (c *CapacityController) TryAdmit(ctx context.Context, tx Tx, orgID int64) (Admission, error) {
	counts, taken, err := tx.IncrementActiveMembers(ctx, orgID)
	if err != nil {
		return Admission{}, fmt.Errorf("failed to admit member to organization %d: %w", orgID, err)
	}

	adm := Admission{Outcome: Admitted, Counts: counts}
	if !taken {
		adm.Outcome = CapacityExceeded
		if counts.SeatLimit <= 0 {
			adm.Outcome = NoSeatsPurchased
		}
		c.logger.WithOrganization(orgID).WithFields(map[string]interface{}{
			"outcome":         adm.Outcome.String(),
			"active":          counts.Active,
			"effective_limit": counts.EffectiveLimit(),
		}).Debug("seat admission refused")
	}

	c.metrics.RecordAdmission(adm.Outcome.String())
	return adm, nil
}

// Release frees one seat. Releasing at zero is a no-op.
func (c *CapacityController) Release(ctx context.Context, tx Tx, orgID int64) (SeatCounts, error) {
	counts, err := tx.DecrementActiveMembers(ctx, orgID)
	if err != nil {
		return SeatCounts{}, fmt.Errorf("failed to release seat in organization %d: %w", orgID, err)
	}
	c.metrics.RecordRelease()
	return counts, nil
}

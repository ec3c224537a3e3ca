package orgs

import "context"

// Tx is the set of Directory Store operations that must run inside one
// transaction with the membership status write they accompany.
type Tx interface {
	GetOrganization(ctx context.Context, orgID int64) (*Organization, error)

	// IncrementActiveMembers atomically adds one active member if, and only
	// if, the organization has seats and is below its effective limit. It
	// returns the counts after the attempt and whether the seat was taken.
	IncrementActiveMembers(ctx context.Context, orgID int64) (SeatCounts, bool, error)
	// DecrementActiveMembers removes one active member, never going below zero.
	DecrementActiveMembers(ctx context.Context, orgID int64) (SeatCounts, error)

	GetMembership(ctx context.Context, membershipID int64) (*Membership, error)
	// FindOpenMembership returns the member's pending or active membership,
	// or ErrNotFound.
	FindOpenMembership(ctx context.Context, orgID, memberID int64) (*Membership, error)
	// InsertMembership stores m and sets its ID. Returns ErrAlreadyMember
	// when the member already has an open membership.
	InsertMembership(ctx context.Context, m *Membership) error
	// TransitionMembership applies t only if the row is still in t.From and
	// reports whether it did.
	TransitionMembership(ctx context.Context, t Transition) (bool, error)
}

// Store is the Directory Store as seen by this package.
type Store interface {
	Tx

	GetOrganizationByJoinCode(ctx context.Context, code string) (*Organization, error)
	SetJoinCode(ctx context.Context, orgID int64, code string) error
	// ListMemberships returns the organization's memberships ordered by
	// request time. An empty status lists all of them.
	ListMemberships(ctx context.Context, orgID int64, status MembershipStatus) ([]*Membership, error)

	// RunInTx runs fn in a transaction, committing when fn returns nil.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// RemovalObserver is told when an active membership ended so it can react to
// the lower seat usage (for example by downgrading the subscription).
type RemovalObserver interface {
	MembershipEnded(ctx context.Context, orgID int64)
}

// Package orgs controls who occupies an organization's seats.
//
// # Overview
//
// An organization buys a number of seats. Every active membership occupies
// one. This package resolves join codes, admits members against the seat
// limit and drives the membership lifecycle:
//
//	pending --approve--> active --remove/leave--> removed
//	pending --reject---> rejected
//
// Rejected and removed are terminal; a member who wants back in files a new
// request.
//
// # Seat accounting
//
// The organization row carries active_members_count. Admission is a single
// conditional increment that succeeds only while the count is below the
// effective limit, which is the purchased seat count or, when a decrease is
// scheduled, the smaller future count. The increment runs in the same
// transaction as the membership status write so the counter always equals
// the number of active memberships.
//
//	m, err := service.Approve(ctx, membershipID, adminID)
//	if capErr, ok := orgs.AsCapacityError(err); ok {
//		fmt.Printf("%d of %d seats used\n", capErr.Active, capErr.EffectiveLimit())
//	}
//
// # Related Packages
//
//   - pkg/billing: changes the purchased seat count
//   - pkg/usage: per-member monthly quotas
//   - pkg/storage/postgres, pkg/storage/memory: Store implementations
package orgs

// Package usage meters per-member monthly consumption inside an organization.
//
// Each active member gets one period per billing month, aligned to the
// organization's billing anniversary. Periods are created lazily on first
// use; a member who consumed nothing simply has no row. Inside a period the
// counters only grow, and a consumption is accepted only if used+amount stays
// within the plan's limit. A nil limit means the kind is unlimited.
//
//	c, err := meter.CheckAndConsume(ctx, orgID, memberID, usage.KindQuiz, 1)
//	var limitErr *usage.LimitReachedError
//	if errors.As(err, &limitErr) {
//		fmt.Printf("%d of %d quizzes used\n", limitErr.Used, limitErr.Limit)
//	}
package usage

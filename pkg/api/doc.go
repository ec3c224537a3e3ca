// Package api exposes the seat capacity and quota operations over HTTP.
//
// Routes are grouped by handler type, each with its own RegisterRoutes:
//
//   - MembershipHandlers: join by code or directory, approve, reject, remove,
//     leave, membership listing, join code regeneration and the seat summary
//   - UsageHandlers: check-and-consume, current period and history
//   - BillingHandlers: seat count changes, cancelling a scheduled decrease
//     and payment gateway event intake
//   - AdminHandlers: organization provisioning, enabled by an admin token
//
// Every route under /api/v1 requires the X-Member-ID header set by the
// authenticating gateway. Refusals are JSON bodies with a stable code and
// the counts behind the decision:
//
//	HTTP/1.1 409 Conflict
//	{"error":"organization seat capacity reached: 5 of 5 seats in use",
//	 "code":"seat_capacity_reached",
//	 "details":{"active":5,"seat_limit":5,"effective_limit":5,"remaining":0}}
package api

// Package httputil holds the JSON request and response helpers shared by the
// API handlers.
//
// Every error body has the same shape:
//
//	{"error": "organization seat capacity reached", "code": "seat_capacity_reached",
//	 "details": {"active": 5, "seat_limit": 5, "remaining": 0}}
//
// Handlers decode with ParseJSONOrError and read path ids with
// ParsePathInt64OrError; both write a 400 and return false on bad input:
//
//	var req changeSeatsRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return
//	}
package httputil

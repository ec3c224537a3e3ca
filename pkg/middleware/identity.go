package middleware

import (
	"net/http"
	"strconv"

	"github.com/savistas/orgseats/pkg/contextkeys"
	"github.com/savistas/orgseats/pkg/httputil"
)

// MemberIDHeader carries the authenticated member id set by the gateway.
const MemberIDHeader = "X-Member-ID"

// Identity rejects requests without a valid member id with 401 and stores
// the id in the request context otherwise.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(MemberIDHeader)
		if raw == "" {
			httputil.WriteUnauthorized(w, "missing "+MemberIDHeader+" header")
			return
		}
		memberID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || memberID <= 0 {
			httputil.WriteUnauthorized(w, "invalid "+MemberIDHeader+" header")
			return
		}

		ctx := contextkeys.WithMemberID(r.Context(), memberID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

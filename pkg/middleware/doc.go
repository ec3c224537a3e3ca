// Package middleware provides the HTTP middleware in front of the API
// handlers: request ids and request logging, panic recovery, member identity
// and join attempt limiting.
//
// # Identity
//
// Authentication happens upstream. The gateway forwards the authenticated
// member id in the X-Member-ID header and Identity copies it into the request
// context:
//
//	api.Use(middleware.Identity)
//	memberID, _ := contextkeys.GetMemberID(r.Context())
//
// # Join attempt limiting
//
// Join codes are short and guessable, so join attempts are limited per member
// (or per client IP when no member is known). The limiter is Redis-backed when
// Redis is configured so every instance shares the same window, and falls
// back to an in-process token bucket otherwise:
//
//	limiter := middleware.NewRedisLimiter(client, cfg, "orgseats:join")
//	router.Handle("/join", middleware.LimitJoinAttempts(limiter, logger)(h))
//
// On Redis errors the limiter fails open and logs the error.
package middleware

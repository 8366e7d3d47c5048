// Package ratelimit holds the two limits applied while replying to mentions.
//
// Limiter is the per-user quota: a fixed-window counter kept in a
// state.Store so every worker process sees the same count.
//
//	limiter, _ := ratelimit.New(store, ratelimit.Config{MaxRequests: 1000, Window: 12 * time.Hour})
//	ok, err := limiter.IsAllowed(ctx, userID)
//	if err == nil && !ok {
//	    left, _ := limiter.Remaining(ctx, userID) // 0
//	}
//
// Increments go through the store's compare-and-set, so concurrent workers
// never lose a count. A request is denied once the count reaches
// MaxRequests; the counter resets when the window's TTL runs out.
//
// Throttle is a process-local token bucket used to pace calls to upstream
// APIs:
//
//	th := ratelimit.NewThrottle()
//	th.SetRate("social.write", 100, 15*time.Minute)
//	if err := th.Wait(ctx, "social.write"); err != nil {
//	    return err
//	}
package ratelimit

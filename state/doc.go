// Package state is the small key/value cache shared by the poller, the rate
// limiter and the credential refresher.
//
// It holds the mention cursor, per-user request counters and OAuth tokens.
// Entries carry their own TTL and a revision; Create and Update give callers
// compare-and-set semantics so concurrent writers never lose updates:
//
//	e, err := store.Get(ctx, "ratelimit.42")
//	...
//	_, err = store.Update(ctx, "ratelimit.42", next, e.Revision, e.TTL(now))
//	if err == state.ErrRevisionMismatch {
//	    // somebody else won, read again
//	}
//
// Backends:
//
//   - MemoryStore: in-process, for tests and single-node deployments
//   - NATSStore: JetStream KV, shared between processes
//
// Lock is a lease built on Create; it lapses after its TTL even if the holder
// never calls Unlock.
package state

/*
Package breaker provides a count-based sliding window circuit breaker for
storage gateway calls.

Each migration job gets one breaker keyed by its target index. The breaker
watches call outcomes and fails fast with ErrCircuitOpen once the backend
looks unhealthy, giving it room to recover instead of hammering it with a
bulk reindex.

# States

	Closed ──(failure ratio or consecutive failures)──► Open
	Open ──(cooldown elapsed)──► HalfOpen
	HalfOpen ──(trial succeeds)──► Closed
	HalfOpen ──(trial fails)──► Open (cooldown doubled)

Trip conditions, checked on every recorded outcome:
  - ConsecutiveFailures in a row, regardless of window content
  - FailureRatio of the last WindowSize calls, once MinCalls are recorded

In HalfOpen exactly one trial call is admitted; concurrent callers keep
failing fast until the trial's outcome is recorded. A failed trial doubles
the cooldown up to MaxCooldown; a successful one clears the window and
restores the initial cooldown.

Guard decorates a gateway.Gateway so that every call is admitted and
recorded automatically:

	brk := breaker.New("products-v2", breaker.DefaultConfig())
	gw := breaker.NewGuard(brk, backend)
*/
package breaker

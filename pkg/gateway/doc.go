/*
Package gateway abstracts the search backend behind a single interface.

Gateway is the orchestrator's only door to the storage engine: snapshots,
index lifecycle, paginated reindex copies, alias resolution and the atomic
alias swap. Two implementations ship with the engine:

  - InMemory: a process-memory fake with the real backend's swap and schema
    semantics plus failure injection, backing --dry-run and the tests
  - Retrier: a decorator adding exponential backoff with jitter to
    transient errors

The retrier only retries errors wrapped by types.Transient; permanent
failures and ErrCircuitOpen pass through untouched. SwapAlias is
deliberately not retried here: a timed-out swap may have landed on the
backend, so the orchestrator confirms the binding is unchanged before each
further attempt.

Production deployments implement Gateway against their search cluster's
API and hand it to orchestrator.New; everything above this package is
backend-agnostic.
*/
package gateway

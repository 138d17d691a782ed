/*
Package validation implements the consistency gate between reindex and
cutover.

A target index is only eligible for the alias swap after three checks pass:

  - Count: |target-source|/source document count delta within the spec's
    tolerance
  - Sample: a uniform sample of source IDs exists in the target with
    identical fields (compared through the migration's transform, if any)
  - Canaries: a battery of representative queries errors on the target, or
    returns zero hits where the source returns some, only if something is
    wrong

A failed check produces ErrValidationFailed upstream and deterministically
triggers rollback; it is never retried. A check that cannot run at all
(backend failure) surfaces as an error and goes through the normal
retry/breaker path instead.
*/
package validation

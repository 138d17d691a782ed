/*
Package types defines the shared vocabulary of the migration engine: the
immutable MigrationSpec, the MigrationJob phase machine, checkpoints, WAL
entries, validation reports and the sentinel error taxonomy.

Errors are classified with errors.Is against the sentinels here; transient
backend failures are wrapped with Transient so the retry and circuit breaker
layers can tell them from permanent ones.
*/
package types

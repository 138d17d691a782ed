/*
Package alias performs atomic alias cutover and rollback.

Readers resolve a stable alias, never a physical index name, which is what
makes blue-green migration invisible to them. The Manager rebinds an alias
in a single backend call, so there is no window where the alias is unbound
or bound to two indices, and retains the prior binding until the owning job
confirms completion. Rollback after a cutover is therefore one cheap swap
back, not a data restore.

ConfirmUnchanged is the safety check behind swap retries: a failed swap is
only re-attempted once the backend confirms the binding was left untouched.
*/
package alias

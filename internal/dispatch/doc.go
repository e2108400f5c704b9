// Package dispatch executes plans.
//
// Submit records a run in the ledger and executes it asynchronously. Each
// planned stage gets a goroutine that waits for its dependencies to reach a
// terminal state, asks the stage's DeferredGuard whether to run, and then
// hands the stage's jobs to a JobRunner with bounded parallelism. A failure
// only reaches the stages that declared a dependency on the failed one.
//
// Plans marked AutoCancel supersede in-flight runs sharing their Key: the old
// run's context is cancelled and it is recorded as superseded.
//
// JobRunner and Notifier are the boundary to the outside world. The package
// ships CommandRunner, which hands each job to an external agent process as
// JSON over stdin, and LogNotifier, which records notification requests.
package dispatch

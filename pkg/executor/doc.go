/*
Package executor runs a single job end to end on behalf of a pool
worker.

Execute admits the job (concurrency cap plus the resource sensor's
verdict on the job's estimated cost), registers it as active, announces
execution_started, and spawns a monitor that broadcasts utilization
snapshots while the job runs. The workflow is prepared (parameter
injection, default template when absent), submitted to the workflow's
runtime container under the task deadline, and polled to completion.

The outcome always settles the queue record: completions call Complete,
failures call Fail with a retry decision derived from the error kind
(deterministic kinds are never retried), and an execution record is
persisted either way. Cleanup of the active registry and the monitor is
unconditional.
*/
package executor

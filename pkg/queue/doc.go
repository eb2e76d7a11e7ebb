/*
Package queue implements the durable priority job queue.

Jobs live in a single bbolt database: a jobs bucket keyed by job id, one
append-order segment bucket per priority (HIGH, NORMAL, LOW), a
dead-letter segment for jobs that exhausted their retries, and a prompt
index mapping prompt ids to job ids. Segment entries are monotonically
increasing sequence keys, so cursor order is enqueue order.

Durability comes from bbolt's transaction model: every mutation commits
and fsyncs before the call returns. A crash between Dequeue and
Complete/Fail leaves the job in PROCESSING state on disk; Open re-queues
such jobs, giving at-least-once delivery. Consumers must therefore be
idempotent on prompt id.

Ordering guarantees: FIFO within a segment, strict HIGH > NORMAL > LOW
across segments, no aging. A sustained flood of HIGH jobs starves LOW
indefinitely; that trade-off is accepted.

Retrying jobs re-enter their own segment immediately but carry a
next-attempt timestamp of 2^retry_count seconds in the future; Dequeue
skips them in place until the hold-off elapses, without blocking jobs
behind them.
*/
package queue

/*
Package types defines the core data structures used throughout renderq.

This package contains all fundamental types that represent the domain
model of the scheduling and execution plane: jobs and their lifecycle
states, workflow graphs, worker records, resource snapshots and cost
estimates, runtime container records, build and execution records, and
the structured error kinds every component reports.

Ownership is by id, never by pointer: the queue owns job records, the
pool owns worker records, the supervisor owns runtime container records.
Components hold ids and consult the owning component for current state.

Job lifecycle:

	PENDING ──enqueue──► QUEUED ──dequeue──► PROCESSING
	                       │                     │
	                    cancel            fail (retries left)
	                       │                     ▼
	                       ▼                  RETRYING ──► QUEUED
	                   CANCELLED                 │
	                                          (else)
	                                             ▼
	                                           FAILED (dead letter)
	PROCESSING ──complete──► COMPLETED
	PROCESSING ──timeout───► TIMED_OUT (treated as a failure)

All types are JSON-serializable; the queue and store persist them as
JSON values in bbolt buckets.
*/
package types

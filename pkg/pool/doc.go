/*
Package pool runs the worker loops that drain the job queue.

Each worker is a cooperative loop: honor the paused flag, ask the
executor whether it can take another job, dequeue, execute. Failures
are counted on the worker and never terminate the loop. The pool
enforces the configured minimum and maximum worker counts on Add and
Remove; removal waits up to ten seconds for the current job before
force-cancelling it, and Stop grants a two-second grace period across
all workers.

A background scaler runs every ten seconds: it adds a worker while the
backlog exceeds the scale threshold times the live worker count and the
host has headroom, and removes one idle worker when the backlog drops
below the live count. Readings are instantaneous; there is no
hysteresis.
*/
package pool

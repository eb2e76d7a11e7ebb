/*
Package sensor samples host CPU, memory, disk, and optional GPU
utilization, and estimates the resource cost of a workload before it is
admitted.

Sampling is built on gopsutil; GPU readings come from nvidia-smi when it
is present and silently degrade to nil fields when it is not. A sampling
failure never surfaces as an error: the sensor returns a snapshot marked
Degraded that assumes full utilization, so admission control fails safe.

The cost model in Estimate is a deliberately pessimistic linear
heuristic (base + per-node + per-megapixel + per-step) with safety
factors on memory and disk. It exists to keep obviously oversized jobs
out of the executor, not to predict runtime precisely.
*/
package sensor

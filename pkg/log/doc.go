// Package log wraps zerolog with a global logger and id-scoped child
// logger helpers (component, job, workflow, worker). Call Init once at
// startup before any component logs.
package log

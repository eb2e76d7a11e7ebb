// Package store persists workflow definitions, container image build
// records, sequence-keyed build logs, and per-job execution records in
// a bbolt database. The scheduling core reads builds to resolve the
// runtime image for a workflow and writes execution outcomes; build
// records themselves are produced by the image construction pipeline.
package store

package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/renderloop/renderq/pkg/log"
	"github.com/renderloop/renderq/pkg/types"
)

var (
	// Bucket names
	bucketJobs        = []byte("jobs")
	bucketSegHigh     = []byte("segment_high")
	bucketSegNormal   = []byte("segment_normal")
	bucketSegLow      = []byte("segment_low")
	bucketDeadLetter  = []byte("dead_letter")
	bucketPromptIndex = []byte("prompt_index")
	bucketStats       = []byte("stats")
)

// Stat keys in the stats bucket.
var (
	statEnqueued  = []byte("enqueued")
	statCompleted = []byte("completed")
	statFailed    = []byte("failed")
	statRetried   = []byte("retried")
	statCancelled = []byte("cancelled")
)

// Stats are cumulative counters over the queue's lifetime.
type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Cancelled uint64 `json:"cancelled"`
}

// Queue is a priority-segmented FIFO job queue persisted in bbolt.
// Every mutation commits (and fsyncs) before the call returns, so a
// crash loses at most work that was never acknowledged. Jobs that were
// PROCESSING at crash time are re-queued on open (at-least-once).
type Queue struct {
	db      *bolt.DB
	maxSize int
	logger  zerolog.Logger
}

// Open opens (or creates) the queue database at path. maxSize bounds the
// total depth across all priority segments, dead letter excluded.
func Open(path string, maxSize int) (*Queue, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketSegHigh,
			bucketSegNormal,
			bucketSegLow,
			bucketDeadLetter,
			bucketPromptIndex,
			bucketStats,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	q := &Queue{
		db:      db,
		maxSize: maxSize,
		logger:  log.WithComponent("queue"),
	}

	if err := q.recover(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// recover re-queues jobs that were PROCESSING when the process died.
// Consumers must be idempotent on prompt_id.
func (q *Queue) recover() error {
	recovered := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		return jobs.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.State != types.JobStateProcessing {
				return nil
			}
			job.State = types.JobStateQueued
			job.StartedAt = time.Time{}
			if err := putJob(tx, &job); err != nil {
				return err
			}
			if err := appendSegment(tx, job.Priority, job.ID); err != nil {
				return err
			}
			recovered++
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to recover in-flight jobs: %w", err)
	}
	if recovered > 0 {
		q.logger.Warn().Int("jobs", recovered).Msg("re-queued jobs interrupted by previous shutdown")
	}
	return nil
}

// Enqueue appends a job to its priority segment, sets state QUEUED, and
// bumps the enqueued counter. Returns a capacity error when the total
// depth across segments would exceed the configured maximum.
func (q *Queue) Enqueue(job *types.Job) error {
	if !types.ValidPriority(job.Priority) {
		job.Priority = types.PriorityNormal
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = types.DefaultMaxRetries
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	err := q.db.Update(func(tx *bolt.Tx) error {
		if depth(tx) >= q.maxSize {
			return types.NewError(types.ErrCapacity, "queue full: depth >= %d", q.maxSize)
		}
		job.State = types.JobStateQueued
		if err := putJob(tx, job); err != nil {
			return err
		}
		if job.PromptID != "" {
			if err := tx.Bucket(bucketPromptIndex).Put([]byte(job.PromptID), []byte(job.ID)); err != nil {
				return err
			}
		}
		if err := appendSegment(tx, job.Priority, job.ID); err != nil {
			return err
		}
		return bumpStat(tx, statEnqueued)
	})
	if err != nil {
		return err
	}

	q.logger.Debug().Str("job_id", job.ID).Str("priority", string(job.Priority)).Msg("job enqueued")
	return nil
}

// Dequeue removes and returns the next runnable job, HIGH segment first,
// then NORMAL, then LOW. Within a segment order is FIFO. Jobs whose
// retry hold-off has not elapsed are skipped in place. Returns nil when
// nothing is runnable.
func (q *Queue) Dequeue() (*types.Job, error) {
	var out *types.Job
	now := time.Now()

	err := q.db.Update(func(tx *bolt.Tx) error {
		for _, p := range []types.Priority{types.PriorityHigh, types.PriorityNormal, types.PriorityLow} {
			seg := tx.Bucket(segmentBucket(p))
			c := seg.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				job, err := getJob(tx, string(v))
				if err != nil {
					// Orphaned entry; drop it and keep scanning.
					if derr := seg.Delete(k); derr != nil {
						return derr
					}
					continue
				}
				if job.NextAttemptAt.After(now) {
					continue
				}
				if err := seg.Delete(k); err != nil {
					return err
				}
				job.State = types.JobStateProcessing
				job.StartedAt = now
				if err := putJob(tx, job); err != nil {
					return err
				}
				out = job
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Complete marks a job COMPLETED and stores its result.
func (q *Queue) Complete(jobID string, result *types.JobResult) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, jobID)
		if err != nil {
			return err
		}
		job.State = types.JobStateCompleted
		job.CompletedAt = time.Now()
		job.Result = result
		if err := putJob(tx, job); err != nil {
			return err
		}
		return bumpStat(tx, statCompleted)
	})
}

// Fail records a failure. When retry is true and the retry cap is not
// exhausted, the job re-enters its own priority segment in RETRYING
// state with a 2^retry_count second dispatch hold-off. Otherwise the
// job is moved to the dead-letter segment in the given terminal state:
// TIMED_OUT for deadline failures, FAILED for everything else (the
// zero value "" also lands FAILED).
func (q *Queue) Fail(jobID string, errMsg string, retry bool, terminal types.JobState) error {
	if terminal != types.JobStateTimedOut {
		terminal = types.JobStateFailed
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, jobID)
		if err != nil {
			return err
		}

		if retry && job.RetryCount < job.MaxRetries {
			job.RetryCount++
			job.State = types.JobStateRetrying
			job.StartedAt = time.Time{}
			job.Error = errMsg
			job.NextAttemptAt = time.Now().Add(time.Duration(1<<uint(job.RetryCount)) * time.Second)
			if err := putJob(tx, job); err != nil {
				return err
			}
			if err := appendSegment(tx, job.Priority, job.ID); err != nil {
				return err
			}
			return bumpStat(tx, statRetried)
		}

		job.State = terminal
		job.CompletedAt = time.Now()
		job.Error = errMsg
		if err := putJob(tx, job); err != nil {
			return err
		}
		if err := appendTo(tx, bucketDeadLetter, job.ID); err != nil {
			return err
		}
		return bumpStat(tx, statFailed)
	})
}

// Cancel cancels a job that has not started processing. Jobs already
// PROCESSING are not interrupted; cancelling them is rejected here.
func (q *Queue) Cancel(jobID string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, jobID)
		if err != nil {
			return err
		}
		switch job.State {
		case types.JobStatePending, types.JobStateQueued:
		default:
			return types.NewError(types.ErrValidation, "cannot cancel job in state %s", job.State)
		}

		if err := removeFromSegment(tx, job.Priority, job.ID); err != nil {
			return err
		}
		job.State = types.JobStateCancelled
		job.CompletedAt = time.Now()
		if err := putJob(tx, job); err != nil {
			return err
		}
		return bumpStat(tx, statCancelled)
	})
}

// Position reports a job's place in line: 0 when PROCESSING, a 1-based
// index within its segment summed with all higher-priority segments when
// queued, and -1 when unknown or terminal.
func (q *Queue) Position(jobID string) int {
	pos := -1
	_ = q.db.View(func(tx *bolt.Tx) error {
		job, err := getJob(tx, jobID)
		if err != nil {
			return nil
		}
		if job.State == types.JobStateProcessing {
			pos = 0
			return nil
		}

		count := 0
		for _, p := range []types.Priority{types.PriorityHigh, types.PriorityNormal, types.PriorityLow} {
			seg := tx.Bucket(segmentBucket(p))
			c := seg.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				count++
				if string(v) == jobID {
					pos = count
					return nil
				}
			}
		}
		return nil
	})
	return pos
}

// RecoverDeadLetter moves up to n jobs from the dead-letter segment back
// into their priority segments with retry_count reset to zero.
func (q *Queue) RecoverDeadLetter(n int) (int, error) {
	moved := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		dl := tx.Bucket(bucketDeadLetter)
		c := dl.Cursor()
		for k, v := c.First(); k != nil && moved < n; k, v = c.Next() {
			job, err := getJob(tx, string(v))
			if err != nil {
				if derr := dl.Delete(k); derr != nil {
					return derr
				}
				continue
			}
			if err := dl.Delete(k); err != nil {
				return err
			}
			// Retry counter intentionally resets to zero here; recovered
			// jobs get a full retry budget again.
			job.RetryCount = 0
			job.State = types.JobStateQueued
			job.Error = ""
			job.NextAttemptAt = time.Time{}
			job.CompletedAt = time.Time{}
			if err := putJob(tx, job); err != nil {
				return err
			}
			if err := appendSegment(tx, job.Priority, job.ID); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return moved, err
	}
	if moved > 0 {
		q.logger.Info().Int("jobs", moved).Msg("recovered dead-letter jobs")
	}
	return moved, nil
}

// CleanupCompleted deletes terminal job records older than age, together
// with their prompt-index and dead-letter entries. Returns the number of
// records removed.
func (q *Queue) CleanupCompleted(age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	removed := 0

	err := q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		var stale []string
		err := jobs.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.State.Terminal() && !job.CompletedAt.IsZero() && job.CompletedAt.Before(cutoff) {
				stale = append(stale, job.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, id := range stale {
			job, err := getJob(tx, id)
			if err != nil {
				continue
			}
			if job.PromptID != "" {
				if err := tx.Bucket(bucketPromptIndex).Delete([]byte(job.PromptID)); err != nil {
					return err
				}
			}
			if err := removeFrom(tx, bucketDeadLetter, id); err != nil {
				return err
			}
			if err := jobs.Delete([]byte(id)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Get returns the job record for an id.
func (q *Queue) Get(jobID string) (*types.Job, error) {
	var job *types.Job
	err := q.db.View(func(tx *bolt.Tx) error {
		j, err := getJob(tx, jobID)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	return job, err
}

// GetByPromptID resolves a job through the prompt index. Both the
// placeholder prompt id assigned at submission and the runtime-assigned
// id resolve to the same job.
func (q *Queue) GetByPromptID(promptID string) (*types.Job, error) {
	var job *types.Job
	err := q.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketPromptIndex).Get([]byte(promptID))
		if id == nil {
			return types.NewError(types.ErrNotFound, "unknown prompt id %s", promptID)
		}
		j, err := getJob(tx, string(id))
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	return job, err
}

// BindPromptID records the runtime-assigned prompt id for a job. The
// previous placeholder id keeps resolving through the index.
func (q *Queue) BindPromptID(jobID, promptID string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, jobID)
		if err != nil {
			return err
		}
		job.PromptID = promptID
		if err := putJob(tx, job); err != nil {
			return err
		}
		return tx.Bucket(bucketPromptIndex).Put([]byte(promptID), []byte(jobID))
	})
}

// Depths returns the current depth of each priority segment.
func (q *Queue) Depths() map[types.Priority]int {
	depths := make(map[types.Priority]int, 3)
	_ = q.db.View(func(tx *bolt.Tx) error {
		for _, p := range []types.Priority{types.PriorityHigh, types.PriorityNormal, types.PriorityLow} {
			depths[p] = tx.Bucket(segmentBucket(p)).Stats().KeyN
		}
		return nil
	})
	return depths
}

// Depth returns the total depth across all priority segments.
func (q *Queue) Depth() int {
	n := 0
	_ = q.db.View(func(tx *bolt.Tx) error {
		n = depth(tx)
		return nil
	})
	return n
}

// DeadLetterSize returns the number of jobs in the dead-letter segment.
func (q *Queue) DeadLetterSize() int {
	n := 0
	_ = q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketDeadLetter).Stats().KeyN
		return nil
	})
	return n
}

// Stats returns the cumulative lifetime counters.
func (q *Queue) Stats() Stats {
	var s Stats
	_ = q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStats)
		s.Enqueued = readStat(b, statEnqueued)
		s.Completed = readStat(b, statCompleted)
		s.Failed = readStat(b, statFailed)
		s.Retried = readStat(b, statRetried)
		s.Cancelled = readStat(b, statCancelled)
		return nil
	})
	return s
}

// --- bucket helpers ---

func segmentBucket(p types.Priority) []byte {
	switch p {
	case types.PriorityHigh:
		return bucketSegHigh
	case types.PriorityLow:
		return bucketSegLow
	default:
		return bucketSegNormal
	}
}

func depth(tx *bolt.Tx) int {
	return tx.Bucket(bucketSegHigh).Stats().KeyN +
		tx.Bucket(bucketSegNormal).Stats().KeyN +
		tx.Bucket(bucketSegLow).Stats().KeyN
}

func putJob(tx *bolt.Tx, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
}

func getJob(tx *bolt.Tx, id string) (*types.Job, error) {
	data := tx.Bucket(bucketJobs).Get([]byte(id))
	if data == nil {
		return nil, types.NewError(types.ErrNotFound, "job not found: %s", id)
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func appendSegment(tx *bolt.Tx, p types.Priority, jobID string) error {
	return appendTo(tx, segmentBucket(p), jobID)
}

func appendTo(tx *bolt.Tx, bucket []byte, jobID string) error {
	b := tx.Bucket(bucket)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	return b.Put(itob(seq), []byte(jobID))
}

func removeFromSegment(tx *bolt.Tx, p types.Priority, jobID string) error {
	return removeFrom(tx, segmentBucket(p), jobID)
}

func removeFrom(tx *bolt.Tx, bucket []byte, jobID string) error {
	b := tx.Bucket(bucket)
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if string(v) == jobID {
			return b.Delete(k)
		}
	}
	return nil
}

func bumpStat(tx *bolt.Tx, key []byte) error {
	b := tx.Bucket(bucketStats)
	return b.Put(key, itob(readStat(b, key)+1))
}

func readStat(b *bolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

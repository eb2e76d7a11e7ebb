package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/renderloop/renderq/pkg/types"
)

var (
	// Bucket names
	bucketWorkflows  = []byte("workflows")
	bucketBuilds     = []byte("builds")
	bucketBuildLogs  = []byte("build_logs")
	bucketExecutions = []byte("executions")
)

// Store persists workflow definitions, build records, build logs, and
// execution records in bbolt. The scheduling core reads builds (to pick
// an image for a workflow) and writes executions; builds themselves are
// produced by the image construction pipeline.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketWorkflows, bucketBuilds, bucketBuildLogs, bucketExecutions}
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

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Workflow operations ---

// SaveWorkflow stores a workflow definition under its id.
func (s *Store) SaveWorkflow(id string, wf types.Workflow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(wf)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWorkflows).Put([]byte(id), data)
	})
}

// GetWorkflow retrieves a workflow definition by id.
func (s *Store) GetWorkflow(id string) (types.Workflow, error) {
	var wf types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(id))
		if data == nil {
			return types.NewError(types.ErrNotFound, "workflow not found: %s", id)
		}
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// --- Build operations ---

// CreateBuild stores a build record.
func (s *Store) CreateBuild(build *types.Build) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(build)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBuilds).Put([]byte(build.ID), data)
	})
}

// UpdateBuild upserts a build record.
func (s *Store) UpdateBuild(build *types.Build) error {
	return s.CreateBuild(build)
}

// GetBuild retrieves a build by id.
func (s *Store) GetBuild(id string) (*types.Build, error) {
	var build types.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBuilds).Get([]byte(id))
		if data == nil {
			return types.NewError(types.ErrNotFound, "build not found: %s", id)
		}
		return json.Unmarshal(data, &build)
	})
	if err != nil {
		return nil, err
	}
	return &build, nil
}

// ListBuilds returns all builds for a workflow.
func (s *Store) ListBuilds(workflowID string) ([]*types.Build, error) {
	var builds []*types.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuilds).ForEach(func(k, v []byte) error {
			var build types.Build
			if err := json.Unmarshal(v, &build); err != nil {
				return err
			}
			if build.WorkflowID == workflowID {
				builds = append(builds, &build)
			}
			return nil
		})
	})
	return builds, err
}

// LatestSuccessfulBuild returns the most recent successful build for a
// workflow, or a build-required error when none exists.
func (s *Store) LatestSuccessfulBuild(workflowID string) (*types.Build, error) {
	builds, err := s.ListBuilds(workflowID)
	if err != nil {
		return nil, err
	}

	var latest *types.Build
	for _, build := range builds {
		if build.Status != types.BuildStatusSuccess {
			continue
		}
		if latest == nil || build.CreatedAt.After(latest.CreatedAt) {
			latest = build
		}
	}
	if latest == nil {
		return nil, &types.Error{
			Kind:    types.ErrBuildRequired,
			Message: fmt.Sprintf("no successful image build for workflow %s", workflowID),
			Hint:    "submit a build via POST /api/builds and wait for it to succeed",
		}
	}
	return latest, nil
}

// --- Build log operations ---

// AppendBuildLog appends one output line to a build's log stream and
// returns its sequence number.
func (s *Store) AppendBuildLog(buildID, line string) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		logs, err := tx.Bucket(bucketBuildLogs).CreateBucketIfNotExists([]byte(buildID))
		if err != nil {
			return err
		}
		seq, err = logs.NextSequence()
		if err != nil {
			return err
		}
		entry := types.BuildLogLine{Seq: seq, Line: line, CreatedAt: time.Now()}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return logs.Put(itob(seq), data)
	})
	return seq, err
}

// BuildLogs returns up to limit log lines with sequence greater than
// since, plus the next since cursor for paging.
func (s *Store) BuildLogs(buildID string, since uint64, limit int) ([]types.BuildLogLine, uint64, error) {
	if limit <= 0 {
		limit = 100
	}
	var lines []types.BuildLogLine
	next := since

	err := s.db.View(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketBuildLogs).Bucket([]byte(buildID))
		if logs == nil {
			return nil
		}
		c := logs.Cursor()
		for k, v := c.Seek(itob(since + 1)); k != nil && len(lines) < limit; k, v = c.Next() {
			var entry types.BuildLogLine
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			lines = append(lines, entry)
			next = entry.Seq
		}
		return nil
	})
	return lines, next, err
}

// --- Execution operations ---

// RecordExecution upserts an execution record keyed by job id.
func (s *Store) RecordExecution(exec *types.Execution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(exec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketExecutions).Put([]byte(exec.JobID), data)
	})
}

// GetExecution retrieves an execution record by job id.
func (s *Store) GetExecution(jobID string) (*types.Execution, error) {
	var exec types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(jobID))
		if data == nil {
			return types.NewError(types.ErrNotFound, "execution not found: %s", jobID)
		}
		return json.Unmarshal(data, &exec)
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderloop/renderq/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := openTestStore(t)

	wf := types.Workflow{
		"3": {ClassType: "KSampler", Inputs: map[string]any{"steps": float64(20)}},
	}
	require.NoError(t, s.SaveWorkflow("wf-1", wf))

	got, err := s.GetWorkflow("wf-1")
	require.NoError(t, err)
	assert.Equal(t, "KSampler", got["3"].ClassType)

	_, err = s.GetWorkflow("missing")
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestBuildCRUD(t *testing.T) {
	s := openTestStore(t)

	build := &types.Build{
		ID:         "b-1",
		WorkflowID: "wf-1",
		ImageRef:   "renderq/wf-1:abc",
		Status:     types.BuildStatusPending,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.CreateBuild(build))

	got, err := s.GetBuild("b-1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusPending, got.Status)

	build.Status = types.BuildStatusSuccess
	build.FinishedAt = time.Now()
	require.NoError(t, s.UpdateBuild(build))

	got, err = s.GetBuild("b-1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusSuccess, got.Status)

	_, err = s.GetBuild("missing")
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestLatestSuccessfulBuild(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()

	builds := []*types.Build{
		{ID: "b-1", WorkflowID: "wf-1", Status: types.BuildStatusSuccess, CreatedAt: base.Add(-2 * time.Hour)},
		{ID: "b-2", WorkflowID: "wf-1", Status: types.BuildStatusSuccess, CreatedAt: base.Add(-time.Hour)},
		{ID: "b-3", WorkflowID: "wf-1", Status: types.BuildStatusFailed, CreatedAt: base},
		{ID: "b-4", WorkflowID: "wf-other", Status: types.BuildStatusSuccess, CreatedAt: base},
	}
	for _, b := range builds {
		require.NoError(t, s.CreateBuild(b))
	}

	latest, err := s.LatestSuccessfulBuild("wf-1")
	require.NoError(t, err)
	assert.Equal(t, "b-2", latest.ID)
}

func TestLatestSuccessfulBuildMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LatestSuccessfulBuild("wf-unbuilt")
	require.Error(t, err)
	assert.Equal(t, types.ErrBuildRequired, types.KindOf(err))

	var serr *types.Error
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Hint, "POST /api/builds")
}

func TestBuildLogPaging(t *testing.T) {
	s := openTestStore(t)

	for i := 1; i <= 5; i++ {
		seq, err := s.AppendBuildLog("b-1", fmt.Sprintf("step %d", i))
		require.NoError(t, err)
		assert.EqualValues(t, i, seq)
	}

	lines, next, err := s.BuildLogs("b-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "step 1", lines[0].Line)
	assert.EqualValues(t, 2, next)

	lines, next, err = s.BuildLogs("b-1", next, 10)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "step 3", lines[0].Line)
	assert.EqualValues(t, 5, next)

	// Past the end the cursor stays put.
	lines, next, err = s.BuildLogs("b-1", next, 10)
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.EqualValues(t, 5, next)
}

func TestBuildLogsUnknownBuild(t *testing.T) {
	s := openTestStore(t)

	lines, next, err := s.BuildLogs("nope", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.Zero(t, next)
}

func TestExecutionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	exec := &types.Execution{
		JobID:      "job-1",
		PromptID:   "prompt-1",
		WorkflowID: "wf-1",
		Status:     types.JobStateCompleted,
		Images:     []string{"/api/images/prompt-1_out.png"},
		StartedAt:  time.Now().Add(-time.Minute),
	}
	require.NoError(t, s.RecordExecution(exec))

	got, err := s.GetExecution("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCompleted, got.Status)
	assert.Equal(t, exec.Images, got.Images)

	_, err = s.GetExecution("missing")
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

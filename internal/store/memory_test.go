package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTask(t *testing.T, m *Memory) *Task {
	t.Helper()
	task := &Task{
		ID:        uuid.New().String(),
		Type:      TaskTypeChat,
		Status:    TaskPending,
		CreatedBy: "tester",
	}
	require.NoError(t, m.CreateTask(context.Background(), task))
	return task
}

func TestSortAssignedMonotonically(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	task := newTestTask(t, m)

	for i := 1; i <= 3; i++ {
		out := &Output{ID: uuid.New().String(), TaskID: task.ID, Status: OutputWait}
		require.NoError(t, m.CreateOutput(ctx, out))
		assert.Equal(t, i, out.Sort)
	}

	// A second task starts its own sequence.
	other := newTestTask(t, m)
	out := &Output{ID: uuid.New().String(), TaskID: other.ID, Status: OutputWait}
	require.NoError(t, m.CreateOutput(ctx, out))
	assert.Equal(t, 1, out.Sort)
}

func TestConditionalUpdateRejectsCancelledOutput(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	task := newTestTask(t, m)

	out := &Output{ID: uuid.New().String(), TaskID: task.ID, Status: OutputProcessing}
	require.NoError(t, m.CreateOutput(ctx, out))

	// Simulate a user stop request landing first.
	ok, err := m.UpdateOutput(ctx, out.ID, Condition{}, OutputPatch{Status: StatusPtr(OutputCancel)})
	require.NoError(t, err)
	require.True(t, ok)

	// The pipeline's guarded write must now be a no-op.
	ok, err = m.UpdateOutput(ctx, out.ID, NotCancelled(), OutputPatch{
		Content: StringPtr("late fragment"),
		Status:  StatusPtr(OutputProcessing),
	})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := m.GetOutput(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, OutputCancel, got.Status)
	assert.Empty(t, got.Content)
}

func TestCancellationIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	task := newTestTask(t, m)

	out := &Output{ID: uuid.New().String(), TaskID: task.ID, Status: OutputProcessing}
	require.NoError(t, m.CreateOutput(ctx, out))

	for i := 0; i < 3; i++ {
		_, err := m.UpdateOutput(ctx, out.ID, Condition{}, OutputPatch{Status: StatusPtr(OutputCancel)})
		require.NoError(t, err)
	}

	got, err := m.GetOutput(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, OutputCancel, got.Status)
}

func TestListOutputsExcludesStatusesAndOrdersBySort(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	task := newTestTask(t, m)

	statuses := []OutputStatus{OutputFinished, OutputFailed, OutputCancel, OutputFinished}
	for _, s := range statuses {
		out := &Output{ID: uuid.New().String(), TaskID: task.ID, Status: s}
		require.NoError(t, m.CreateOutput(ctx, out))
	}

	outs, err := m.ListOutputs(ctx, OutputFilter{
		TaskID:          task.ID,
		ExcludeStatuses: []OutputStatus{OutputFailed, OutputCancel},
	})
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Less(t, outs[0].Sort, outs[1].Sort)
	for _, o := range outs {
		assert.Equal(t, OutputFinished, o.Status)
	}
}

func TestGetOutputNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.GetOutput(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTaskSetsTitle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	task := newTestTask(t, m)

	require.NoError(t, m.UpdateTask(ctx, task.ID, TaskPatch{
		Title:     StringPtr("有給休暇の質問"),
		Status:    TaskStatusPtr(TaskProcessing),
		UpdatedBy: "worker",
	}))

	got, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "有給休暇の質問", got.Title)
	assert.Equal(t, TaskProcessing, got.Status)
}

func TestListFilesByID(t *testing.T) {
	m := NewMemory()
	m.AddFile(File{ID: "f1", Name: "handbook.pdf", StorageKey: "doc-1"})
	m.AddFile(File{ID: "f2", Name: "policy.pdf", StorageKey: "doc-2"})

	files, err := m.ListFiles(context.Background(), []string{"f2", "missing"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "policy.pdf", files[0].Name)

	all, err := m.ListAllFiles(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// Package store persists Tasks (conversation threads) and Outputs (turns
// within a thread). The conditional-update primitive scoped to
// status != CANCEL is the backbone of cooperative cancellation: a content
// write racing with a user stop request can never resurrect cancelled
// content.
package store

import (
	"context"
	"errors"
	"time"
)

// TaskType enumerates task kinds; the chat pipeline only handles CHAT.
type TaskType string

const TaskTypeChat TaskType = "CHAT"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskFinished   TaskStatus = "FINISHED"
	TaskFailed     TaskStatus = "FAILED"
	TaskCancel     TaskStatus = "CANCEL"
)

// OutputStatus is the lifecycle state of an Output. CANCEL is terminal:
// once set, no further content may be appended.
type OutputStatus string

const (
	OutputWait       OutputStatus = "WAIT"
	OutputInProcess  OutputStatus = "IN_PROCESS"
	OutputProcessing OutputStatus = "PROCESSING"
	OutputFinished   OutputStatus = "FINISHED"
	OutputFailed     OutputStatus = "FAILED"
	OutputCancel     OutputStatus = "CANCEL"
)

// Task is one conversation thread.
type Task struct {
	ID        string     `db:"id"`
	Type      TaskType   `db:"type"`
	Status    TaskStatus `db:"status"`
	Title     string     `db:"title"`
	CreatedBy string     `db:"created_by"`
	UpdatedBy string     `db:"updated_by"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}

// Output is one request/response turn within a Task. Sort is the per-task
// monotonic ordinal used both for conversation ordering and as the
// cancellation key for in-flight work. Metadata is the opaque JSON request
// descriptor; Content is mutated incrementally during streaming and ends as
// the dual-language envelope string.
type Output struct {
	ID        string       `db:"id"`
	TaskID    string       `db:"task_id"`
	Sort      int          `db:"sort"`
	Metadata  string       `db:"metadata"`
	Content   string       `db:"content"`
	Status    OutputStatus `db:"status"`
	UpdatedBy string       `db:"updated_by"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
}

// File is an uploaded document available for retrieval. StorageKey is the
// identifier the search index knows the document by.
type File struct {
	ID         string    `db:"id"`
	Name       string    `db:"name"`
	StorageKey string    `db:"storage_key"`
	CreatedAt  time.Time `db:"created_at"`
}

// OutputFilter selects outputs for a task. ExcludeStatuses drops rows in
// any of the listed states; results are always ordered by ascending sort.
type OutputFilter struct {
	TaskID          string
	ExcludeStatuses []OutputStatus
}

// OutputPatch is a partial update to an Output. Nil fields are untouched.
type OutputPatch struct {
	Content   *string
	Status    *OutputStatus
	UpdatedBy string
}

// TaskPatch is a partial update to a Task. Nil fields are untouched.
type TaskPatch struct {
	Title     *string
	Status    *TaskStatus
	UpdatedBy string
}

// Condition guards an update. The zero value is unconditional.
type Condition struct {
	statusNot OutputStatus
}

// StatusNot returns a condition rejecting the update when the row's current
// status equals s.
func StatusNot(s OutputStatus) Condition {
	return Condition{statusNot: s}
}

// NotCancelled is the standard guard for all pipeline writes.
func NotCancelled() Condition {
	return StatusNot(OutputCancel)
}

// ErrNotFound is returned when a task or output does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence boundary the pipeline depends on.
type Store interface {
	CreateTask(ctx context.Context, task *Task) error
	UpdateTask(ctx context.Context, id string, patch TaskPatch) error

	CreateOutput(ctx context.Context, output *Output) error
	GetOutput(ctx context.Context, id string) (*Output, error)
	ListOutputs(ctx context.Context, filter OutputFilter) ([]Output, error)
	// UpdateOutput applies patch to the output when the condition holds,
	// reporting whether a row was updated. A false return with nil error
	// means the condition rejected the write (typically: already CANCEL).
	UpdateOutput(ctx context.Context, id string, cond Condition, patch OutputPatch) (bool, error)

	ListFiles(ctx context.Context, ids []string) ([]File, error)
	ListAllFiles(ctx context.Context) ([]File, error)
}

// Helpers for building patches without local temporaries.

func StringPtr(s string) *string             { return &s }
func StatusPtr(s OutputStatus) *OutputStatus { return &s }
func TaskStatusPtr(s TaskStatus) *TaskStatus { return &s }

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and local development. It
// honors the same conditional-update semantics as the Postgres backend.
type Memory struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	outputs map[string]*Output
	files   map[string]*File
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:   make(map[string]*Task),
		outputs: make(map[string]*Output),
		files:   make(map[string]*File),
	}
}

func (m *Memory) CreateTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *Memory) UpdateTask(_ context.Context, id string, patch TaskPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	task.UpdatedBy = patch.UpdatedBy
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// GetTask is a test convenience not part of the Store interface.
func (m *Memory) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (m *Memory) CreateOutput(_ context.Context, output *Output) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	maxSort := 0
	for _, o := range m.outputs {
		if o.TaskID == output.TaskID && o.Sort > maxSort {
			maxSort = o.Sort
		}
	}
	now := time.Now().UTC()
	output.Sort = maxSort + 1
	output.CreatedAt = now
	output.UpdatedAt = now
	cp := *output
	m.outputs[output.ID] = &cp
	return nil
}

func (m *Memory) GetOutput(_ context.Context, id string) (*Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.outputs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *out
	return &cp, nil
}

func (m *Memory) ListOutputs(_ context.Context, filter OutputFilter) ([]Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []Output
	for _, o := range m.outputs {
		if o.TaskID != filter.TaskID {
			continue
		}
		excluded := false
		for _, s := range filter.ExcludeStatuses {
			if o.Status == s {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sort < result[j].Sort })
	return result, nil
}

func (m *Memory) UpdateOutput(_ context.Context, id string, cond Condition, patch OutputPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.outputs[id]
	if !ok {
		return false, nil
	}
	if cond.statusNot != "" && out.Status == cond.statusNot {
		return false, nil
	}
	if patch.Content != nil {
		out.Content = *patch.Content
	}
	if patch.Status != nil {
		out.Status = *patch.Status
	}
	out.UpdatedBy = patch.UpdatedBy
	out.UpdatedAt = time.Now().UTC()
	return true, nil
}

// AddFile is a test convenience not part of the Store interface.
func (m *Memory) AddFile(file File) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}
	cp := file
	m.files[file.ID] = &cp
}

func (m *Memory) ListFiles(_ context.Context, ids []string) ([]File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []File
	for _, id := range ids {
		if f, ok := m.files[id]; ok {
			result = append(result, *f)
		}
	}
	return result, nil
}

func (m *Memory) ListAllFiles(_ context.Context) ([]File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []File
	for _, f := range m.files {
		result = append(result, *f)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

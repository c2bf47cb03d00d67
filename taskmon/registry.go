package taskmon

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Registry is the set of all known tasks. It is persisted as a whole as a JSON
// object mapping task IDs to tasks.
type Registry struct {
	Tasks map[string]*Task
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{Tasks: map[string]*Task{}}
}

// MarshalJSON implements json.Marshaler.
func (r *Registry) MarshalJSON() ([]byte, error) {
	if r.Tasks == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Tasks)
}

// UnmarshalJSON implements json.Unmarshaler. Entries that can't possibly be
// tasks are rejected instead of being dropped.
func (r *Registry) UnmarshalJSON(b []byte) error {
	var tasks map[string]*Task
	if err := json.Unmarshal(b, &tasks); err != nil {
		return err
	}

	if tasks == nil {
		tasks = map[string]*Task{}
	}

	for id, task := range tasks {
		if task == nil {
			return errors.Errorf("task %q is null", id)
		}
		if task.ID == "" {
			task.ID = id
		}
		if task.ID != id {
			return errors.Errorf("task %q is stored under ID %q", task.ID, id)
		}
		if task.Status == "" {
			task.Status = StatusStopped
		}
	}

	r.Tasks = tasks
	return nil
}

// Len returns the number of tasks.
func (r *Registry) Len() int {
	return len(r.Tasks)
}

// Add adds a new task. The task's name must not be taken by another task.
func (r *Registry) Add(t *Task) error {
	if r.Tasks == nil {
		r.Tasks = map[string]*Task{}
	}

	if _, ok := r.Tasks[t.ID]; ok {
		return errors.Errorf("task ID %q already exists", t.ID)
	}

	for _, other := range r.Tasks {
		if other.Name == t.Name {
			return errors.Wrapf(ErrNameTaken, "%q is used by task %s", t.Name, other.ShortID())
		}
	}

	r.Tasks[t.ID] = t
	return nil
}

// Remove removes the task with the given ID. False is returned if there is no
// such task.
func (r *Registry) Remove(id string) bool {
	if _, ok := r.Tasks[id]; !ok {
		return false
	}

	delete(r.Tasks, id)
	return true
}

// Lookup finds a task by its exact name, its exact ID or an unambiguous prefix
// of its ID, in that order.
func (r *Registry) Lookup(ref string) (*Task, error) {
	if ref == "" {
		return nil, errors.Wrap(ErrNotFound, "empty task reference")
	}

	for _, t := range r.Tasks {
		if t.Name == ref {
			return t, nil
		}
	}

	if t, ok := r.Tasks[ref]; ok {
		return t, nil
	}

	var matches []*Task
	for id, t := range r.Tasks {
		if strings.HasPrefix(id, ref) {
			matches = append(matches, t)
		}
	}

	switch len(matches) {
	case 0:
		return nil, errors.Wrapf(ErrNotFound, "no task named %q or with ID prefix %q", ref, ref)
	case 1:
		return matches[0], nil
	default:
		sortTasks(matches)

		names := make([]string, len(matches))
		for i, t := range matches {
			names[i] = t.Name
		}

		return nil, errors.Wrapf(ErrAmbiguousReference,
			"%q matches %d tasks (%s)", ref, len(matches), strings.Join(names, ", "))
	}
}

// List returns every task ordered by creation time.
func (r *Registry) List() []*Task {
	tasks := make([]*Task, 0, len(r.Tasks))
	for _, t := range r.Tasks {
		tasks = append(tasks, t)
	}

	sortTasks(tasks)
	return tasks
}

func sortTasks(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

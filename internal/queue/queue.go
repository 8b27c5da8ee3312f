package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3mdistal/ralph/internal/paths"
)

// ErrConflict is returned by Save when the record changed on disk since it
// was loaded. The caller reloads, reapplies, and retries.
var ErrConflict = errors.New("task record modified concurrently")

// Queue is a directory of task records, one YAML file per task.
type Queue struct {
	dir string
}

// Open creates the queue directory if needed and returns the queue.
func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	return &Queue{dir: dir}, nil
}

// Dir returns the queue directory.
func (q *Queue) Dir() string { return q.dir }

// Load reads one task record by file name.
func (q *Queue) Load(name string) (*Task, error) {
	return loadTask(filepath.Join(q.dir, name+".yaml"))
}

func loadTask(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task record %s: %w", path, err)
	}
	t, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("task record %s: %w", path, err)
	}
	t.Path = path
	t.Name = taskNameFromPath(path)
	return t, nil
}

// List returns all task records, sorted by descending priority then name so
// iteration order is stable.
func (q *Queue) List() ([]*Task, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue directory: %w", err)
	}
	var tasks []*Task
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		t, err := loadTask(filepath.Join(q.dir, e.Name()))
		if err != nil {
			// A half-written or malformed record must not wedge the queue.
			fmt.Fprintf(os.Stderr, "Warning: skipping unreadable task record: %v\n", err)
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].Name < tasks[j].Name
	})
	return tasks, nil
}

// ForRepo returns tasks of one repository with the given statuses (all when
// none are given).
func (q *Queue) ForRepo(repo string, statuses ...string) ([]*Task, error) {
	all, err := q.List()
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, t := range all {
		if t.Repo != repo {
			continue
		}
		if len(statuses) == 0 {
			out = append(out, t)
			continue
		}
		for _, s := range statuses {
			if t.Status == s {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// Create writes a new task record. The file must not already exist.
func (q *Queue) Create(name string, t *Task) error {
	path := filepath.Join(q.dir, name+".yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("task record %s already exists", path)
	}
	if t.Status == "" {
		t.Status = StatusQueued
	}
	data, err := t.encode()
	if err != nil {
		return err
	}
	if err := paths.WriteFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write task record: %w", err)
	}
	t.Path = path
	t.Name = name
	t.baseVersion = contentVersion(data)
	return nil
}

// Save writes the task back, refusing when the on-disk record no longer
// matches the version this task was loaded from.
func (q *Queue) Save(t *Task) error {
	current, err := os.ReadFile(t.Path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read task record for save: %w", err)
	}
	if err == nil && contentVersion(current) != t.baseVersion {
		return fmt.Errorf("task record %s: %w", t.Path, ErrConflict)
	}
	data, err := t.encode()
	if err != nil {
		return err
	}
	if err := paths.WriteFileAtomic(t.Path, data, 0600); err != nil {
		return fmt.Errorf("failed to write task record: %w", err)
	}
	t.baseVersion = contentVersion(data)
	return nil
}

// Reload re-reads the task from disk, discarding in-memory changes.
func (q *Queue) Reload(t *Task) (*Task, error) {
	return loadTask(t.Path)
}

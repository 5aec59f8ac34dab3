// Package store provides the durable, crash-recoverable task store.
//
// Tasks live in two tiers: an in-memory cache that is authoritative for the
// process lifetime, and one JSON file per task under <workspace>/tasks for
// recovery across restarts. Durable I/O failures are logged and absorbed;
// the documented trade-off is that a crash before a successful durable write
// loses the affected record.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/harrison/dispatch/internal/logger"
	"github.com/harrison/dispatch/internal/models"
)

// Store is a write-through cached task store with file-backed persistence.
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]*models.Task
	tasksDir string
	lock     *flock.Flock
	log      logger.Logger
}

// New creates a Store rooted at workspace, eagerly loading every persisted
// record into the cache for crash recovery. Records that fail to decode are
// skipped and logged; they never abort startup.
//
// A lock file guards the tasks directory so two agent processes cannot share
// one workspace. Failing to acquire it is an error; everything else about
// durable storage degrades gracefully.
func New(workspace string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Discard()
	}

	tasksDir := filepath.Join(workspace, "tasks")
	if err := os.MkdirAll(tasksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tasks directory: %w", err)
	}

	lock := flock.New(filepath.Join(tasksDir, ".lock"))
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock tasks directory: %w", err)
	}
	if !held {
		return nil, fmt.Errorf("tasks directory %s is locked by another process", tasksDir)
	}

	s := &Store{
		tasks:    make(map[string]*models.Task),
		tasksDir: tasksDir,
		lock:     lock,
		log:      log,
	}
	s.loadPersisted()

	return s, nil
}

// Close releases the tasks directory lock.
func (s *Store) Close() error {
	if s.lock != nil {
		return s.lock.Unlock()
	}
	return nil
}

// loadPersisted restores every readable task record from disk into the cache.
func (s *Store) loadPersisted() {
	entries, err := os.ReadDir(s.tasksDir)
	if err != nil {
		s.log.Errorf("load persisted tasks: %v", err)
		return
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		task, err := readTaskFile(filepath.Join(s.tasksDir, entry.Name()))
		if err != nil {
			s.log.Warnf("skipping unreadable task record %s: %v", entry.Name(), err)
			continue
		}
		s.tasks[task.ID] = task
		loaded++
	}

	if loaded > 0 {
		s.log.Infof("recovered %d persisted tasks", loaded)
	}
}

// Save writes the task through to the cache and attempts a durable write.
// A durable-write failure is logged, not returned: the cache remains
// authoritative for the process lifetime.
func (s *Store) Save(task *models.Task) {
	if task == nil || task.ID == "" {
		return
	}

	s.mu.Lock()
	s.tasks[task.ID] = cloneTask(task)
	s.mu.Unlock()

	if err := s.persist(task); err != nil {
		s.log.Errorf("persist task %s: %v", task.ID, err)
	}
}

// Get returns the task for id, or nil when unknown. Cache misses fall back
// to the durable tier, repopulating the cache on success.
func (s *Store) Get(id string) *models.Task {
	s.mu.RLock()
	task, ok := s.tasks[id]
	s.mu.RUnlock()
	if ok {
		return cloneTask(task)
	}

	task, err := readTaskFile(s.taskPath(id))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Errorf("load task %s from disk: %v", id, err)
		}
		return nil
	}

	s.mu.Lock()
	s.tasks[id] = task
	s.mu.Unlock()
	return cloneTask(task)
}

// Delete removes the task from both tiers. A durable-deletion failure is
// logged, not returned.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()

	if err := os.Remove(s.taskPath(id)); err != nil && !os.IsNotExist(err) {
		s.log.Errorf("delete task %s from disk: %v", id, err)
	}
}

// All returns a snapshot of every cached task.
func (s *Store) All() []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, cloneTask(task))
	}
	return out
}

// Cleanup deletes old terminal tasks, keeping the keepRecent most recently
// updated (by status timestamp, descending). It returns the number removed.
func (s *Store) Cleanup(keepRecent int) int {
	if keepRecent < 0 {
		keepRecent = 0
	}

	s.mu.RLock()
	terminal := make([]*models.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if task.Status.State.Terminal() {
			terminal = append(terminal, task)
		}
	}
	s.mu.RUnlock()

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].Status.Timestamp.After(terminal[j].Status.Timestamp)
	})

	if len(terminal) <= keepRecent {
		return 0
	}

	removed := 0
	for _, task := range terminal[keepRecent:] {
		s.Delete(task.ID)
		removed++
	}

	if removed > 0 {
		s.log.Infof("cleaned up %d old tasks", removed)
	}
	return removed
}

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.tasksDir, id+".json")
}

// persist writes the task record atomically: temp file then rename, so a
// crash mid-write never leaves a truncated record.
func (s *Store) persist(task *models.Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	path := s.taskPath(task.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write task file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename task file: %w", err)
	}
	return nil
}

// ReadAll loads every readable task record under workspace without claiming
// the directory lock. It is meant for read-only inspection alongside a
// running agent; records that fail to decode are skipped.
func ReadAll(workspace string) ([]*models.Task, error) {
	tasksDir := filepath.Join(workspace, "tasks")
	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks directory: %w", err)
	}

	var tasks []*models.Task
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		task, err := readTaskFile(filepath.Join(tasksDir, entry.Name()))
		if err != nil {
			continue
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Status.Timestamp.After(tasks[j].Status.Timestamp)
	})
	return tasks, nil
}

func readTaskFile(path string) (*models.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task record: %w", err)
	}
	if task.ID == "" {
		return nil, fmt.Errorf("task record %s has no id", filepath.Base(path))
	}
	return &task, nil
}

// cloneTask deep-copies a task so callers cannot mutate the cache directly.
func cloneTask(t *models.Task) *models.Task {
	if t == nil {
		return nil
	}
	c := *t
	c.History = append([]models.Message(nil), t.History...)
	c.Artifacts = append([]models.Artifact(nil), t.Artifacts...)
	return &c
}

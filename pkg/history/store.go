// Package history is the durable Task History Store: a bbolt-backed,
// append-on-completion record of every task that has passed through
// the Task Manager, keyed by task ID with a secondary time-ordered
// index for range queries. Adapted from warren's pkg/storage BoltStore
// — same single-file-bucket-per-entity shape, generalized from
// nodes/services/containers to one task-history bucket plus an index
// bucket.
package history

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/taskcore/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks = []byte("tasks")
	bucketIndex = []byte("tasks_by_time") // key: UTC ended_at as "20060102150405.000000000" + "_" + id, value: id
)

// Store is the bbolt-backed Task History Store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the history database at
// <dataDir>/taskcore.db.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "taskcore.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("history: create bucket %s: %w", b, err)
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

// Record persists the terminal state of a task. It implements
// taskmanager.HistoryRecorder.
func (s *Store) Record(task types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("history: marshal task: %w", err)
		}
		if err := tx.Bucket(bucketTasks).Put([]byte(task.ID), data); err != nil {
			return err
		}

		ended := task.SubmittedAt
		if task.EndedAt != nil {
			ended = *task.EndedAt
		}
		indexKey := []byte(ended.UTC().Format("20060102150405.000000000") + "_" + task.ID)
		return tx.Bucket(bucketIndex).Put(indexKey, []byte(task.ID))
	})
}

// Get retrieves one task's recorded history by ID.
func (s *Store) Get(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("history: task not found: %s", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Recent returns up to limit most-recently-ended tasks, newest first.
func (s *Store) Recent(limit int) ([]types.Task, error) {
	var out []types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIndex)
		tasks := tx.Bucket(bucketTasks)
		c := idx.Cursor()
		count := 0
		for k, v := c.Last(); k != nil && count < limit; k, v = c.Prev() {
			data := tasks.Get(v)
			if data == nil {
				continue
			}
			var t types.Task
			if err := json.Unmarshal(data, &t); err != nil {
				return err
			}
			out = append(out, t)
			count++
		}
		return nil
	})
	return out, err
}

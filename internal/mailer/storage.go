package mailer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks    = []byte("tasks")
	bucketPending  = []byte("pending")
	bucketDeferred = []byte("deferred")
)

// ErrQueueFull is returned when the pending queue is at its bound. Callers
// drop the email rather than block or fail the signup.
var ErrQueueFull = errors.New("mail queue is full")

// BoltStorage is the durable welcome email queue. Tasks survive a restart;
// pending and deferred indexes are time-ordered so dispatch is FIFO and
// retries fire when due.
type BoltStorage struct {
	db    *bolt.DB
	limit int
}

// NewBoltStorage opens the queue database at path. limit bounds the number
// of pending tasks (0 = unbounded).
func NewBoltStorage(path string, limit int) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketPending, bucketDeferred} {
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

	return &BoltStorage{db: db, limit: limit}, nil
}

// Enqueue adds a task to the queue, rejecting it with ErrQueueFull past the
// pending bound
func (s *BoltStorage) Enqueue(task *Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pendingBucket := tx.Bucket(bucketPending)

		if s.limit > 0 && pendingBucket.Stats().KeyN >= s.limit {
			return ErrQueueFull
		}

		taskBucket := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		if err := taskBucket.Put([]byte(task.ID), data); err != nil {
			return fmt.Errorf("failed to store task: %w", err)
		}

		indexKey := makeIndexKey(task.CreatedAt, task.ID)
		if err := pendingBucket.Put(indexKey, []byte(task.ID)); err != nil {
			return fmt.Errorf("failed to add to pending index: %w", err)
		}

		return nil
	})
}

// Dequeue returns the next task due for processing, marking it as sending.
// Deferred tasks whose retry time has arrived take priority over fresh
// pending tasks. Returns nil, nil when nothing is due.
func (s *BoltStorage) Dequeue() (*Task, error) {
	var task *Task

	err := s.db.Update(func(tx *bolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)
		now := time.Now()

		// Deferred tasks ready for retry first
		c := tx.Bucket(bucketDeferred).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ts := parseTimestampFromKey(k)
			if ts.After(now) {
				break // remaining keys are all in the future
			}

			t, err := claim(taskBucket, v, now)
			if err != nil {
				return err
			}
			if t == nil {
				c.Delete()
				continue
			}

			if err := c.Delete(); err != nil {
				return err
			}
			task = t
			return nil
		}

		c = tx.Bucket(bucketPending).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			t, err := claim(taskBucket, v, now)
			if err != nil {
				return err
			}
			if t == nil {
				c.Delete()
				continue
			}

			if err := c.Delete(); err != nil {
				return err
			}
			task = t
			return nil
		}

		return nil
	})

	return task, err
}

// claim loads a task by ID and marks it sending. Returns nil for dangling
// index entries.
func claim(taskBucket *bolt.Bucket, id []byte, now time.Time) (*Task, error) {
	data := taskBucket.Get(id)
	if data == nil {
		return nil, nil
	}

	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, nil
	}

	t.Status = StatusSending
	t.UpdatedAt = now

	updated, err := json.Marshal(&t)
	if err != nil {
		return nil, err
	}
	if err := taskBucket.Put([]byte(t.ID), updated); err != nil {
		return nil, err
	}

	return &t, nil
}

// Update persists a task's new status, re-indexing deferred tasks by their
// next retry time
func (s *BoltStorage) Update(task *Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)

		task.UpdatedAt = time.Now()

		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		if err := taskBucket.Put([]byte(task.ID), data); err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}

		if task.Status == StatusDeferred {
			deferredBucket := tx.Bucket(bucketDeferred)
			indexKey := makeIndexKey(task.NextRetryAt, task.ID)
			if err := deferredBucket.Put(indexKey, []byte(task.ID)); err != nil {
				return fmt.Errorf("failed to add to deferred index: %w", err)
			}
		}

		return nil
	})
}

// RecoverInFlight re-queues tasks left in the sending state by an unclean
// shutdown so they are dispatched again. Returns the number of tasks
// re-queued.
func (s *BoltStorage) RecoverInFlight() (int, error) {
	recovered := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)
		pendingBucket := tx.Bucket(bucketPending)

		var stale []Task
		c := taskBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.Status == StatusSending {
				stale = append(stale, t)
			}
		}

		now := time.Now()
		for i := range stale {
			t := &stale[i]
			t.Status = StatusPending
			t.UpdatedAt = now

			data, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := taskBucket.Put([]byte(t.ID), data); err != nil {
				return err
			}
			if err := pendingBucket.Put(makeIndexKey(t.CreatedAt, t.ID), []byte(t.ID)); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})

	return recovered, err
}

// Get retrieves a task by ID, nil if absent
func (s *BoltStorage) Get(id string) (*Task, error) {
	var task *Task

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return nil
		}
		task = &Task{}
		return json.Unmarshal(data, task)
	})

	return task, err
}

// Stats returns queue statistics
func (s *BoltStorage) Stats() (*QueueStats, error) {
	stats := &QueueStats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}

			stats.Total++
			switch t.Status {
			case StatusPending:
				stats.Pending++
			case StatusSending:
				stats.Sending++
			case StatusDelivered:
				stats.Delivered++
			case StatusFailed:
				stats.Failed++
			case StatusDeferred:
				stats.Deferred++
			}
		}

		return nil
	})

	return stats, err
}

// Close closes the queue database
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano) + ":" + id)
}

// parseTimestampFromKey extracts the timestamp from an index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.Parse(time.RFC3339Nano, s[:i])
			return ts
		}
	}
	return time.Time{}
}

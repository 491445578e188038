package mailer

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func setupStorage(t *testing.T, limit int) *BoltStorage {
	t.Helper()

	storage, err := NewBoltStorage(filepath.Join(t.TempDir(), "queue.db"), limit)
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	return storage
}

func newTask(id string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:               id,
		SubscriberID:     "sub-" + id,
		Email:            id + "@example.com",
		UnsubscribeToken: "token-" + id,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestStorageEnqueueDequeue(t *testing.T) {
	storage := setupStorage(t, 0)

	task := newTask("task-1")
	if err := storage.Enqueue(task); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, err := storage.Get("task-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil")
	}
	if got.Status != StatusPending {
		t.Errorf("Get().Status = %v, want pending", got.Status)
	}

	dequeued, err := storage.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if dequeued == nil {
		t.Fatal("Dequeue() returned nil")
	}
	if dequeued.ID != "task-1" {
		t.Errorf("Dequeue().ID = %v, want task-1", dequeued.ID)
	}
	if dequeued.Status != StatusSending {
		t.Errorf("Dequeue().Status = %v, want sending", dequeued.Status)
	}

	// Queue is now empty
	empty, err := storage.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if empty != nil {
		t.Errorf("Dequeue() = %+v, want nil on empty queue", empty)
	}
}

func TestStorageFIFO(t *testing.T) {
	storage := setupStorage(t, 0)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		task := newTask(fmt.Sprintf("task-%d", i))
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := storage.Enqueue(task); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		got, err := storage.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		want := fmt.Sprintf("task-%d", i)
		if got == nil || got.ID != want {
			t.Errorf("Dequeue() #%d = %v, want %v", i, got, want)
		}
	}
}

func TestStorageQueueFull(t *testing.T) {
	storage := setupStorage(t, 2)

	if err := storage.Enqueue(newTask("task-1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := storage.Enqueue(newTask("task-2")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	err := storage.Enqueue(newTask("task-3"))
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue() error = %v, want ErrQueueFull", err)
	}

	// Dequeue frees a pending slot
	if _, err := storage.Dequeue(); err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if err := storage.Enqueue(newTask("task-4")); err != nil {
		t.Errorf("Enqueue() after dequeue error = %v", err)
	}
}

func TestStorageDeferredRetry(t *testing.T) {
	storage := setupStorage(t, 0)

	task := newTask("deferred-1")
	if err := storage.Enqueue(task); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	claimed, err := storage.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}

	// Defer with a future retry time: not yet due
	claimed.Status = StatusDeferred
	claimed.RetryCount = 1
	claimed.NextRetryAt = time.Now().Add(time.Hour)
	if err := storage.Update(claimed); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := storage.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got != nil {
		t.Errorf("Dequeue() = %+v, want nil before retry time", got)
	}

	// Move the retry time into the past: due now
	claimed.NextRetryAt = time.Now().Add(-time.Second)
	if err := storage.Update(claimed); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err = storage.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got == nil {
		t.Fatal("Dequeue() = nil, want deferred task past its retry time")
	}
	if got.ID != "deferred-1" {
		t.Errorf("Dequeue().ID = %v, want deferred-1", got.ID)
	}
	if got.RetryCount != 1 {
		t.Errorf("Dequeue().RetryCount = %v, want 1", got.RetryCount)
	}
}

func TestStorageStats(t *testing.T) {
	storage := setupStorage(t, 0)

	if err := storage.Enqueue(newTask("stat-1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := storage.Enqueue(newTask("stat-2")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	claimed, err := storage.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	claimed.Status = StatusDelivered
	if err := storage.Update(claimed); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	stats, err := storage.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Stats().Total = %v, want 2", stats.Total)
	}
	if stats.Pending != 1 {
		t.Errorf("Stats().Pending = %v, want 1", stats.Pending)
	}
	if stats.Delivered != 1 {
		t.Errorf("Stats().Delivered = %v, want 1", stats.Delivered)
	}
}

// A task claimed into sending when the process dies must be re-queued on the
// next start instead of being stranded.
func TestStorageRecoverInFlight(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	storage, err := NewBoltStorage(dbPath, 0)
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	if err := storage.Enqueue(newTask("stranded-1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := storage.Dequeue(); err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	// Simulate a crash mid-send: task stays in sending, no clean finish
	if err := storage.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewBoltStorage(dbPath, 0)
	if err != nil {
		t.Fatalf("NewBoltStorage() reopen error = %v", err)
	}
	defer reopened.Close()

	// Before recovery the task is invisible to Dequeue
	got, err := reopened.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got != nil {
		t.Fatalf("Dequeue() = %+v, want nil before recovery", got)
	}

	n, err := reopened.RecoverInFlight()
	if err != nil {
		t.Fatalf("RecoverInFlight() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RecoverInFlight() = %v, want 1", n)
	}

	got, err = reopened.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got == nil || got.ID != "stranded-1" {
		t.Errorf("Dequeue() after recovery = %v, want stranded-1", got)
	}

	// Finished tasks are not recovered
	got.Status = StatusDelivered
	if err := reopened.Update(got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	n, err = reopened.RecoverInFlight()
	if err != nil {
		t.Fatalf("RecoverInFlight() error = %v", err)
	}
	if n != 0 {
		t.Errorf("RecoverInFlight() = %v, want 0 with nothing in flight", n)
	}
}

func TestStoragePersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	storage, err := NewBoltStorage(dbPath, 0)
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	if err := storage.Enqueue(newTask("persist-1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := storage.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewBoltStorage(dbPath, 0)
	if err != nil {
		t.Fatalf("NewBoltStorage() reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got == nil || got.ID != "persist-1" {
		t.Errorf("Dequeue() after reopen = %v, want persist-1", got)
	}
}

package mailer

import (
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	bolt "go.etcd.io/bbolt"

	"github.com/musequill/newsletter/internal/config"
	"github.com/musequill/newsletter/internal/db"
	"github.com/musequill/newsletter/internal/metrics"
	"github.com/musequill/newsletter/internal/models"
	"github.com/musequill/newsletter/internal/repository"
)

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) Send(task *Task) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, task.Email)
	return nil
}

func setupDispatcher(t *testing.T, sender Sender) (*Dispatcher, *repository.SubscriberRepository, *repository.EventRepository) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	storage, err := NewBoltStorage(filepath.Join(t.TempDir(), "queue.db"), 0)
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	subs := repository.NewSubscriberRepository(database.DB)
	events := repository.NewEventRepository(database.DB)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.MailerConfig{
		Workers:         1,
		MaxRetries:      3,
		RetryInterval:   time.Minute,
		ProcessInterval: time.Millisecond,
	}

	return NewDispatcher(storage, sender, subs, events, cfg, logger), subs, events
}

func addSubscriber(t *testing.T, repo *repository.SubscriberRepository, email string) *models.Subscriber {
	t.Helper()

	sub := &models.Subscriber{Email: email, Source: "landing_page", Campaign: "early_access"}
	tx, err := repo.DB().Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := repo.CreateTx(tx, sub); err != nil {
		tx.Rollback()
		t.Fatalf("CreateTx() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return sub
}

func TestDispatcherDelivery(t *testing.T) {
	sender := &fakeSender{}
	d, subs, events := setupDispatcher(t, sender)

	sub := addSubscriber(t, subs, "welcome@example.com")
	if err := d.EnqueueWelcome(sub); err != nil {
		t.Fatalf("EnqueueWelcome() error = %v", err)
	}

	d.processOne(d.logger)

	if len(sender.sent) != 1 || sender.sent[0] != "welcome@example.com" {
		t.Fatalf("sent = %v, want [welcome@example.com]", sender.sent)
	}

	// Outcome recorded on the subscriber and in the event log
	got, err := subs.GetByID(sub.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !got.EmailSent {
		t.Error("email_sent flag not set after delivery")
	}

	n, err := events.CountByType(models.EventEmailSent)
	if err != nil {
		t.Fatalf("CountByType() error = %v", err)
	}
	if n != 1 {
		t.Errorf("email_sent events = %v, want 1", n)
	}
}

func TestDispatcherTemporaryFailureDefers(t *testing.T) {
	sender := &fakeSender{err: &DispatchError{Temporary: true, Message: "450 try later"}}
	d, subs, events := setupDispatcher(t, sender)

	sub := addSubscriber(t, subs, "retry@example.com")
	if err := d.EnqueueWelcome(sub); err != nil {
		t.Fatalf("EnqueueWelcome() error = %v", err)
	}

	d.processOne(d.logger)

	stats, err := d.storage.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Deferred != 1 {
		t.Errorf("Stats().Deferred = %v, want 1", stats.Deferred)
	}
	if stats.Failed != 0 {
		t.Errorf("Stats().Failed = %v, want 0", stats.Failed)
	}

	// Not a permanent outcome yet: no event, flag untouched
	n, err := events.CountByType(models.EventEmailFailed)
	if err != nil {
		t.Fatalf("CountByType() error = %v", err)
	}
	if n != 0 {
		t.Errorf("email_failed events = %v, want 0 while retrying", n)
	}
}

func TestDispatcherPermanentFailure(t *testing.T) {
	sender := &fakeSender{err: &DispatchError{Temporary: false, Message: "550 no such user"}}
	d, subs, events := setupDispatcher(t, sender)

	sub := addSubscriber(t, subs, "bounce@example.com")
	if err := d.EnqueueWelcome(sub); err != nil {
		t.Fatalf("EnqueueWelcome() error = %v", err)
	}

	d.processOne(d.logger)

	stats, err := d.storage.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("Stats().Failed = %v, want 1", stats.Failed)
	}

	got, err := subs.GetByID(sub.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.EmailSent {
		t.Error("email_sent flag set after permanent failure")
	}

	n, err := events.CountByType(models.EventEmailFailed)
	if err != nil {
		t.Fatalf("CountByType() error = %v", err)
	}
	if n != 1 {
		t.Errorf("email_failed events = %v, want 1", n)
	}
}

func TestDispatcherRetriesExhausted(t *testing.T) {
	sender := &fakeSender{err: &DispatchError{Temporary: true, Message: "450 still busy"}}
	d, subs, events := setupDispatcher(t, sender)

	sub := addSubscriber(t, subs, "exhausted@example.com")
	if err := d.EnqueueWelcome(sub); err != nil {
		t.Fatalf("EnqueueWelcome() error = %v", err)
	}

	// Walk the task through all retries by forcing each deferral due
	for i := 0; i < d.maxRetries; i++ {
		d.processOne(d.logger)
		forceDeferredDue(t, d.storage)
	}

	stats, err := d.storage.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("Stats().Failed = %v, want 1 after retries exhausted", stats.Failed)
	}

	n, err := events.CountByType(models.EventEmailFailed)
	if err != nil {
		t.Fatalf("CountByType() error = %v", err)
	}
	if n != 1 {
		t.Errorf("email_failed events = %v, want 1", n)
	}
}

// forceDeferredDue rewrites deferred tasks so their retry time is in the past
func forceDeferredDue(t *testing.T, storage *BoltStorage) {
	t.Helper()

	err := storage.db.Update(func(tx *bolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)
		deferredBucket := tx.Bucket(bucketDeferred)

		type entry struct{ key, id []byte }
		var entries []entry
		c := deferredBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			entries = append(entries, entry{append([]byte{}, k...), append([]byte{}, v...)})
		}

		due := time.Now().Add(-time.Second)
		for _, e := range entries {
			data := taskBucket.Get(e.id)
			if data == nil {
				continue
			}
			var task Task
			if err := json.Unmarshal(data, &task); err != nil {
				return err
			}
			task.NextRetryAt = due

			updated, err := json.Marshal(&task)
			if err != nil {
				return err
			}
			if err := taskBucket.Put(e.id, updated); err != nil {
				return err
			}
			if err := deferredBucket.Delete(e.key); err != nil {
				return err
			}
			if err := deferredBucket.Put(makeIndexKey(due, task.ID), e.id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to rewrite deferred tasks: %v", err)
	}
}

func TestDispatcherStartStopWithoutSender(t *testing.T) {
	d, _, _ := setupDispatcher(t, nil)

	// No sender: Start is a no-op, EnqueueWelcome skips quietly
	d.Start()
	sub := &models.Subscriber{ID: "x", Email: "skip@example.com"}
	if err := d.EnqueueWelcome(sub); err != nil {
		t.Errorf("EnqueueWelcome() error = %v, want nil with no sender", err)
	}

	stats, err := d.storage.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Stats().Total = %v, want 0 with no sender", stats.Total)
	}

	d.Stop()
}

func TestDispatcherStopDrains(t *testing.T) {
	sender := &fakeSender{}
	d, subs, _ := setupDispatcher(t, sender)

	sub := addSubscriber(t, subs, "drain@example.com")
	if err := d.EnqueueWelcome(sub); err != nil {
		t.Fatalf("EnqueueWelcome() error = %v", err)
	}

	d.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := d.storage.Stats()
		if err != nil {
			t.Fatalf("Stats() error = %v", err)
		}
		if stats.Delivered == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	d.Stop()

	stats, err := d.storage.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Delivered != 1 {
		t.Errorf("Stats().Delivered = %v, want 1 after drain", stats.Delivered)
	}
}

// The queue depth gauge tracks deliveries too, not just enqueues.
func TestDispatcherQueueDepthGauge(t *testing.T) {
	m := metrics.New()
	metrics.SetGlobal(m)
	defer metrics.SetGlobal(nil)

	sender := &fakeSender{}
	d, subs, _ := setupDispatcher(t, sender)

	sub := addSubscriber(t, subs, "depth@example.com")
	if err := d.EnqueueWelcome(sub); err != nil {
		t.Fatalf("EnqueueWelcome() error = %v", err)
	}

	if got := testutil.ToFloat64(m.MailQueueDepth); got != 1 {
		t.Errorf("MailQueueDepth after enqueue = %v, want 1", got)
	}

	d.processOne(d.logger)

	if got := testutil.ToFloat64(m.MailQueueDepth); got != 0 {
		t.Errorf("MailQueueDepth after delivery = %v, want 0", got)
	}
}

func TestCalculateBackoff(t *testing.T) {
	d := &Dispatcher{retryInterval: time.Minute}

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 12 * time.Minute}, // multiplier capped at 12
		{10, 12 * time.Minute},
	}

	for _, tt := range tests {
		if got := d.calculateBackoff(tt.retryCount); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}

	// Absolute cap of one hour
	d.retryInterval = 10 * time.Minute
	if got := d.calculateBackoff(10); got != time.Hour {
		t.Errorf("calculateBackoff(10) = %v, want 1h", got)
	}
}

package mailer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/musequill/newsletter/internal/config"
	"github.com/musequill/newsletter/internal/metrics"
	"github.com/musequill/newsletter/internal/models"
	"github.com/musequill/newsletter/internal/repository"
)

// Dispatcher runs the welcome email worker pool. Dispatch is best-effort
// and fully decoupled from the signup request path: outcomes are visible
// only through the event log and the subscriber's email_sent flag.
type Dispatcher struct {
	storage     *BoltStorage
	sender      Sender
	subscribers *repository.SubscriberRepository
	events      *repository.EventRepository

	workers         int
	maxRetries      int
	retryInterval   time.Duration
	processInterval time.Duration
	logger          *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A nil sender disables sending: tasks
// are not enqueued and a warning is logged per signup.
func NewDispatcher(storage *BoltStorage, sender Sender, subscribers *repository.SubscriberRepository, events *repository.EventRepository, cfg config.MailerConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = time.Second
	}

	return &Dispatcher{
		storage:         storage,
		sender:          sender,
		subscribers:     subscribers,
		events:          events,
		workers:         cfg.Workers,
		maxRetries:      cfg.MaxRetries,
		retryInterval:   cfg.RetryInterval,
		processInterval: cfg.ProcessInterval,
		logger:          logger,
		stopCh:          make(chan struct{}),
	}
}

// EnqueueWelcome schedules a welcome email for a subscriber. Never blocks;
// a full queue or disabled sender is reported to the caller, who logs and
// moves on.
func (d *Dispatcher) EnqueueWelcome(sub *models.Subscriber) error {
	if d.sender == nil {
		d.logger.Warn("SMTP not configured, skipping welcome email", "email", sub.Email)
		return nil
	}

	now := time.Now().UTC()
	task := &Task{
		ID:               uuid.New().String(),
		SubscriberID:     sub.ID,
		Email:            sub.Email,
		Name:             sub.Name,
		UnsubscribeToken: sub.UnsubscribeToken,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := d.storage.Enqueue(task); err != nil {
		return fmt.Errorf("failed to enqueue welcome email: %w", err)
	}

	d.updateQueueDepth()

	return nil
}

// updateQueueDepth republishes the queue depth gauge from storage counts
func (d *Dispatcher) updateQueueDepth() {
	m := metrics.Global()
	if m == nil {
		return
	}
	if stats, err := d.storage.Stats(); err == nil {
		m.MailQueueDepth.Set(float64(stats.Pending + stats.Deferred))
	}
}

// Start starts the worker pool
func (d *Dispatcher) Start() {
	if d.sender == nil {
		d.logger.Info("mail dispatcher disabled")
		return
	}

	if n, err := d.storage.RecoverInFlight(); err != nil {
		d.logger.Error("failed to recover interrupted deliveries", "error", err)
	} else if n > 0 {
		d.logger.Info("re-queued interrupted deliveries", "count", n)
	}

	d.logger.Info("starting mail dispatcher", "workers", d.workers)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Stop drains the dispatcher: intake stops and workers finish their
// in-flight sends before returning.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.logger.Info("mail dispatcher stopped")
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	logger := d.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(d.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			logger.Debug("worker stopped")
			return
		case <-ticker.C:
			d.processOne(logger)
		}
	}
}

func (d *Dispatcher) processOne(logger *slog.Logger) {
	task, err := d.storage.Dequeue()
	if err != nil {
		logger.Error("failed to dequeue task", "error", err)
		return
	}
	if task == nil {
		return // nothing due
	}
	defer d.updateQueueDepth()

	logger = logger.With("task_id", task.ID, "email", task.Email)

	err = d.sender.Send(task)
	if err == nil {
		task.Status = StatusDelivered
		if err := d.storage.Update(task); err != nil {
			logger.Error("failed to update task status", "error", err)
		}
		d.recordOutcome(task, true, "")
		logger.Info("welcome email sent")

		if m := metrics.Global(); m != nil {
			m.EmailsSentTotal.Inc()
		}
		return
	}

	logger.Warn("welcome email delivery failed", "error", err, "retry_count", task.RetryCount)

	task.RetryCount++
	task.LastError = err.Error()

	if IsTemporary(err) && task.RetryCount < d.maxRetries {
		backoff := d.calculateBackoff(task.RetryCount)
		task.Status = StatusDeferred
		task.NextRetryAt = time.Now().Add(backoff)

		logger.Info("welcome email deferred",
			"retry_count", task.RetryCount,
			"next_retry_at", task.NextRetryAt,
			"backoff", backoff,
		)

		if m := metrics.Global(); m != nil {
			m.EmailsDeferredTotal.Inc()
		}
	} else {
		task.Status = StatusFailed
		d.recordOutcome(task, false, task.LastError)
		logger.Error("welcome email failed permanently", "retry_count", task.RetryCount)

		if m := metrics.Global(); m != nil {
			m.EmailsFailedTotal.Inc()
		}
	}

	if err := d.storage.Update(task); err != nil {
		logger.Error("failed to update task status", "error", err)
	}
}

// recordOutcome persists the delivery outcome: the email_sent flag on the
// subscriber and an email_sent/email_failed event
func (d *Dispatcher) recordOutcome(task *Task, sent bool, lastError string) {
	if err := d.subscribers.SetEmailSent(task.SubscriberID, sent); err != nil {
		d.logger.Error("failed to record email outcome on subscriber", "subscriber_id", task.SubscriberID, "error", err)
	}

	eventType := models.EventEmailSent
	payload := map[string]string{"email": task.Email}
	if !sent {
		eventType = models.EventEmailFailed
		payload["error"] = lastError
		payload["retries"] = fmt.Sprintf("%d", task.RetryCount)
	}

	if err := d.events.Create(&models.Event{
		SubscriberID: task.SubscriberID,
		Type:         eventType,
		Payload:      payload,
	}); err != nil {
		d.logger.Error("failed to record email outcome event", "subscriber_id", task.SubscriberID, "error", err)
	}
}

// calculateBackoff is exponential in the retry count, capped at one hour
func (d *Dispatcher) calculateBackoff(retryCount int) time.Duration {
	multiplier := 1 << (retryCount - 1)
	if multiplier > 12 {
		multiplier = 12
	}

	backoff := time.Duration(multiplier) * d.retryInterval
	if backoff > time.Hour {
		return time.Hour
	}
	return backoff
}

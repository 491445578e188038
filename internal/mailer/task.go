package mailer

import (
	"time"
)

// TaskStatus represents the status of a welcome email task in the queue
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusSending   TaskStatus = "sending"
	StatusDelivered TaskStatus = "delivered"
	StatusFailed    TaskStatus = "failed"
	StatusDeferred  TaskStatus = "deferred"
)

// Task is one welcome email waiting to be sent. It carries everything the
// sender needs so dispatch never has to read the subscriber store.
type Task struct {
	ID               string     `json:"id"`
	SubscriberID     string     `json:"subscriber_id"`
	Email            string     `json:"email"`
	Name             string     `json:"name,omitempty"`
	UnsubscribeToken string     `json:"unsubscribe_token"`
	Status           TaskStatus `json:"status"`
	RetryCount       int        `json:"retry_count"`
	NextRetryAt      time.Time  `json:"next_retry_at"`
	LastError        string     `json:"last_error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// QueueStats represents mail queue statistics
type QueueStats struct {
	Pending   int64 `json:"pending"`
	Sending   int64 `json:"sending"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Deferred  int64 `json:"deferred"`
	Total     int64 `json:"total"`
}

package models

import (
	"time"
)

// SignupState indicates the outcome of a signup request
type SignupState string

const (
	StateCreated           SignupState = "created"
	StateAlreadySubscribed SignupState = "already_subscribed"
	StateResubscribed      SignupState = "resubscribed"
)

// EventType represents the type of an analytics event
type EventType string

const (
	EventSignup      EventType = "signup"
	EventResubscribe EventType = "resubscribe"
	EventUnsubscribe EventType = "unsubscribe"
	EventEmailSent   EventType = "email_sent"
	EventEmailFailed EventType = "email_failed"
	EventTrack       EventType = "track"
)

// Subscriber is a newsletter subscriber record.
// One row per normalized email, active or not.
type Subscriber struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	Name             string    `json:"name,omitempty"`
	Source           string    `json:"source"`
	Campaign         string    `json:"campaign"`
	Interests        []string  `json:"interests,omitempty"`
	Referrer         string    `json:"referrer,omitempty"`
	UTMSource        string    `json:"utm_source,omitempty"`
	UTMMedium        string    `json:"utm_medium,omitempty"`
	UTMCampaign      string    `json:"utm_campaign,omitempty"`
	UTMContent       string    `json:"utm_content,omitempty"`
	IPAddress        string    `json:"ip_address,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	IsActive         bool      `json:"is_active"`
	ResubscribeCount int       `json:"resubscribe_count"`
	EmailSent        bool      `json:"email_sent"`
	UnsubscribeToken string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Event is an immutable analytics event, optionally linked to a subscriber
// by ID. Events are append-only and never mutated after being written.
type Event struct {
	ID           string            `json:"id"`
	SubscriberID string            `json:"subscriber_id,omitempty"`
	Type         EventType         `json:"event_type"`
	Payload      map[string]string `json:"payload,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// SignupRequest is the parsed body of a signup call
type SignupRequest struct {
	Email       string   `json:"email"`
	Name        string   `json:"name,omitempty"`
	Source      string   `json:"source,omitempty"`
	Campaign    string   `json:"campaign,omitempty"`
	Interests   []string `json:"interests,omitempty"`
	Referrer    string   `json:"referrer,omitempty"`
	UTMSource   string   `json:"utm_source,omitempty"`
	UTMMedium   string   `json:"utm_medium,omitempty"`
	UTMCampaign string   `json:"utm_campaign,omitempty"`
	UTMContent  string   `json:"utm_content,omitempty"`
}

// SignupResult is what SignupService returns for a successful call
type SignupResult struct {
	SubscriberID string
	State        SignupState
}

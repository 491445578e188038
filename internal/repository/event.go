package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/musequill/newsletter/internal/models"
)

// EventRepository appends analytics events. Events are immutable: there are
// no update or delete operations here on purpose.
type EventRepository struct {
	db *sql.DB
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Create appends a single event
func (r *EventRepository) Create(e *models.Event) error {
	return create(r.db, e)
}

// CreateTx appends a single event inside an existing transaction
func (r *EventRepository) CreateTx(tx *sql.Tx, e *models.Event) error {
	return create(tx, e)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func create(ex execer, e *models.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now().UTC()

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = ex.Exec(`
		INSERT INTO events (id, subscriber_id, event_type, payload, ip_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, nullString(e.SubscriberID), string(e.Type), string(payload),
		nullString(e.IPAddress), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

// CountByType returns the number of events of a given type
func (r *EventRepository) CountByType(t models.EventType) (int64, error) {
	var n int64
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM events WHERE event_type = ?`, string(t)).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ListBySubscriber returns events for one subscriber, newest first
func (r *EventRepository) ListBySubscriber(subscriberID string, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT id, subscriber_id, event_type, payload, ip_address, created_at
		FROM events WHERE subscriber_id = ?
		ORDER BY created_at DESC LIMIT ?`,
		subscriberID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*models.Event{}
	for rows.Next() {
		e := &models.Event{}
		var subID, payload, ip sql.NullString
		var eventType string
		if err := rows.Scan(&e.ID, &subID, &eventType, &payload, &ip, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.SubscriberID = subID.String
		e.Type = models.EventType(eventType)
		e.IPAddress = ip.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

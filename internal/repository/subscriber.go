package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/musequill/newsletter/internal/models"
)

// ErrDuplicateEmail is returned when an insert hits the unique constraint on
// subscribers.email. The storage layer is the authoritative enforcement
// point for email uniqueness; callers are expected to re-read and take the
// resubscribe/idempotent path.
var ErrDuplicateEmail = errors.New("email already subscribed")

const subscriberColumns = `id, email, name, source, campaign, interests, referrer,
	utm_source, utm_medium, utm_campaign, utm_content, ip_address, user_agent,
	is_active, resubscribe_count, email_sent, unsubscribe_token, created_at, updated_at`

type SubscriberRepository struct {
	db *sql.DB
}

func NewSubscriberRepository(db *sql.DB) *SubscriberRepository {
	return &SubscriberRepository{db: db}
}

// DB returns the underlying handle for transaction management
func (r *SubscriberRepository) DB() *sql.DB {
	return r.db
}

// CreateTx inserts a new subscriber inside an existing transaction.
// Returns ErrDuplicateEmail if a row for the email already exists.
func (r *SubscriberRepository) CreateTx(tx *sql.Tx, s *models.Subscriber) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.UnsubscribeToken == "" {
		s.UnsubscribeToken = uuid.New().String()
	}
	s.CreatedAt = time.Now().UTC()
	s.UpdatedAt = s.CreatedAt
	s.IsActive = true

	interests, err := json.Marshal(s.Interests)
	if err != nil {
		return fmt.Errorf("failed to marshal interests: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO subscribers (
			id, email, name, source, campaign, interests, referrer,
			utm_source, utm_medium, utm_campaign, utm_content, ip_address, user_agent,
			is_active, resubscribe_count, email_sent, unsubscribe_token, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, 0, ?, ?, ?)`,
		s.ID, s.Email, nullString(s.Name), s.Source, s.Campaign, string(interests),
		nullString(s.Referrer), nullString(s.UTMSource), nullString(s.UTMMedium),
		nullString(s.UTMCampaign), nullString(s.UTMContent), nullString(s.IPAddress),
		nullString(s.UserAgent), s.UnsubscribeToken, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to create subscriber: %w", err)
	}
	return nil
}

// GetByEmail returns the subscriber for a normalized email, or nil if none
func (r *SubscriberRepository) GetByEmail(email string) (*models.Subscriber, error) {
	row := r.db.QueryRow(`SELECT `+subscriberColumns+` FROM subscribers WHERE email = ?`, email)
	return scanSubscriber(row)
}

// GetByEmailTx is GetByEmail inside an existing transaction
func (r *SubscriberRepository) GetByEmailTx(tx *sql.Tx, email string) (*models.Subscriber, error) {
	row := tx.QueryRow(`SELECT `+subscriberColumns+` FROM subscribers WHERE email = ?`, email)
	return scanSubscriber(row)
}

// GetByID returns a subscriber by ID, or nil if none
func (r *SubscriberRepository) GetByID(id string) (*models.Subscriber, error) {
	row := r.db.QueryRow(`SELECT `+subscriberColumns+` FROM subscribers WHERE id = ?`, id)
	return scanSubscriber(row)
}

// GetByUnsubscribeToken returns the subscriber owning a token, or nil if none
func (r *SubscriberRepository) GetByUnsubscribeToken(token string) (*models.Subscriber, error) {
	row := r.db.QueryRow(`SELECT `+subscriberColumns+` FROM subscribers WHERE unsubscribe_token = ?`, token)
	return scanSubscriber(row)
}

// ReactivateTx flips an inactive subscriber back to active, bumps the
// resubscribe counter and refreshes the source/campaign attribution with
// the latest touch.
func (r *SubscriberRepository) ReactivateTx(tx *sql.Tx, id, source, campaign string) error {
	_, err := tx.Exec(`
		UPDATE subscribers SET
			is_active = 1,
			resubscribe_count = resubscribe_count + 1,
			source = ?,
			campaign = ?,
			updated_at = ?
		WHERE id = ?`,
		source, campaign, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to reactivate subscriber: %w", err)
	}
	return nil
}

// Deactivate marks a subscriber inactive. Rows are never deleted.
func (r *SubscriberRepository) Deactivate(id string) error {
	return deactivate(r.db, id)
}

// DeactivateTx is Deactivate inside an existing transaction, so the flag
// flip can commit together with its unsubscribe event
func (r *SubscriberRepository) DeactivateTx(tx *sql.Tx, id string) error {
	return deactivate(tx, id)
}

func deactivate(ex execer, id string) error {
	_, err := ex.Exec(`
		UPDATE subscribers SET is_active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate subscriber: %w", err)
	}
	return nil
}

// SetEmailSent records the welcome email outcome on the subscriber row
func (r *SubscriberRepository) SetEmailSent(id string, sent bool) error {
	_, err := r.db.Exec(`
		UPDATE subscribers SET email_sent = ?, updated_at = ? WHERE id = ?`,
		sent, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update email_sent: %w", err)
	}
	return nil
}

// Count returns the total number of subscriber rows
func (r *SubscriberRepository) Count() (int64, error) {
	var n int64
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM subscribers`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CountActive returns the number of active subscribers
func (r *SubscriberRepository) CountActive() (int64, error) {
	var n int64
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM subscribers WHERE is_active = 1`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Ping checks storage connectivity for health reporting
func (r *SubscriberRepository) Ping() error {
	return r.db.Ping()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (*models.Subscriber, error) {
	s := &models.Subscriber{}
	var name, interests, referrer, utmSource, utmMedium, utmCampaign, utmContent, ip, ua sql.NullString

	err := row.Scan(
		&s.ID, &s.Email, &name, &s.Source, &s.Campaign, &interests, &referrer,
		&utmSource, &utmMedium, &utmCampaign, &utmContent, &ip, &ua,
		&s.IsActive, &s.ResubscribeCount, &s.EmailSent, &s.UnsubscribeToken,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.Name = name.String
	s.Referrer = referrer.String
	s.UTMSource = utmSource.String
	s.UTMMedium = utmMedium.String
	s.UTMCampaign = utmCampaign.String
	s.UTMContent = utmContent.String
	s.IPAddress = ip.String
	s.UserAgent = ua.String

	if interests.Valid && interests.String != "" {
		if err := json.Unmarshal([]byte(interests.String), &s.Interests); err != nil {
			return nil, fmt.Errorf("failed to unmarshal interests: %w", err)
		}
	}

	return s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

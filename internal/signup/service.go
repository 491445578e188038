package signup

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/musequill/newsletter/internal/models"
	"github.com/musequill/newsletter/internal/repository"
)

// ValidationError reports a malformed or missing request field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// local-part@domain with at least one dot in the domain
var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)

const (
	defaultSource   = "landing_page"
	defaultCampaign = "early_access"
)

// Enqueuer schedules a welcome email without blocking. Implementations must
// never fail the signup: a full queue or missing SMTP config is logged, not
// propagated.
type Enqueuer interface {
	EnqueueWelcome(sub *models.Subscriber) error
}

// Service handles signup requests: validation, dedup/resubscribe, event
// recording and welcome email scheduling.
type Service struct {
	subscribers *repository.SubscriberRepository
	events      *repository.EventRepository
	mailer      Enqueuer
	logger      *slog.Logger
}

func NewService(subscribers *repository.SubscriberRepository, events *repository.EventRepository, mailer Enqueuer, logger *slog.Logger) *Service {
	return &Service{
		subscribers: subscribers,
		events:      events,
		mailer:      mailer,
		logger:      logger,
	}
}

// Signup processes one signup request. Exactly one event is written per
// call; the subscriber row and its event commit in a single transaction.
// The returned state is one of created, already_subscribed, resubscribed.
func (s *Service) Signup(req *models.SignupRequest, clientIP, userAgent string) (*models.SignupResult, error) {
	email, err := NormalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}

	if req.Source == "" {
		req.Source = defaultSource
	}
	if req.Campaign == "" {
		req.Campaign = defaultCampaign
	}

	// The insert can lose the race to a concurrent signup for the same
	// email. The unique constraint converts that into ErrDuplicateEmail;
	// one more pass then observes the committed row and takes the
	// idempotent path.
	for attempt := 0; attempt < 3; attempt++ {
		result, retry, err := s.attempt(req, email, clientIP, userAgent)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("signup for %s did not converge", email)
}

func (s *Service) attempt(req *models.SignupRequest, email, clientIP, userAgent string) (*models.SignupResult, bool, error) {
	tx, err := s.subscribers.DB().Begin()
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.subscribers.GetByEmailTx(tx, email)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up subscriber: %w", err)
	}

	touch := s.touchPayload(req, clientIP)

	if existing == nil {
		sub := &models.Subscriber{
			Email:       email,
			Name:        strings.TrimSpace(req.Name),
			Source:      req.Source,
			Campaign:    req.Campaign,
			Interests:   req.Interests,
			Referrer:    req.Referrer,
			UTMSource:   req.UTMSource,
			UTMMedium:   req.UTMMedium,
			UTMCampaign: req.UTMCampaign,
			UTMContent:  req.UTMContent,
			IPAddress:   clientIP,
			UserAgent:   userAgent,
		}

		if err := s.subscribers.CreateTx(tx, sub); err != nil {
			if errors.Is(err, repository.ErrDuplicateEmail) {
				// Lost the race: retry with a fresh snapshot.
				return nil, true, nil
			}
			return nil, false, err
		}

		if err := s.events.CreateTx(tx, &models.Event{
			SubscriberID: sub.ID,
			Type:         models.EventSignup,
			Payload:      touch,
			IPAddress:    clientIP,
		}); err != nil {
			return nil, false, err
		}

		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit signup: %w", err)
		}

		s.logger.Info("new subscriber", "email", email, "source", req.Source, "campaign", req.Campaign)
		s.enqueueWelcome(sub)

		return &models.SignupResult{SubscriberID: sub.ID, State: models.StateCreated}, false, nil
	}

	if existing.IsActive {
		// Idempotent: no row mutation, original attribution stays. The
		// event still captures the latest touch.
		if err := s.events.CreateTx(tx, &models.Event{
			SubscriberID: existing.ID,
			Type:         models.EventSignup,
			Payload:      touch,
			IPAddress:    clientIP,
		}); err != nil {
			return nil, false, err
		}

		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit signup event: %w", err)
		}

		return &models.SignupResult{SubscriberID: existing.ID, State: models.StateAlreadySubscribed}, false, nil
	}

	// Inactive: reactivate with the latest source/campaign attribution
	if err := s.subscribers.ReactivateTx(tx, existing.ID, req.Source, req.Campaign); err != nil {
		return nil, false, err
	}

	if err := s.events.CreateTx(tx, &models.Event{
		SubscriberID: existing.ID,
		Type:         models.EventResubscribe,
		Payload:      touch,
		IPAddress:    clientIP,
	}); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit resubscribe: %w", err)
	}

	s.logger.Info("subscriber resubscribed", "email", email, "source", req.Source)

	existing.IsActive = true
	existing.ResubscribeCount++
	s.enqueueWelcome(existing)

	return &models.SignupResult{SubscriberID: existing.ID, State: models.StateResubscribed}, false, nil
}

// enqueueWelcome hands the subscriber to the mailer. Failures are logged,
// never surfaced: email is best-effort relative to the signup.
func (s *Service) enqueueWelcome(sub *models.Subscriber) {
	if s.mailer == nil {
		return
	}
	if err := s.mailer.EnqueueWelcome(sub); err != nil {
		s.logger.Warn("failed to enqueue welcome email", "email", sub.Email, "error", err)
	}
}

func (s *Service) touchPayload(req *models.SignupRequest, clientIP string) map[string]string {
	payload := map[string]string{
		"source":   req.Source,
		"campaign": req.Campaign,
	}
	if clientIP != "" {
		payload["ip"] = clientIP
	}
	if req.UTMSource != "" {
		payload["utm_source"] = req.UTMSource
	}
	if req.UTMMedium != "" {
		payload["utm_medium"] = req.UTMMedium
	}
	if req.UTMCampaign != "" {
		payload["utm_campaign"] = req.UTMCampaign
	}
	if req.UTMContent != "" {
		payload["utm_content"] = req.UTMContent
	}
	if req.Referrer != "" {
		payload["referrer"] = req.Referrer
	}
	return payload
}

// NormalizeEmail lowercases and trims an email address and validates it
// against the address grammar.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", &ValidationError{Field: "email", Message: "email is required"}
	}
	if !emailPattern.MatchString(email) {
		return "", &ValidationError{Field: "email", Message: "invalid email address"}
	}
	return email, nil
}

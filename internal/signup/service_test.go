package signup

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/musequill/newsletter/internal/db"
	"github.com/musequill/newsletter/internal/models"
	"github.com/musequill/newsletter/internal/repository"
)

type fakeEnqueuer struct {
	enqueued []*models.Subscriber
	err      error
}

func (f *fakeEnqueuer) EnqueueWelcome(sub *models.Subscriber) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, sub)
	return nil
}

func setupService(t *testing.T) (*Service, *repository.SubscriberRepository, *repository.EventRepository, *fakeEnqueuer) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.New(dbPath)
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	subs := repository.NewSubscriberRepository(database.DB)
	events := repository.NewEventRepository(database.DB)
	mailer := &fakeEnqueuer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewService(subs, events, mailer, logger), subs, events, mailer
}

func TestSignupCreated(t *testing.T) {
	svc, subs, events, mailer := setupService(t)

	result, err := svc.Signup(&models.SignupRequest{
		Email:     "New.User@Example.COM ",
		Name:      "  New User ",
		UTMSource: "twitter",
		Referrer:  "https://blog.example.com",
	}, "203.0.113.5", "test-agent")
	if err != nil {
		t.Fatalf("Signup() error = %v", err)
	}

	if result.State != models.StateCreated {
		t.Errorf("State = %v, want created", result.State)
	}

	// Email is normalized before storage
	sub, err := subs.GetByEmail("new.user@example.com")
	if err != nil {
		t.Fatalf("GetByEmail() error = %v", err)
	}
	if sub == nil {
		t.Fatal("subscriber not stored under normalized email")
	}
	if sub.Name != "New User" {
		t.Errorf("Name = %q, want %q", sub.Name, "New User")
	}
	if sub.Source != "landing_page" {
		t.Errorf("Source = %v, want landing_page (default)", sub.Source)
	}
	if sub.Campaign != "early_access" {
		t.Errorf("Campaign = %v, want early_access (default)", sub.Campaign)
	}
	if sub.IPAddress != "203.0.113.5" {
		t.Errorf("IPAddress = %v, want 203.0.113.5", sub.IPAddress)
	}

	// Exactly one signup event
	n, err := events.CountByType(models.EventSignup)
	if err != nil {
		t.Fatalf("CountByType() error = %v", err)
	}
	if n != 1 {
		t.Errorf("signup events = %v, want 1", n)
	}

	// Welcome email enqueued once
	if len(mailer.enqueued) != 1 {
		t.Fatalf("enqueued emails = %v, want 1", len(mailer.enqueued))
	}
	if mailer.enqueued[0].Email != "new.user@example.com" {
		t.Errorf("enqueued email = %v, want new.user@example.com", mailer.enqueued[0].Email)
	}
}

func TestSignupAlreadySubscribed(t *testing.T) {
	svc, subs, events, mailer := setupService(t)

	first, err := svc.Signup(&models.SignupRequest{Email: "repeat@example.com", Source: "landing_page"}, "", "")
	if err != nil {
		t.Fatalf("Signup() error = %v", err)
	}

	second, err := svc.Signup(&models.SignupRequest{Email: "repeat@example.com", Source: "blog_post", UTMSource: "newsletter"}, "", "")
	if err != nil {
		t.Fatalf("Signup() error = %v", err)
	}

	if second.State != models.StateAlreadySubscribed {
		t.Errorf("State = %v, want already_subscribed", second.State)
	}
	if second.SubscriberID != first.SubscriberID {
		t.Error("second signup resolved to a different subscriber")
	}

	// Original attribution stays on the row
	sub, err := subs.GetByEmail("repeat@example.com")
	if err != nil {
		t.Fatalf("GetByEmail() error = %v", err)
	}
	if sub.Source != "landing_page" {
		t.Errorf("Source = %v, want landing_page (original attribution)", sub.Source)
	}

	// One event per signup call, no second welcome email
	n, err := events.CountByType(models.EventSignup)
	if err != nil {
		t.Fatalf("CountByType() error = %v", err)
	}
	if n != 2 {
		t.Errorf("signup events = %v, want 2", n)
	}
	if len(mailer.enqueued) != 1 {
		t.Errorf("enqueued emails = %v, want 1", len(mailer.enqueued))
	}
}

func TestSignupResubscribed(t *testing.T) {
	svc, subs, events, mailer := setupService(t)

	first, err := svc.Signup(&models.SignupRequest{Email: "comeback@example.com"}, "", "")
	if err != nil {
		t.Fatalf("Signup() error = %v", err)
	}

	if err := subs.Deactivate(first.SubscriberID); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	result, err := svc.Signup(&models.SignupRequest{Email: "comeback@example.com", Source: "blog_post", Campaign: "winter_launch"}, "", "")
	if err != nil {
		t.Fatalf("Signup() error = %v", err)
	}

	if result.State != models.StateResubscribed {
		t.Errorf("State = %v, want resubscribed", result.State)
	}

	sub, err := subs.GetByEmail("comeback@example.com")
	if err != nil {
		t.Fatalf("GetByEmail() error = %v", err)
	}
	if !sub.IsActive {
		t.Error("subscriber should be active after resubscribe")
	}
	if sub.ResubscribeCount != 1 {
		t.Errorf("ResubscribeCount = %v, want 1", sub.ResubscribeCount)
	}
	// Resubscribe refreshes the attribution with the latest touch
	if sub.Source != "blog_post" {
		t.Errorf("Source = %v, want blog_post", sub.Source)
	}
	if sub.Campaign != "winter_launch" {
		t.Errorf("Campaign = %v, want winter_launch", sub.Campaign)
	}

	n, err := events.CountByType(models.EventResubscribe)
	if err != nil {
		t.Fatalf("CountByType() error = %v", err)
	}
	if n != 1 {
		t.Errorf("resubscribe events = %v, want 1", n)
	}
	if len(mailer.enqueued) != 2 {
		t.Errorf("enqueued emails = %v, want 2", len(mailer.enqueued))
	}
}

func TestSignupValidation(t *testing.T) {
	svc, _, _, _ := setupService(t)

	tests := []struct {
		name  string
		email string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"missing at", "not-an-email"},
		{"missing domain dot", "user@localhost"},
		{"missing local part", "@example.com"},
		{"spaces inside", "user name@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Signup(&models.SignupRequest{Email: tt.email}, "", "")
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Signup(%q) error = %v, want ValidationError", tt.email, err)
			}
			if verr.Field != "email" {
				t.Errorf("ValidationError.Field = %v, want email", verr.Field)
			}
		})
	}
}

func TestSignupEnqueueFailureIsNotFatal(t *testing.T) {
	svc, _, _, mailer := setupService(t)
	mailer.err = errors.New("queue full")

	result, err := svc.Signup(&models.SignupRequest{Email: "still.works@example.com"}, "", "")
	if err != nil {
		t.Fatalf("Signup() error = %v, want nil despite enqueue failure", err)
	}
	if result.State != models.StateCreated {
		t.Errorf("State = %v, want created", result.State)
	}
}

func TestNormalizeEmail(t *testing.T) {
	got, err := NormalizeEmail("  User+Tag@EXAMPLE.com ")
	if err != nil {
		t.Fatalf("NormalizeEmail() error = %v", err)
	}
	if got != "user+tag@example.com" {
		t.Errorf("NormalizeEmail() = %v, want user+tag@example.com", got)
	}
}

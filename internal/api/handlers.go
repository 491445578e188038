package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/musequill/newsletter/internal/export"
	"github.com/musequill/newsletter/internal/metrics"
	"github.com/musequill/newsletter/internal/models"
	"github.com/musequill/newsletter/internal/signup"
)

// SignupResponse is the response for the signup-family endpoints
type SignupResponse struct {
	Status          string `json:"status"`
	Message         string `json:"message"`
	SubscriberState string `json:"subscriber_state"`
}

// TrackRequest is the body of POST /track
type TrackRequest struct {
	Event string         `json:"event"`
	Page  string         `json:"page,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// StatsResponse is the public subset of the aggregation
type StatsResponse struct {
	TotalSubscribers int64 `json:"total_subscribers"`
	LaunchCountdown  any   `json:"launch_countdown,omitempty"`
	GrowthTrend      int   `json:"growth_trend"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Uptime   string `json:"uptime"`
	Database string `json:"database"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

var signupMessages = map[models.SignupState]string{
	models.StateCreated:           "You're on the list! Check your email for updates.",
	models.StateAlreadySubscribed: "You're already on our list! Thanks for your continued interest.",
	models.StateResubscribed:      "Welcome back! Your subscription has been reactivated.",
}

// handleSignup handles POST /signup, /register and /contact
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req models.SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := s.signup.Signup(&req, clientIP(r), r.UserAgent())
	if err != nil {
		var verr *signup.ValidationError
		if errors.As(err, &verr) {
			s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Message, Field: verr.Field})
			return
		}

		s.logger.Error("signup failed", "error", err)
		s.sendError(w, http.StatusServiceUnavailable, "Signup failed, please try again later")
		return
	}

	if m := metrics.Global(); m != nil {
		m.SignupsTotal.WithLabelValues(string(result.State)).Inc()
	}

	status := http.StatusOK
	if result.State == models.StateCreated {
		status = http.StatusCreated
	}

	s.sendJSON(w, status, SignupResponse{
		Status:          "ok",
		Message:         signupMessages[result.State],
		SubscriberState: string(result.State),
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "healthy",
		Service:  "newsletter",
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		Database: "connected",
	}

	status := http.StatusOK
	if err := s.subscribers.Ping(); err != nil {
		s.logger.Error("health check: database unreachable", "error", err)
		resp.Status = "degraded"
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}

	s.sendJSON(w, status, resp)
}

// handleStats handles GET /stats: public aggregate counts, no PII
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	report, err := s.aggregator.Report(s.config.Analytics.DefaultWindowDays)
	if err != nil {
		s.logger.Error("stats aggregation failed", "error", err)
		s.sendError(w, http.StatusServiceUnavailable, "Stats unavailable")
		return
	}

	resp := StatsResponse{
		TotalSubscribers: report.TotalSubscribers,
		GrowthTrend:      len(report.DailySignups),
	}
	if report.LaunchCountdown != nil {
		resp.LaunchCountdown = report.LaunchCountdown
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleAnalytics handles GET /analytics (admin)
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	days := s.config.Analytics.DefaultWindowDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "days must be a positive integer", Field: "days"})
			return
		}
		days = n
	}
	if days > s.config.Analytics.MaxWindowDays {
		days = s.config.Analytics.MaxWindowDays
	}

	report, err := s.aggregator.Report(days)
	if err != nil {
		s.logger.Error("analytics aggregation failed", "error", err)
		s.sendError(w, http.StatusServiceUnavailable, "Analytics unavailable")
		return
	}

	s.sendJSON(w, http.StatusOK, report)
}

// handleExport handles GET /export (admin). The response body is streamed
// row by row.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Field: "format"})
		return
	}

	opts := export.Options{
		Campaign:   r.URL.Query().Get("campaign"),
		ActiveOnly: r.URL.Query().Get("active") == "true",
	}

	filename := "subscribers_" + time.Now().UTC().Format("20060102") + "." + string(format)
	if format == export.FormatCSV {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	if err := s.exporter.Write(w, format, opts); err != nil {
		// Headers are already out; all we can do is log
		s.logger.Error("export failed", "format", format, "error", err)
	}
}

// handleTrack handles POST /track: client-side analytics events
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)

	var req TrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Event == "" {
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "event is required", Field: "event"})
		return
	}

	payload := map[string]string{"event": req.Event}
	if req.Page != "" {
		payload["page"] = req.Page
	}
	for k, v := range req.Data {
		payload[k] = fmt.Sprint(v)
	}

	if err := s.events.Create(&models.Event{
		Type:      models.EventTrack,
		Payload:   payload,
		IPAddress: clientIP(r),
	}); err != nil {
		s.logger.Error("failed to record track event", "error", err)
		s.sendError(w, http.StatusServiceUnavailable, "Event not recorded")
		return
	}

	if m := metrics.Global(); m != nil {
		m.EventsTotal.WithLabelValues(string(models.EventTrack)).Inc()
	}

	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUnsubscribe handles GET /unsubscribe?token=
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "token is required", Field: "token"})
		return
	}

	sub, err := s.subscribers.GetByUnsubscribeToken(token)
	if err != nil {
		s.logger.Error("unsubscribe lookup failed", "error", err)
		s.sendError(w, http.StatusServiceUnavailable, "Unsubscribe failed, please try again later")
		return
	}
	if sub == nil {
		s.sendError(w, http.StatusNotFound, "Unknown unsubscribe token")
		return
	}

	if sub.IsActive {
		// Flag flip and unsubscribe event commit as one unit
		if err := s.unsubscribe(sub.ID, clientIP(r)); err != nil {
			s.logger.Error("unsubscribe failed", "subscriber_id", sub.ID, "error", err)
			s.sendError(w, http.StatusServiceUnavailable, "Unsubscribe failed, please try again later")
			return
		}

		s.logger.Info("subscriber unsubscribed", "email", sub.Email)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, unsubscribePage)
}

// unsubscribe deactivates the subscriber and records the unsubscribe event
// in a single transaction
func (s *Server) unsubscribe(subscriberID, ip string) error {
	tx, err := s.subscribers.DB().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.subscribers.DeactivateTx(tx, subscriberID); err != nil {
		return err
	}

	if err := s.events.CreateTx(tx, &models.Event{
		SubscriberID: subscriberID,
		Type:         models.EventUnsubscribe,
		IPAddress:    ip,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit unsubscribe: %w", err)
	}
	return nil
}

const unsubscribePage = `<!DOCTYPE html>
<html>
<head><title>Unsubscribed</title></head>
<body style="font-family: Arial, sans-serif; text-align: center; margin-top: 80px;">
<h1>You've been unsubscribed</h1>
<p>You won't receive any more emails from us. Changed your mind? Just sign up again.</p>
</body>
</html>
`

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("not a positive integer: %q", s)
	}
	return n, nil
}

// sendJSON writes a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendError writes a JSON error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

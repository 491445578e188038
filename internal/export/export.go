package export

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Format selects the export encoding
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat validates a format query parameter. Empty defaults to JSON.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unsupported export format: %q", s)
}

// Options filters the exported subscriber set
type Options struct {
	Campaign   string
	ActiveOnly bool
}

// row mirrors the exported subscriber columns
type row struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	Name             string    `json:"name"`
	Source           string    `json:"source"`
	Campaign         string    `json:"campaign"`
	Interests        string    `json:"interests"`
	Referrer         string    `json:"referrer"`
	UTMSource        string    `json:"utm_source"`
	UTMMedium        string    `json:"utm_medium"`
	UTMCampaign      string    `json:"utm_campaign"`
	UTMContent       string    `json:"utm_content"`
	IsActive         bool      `json:"is_active"`
	ResubscribeCount int       `json:"resubscribe_count"`
	EmailSent        bool      `json:"email_sent"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

var csvHeader = []string{
	"id", "email", "name", "source", "campaign", "interests", "referrer",
	"utm_source", "utm_medium", "utm_campaign", "utm_content",
	"is_active", "resubscribe_count", "email_sent", "created_at", "updated_at",
}

// Service streams the subscriber set as CSV or JSON. Rows are written as
// they are scanned, so export size is independent of available memory.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Write streams the export in the requested format
func (s *Service) Write(w io.Writer, format Format, opts Options) error {
	switch format {
	case FormatCSV:
		return s.writeCSV(w, opts)
	case FormatJSON:
		return s.writeJSON(w, opts)
	}
	return fmt.Errorf("unsupported export format: %q", format)
}

func (s *Service) query(opts Options) (*sql.Rows, error) {
	query := `
		SELECT id, email, COALESCE(name, ''), source, campaign, COALESCE(interests, '[]'),
			COALESCE(referrer, ''), COALESCE(utm_source, ''), COALESCE(utm_medium, ''),
			COALESCE(utm_campaign, ''), COALESCE(utm_content, ''),
			is_active, resubscribe_count, email_sent, created_at, updated_at
		FROM subscribers WHERE 1=1`
	args := []any{}

	if opts.Campaign != "" {
		query += " AND campaign = ?"
		args = append(args, opts.Campaign)
	}
	if opts.ActiveOnly {
		query += " AND is_active = 1"
	}
	query += " ORDER BY created_at DESC"

	return s.db.Query(query, args...)
}

func scanRow(rows *sql.Rows) (*row, error) {
	r := &row{}
	err := rows.Scan(
		&r.ID, &r.Email, &r.Name, &r.Source, &r.Campaign, &r.Interests,
		&r.Referrer, &r.UTMSource, &r.UTMMedium, &r.UTMCampaign, &r.UTMContent,
		&r.IsActive, &r.ResubscribeCount, &r.EmailSent, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) writeCSV(w io.Writer, opts Options) error {
	rows, err := s.query(opts)
	if err != nil {
		return fmt.Errorf("export query failed: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return err
		}
		record := []string{
			r.ID, r.Email, r.Name, r.Source, r.Campaign, r.Interests, r.Referrer,
			r.UTMSource, r.UTMMedium, r.UTMCampaign, r.UTMContent,
			strconv.FormatBool(r.IsActive), strconv.Itoa(r.ResubscribeCount),
			strconv.FormatBool(r.EmailSent),
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}

func (s *Service) writeJSON(w io.Writer, opts Options) error {
	rows, err := s.query(opts)
	if err != nil {
		return fmt.Errorf("export query failed: %w", err)
	}
	defer rows.Close()

	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}

	first := true
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return err
		}
		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		first = false

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = io.WriteString(w, "]\n")
	return err
}

package analytics

import (
	"database/sql"
	"fmt"
	"time"
)

// DailyCount is one day of the signup trend series
type DailyCount struct {
	Date  string `json:"date"` // YYYY-MM-DD
	Count int64  `json:"count"`
}

// BreakdownRow is one bucket of a grouped count, ordered by count descending
type BreakdownRow struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Countdown is the time remaining until launch, clamped at zero
type Countdown struct {
	Days         int64 `json:"days"`
	Hours        int64 `json:"hours"`
	Minutes      int64 `json:"minutes"`
	Seconds      int64 `json:"seconds"`
	TotalSeconds int64 `json:"total_seconds"`
}

// Report is the full aggregation output. All slices are non-nil so an empty
// store serializes as empty arrays, never null.
type Report struct {
	TotalSubscribers  int64          `json:"total_subscribers"`
	ActiveSubscribers int64          `json:"active_subscribers"`
	DailySignups      []DailyCount   `json:"daily_signups"`
	Sources           []BreakdownRow `json:"sources"`
	Campaigns         []BreakdownRow `json:"campaigns"`
	UTMSources        []BreakdownRow `json:"utm_sources"`
	TopReferrers      []BreakdownRow `json:"top_referrers"`
	WindowDays        int            `json:"window_days"`
	LaunchCountdown   *Countdown     `json:"launch_countdown,omitempty"`
}

// Aggregator computes derived statistics from the subscriber and event
// stores. All queries are read-only.
type Aggregator struct {
	db           *sql.DB
	launchDate   time.Time
	topReferrers int
}

func NewAggregator(db *sql.DB, launchDate time.Time, topReferrers int) *Aggregator {
	if topReferrers <= 0 {
		topReferrers = 10
	}
	return &Aggregator{
		db:           db,
		launchDate:   launchDate,
		topReferrers: topReferrers,
	}
}

// Report aggregates statistics over a trailing window of days
func (a *Aggregator) Report(days int) (*Report, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	report := &Report{
		DailySignups: []DailyCount{},
		Sources:      []BreakdownRow{},
		Campaigns:    []BreakdownRow{},
		UTMSources:   []BreakdownRow{},
		TopReferrers: []BreakdownRow{},
		WindowDays:   days,
	}

	if err := a.db.QueryRow(`SELECT COUNT(*) FROM subscribers`).Scan(&report.TotalSubscribers); err != nil {
		return nil, fmt.Errorf("failed to count subscribers: %w", err)
	}
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM subscribers WHERE is_active = 1`).Scan(&report.ActiveSubscribers); err != nil {
		return nil, fmt.Errorf("failed to count active subscribers: %w", err)
	}

	daily, err := a.dailySignups(cutoff)
	if err != nil {
		return nil, err
	}
	report.DailySignups = daily

	for _, b := range []struct {
		column string
		dest   *[]BreakdownRow
	}{
		{"source", &report.Sources},
		{"campaign", &report.Campaigns},
		{"utm_source", &report.UTMSources},
	} {
		rows, err := a.breakdown(b.column, cutoff, 0)
		if err != nil {
			return nil, err
		}
		*b.dest = rows
	}

	referrers, err := a.breakdown("referrer", cutoff, a.topReferrers)
	if err != nil {
		return nil, err
	}
	report.TopReferrers = referrers

	if !a.launchDate.IsZero() {
		report.LaunchCountdown = a.countdown(time.Now().UTC())
	}

	return report, nil
}

func (a *Aggregator) dailySignups(cutoff time.Time) ([]DailyCount, error) {
	rows, err := a.db.Query(`
		SELECT DATE(created_at) AS day, COUNT(*) AS count
		FROM subscribers
		WHERE created_at >= ?
		GROUP BY DATE(created_at)
		ORDER BY day DESC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily signups: %w", err)
	}
	defer rows.Close()

	daily := []DailyCount{}
	for rows.Next() {
		var d DailyCount
		if err := rows.Scan(&d.Date, &d.Count); err != nil {
			return nil, err
		}
		daily = append(daily, d)
	}
	return daily, rows.Err()
}

// breakdown groups subscribers created since cutoff by one attribution
// column, skipping rows where the column is empty. limit 0 means all rows.
func (a *Aggregator) breakdown(column string, cutoff time.Time, limit int) ([]BreakdownRow, error) {
	query := fmt.Sprintf(`
		SELECT %s AS key, COUNT(*) AS count
		FROM subscribers
		WHERE created_at >= ? AND %s IS NOT NULL AND %s != ''
		GROUP BY %s
		ORDER BY count DESC`,
		column, column, column, column,
	)
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s breakdown: %w", column, err)
	}
	defer rows.Close()

	result := []BreakdownRow{}
	for rows.Next() {
		var r BreakdownRow
		if err := rows.Scan(&r.Key, &r.Count); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (a *Aggregator) countdown(now time.Time) *Countdown {
	remaining := a.launchDate.Sub(now)
	if remaining < 0 {
		remaining = 0
	}

	total := int64(remaining.Seconds())
	return &Countdown{
		Days:         total / 86400,
		Hours:        (total % 86400) / 3600,
		Minutes:      (total % 3600) / 60,
		Seconds:      total % 60,
		TotalSeconds: total,
	}
}

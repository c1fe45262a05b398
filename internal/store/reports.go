package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/eventcore/internal/es"
)

// dayLayout is the bucket key used by daily reports.
const dayLayout = "2006-01-02"

// TypeCount is the number of events for one event or aggregate type.
type TypeCount struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// DayCount is the number of events recorded on one UTC day.
type DayCount struct {
	Day   string `json:"day"`
	Count int64  `json:"count"`
}

// HourCount is the number of events recorded in one UTC hour of a day.
type HourCount struct {
	Hour  int   `json:"hour"`
	Count int64 `json:"count"`
}

// RecentEventsQuery filters RecentEvents. Empty filters match everything.
type RecentEventsQuery struct {
	Limit         int
	EventType     string
	AggregateType string
}

// CountEvents returns the total number of events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.r.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// CountEventsSince returns the number of events recorded at or after since.
func (s *Store) CountEventsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.r.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE recorded_at >= ?`, toMillis(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events since: %w", err)
	}
	return n, nil
}

// CountEventsByType returns per-type counts, most frequent first, ties broken
// by type name. limit <= 0 returns every type.
func (s *Store) CountEventsByType(ctx context.Context, limit int) ([]TypeCount, error) {
	return s.countBy(ctx, "event_type", limit)
}

// CountByAggregateType returns per-aggregate-type counts, most frequent first.
func (s *Store) CountByAggregateType(ctx context.Context) ([]TypeCount, error) {
	return s.countBy(ctx, "aggregate_type", 0)
}

func (s *Store) countBy(ctx context.Context, column string, limit int) ([]TypeCount, error) {
	query := fmt.Sprintf(`
		SELECT %s, COUNT(*) AS n
		FROM events
		GROUP BY %s
		ORDER BY n DESC, %s ASC
	`, column, column, column)
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	counts := []TypeCount{}
	for rows.Next() {
		var c TypeCount
		if err := rows.Scan(&c.Type, &c.Count); err != nil {
			return nil, fmt.Errorf("scan count by %s: %w", column, err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// RecentActivityByDay returns one bucket per UTC day for the last days days,
// oldest first and ending today. Days without events are present with 0.
func (s *Store) RecentActivityByDay(ctx context.Context, days int) ([]DayCount, error) {
	if days <= 0 {
		return nil, es.NewValidationError("days must be positive, got %d", days)
	}
	today := startOfDay(s.Now())
	since := today.AddDate(0, 0, -(days - 1))

	rows, err := s.r.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%d', recorded_at / 1000, 'unixepoch') AS day, COUNT(*)
		FROM events
		WHERE recorded_at >= ?
		GROUP BY day
	`, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("activity by day: %w", err)
	}
	defer rows.Close()

	byDay := make(map[string]int64)
	for rows.Next() {
		var (
			day string
			n   int64
		)
		if err := rows.Scan(&day, &n); err != nil {
			return nil, fmt.Errorf("scan activity by day: %w", err)
		}
		byDay[day] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity by day: %w", err)
	}

	out := make([]DayCount, 0, days)
	for d := since; !d.After(today); d = d.AddDate(0, 0, 1) {
		key := d.Format(dayLayout)
		out = append(out, DayCount{Day: key, Count: byDay[key]})
	}
	return out, nil
}

// HourlyActivity returns 24 buckets for the UTC day containing day.
func (s *Store) HourlyActivity(ctx context.Context, day time.Time) ([]HourCount, error) {
	start := startOfDay(day)
	end := start.AddDate(0, 0, 1)

	rows, err := s.r.QueryContext(ctx, `
		SELECT CAST(strftime('%H', recorded_at / 1000, 'unixepoch') AS INTEGER) AS hour, COUNT(*)
		FROM events
		WHERE recorded_at >= ? AND recorded_at < ?
		GROUP BY hour
	`, toMillis(start), toMillis(end))
	if err != nil {
		return nil, fmt.Errorf("hourly activity: %w", err)
	}
	defer rows.Close()

	out := make([]HourCount, 24)
	for h := range out {
		out[h].Hour = h
	}
	for rows.Next() {
		var (
			hour int
			n    int64
		)
		if err := rows.Scan(&hour, &n); err != nil {
			return nil, fmt.Errorf("scan hourly activity: %w", err)
		}
		if hour >= 0 && hour < 24 {
			out[hour].Count = n
		}
	}
	return out, rows.Err()
}

// RecentEvents returns the newest events first, optionally filtered by event
// type and aggregate type. Limit is clamped like ReadAll.
func (s *Store) RecentEvents(ctx context.Context, q RecentEventsQuery) ([]es.Event, error) {
	var (
		where []string
		args  []any
	)
	if q.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, q.EventType)
	}
	if q.AggregateType != "" {
		where = append(where, "aggregate_type = ?")
		args = append(args, q.AggregateType)
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at DESC, position DESC LIMIT ?"
	args = append(args, clampBatch(q.Limit))

	rows, err := s.r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

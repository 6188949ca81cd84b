package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertEvent appends one usage event.
func (s *SQLiteStore) InsertEvent(ctx context.Context, evt *UsageEvent) error {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	var payload interface{}
	if len(evt.Payload) > 0 {
		payload = string(evt.Payload)
	}
	res, err := s.exec(ctx, `INSERT INTO usage_events (event_type, payload, at, submitted)
		VALUES (?,?,?,?)`,
		evt.EventType, payload, fmtTime(evt.At), boolInt(evt.Submitted))
	if err != nil {
		return err
	}
	evt.ID, _ = res.LastInsertId()
	return nil
}

// GetEvents returns usage events matching the filter, oldest first.
func (s *SQLiteStore) GetEvents(ctx context.Context, filter UsageEventFilter) ([]*UsageEvent, error) {
	query := `SELECT id, event_type, payload, at, submitted FROM usage_events WHERE 1=1`
	var args []interface{}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if filter.Since != nil {
		query += ` AND at >= ?`
		args = append(args, fmtTime(*filter.Since))
	}
	if filter.Until != nil {
		query += ` AND at <= ?`
		args = append(args, fmtTime(*filter.Until))
	}
	if filter.Submitted != nil {
		query += ` AND submitted = ?`
		args = append(args, boolInt(*filter.Submitted))
	}
	query += ` ORDER BY at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*UsageEvent
	for rows.Next() {
		var e UsageEvent
		var payload sql.NullString
		var at string
		var submitted int
		if err := rows.Scan(&e.ID, &e.EventType, &payload, &at, &submitted); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			e.Payload = []byte(payload.String)
		}
		e.At = parseTime(at)
		e.Submitted = submitted != 0
		events = append(events, &e)
	}
	return events, rows.Err()
}

// GetEventCountsByType aggregates event counts within [since, until].
func (s *SQLiteStore) GetEventCountsByType(ctx context.Context, since, until time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_type, COUNT(*)
		FROM usage_events WHERE at >= ? AND at <= ? GROUP BY event_type`,
		fmtTime(since), fmtTime(until))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var et string
		var n int
		if err := rows.Scan(&et, &n); err != nil {
			return nil, err
		}
		counts[et] = n
	}
	return counts, rows.Err()
}

// GetSetting reads a usage setting. Returns ErrNotFound if unset.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM usage_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// SetSetting writes a usage setting.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx, `INSERT INTO usage_settings (key, value) VALUES (?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// MarkEventsSubmitted flags events in [since, until] as submitted and returns
// how many were flagged.
func (s *SQLiteStore) MarkEventsSubmitted(ctx context.Context, since, until time.Time) (int, error) {
	res, err := s.exec(ctx, `UPDATE usage_events SET submitted = 1
		WHERE at >= ? AND at <= ? AND submitted = 0`,
		fmtTime(since), fmtTime(until))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

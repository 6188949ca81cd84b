package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateChannel inserts a notification channel.
func (s *SQLiteStore) CreateChannel(ctx context.Context, ch *NotificationChannel) error {
	if ch.Type == ChannelNtfy && ch.Topic == "" {
		return fmt.Errorf("ntfy channel requires a topic")
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO notification_channels
		(id, name, type, webhook_url, topic, is_enabled, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		ch.ID, ch.Name, ch.Type, ch.WebhookURL, ch.Topic,
		boolInt(ch.IsEnabled), fmtTime(ch.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func scanChannel(row interface{ Scan(...interface{}) error }) (*NotificationChannel, error) {
	var ch NotificationChannel
	var isEnabled int
	var createdAt string
	err := row.Scan(&ch.ID, &ch.Name, &ch.Type, &ch.WebhookURL, &ch.Topic,
		&isEnabled, &createdAt)
	if err != nil {
		return nil, err
	}
	ch.IsEnabled = isEnabled != 0
	ch.CreatedAt = parseTime(createdAt)
	return &ch, nil
}

// GetChannel retrieves a channel by id.
func (s *SQLiteStore) GetChannel(ctx context.Context, id string) (*NotificationChannel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, type, webhook_url,
		topic, is_enabled, created_at FROM notification_channels WHERE id = ?`, id)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ch, err
}

// ListChannels returns all channels, optionally only enabled ones.
func (s *SQLiteStore) ListChannels(ctx context.Context, enabledOnly bool) ([]*NotificationChannel, error) {
	query := `SELECT id, name, type, webhook_url, topic, is_enabled, created_at
		FROM notification_channels`
	if enabledOnly {
		query += ` WHERE is_enabled = 1`
	}
	query += ` ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*NotificationChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// UpdateChannel rewrites a channel's mutable fields.
func (s *SQLiteStore) UpdateChannel(ctx context.Context, ch *NotificationChannel) error {
	if ch.Type == ChannelNtfy && ch.Topic == "" {
		return fmt.Errorf("ntfy channel requires a topic")
	}
	res, err := s.exec(ctx, `UPDATE notification_channels
		SET name = ?, type = ?, webhook_url = ?, topic = ?, is_enabled = ?
		WHERE id = ?`,
		ch.Name, ch.Type, ch.WebhookURL, ch.Topic, boolInt(ch.IsEnabled), ch.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChannel removes a channel; subscriptions cascade.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM notification_channels WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSubscriptions replaces a channel's subscribed event types.
func (s *SQLiteStore) SetSubscriptions(ctx context.Context, channelID string, eventTypes []string) error {
	if err := s.acquireWrite(ctx); err != nil {
		return err
	}
	defer s.releaseWrite()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM notification_subscriptions WHERE channel_id = ?`, channelID); err != nil {
		return err
	}
	for _, et := range eventTypes {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO notification_subscriptions
			(channel_id, event_type) VALUES (?,?)`, channelID, et); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSubscriptions returns the event types a channel receives.
func (s *SQLiteStore) GetSubscriptions(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_type FROM notification_subscriptions
		WHERE channel_id = ? ORDER BY event_type`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var et string
		if err := rows.Scan(&et); err != nil {
			return nil, err
		}
		types = append(types, et)
	}
	return types, rows.Err()
}

// ChannelsForEvent returns enabled channels subscribed to eventType.
func (s *SQLiteStore) ChannelsForEvent(ctx context.Context, eventType string) ([]*NotificationChannel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT c.id, c.name, c.type,
		c.webhook_url, c.topic, c.is_enabled, c.created_at
		FROM notification_channels c
		JOIN notification_subscriptions sub ON sub.channel_id = c.id
		WHERE sub.event_type = ? AND c.is_enabled = 1
		ORDER BY c.name`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*NotificationChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// Record appends one delivery attempt to the history.
func (s *SQLiteStore) Record(ctx context.Context, entry *NotificationHistoryEntry) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	var data interface{}
	if len(entry.EventData) > 0 {
		data = string(entry.EventData)
	}
	res, err := s.exec(ctx, `INSERT INTO notification_history
		(channel_id, event_type, event_data, status, error, at)
		VALUES (?,?,?,?,?,?)`,
		entry.ChannelID, entry.EventType, data, entry.Status, entry.Error,
		fmtTime(entry.At))
	if err != nil {
		return err
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

// History returns delivery attempts, newest first. An empty channelID returns
// history across all channels.
func (s *SQLiteStore) History(ctx context.Context, channelID string, limit, offset int) ([]*NotificationHistoryEntry, error) {
	if limit < 1 {
		limit = 100
	}
	query := `SELECT id, channel_id, event_type, event_data, status, error, at
		FROM notification_history`
	var args []interface{}
	if channelID != "" {
		query += ` WHERE channel_id = ?`
		args = append(args, channelID)
	}
	query += fmt.Sprintf(` ORDER BY at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*NotificationHistoryEntry
	for rows.Next() {
		var e NotificationHistoryEntry
		var data sql.NullString
		var at string
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.EventType, &data,
			&e.Status, &e.Error, &at); err != nil {
			return nil, err
		}
		if data.Valid && data.String != "" {
			e.EventData = []byte(data.String)
		}
		e.At = parseTime(at)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// HistoryCount returns the number of history entries.
func (s *SQLiteStore) HistoryCount(ctx context.Context, channelID string) (int, error) {
	query := `SELECT COUNT(*) FROM notification_history`
	var args []interface{}
	if channelID != "" {
		query += ` WHERE channel_id = ?`
		args = append(args, channelID)
	}
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// Cleanup deletes history older than olderThanDays and returns the number of
// deleted rows.
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	res, err := s.exec(ctx, `DELETE FROM notification_history WHERE at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

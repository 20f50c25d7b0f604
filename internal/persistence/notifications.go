package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type NotificationStatus string

const (
	NotificationShown     NotificationStatus = "SHOWN"
	NotificationClicked   NotificationStatus = "CLICKED"
	NotificationDismissed NotificationStatus = "DISMISSED"
	NotificationFailed    NotificationStatus = "FAILED"
)

// NotificationRecord is the audit row kept for every relayed push.
type NotificationRecord struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Body      string             `json:"body"`
	Route     string             `json:"route"`
	Status    NotificationStatus `json:"status"`
	Action    string             `json:"action,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func (s *Store) RecordNotification(ctx context.Context, rec NotificationRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO notifications(id, title, body, route, status) VALUES(?, ?, ?, ?, ?);
		`, rec.ID, rec.Title, rec.Body, rec.Route, string(rec.Status))
		if err != nil {
			return fmt.Errorf("record notification %s: %w", rec.ID, err)
		}
		return nil
	})
}

// UpdateNotificationStatus returns ErrNotFound for an unknown id.
func (s *Store) UpdateNotificationStatus(ctx context.Context, id string, status NotificationStatus, action string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE notifications SET status = ?, action = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, string(status), action, id)
		if err != nil {
			return fmt.Errorf("update notification %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) GetNotification(ctx context.Context, id string) (*NotificationRecord, error) {
	var rec NotificationRecord
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, body, route, status, action, created_at, updated_at FROM notifications WHERE id = ?;
	`, id).Scan(&rec.ID, &rec.Title, &rec.Body, &rec.Route, &status, &rec.Action, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification %s: %w", id, err)
	}
	rec.Status = NotificationStatus(status)
	return &rec, nil
}

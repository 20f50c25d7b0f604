package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-offline/internal/bus"
	"github.com/google/uuid"
)

// DeferredAction is a write recorded while offline, replayed on a sync trigger.
type DeferredAction struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	Tag        string    `json:"tag"`
	Payload    string    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
}

func (s *Store) EnqueueDeferred(ctx context.Context, tag, payload string) (*DeferredAction, error) {
	action := &DeferredAction{
		ID:         uuid.NewString(),
		Tag:        tag,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO deferred_actions(id, tag, payload, enqueued_at) VALUES(?, ?, ?, ?);
		`, action.ID, action.Tag, action.Payload, action.EnqueuedAt)
		if err != nil {
			return fmt.Errorf("enqueue deferred action: %w", err)
		}
		action.Seq, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicSyncEnqueued, bus.SyncEvent{Tag: tag, ActionID: action.ID})
	return action, nil
}

// PeekDeferred returns the oldest queued action for tag, or ErrNotFound.
func (s *Store) PeekDeferred(ctx context.Context, tag string) (*DeferredAction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, id, tag, payload, enqueued_at, attempts, last_error
		FROM deferred_actions WHERE tag = ? ORDER BY seq ASC LIMIT 1;
	`, tag)
	var a DeferredAction
	err := row.Scan(&a.Seq, &a.ID, &a.Tag, &a.Payload, &a.EnqueuedAt, &a.Attempts, &a.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("peek deferred %q: %w", tag, err)
	}
	return &a, nil
}

// ListDeferred returns every queued action for tag in FIFO order. An empty
// tag lists all tags, ordered by enqueue sequence.
func (s *Store) ListDeferred(ctx context.Context, tag string) ([]DeferredAction, error) {
	query := `SELECT seq, id, tag, payload, enqueued_at, attempts, last_error FROM deferred_actions`
	var args []any
	if tag != "" {
		query += ` WHERE tag = ?`
		args = append(args, tag)
	}
	query += ` ORDER BY seq ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deferred: %w", err)
	}
	defer rows.Close()

	var out []DeferredAction
	for rows.Next() {
		var a DeferredAction
		if err := rows.Scan(&a.Seq, &a.ID, &a.Tag, &a.Payload, &a.EnqueuedAt, &a.Attempts, &a.LastError); err != nil {
			return nil, fmt.Errorf("scan deferred: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DeleteDeferred(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM deferred_actions WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete deferred %s: %w", id, err)
		}
		return nil
	})
}

// RecordDeferredFailure bumps the attempt counter and keeps the action queued.
func (s *Store) RecordDeferredFailure(ctx context.Context, id, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE deferred_actions SET attempts = attempts + 1, last_error = ? WHERE id = ?;
		`, errMsg, id); err != nil {
			return fmt.Errorf("record deferred failure %s: %w", id, err)
		}
		return nil
	})
}

func (s *Store) DeferredDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deferred_actions;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count deferred: %w", err)
	}
	return n, nil
}

func (s *Store) RegisterSyncTag(ctx context.Context, tag string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO sync_registrations(tag) VALUES(?) ON CONFLICT(tag) DO NOTHING;
		`, tag); err != nil {
			return fmt.Errorf("register sync tag %q: %w", tag, err)
		}
		return nil
	})
}

func (s *Store) ListSyncTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM sync_registrations ORDER BY registered_at ASC, tag ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list sync tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan sync tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

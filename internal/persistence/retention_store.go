package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedNotifications int64 `json:"purged_notifications"`
}

// RunRetention deletes notification audit rows older than notificationDays.
// Cache entries are never purged here; their lifetime is owned by store
// versioning. Deferred actions are never purged either. Zero disables.
func (s *Store) RunRetention(ctx context.Context, notificationDays int) (RetentionResult, error) {
	var result RetentionResult
	if notificationDays <= 0 {
		return result, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -notificationDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE created_at < ?;`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge notifications: %w", err)
	}
	result.PurgedNotifications, _ = res.RowsAffected()
	return result, nil
}

package db

import (
	"context"
	"fmt"
	"time"
)

// TaskLocks hands out expiring leases so that only one maintenance run of a
// task happens per period, however many triggers fire.
type TaskLocks struct {
	db DBTX
}

// NewTaskLocks creates a lock table accessor.
func NewTaskLocks(db DBTX) *TaskLocks {
	return &TaskLocks{db: db}
}

// Acquire takes lockID for holder until now+ttl. It reports false when
// another holder owns an unexpired lease.
func (l *TaskLocks) Acquire(ctx context.Context, lockID, holder string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := l.db.Exec(ctx, `
		INSERT INTO odds_task_locks (id, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		   SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		 WHERE odds_task_locks.expires_at < $4`,
		lockID, holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("db: acquire lock %s: %w", lockID, err)
	}
	return tag.RowsAffected() == 1, nil
}

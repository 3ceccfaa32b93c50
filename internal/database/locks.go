package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LockInfo describes a row of the locks table.
type LockInfo struct {
	Name       string    `json:"name"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Active reports whether the lock is still within its TTL at now.
func (l *LockInfo) Active(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// TryAcquireLock takes the named lock for holder until now+ttl. It succeeds
// only if the lock is absent or its previous holder's TTL has run out; the
// check and the write are one statement.
func (s *IndexStore) TryAcquireLock(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery(indexStoreLabel, "try_acquire_lock", start, err) }()

	var result sql.Result
	result, err = s.db.ExecContext(ctx, `
		INSERT INTO locks (name, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE locks.expires_at <= excluded.acquired_at`,
		name, holder, now.UnixNano(), now.Add(ttl).UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return rows == 1, nil
}

// ReleaseLock deletes the named lock if holder still owns it. It reports
// whether a row was removed.
func (s *IndexStore) ReleaseLock(ctx context.Context, name, holder string) (bool, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery(indexStoreLabel, "release_lock", start, err) }()

	var result sql.Result
	result, err = s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", name, err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ForceReleaseLock deletes the named lock whoever holds it.
func (s *IndexStore) ForceReleaseLock(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery(indexStoreLabel, "force_release_lock", start, err) }()

	var result sql.Result
	result, err = s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("force release lock %s: %w", name, err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// LockState returns the stored row for name, expired or not. ErrNotFound
// means nobody has held the lock since it was last released.
func (s *IndexStore) LockState(ctx context.Context, name string) (*LockInfo, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery(indexStoreLabel, "lock_state", start, err) }()

	var acquired, expires int64
	info := LockInfo{Name: name}
	err = s.db.QueryRowContext(ctx,
		`SELECT holder, acquired_at, expires_at FROM locks WHERE name = ?`, name,
	).Scan(&info.Holder, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("lock state %s: %w", name, err)
	}
	info.AcquiredAt = time.Unix(0, acquired)
	info.ExpiresAt = time.Unix(0, expires)
	return &info, nil
}

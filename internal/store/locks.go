package store

import (
	"context"
	"database/sql"
	"errors"

	"listflow/internal/domain"
)

// GetLock returns the active lock for key, or nil when the key is free.
func (r *Repo) GetLock(ctx context.Context, key string) (*domain.Lock, error) {
	var (
		l  domain.Lock
		at int64
	)
	err := r.db.QueryRowContext(ctx, r.q(`SELECT item_key,channel,account,acquired_at FROM item_locks WHERE item_key=?`), key).
		Scan(&l.ItemKey, &l.Channel, &l.Account, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.AcquiredAt = fromMillis(at)
	return &l, nil
}

// InsertLock writes l unless a lock for the key already exists. The primary
// key on item_key arbitrates concurrent writers. It returns the lock that is
// active after the call and whether this call created it.
func (r *Repo) InsertLock(ctx context.Context, l domain.Lock) (domain.Lock, bool, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
INSERT INTO item_locks (item_key,channel,account,acquired_at) VALUES (?,?,?,?)
ON CONFLICT(item_key) DO NOTHING`), l.ItemKey, l.Channel, l.Account, toMillis(l.AcquiredAt))
	if err != nil {
		return domain.Lock{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return l, true, nil
	}
	existing, err := r.GetLock(ctx, l.ItemKey)
	if err != nil {
		return domain.Lock{}, false, err
	}
	if existing == nil {
		return domain.Lock{}, false, errors.New("lock vanished during insert")
	}
	return *existing, false, nil
}

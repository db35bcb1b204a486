package lock

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/goliatone/go-errors"
	"listflow/internal/clock"
	"listflow/internal/domain"
)

const ErrCodeLockHeld = "LOCK_HELD"

// ErrLockHeld is returned when an item key is already locked by a different
// channel/account.
var ErrLockHeld = errors.New("item already locked by another holder", errors.CategoryConflict).
	WithTextCode(ErrCodeLockHeld)

// IsLockHeld reports whether err is a lock conflict.
func IsLockHeld(err error) bool {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode == ErrCodeLockHeld
	}
	return false
}

// Store persists locks. InsertLock must be insert-if-absent: it returns the
// lock active after the call and whether the call created it.
type Store interface {
	GetLock(ctx context.Context, key string) (*domain.Lock, error)
	InsertLock(ctx context.Context, l domain.Lock) (domain.Lock, bool, error)
}

// Manager grants and queries exclusive ownership of item keys.
type Manager struct {
	store Store
	clock clock.Clock

	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewManager(store Store, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{store: store, clock: clk, keys: make(map[string]*keyLock)}
}

func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	l, err := m.store.GetLock(ctx, key)
	if err != nil {
		return false, err
	}
	return l != nil, nil
}

// GetActiveLock returns nil when key is not locked.
func (m *Manager) GetActiveLock(ctx context.Context, key string) (*domain.Lock, error) {
	return m.store.GetLock(ctx, key)
}

// Acquire locks key for channel/account. Re-acquiring a lock already held by
// the same holder is a no-op returning the existing lock.
func (m *Manager) Acquire(ctx context.Context, key, channel, account string) (domain.Lock, error) {
	want := domain.Lock{ItemKey: key, Channel: channel, Account: account, AcquiredAt: m.clock.Now()}
	got, _, err := m.store.InsertLock(ctx, want)
	if err != nil {
		return domain.Lock{}, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !got.HeldBy(channel, account) {
		conflict := ErrLockHeld.Clone()
		conflict.Message = fmt.Sprintf("item %s already listed under %s/%s", key, got.Channel, got.Account)
		return got, conflict.WithMetadata(map[string]any{
			"item_key":        key,
			"holder_channel":  got.Channel,
			"holder_account":  got.Account,
			"request_channel": channel,
			"request_account": account,
		})
	}
	return got, nil
}

// Guard serialises work on one key within this process. The returned func
// releases it.
func (m *Manager) Guard(key string) func() {
	m.mu.Lock()
	kl, ok := m.keys[key]
	if !ok {
		kl = &keyLock{}
		m.keys[key] = kl
	}
	kl.refs++
	m.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		m.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(m.keys, key)
		}
		m.mu.Unlock()
	}
}

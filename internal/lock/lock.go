package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

var (
	// ErrAlreadyLocked is returned when another holder owns the lock.
	ErrAlreadyLocked = errors.New("lock already held")
	// ErrTokenMismatch is returned when releasing a lock owned by someone else.
	ErrTokenMismatch = errors.New("lock token mismatch")
	// ErrLockNotFound is returned when releasing a lock that is not held.
	ErrLockNotFound = errors.New("lock not found")
)

// Guard identifies one acquisition of a lock.
type Guard struct {
	Key   string
	Token string
}

// Locker serialises runs of a domain across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Guard, error)
	Release(ctx context.Context, guard *Guard) error
	IsLocked(ctx context.Context, key string) (bool, error)
}

type entry struct {
	token     string
	expiresAt time.Time
}

// MemoryLock is a process-local Locker.
type MemoryLock struct {
	mu    sync.Mutex
	locks map[string]entry
	now   func() time.Time
}

// NewMemoryLock creates an empty MemoryLock.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{locks: make(map[string]entry), now: time.Now}
}

func (l *MemoryLock) Acquire(_ context.Context, key string, ttl time.Duration) (*Guard, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.locks[key]; ok && now.Before(held.expiresAt) {
		return nil, ErrAlreadyLocked
	}
	token := newToken()
	l.locks[key] = entry{token: token, expiresAt: now.Add(ttl)}
	return &Guard{Key: key, Token: token}, nil
}

func (l *MemoryLock) Release(_ context.Context, guard *Guard) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.locks[guard.Key]
	if !ok {
		return ErrLockNotFound
	}
	if held.token != guard.Token {
		return ErrTokenMismatch
	}
	delete(l.locks, guard.Key)
	return nil
}

func (l *MemoryLock) IsLocked(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.locks[key]
	if !ok || !l.now().Before(held.expiresAt) {
		return false, nil
	}
	return true, nil
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Package identity resolves the anonymous user id that survives across
// sessions in durable per-origin storage.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// UserIDKey is the storage key holding the anonymous user id.
const UserIDKey = "pt_external_user_id"

// ErrNotFound is returned by a Store when the key is absent.
var ErrNotFound = errors.New("identity: key not found")

// Store is durable key/value storage scoped to one origin. Writes are
// last-writer-wins.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Resolver holds the user id for one session. It never manufactures an id:
// the id comes from storage or from the caller.
type Resolver struct {
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	userID string
}

// NewResolver looks up the stored id. A non-empty supplied id takes
// precedence and is persisted for later sessions. Storage failures are
// logged and leave the id unresolved.
func NewResolver(ctx context.Context, store Store, supplied string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{store: store, logger: logger}

	var stored string
	if store != nil {
		v, err := store.Get(ctx, UserIDKey)
		switch {
		case err == nil:
			stored = v
		case !errors.Is(err, ErrNotFound):
			logger.Warn("failed to read stored user id", "error", err)
		}
	}

	r.userID = stored
	if supplied != "" && supplied != stored {
		if err := r.Identify(ctx, supplied); err != nil {
			logger.Warn("failed to persist user id", "error", err)
		}
	}
	return r
}

// UserID returns the resolved id, or "" when none is known.
func (r *Resolver) UserID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userID
}

// Identify establishes id as the user id and persists it.
func (r *Resolver) Identify(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("identity: user id is required")
	}
	r.mu.Lock()
	r.userID = id
	r.mu.Unlock()
	return r.persist(ctx, id)
}

// Clear forgets the user id, including the stored copy.
func (r *Resolver) Clear(ctx context.Context) error {
	r.mu.Lock()
	r.userID = ""
	r.mu.Unlock()
	if r.store == nil {
		return nil
	}
	if err := r.store.Delete(ctx, UserIDKey); err != nil {
		return fmt.Errorf("failed to delete user id: %w", err)
	}
	return nil
}

func (r *Resolver) persist(ctx context.Context, id string) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Set(ctx, UserIDKey, id); err != nil {
		return fmt.Errorf("failed to store user id: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

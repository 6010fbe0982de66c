package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	*MemoryStore
	sets   int
	getErr error
	setErr error
}

func (s *countingStore) Get(ctx context.Context, key string) (string, error) {
	if s.getErr != nil {
		return "", s.getErr
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *countingStore) Set(ctx context.Context, key, value string) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.sets++
	return s.MemoryStore.Set(ctx, key, value)
}

func TestResolverWithoutStoredOrSuppliedID(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	r := NewResolver(context.Background(), store, "", nil)

	assert.Equal(t, "", r.UserID())
	assert.Equal(t, 0, store.sets, "no id must be manufactured")
}

func TestResolverReadsStoredID(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: NewMemoryStore()}
	require.NoError(t, store.MemoryStore.Set(ctx, UserIDKey, "user-1"))

	r := NewResolver(ctx, store, "", nil)

	assert.Equal(t, "user-1", r.UserID())
	assert.Equal(t, 0, store.sets)
}

func TestResolverPersistsSuppliedID(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: NewMemoryStore()}

	r := NewResolver(ctx, store, "user-2", nil)
	assert.Equal(t, "user-2", r.UserID())
	assert.Equal(t, 1, store.sets)

	again := NewResolver(ctx, store, "", nil)
	assert.Equal(t, "user-2", again.UserID())

	NewResolver(ctx, store, "user-2", nil)
	assert.Equal(t, 1, store.sets, "unchanged id is not rewritten")
}

func TestResolverStorageFailuresAreNotFatal(t *testing.T) {
	store := &countingStore{
		MemoryStore: NewMemoryStore(),
		getErr:      errors.New("quota exceeded"),
		setErr:      errors.New("quota exceeded"),
	}

	r := NewResolver(context.Background(), store, "user-3", nil)
	assert.Equal(t, "user-3", r.UserID())

	r = NewResolver(context.Background(), store, "", nil)
	assert.Equal(t, "", r.UserID())
}

func TestIdentifyAndClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := NewResolver(ctx, store, "", nil)

	require.Error(t, r.Identify(ctx, ""))
	require.NoError(t, r.Identify(ctx, "user-4"))
	assert.Equal(t, "user-4", r.UserID())

	stored, err := store.Get(ctx, UserIDKey)
	require.NoError(t, err)
	assert.Equal(t, "user-4", stored)

	require.NoError(t, r.Clear(ctx))
	assert.Equal(t, "", r.UserID())
	_, err = store.Get(ctx, UserIDKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolverWithoutStore(t *testing.T) {
	r := NewResolver(context.Background(), nil, "user-5", nil)
	assert.Equal(t, "user-5", r.UserID())
	assert.NoError(t, r.Clear(context.Background()))
}

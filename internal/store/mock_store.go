// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows backend tests to run without SQLite

package store

import (
	"context"
	"sync"
	"time"

	"github.com/2389/profilesync/internal/provider"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu    sync.RWMutex
	users map[string]*User     // keyed by uid
	docs  map[string]*Document // keyed by path

	// SetErr, when set, fails every SetDocument call.
	SetErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users: make(map[string]*User),
		docs:  make(map[string]*Document),
	}
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[user.UID]; exists {
		return ErrDuplicateUser
	}
	u := *user
	m.users[u.UID] = &u
	return nil
}

// GetUser retrieves a user by uid.
func (m *MockStore) GetUser(ctx context.Context, uid string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[uid]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// TouchUser records a sign-in time.
func (m *MockStore) TouchUser(ctx context.Context, uid string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[uid]
	if !ok {
		return ErrNotFound
	}
	u.LastSignInAt = at.UTC()
	return nil
}

// GetDocument retrieves a document by path.
func (m *MockStore) GetDocument(ctx context.Context, path string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDocument(d), nil
}

// SetDocument writes a document.
func (m *MockStore) SetDocument(ctx context.Context, path string, data map[string]any, merge bool, now time.Time) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SetErr != nil {
		return nil, m.SetErr
	}
	next := nextDocument(m.docs[path], path, data, merge, now)
	m.docs[path] = next
	return copyDocument(next), nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

func copyDocument(d *Document) *Document {
	c := *d
	c.Data = provider.CloneData(d.Data)
	return &c
}

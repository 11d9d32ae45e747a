// ABOUTME: Store interface and data types for the self-hosted profile backend
// ABOUTME: Defines User and Document records and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateUser is returned when creating a user whose uid already exists
var ErrDuplicateUser = errors.New("user already exists")

// User is an identity known to the backend
type User struct {
	UID          string
	Email        string // empty for anonymous users
	Anonymous    bool
	CreatedAt    time.Time
	LastSignInAt time.Time
}

// Document is a stored document body addressed by its slash-separated path
type Document struct {
	Path      string
	Data      map[string]any
	Version   int64 // starts at 1, incremented by every write
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store defines the interface for user and document persistence
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, uid string) (*User, error)
	TouchUser(ctx context.Context, uid string, at time.Time) error

	// Documents. SetDocument resolves provider.ServerTimestamp sentinels to
	// now, merges into the existing body when merge is set and returns the
	// stored result.
	GetDocument(ctx context.Context, path string) (*Document, error)
	SetDocument(ctx context.Context, path string, data map[string]any, merge bool, now time.Time) (*Document, error)

	// Close releases any resources held by the store
	Close() error
}

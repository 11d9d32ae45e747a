// ABOUTME: Keeps the signed-in user's profile in sync with its remote document
// ABOUTME: Falls back to purely local state when no backend is available

package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/profilesync/internal/provider"
	"github.com/2389/profilesync/internal/service"
)

var (
	// ErrSync reports a failed document listener. The local profile is kept.
	ErrSync = errors.New("profile sync failed")
	// ErrWrite reports a failed profile write.
	ErrWrite = errors.New("profile write failed")
)

// State is the subscription state of a Store.
type State int

const (
	Idle State = iota
	Subscribed
)

func (s State) String() string {
	if s == Subscribed {
		return "subscribed"
	}
	return "idle"
}

// Store owns the local profile and at most one document subscription.
type Store struct {
	handle *service.Handle
	logger *slog.Logger

	// subMu serializes attach and detach. It is held across provider calls,
	// which is why callbacks only ever take mu.
	subMu sync.Mutex
	unsub provider.Unsubscribe

	mu       sync.Mutex
	profile  Profile
	state    State
	gen      uint64
	onChange func(Profile)
}

// NewStore creates an idle store holding the default profile. A nil handle
// behaves like an unavailable backend.
func NewStore(handle *service.Handle, logger *slog.Logger) *Store {
	if handle == nil {
		handle = &service.Handle{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		handle:  handle,
		logger:  logger.With("component", "profile"),
		profile: Default(),
	}
}

// OnChange registers fn to be called with the profile after every change.
func (s *Store) OnChange(fn func(Profile)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Current returns the local profile.
func (s *Store) Current() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// State reports whether a document subscription is live.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe follows the profile document of id. Any previous subscription is
// released first. Nothing is attached when id is nil or no backend is
// available.
func (s *Store) Subscribe(id *provider.Identity) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.detachLocked()
	if id == nil || !s.handle.Available {
		return
	}

	ref := Ref(s.handle.Docs, s.handle.Namespace, id.UID)

	s.mu.Lock()
	gen := s.gen
	s.state = Subscribed
	s.mu.Unlock()

	s.unsub = s.handle.Docs.SubscribeDocument(ref,
		func(snap provider.Snapshot) { s.apply(gen, snap) },
		func(err error) { s.listenerFailed(gen, ref, err) },
	)
	s.logger.Debug("profile subscribed", "uid", id.UID, "path", ref.Path())
}

// Unsubscribe releases the document subscription. Safe to call any number of
// times.
func (s *Store) Unsubscribe() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.detachLocked()
}

// detachLocked requires subMu.
func (s *Store) detachLocked() {
	s.mu.Lock()
	s.gen++
	s.state = Idle
	s.mu.Unlock()

	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
}

func (s *Store) apply(gen uint64, snap provider.Snapshot) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if !snap.Exists {
		// Not created yet: keep what we have.
		s.mu.Unlock()
		return
	}
	s.profile = FromData(snap.Data)
	p, fn := s.profile, s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(p)
	}
}

func (s *Store) listenerFailed(gen uint64, ref provider.DocRef, err error) {
	s.mu.Lock()
	stale := gen != s.gen
	s.mu.Unlock()
	if stale {
		return
	}
	s.logger.Warn("profile listener failed, keeping local profile",
		"path", ref.Path(),
		"error", fmt.Errorf("%w: %w", ErrSync, err))
}

// Save updates the profile. Without a backend the patch is merged locally
// and Save returns nil. With one, the patch is merge-written to the document
// of id and the local profile is left to the next snapshot.
func (s *Store) Save(ctx context.Context, id *provider.Identity, patch Patch) error {
	if !s.handle.Available {
		s.mu.Lock()
		s.profile = patch.Apply(s.profile)
		p, fn := s.profile, s.onChange
		s.mu.Unlock()
		if fn != nil {
			fn(p)
		}
		return nil
	}

	if id == nil {
		return fmt.Errorf("%w: not signed in", ErrWrite)
	}
	ref := Ref(s.handle.Docs, s.handle.Namespace, id.UID)
	if err := s.handle.Docs.SetDocument(ctx, ref, patch.Data(), provider.SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	s.logger.Debug("profile saved", "uid", id.UID, "fields", len(patch.Data()))
	return nil
}

// Seed replaces the local profile.
func (s *Store) Seed(p Profile) {
	s.mu.Lock()
	s.profile = p
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(p)
	}
}

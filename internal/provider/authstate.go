// ABOUTME: Client-side signed-in identity holder with ordered fan-out to subscribers
// ABOUTME: Shared by the local, remote and firebase identity providers

package provider

import (
	"sync"

	"github.com/google/uuid"
)

// AuthState holds the identity a client-side provider considers signed in and
// notifies subscribers of every change.
type AuthState struct {
	mu      sync.Mutex
	current *Identity
	subs    map[string]*Feed[*Identity]
}

// NewAuthState returns an AuthState with nobody signed in.
func NewAuthState() *AuthState {
	return &AuthState{subs: make(map[string]*Feed[*Identity])}
}

// Current returns a copy of the signed-in identity or nil.
func (a *AuthState) Current() *Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current.Clone()
}

// Set replaces the signed-in identity and notifies every subscriber.
func (a *AuthState) Set(id *Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = id.Clone()
	for _, f := range a.subs {
		f.Push(a.current.Clone())
	}
}

// Subscribe registers handler. It is called with the current identity first.
func (a *AuthState) Subscribe(handler func(*Identity)) Unsubscribe {
	id := uuid.New().String()
	f := NewFeed(handler)

	a.mu.Lock()
	a.subs[id] = f
	f.Push(a.current.Clone())
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
			f.Close()
		})
	}
}

// Close drops all subscribers.
func (a *AuthState) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, f := range a.subs {
		f.Close()
		delete(a.subs, id)
	}
}

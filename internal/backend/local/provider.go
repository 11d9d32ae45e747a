// ABOUTME: In-process identity provider and document store backed by an Engine
// ABOUTME: Used by the local driver and as the reference behaviour for the gRPC client

package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/profilesync/internal/provider"
)

// ErrNotSignedIn is returned for writes made without a signed-in identity.
var ErrNotSignedIn = errors.New("not signed in")

// Provider implements provider.IdentityProvider and provider.DocumentStore
// directly on top of an Engine.
type Provider struct {
	engine *Engine
	state  *provider.AuthState
	logger *slog.Logger

	mu      sync.Mutex
	session *Session
}

var (
	_ provider.IdentityProvider = (*Provider)(nil)
	_ provider.DocumentStore    = (*Provider)(nil)
)

// NewProvider creates a client-side view of engine.
func NewProvider(engine *Engine, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		engine: engine,
		state:  provider.NewAuthState(),
		logger: logger.With("component", "local-provider"),
	}
}

// CurrentIdentity implements provider.IdentityProvider.
func (p *Provider) CurrentIdentity() *provider.Identity { return p.state.Current() }

// SignInAnonymously implements provider.IdentityProvider.
func (p *Provider) SignInAnonymously(ctx context.Context) (*provider.Identity, error) {
	s, err := p.engine.SignUpAnonymous(ctx)
	if err != nil {
		return nil, err
	}
	return p.signedIn(s), nil
}

// SignInWithToken implements provider.IdentityProvider.
func (p *Provider) SignInWithToken(ctx context.Context, token string) (*provider.Identity, error) {
	s, err := p.engine.SignInWithCustomToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return p.signedIn(s), nil
}

func (p *Provider) signedIn(s *Session) *provider.Identity {
	p.mu.Lock()
	p.session = s
	p.mu.Unlock()

	id := s.Identity()
	p.state.Set(id)
	p.logger.Debug("signed in", "uid", id.UID, "anonymous", id.Anonymous)
	return id.Clone()
}

// SubscribeAuthState implements provider.IdentityProvider.
func (p *Provider) SubscribeAuthState(handler func(*provider.Identity)) provider.Unsubscribe {
	return p.state.Subscribe(handler)
}

// SignOut implements provider.IdentityProvider.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.session = nil
	p.mu.Unlock()
	p.state.Set(nil)
	return nil
}

// IDToken returns the id token of the current session, if any.
func (p *Provider) IDToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return ""
	}
	return p.session.IDToken
}

// Ref implements provider.DocumentStore.
func (p *Provider) Ref(segments ...string) provider.DocRef { return provider.NewRef(segments...) }

// SetDocument implements provider.DocumentStore.
func (p *Provider) SetDocument(ctx context.Context, ref provider.DocRef, data map[string]any, opts provider.SetOptions) error {
	if p.IDToken() == "" {
		return ErrNotSignedIn
	}
	_, err := p.engine.SetDocument(ctx, ref.Path(), data, opts.Merge)
	return err
}

// SubscribeDocument implements provider.DocumentStore.
func (p *Provider) SubscribeDocument(ref provider.DocRef, onNext func(provider.Snapshot), onError func(error)) provider.Unsubscribe {
	ctx, cancel := context.WithCancel(context.Background())
	feed := provider.NewFeed(func(deliver func()) { deliver() })

	changes, err := p.engine.Watch(ctx, ref.Path())
	if err != nil {
		feed.Push(func() { onError(fmt.Errorf("watching %s: %w", ref.Path(), err)) })
	} else {
		go func() {
			for c := range changes {
				snap := SnapshotOf(ref, c)
				feed.Push(func() { onNext(snap) })
			}
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			feed.Close()
		})
	}
}

// Close releases auth-state subscribers.
func (p *Provider) Close() error {
	p.state.Close()
	return nil
}

// SnapshotOf converts an engine change to a provider snapshot.
func SnapshotOf(ref provider.DocRef, c Change) provider.Snapshot {
	if c.Doc == nil {
		return provider.Snapshot{Ref: ref}
	}
	return provider.Snapshot{
		Ref:     ref,
		Exists:  true,
		Data:    provider.CloneData(c.Doc.Data),
		Version: c.Doc.Version,
	}
}

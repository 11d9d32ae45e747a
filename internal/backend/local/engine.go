// ABOUTME: Server-side engine of the self-hosted backend: users, tokens and documents
// ABOUTME: Shared by the in-process provider and the gRPC service

package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/profilesync/internal/auth"
	"github.com/2389/profilesync/internal/provider"
	"github.com/2389/profilesync/internal/store"
)

// ErrUnknownUser is returned when an id token names a uid the store does not know.
var ErrUnknownUser = errors.New("unknown user")

// ErrInvalidRef is returned for paths that do not address a document.
var ErrInvalidRef = errors.New("invalid document reference")

// DefaultRefreshTTL is how long a refresh token stays valid.
const DefaultRefreshTTL = 30 * 24 * time.Hour

// Options configures an Engine.
type Options struct {
	TokenSecret []byte
	TokenTTL    time.Duration // id token lifetime; defaults to one hour
	RefreshTTL  time.Duration // refresh token lifetime; defaults to DefaultRefreshTTL
	Logger      *slog.Logger
	Now         func() time.Time
}

// Engine owns the backend state: users, id tokens, documents and watchers.
type Engine struct {
	store    store.Store
	watchers *store.Broadcaster
	tokens   *auth.JWTVerifier
	tokenTTL   time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	logger   *slog.Logger
}

// Session is the result of a successful sign-in.
type Session struct {
	User         *store.User
	IDToken      string
	RefreshToken string
	// ExpiresAt is when IDToken stops being accepted.
	ExpiresAt time.Time
}

// Identity converts the session user to a provider identity.
func (s *Session) Identity() *provider.Identity {
	return &provider.Identity{UID: s.User.UID, Email: s.User.Email, Anonymous: s.User.Anonymous}
}

// Change is one observation delivered by Watch. Doc is nil when the document
// does not exist.
type Change struct {
	Path string
	Doc  *store.Document
}

// NewEngine creates an engine over s.
func NewEngine(s store.Store, opts Options) (*Engine, error) {
	tokens, err := auth.NewJWTVerifier(opts.TokenSecret)
	if err != nil {
		return nil, fmt.Errorf("creating token verifier: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = DefaultRefreshTTL
	}
	logger := opts.Logger.With("component", "engine")
	return &Engine{
		store:    s,
		watchers: store.NewBroadcaster(logger),
		tokens:   tokens,
		tokenTTL:   opts.TokenTTL,
		refreshTTL: opts.RefreshTTL,
		now:        opts.Now,
		logger:     logger,
	}, nil
}

// SignUpAnonymous creates a new anonymous user and opens a session for it.
func (e *Engine) SignUpAnonymous(ctx context.Context) (*Session, error) {
	now := e.now().UTC()
	u := &store.User{
		UID:          uuid.New().String(),
		Anonymous:    true,
		CreatedAt:    now,
		LastSignInAt: now,
	}
	if err := e.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("creating anonymous user: %w", err)
	}
	e.logger.Info("anonymous user created", "uid", u.UID)
	return e.issue(u)
}

// SignInWithCustomToken exchanges a custom token for a session. The user is
// created on first use.
func (e *Engine) SignInWithCustomToken(ctx context.Context, token string) (*Session, error) {
	claims, err := e.tokens.Verify(token, auth.KindCustom)
	if err != nil {
		return nil, fmt.Errorf("verifying custom token: %w", err)
	}

	now := e.now().UTC()
	u, err := e.store.GetUser(ctx, claims.UID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		u = &store.User{UID: claims.UID, Email: claims.Email, CreatedAt: now, LastSignInAt: now}
		if err := e.store.CreateUser(ctx, u); err != nil && !errors.Is(err, store.ErrDuplicateUser) {
			return nil, fmt.Errorf("creating user: %w", err)
		}
		e.logger.Info("user created from custom token", "uid", u.UID)
	case err != nil:
		return nil, fmt.Errorf("looking up user: %w", err)
	default:
		if err := e.store.TouchUser(ctx, u.UID, now); err != nil {
			e.logger.Warn("failed to record sign-in", "uid", u.UID, "error", err)
		}
		u.LastSignInAt = now
	}
	return e.issue(u)
}

// Refresh exchanges a refresh token for a new session of the same user.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	claims, err := e.tokens.Verify(refreshToken, auth.KindRefresh)
	if err != nil {
		return nil, fmt.Errorf("verifying refresh token: %w", err)
	}
	u, err := e.store.GetUser(ctx, claims.UID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, claims.UID)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	return e.issue(u)
}

// MintCustomToken signs a custom token that SignInWithCustomToken accepts.
func (e *Engine) MintCustomToken(uid, email string, ttl time.Duration) (string, error) {
	return e.tokens.Generate(auth.KindCustom, uid, email, ttl)
}

// Verifier exposes the token verifier for transport interceptors.
func (e *Engine) Verifier() auth.TokenVerifier { return e.tokens }

// Authenticate resolves an id token to its user.
func (e *Engine) Authenticate(ctx context.Context, idToken string) (*store.User, error) {
	claims, err := e.tokens.Verify(idToken, auth.KindID)
	if err != nil {
		return nil, err
	}
	u, err := e.store.GetUser(ctx, claims.UID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, claims.UID)
	}
	return u, err
}

func (e *Engine) issue(u *store.User) (*Session, error) {
	tok, err := e.tokens.Generate(auth.KindID, u.UID, u.Email, e.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issuing id token: %w", err)
	}
	refresh, err := e.tokens.Generate(auth.KindRefresh, u.UID, u.Email, e.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("issuing refresh token: %w", err)
	}
	return &Session{User: u, IDToken: tok, RefreshToken: refresh, ExpiresAt: e.now().Add(e.tokenTTL)}, nil
}

// SetDocument applies a write and notifies watchers of the path.
func (e *Engine) SetDocument(ctx context.Context, path string, data map[string]any, merge bool) (*store.Document, error) {
	if !provider.ParseRef(path).Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, path)
	}
	doc, err := e.store.SetDocument(ctx, path, data, merge, e.now())
	if err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	e.watchers.Publish(doc)
	return doc, nil
}

// GetDocument reads a document. Missing documents return store.ErrNotFound.
func (e *Engine) GetDocument(ctx context.Context, path string) (*store.Document, error) {
	return e.store.GetDocument(ctx, path)
}

// Watch streams the current state of path followed by every newer version
// until ctx is cancelled. The returned channel is closed when watching stops.
func (e *Engine) Watch(ctx context.Context, path string) (<-chan Change, error) {
	if !provider.ParseRef(path).Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, path)
	}

	ctx, cancel := context.WithCancel(ctx)
	updates, _ := e.watchers.Subscribe(ctx, path)

	current, err := e.store.GetDocument(ctx, path)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		cancel()
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	out := make(chan Change)
	go func() {
		defer close(out)
		defer cancel()

		send := func(c Change) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var last int64
		if current != nil {
			last = current.Version
		}
		if !send(Change{Path: path, Doc: current}) {
			return
		}
		for doc := range updates {
			if doc.Version <= last {
				continue
			}
			last = doc.Version
			if !send(Change{Path: path, Doc: doc}) {
				return
			}
		}
	}()
	return out, nil
}

// Close stops all watchers and closes the store.
func (e *Engine) Close() error {
	e.watchers.Close()
	return e.store.Close()
}

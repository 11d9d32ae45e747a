// ABOUTME: Firebase-backed identity provider over the Identity Toolkit REST API
// ABOUTME: Publishes auth-state changes and exposes the session as an oauth2 token source

package firebase

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/2389/profilesync/internal/provider"
)

// AuthOptions configures Auth.
type AuthOptions struct {
	APIKey string
	// IdentityEndpoint and TokenEndpoint override the Google endpoints, for
	// the auth emulator or tests.
	IdentityEndpoint string
	TokenEndpoint    string
	HTTPClient       *http.Client
	Logger           *slog.Logger
	Now              func() time.Time
}

// Auth implements provider.IdentityProvider for Firebase Authentication.
type Auth struct {
	client *identityClient
	tokens *sessionTokenSource
	state  *provider.AuthState
	logger *slog.Logger
}

var _ provider.IdentityProvider = (*Auth)(nil)

// NewAuth creates a signed-out Firebase identity provider.
func NewAuth(opts AuthOptions) *Auth {
	if opts.IdentityEndpoint == "" {
		opts.IdentityEndpoint = DefaultIdentityEndpoint
	}
	if opts.TokenEndpoint == "" {
		opts.TokenEndpoint = DefaultTokenEndpoint
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	client := &identityClient{
		apiKey:   opts.APIKey,
		endpoint: opts.IdentityEndpoint,
		tokenURL: opts.TokenEndpoint,
		http:     opts.HTTPClient,
		now:      opts.Now,
	}
	return &Auth{
		client: client,
		tokens: &sessionTokenSource{client: client},
		state:  provider.NewAuthState(),
		logger: opts.Logger.With("component", "firebase-auth"),
	}
}

// TokenSource returns a source of the signed-in user's id token, suitable
// for authenticating Firestore calls as that user.
func (a *Auth) TokenSource() oauth2.TokenSource {
	return a.tokens
}

// CurrentIdentity implements provider.IdentityProvider.
func (a *Auth) CurrentIdentity() *provider.Identity { return a.state.Current() }

// SignInAnonymously implements provider.IdentityProvider.
func (a *Auth) SignInAnonymously(ctx context.Context) (*provider.Identity, error) {
	cred, err := a.client.signUpAnonymous(ctx)
	if err != nil {
		return nil, err
	}
	cred.Anonymous = true
	return a.signedIn(cred), nil
}

// SignInWithToken implements provider.IdentityProvider.
func (a *Auth) SignInWithToken(ctx context.Context, token string) (*provider.Identity, error) {
	cred, err := a.client.signInWithCustomToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return a.signedIn(cred), nil
}

func (a *Auth) signedIn(cred *credential) *provider.Identity {
	a.tokens.set(cred)
	id := &provider.Identity{UID: cred.UID, Email: cred.Email, Anonymous: cred.Anonymous}
	a.state.Set(id)
	a.logger.Debug("signed in", "uid", id.UID, "anonymous", id.Anonymous, "expires", cred.Expiry)
	return id.Clone()
}

// SubscribeAuthState implements provider.IdentityProvider.
func (a *Auth) SubscribeAuthState(handler func(*provider.Identity)) provider.Unsubscribe {
	return a.state.Subscribe(handler)
}

// SignOut implements provider.IdentityProvider. Firebase sessions are
// client-held, so signing out forgets the tokens.
func (a *Auth) SignOut(ctx context.Context) error {
	a.tokens.set(nil)
	a.state.Set(nil)
	return nil
}

// Close drops auth-state subscribers.
func (a *Auth) Close() error {
	a.state.Close()
	return nil
}

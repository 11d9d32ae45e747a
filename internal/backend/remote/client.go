// ABOUTME: Identity provider and document store that talk to a backend over gRPC
// ABOUTME: Holds the session tokens from sign-in, renews them and attaches them to calls

package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/profilesync/internal/auth"
	"github.com/2389/profilesync/internal/provider"
)

// ErrNotSignedIn is returned for writes made before any sign-in.
var ErrNotSignedIn = errors.New("not signed in")

// refreshLeeway renews the id token this long before it expires.
const refreshLeeway = time.Minute

// Client implements provider.IdentityProvider and provider.DocumentStore
// against a remote backend.
type Client struct {
	conn   grpc.ClientConnInterface
	closer io.Closer
	state  *provider.AuthState
	logger *slog.Logger
	now    func() time.Time

	// refreshMu serializes renewals so concurrent calls share one refresh.
	refreshMu sync.Mutex

	mu           sync.Mutex
	idToken      string
	refreshToken string
	expiresAt    time.Time
}

var (
	_ provider.IdentityProvider = (*Client)(nil)
	_ provider.DocumentStore    = (*Client)(nil)
)

// Dial connects to the backend at addr. TLS is used unless plaintext is set.
func Dial(addr string, plaintext bool, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if plaintext {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(addr, append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	c := NewClient(conn, logger)
	c.closer = conn
	return c, nil
}

// NewClient wraps an existing connection. The caller keeps ownership of conn.
func NewClient(conn grpc.ClientConnInterface, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:   conn,
		state:  provider.NewAuthState(),
		logger: logger.With("component", "grpc-client"),
		now:    time.Now,
	}
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idToken
}

// CurrentIdentity implements provider.IdentityProvider.
func (c *Client) CurrentIdentity() *provider.Identity { return c.state.Current() }

// SignInAnonymously implements provider.IdentityProvider.
func (c *Client) SignInAnonymously(ctx context.Context) (*provider.Identity, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodSignInAnonymously, &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("anonymous sign-in: %w", err)
	}
	return c.signedIn(out), nil
}

// SignInWithToken implements provider.IdentityProvider.
func (c *Client) SignInWithToken(ctx context.Context, token string) (*provider.Identity, error) {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{"token": structpb.NewStringValue(token)}}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodSignInWithToken, in, out); err != nil {
		return nil, fmt.Errorf("token sign-in: %w", err)
	}
	return c.signedIn(out), nil
}

func (c *Client) signedIn(resp *structpb.Struct) *provider.Identity {
	f := resp.GetFields()
	id := &provider.Identity{
		UID:       f["uid"].GetStringValue(),
		Email:     f["email"].GetStringValue(),
		Anonymous: f["anonymous"].GetBoolValue(),
	}
	c.mu.Lock()
	c.storeTokensLocked(f)
	c.state.Set(id)
	c.mu.Unlock()

	c.logger.Debug("signed in", "uid", id.UID, "anonymous", id.Anonymous)
	return id.Clone()
}

func (c *Client) storeTokensLocked(f map[string]*structpb.Value) {
	c.idToken = f["idToken"].GetStringValue()
	c.refreshToken = f["refreshToken"].GetStringValue()
	// A missing or malformed expiry leaves the zero time, which never refreshes.
	c.expiresAt, _ = time.Parse(time.RFC3339, f["expiresAt"].GetStringValue())
}

// bearer returns an id token for the next call, renewing it first when it is
// within refreshLeeway of expiring.
func (c *Client) bearer(ctx context.Context) (string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.Lock()
	tok, refresh, exp := c.idToken, c.refreshToken, c.expiresAt
	c.mu.Unlock()
	if tok == "" {
		return "", ErrNotSignedIn
	}
	if refresh == "" || exp.IsZero() || c.now().Add(refreshLeeway).Before(exp) {
		return tok, nil
	}

	in := &structpb.Struct{Fields: map[string]*structpb.Value{"refreshToken": structpb.NewStringValue(refresh)}}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodRefreshSession, in, out); err != nil {
		if status.Code(err) == codes.Unauthenticated {
			c.expire(tok, err)
		}
		return "", fmt.Errorf("refreshing session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A sign-out or new sign-in during the call wins over the renewal.
	if c.idToken != tok {
		if c.idToken == "" {
			return "", ErrNotSignedIn
		}
		return c.idToken, nil
	}
	c.storeTokensLocked(out.GetFields())
	c.logger.Debug("session refreshed", "expires_at", c.expiresAt)
	return c.idToken, nil
}

// expire drops a session the backend no longer accepts and reports the
// identity as signed out. It does nothing if tok was already replaced.
func (c *Client) expire(tok string, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idToken != tok {
		return
	}
	c.clearTokensLocked()
	c.state.Set(nil)
	c.logger.Warn("session rejected by backend, signed out", "error", cause)
}

func (c *Client) clearTokensLocked() {
	c.idToken = ""
	c.refreshToken = ""
	c.expiresAt = time.Time{}
}

// SubscribeAuthState implements provider.IdentityProvider.
func (c *Client) SubscribeAuthState(handler func(*provider.Identity)) provider.Unsubscribe {
	return c.state.Subscribe(handler)
}

// SignOut implements provider.IdentityProvider. Sessions are stateless on the
// server, so signing out only drops the local token.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	c.clearTokensLocked()
	c.state.Set(nil)
	c.mu.Unlock()
	return nil
}

// Ref implements provider.DocumentStore.
func (c *Client) Ref(segments ...string) provider.DocRef { return provider.NewRef(segments...) }

// SetDocument implements provider.DocumentStore.
func (c *Client) SetDocument(ctx context.Context, ref provider.DocRef, data map[string]any, opts provider.SetOptions) error {
	body, err := toStruct(data)
	if err != nil {
		return err
	}
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"path":  structpb.NewStringValue(ref.Path()),
		"data":  structpb.NewStructValue(body),
		"merge": structpb.NewBoolValue(opts.Merge),
	}}
	tok, err := c.bearer(ctx)
	if err != nil {
		return err
	}
	if err := c.conn.Invoke(auth.WithBearer(ctx, tok), methodSetDocument, in, new(emptypb.Empty)); err != nil {
		if status.Code(err) == codes.Unauthenticated {
			c.expire(tok, err)
		}
		return fmt.Errorf("writing %s: %w", ref.Path(), err)
	}
	return nil
}

// SubscribeDocument implements provider.DocumentStore. A stream failure is
// reported once through onError; the listener then stays idle until
// Unsubscribe.
func (c *Client) SubscribeDocument(ref provider.DocRef, onNext func(provider.Snapshot), onError func(error)) provider.Unsubscribe {
	ctx, cancel := context.WithCancel(context.Background())
	feed := provider.NewFeed(func(deliver func()) { deliver() })

	go func() {
		tok, err := c.bearer(ctx)
		if err == nil {
			err = c.watch(auth.WithBearer(ctx, tok), ref, func(s provider.Snapshot) {
				feed.Push(func() { onNext(s) })
			})
			if status.Code(err) == codes.Unauthenticated {
				c.expire(tok, err)
			}
		}
		if err == nil || ctx.Err() != nil || status.Code(err) == codes.Canceled {
			return
		}
		c.logger.Warn("document watch failed", "path", ref.Path(), "error", err)
		feed.Push(func() { onError(fmt.Errorf("watching %s: %w", ref.Path(), err)) })
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			feed.Close()
		})
	}
}

func (c *Client) watch(ctx context.Context, ref provider.DocRef, emit func(provider.Snapshot)) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], methodWatchDocument)
	if err != nil {
		return err
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{"path": structpb.NewStringValue(ref.Path())}}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		emit(snapshotOf(ref, msg))
	}
}

func snapshotOf(ref provider.DocRef, msg *structpb.Struct) provider.Snapshot {
	f := msg.GetFields()
	if !f["exists"].GetBoolValue() {
		return provider.Snapshot{Ref: ref}
	}
	return provider.Snapshot{
		Ref:     ref,
		Exists:  true,
		Data:    fromStruct(f["data"].GetStructValue()),
		Version: int64(f["version"].GetNumberValue()),
	}
}

// Close drops auth-state subscribers and closes a connection opened by Dial.
func (c *Client) Close() error {
	c.state.Close()
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

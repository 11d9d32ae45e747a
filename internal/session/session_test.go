// ABOUTME: Tests for the session manager against recording identity and document fakes
// ABOUTME: Covers demo mode, initial load, login/register, logout and teardown

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/profilesync/internal/notice"
	"github.com/2389/profilesync/internal/profile"
	"github.com/2389/profilesync/internal/provider"
	"github.com/2389/profilesync/internal/provider/providertest"
	"github.com/2389/profilesync/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const ns = "test-app"

type recorder struct {
	mu       sync.Mutex
	messages []notice.Message
	seeded   []profile.Profile
}

func (r *recorder) Show(kind notice.Kind, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, notice.Message{Kind: kind, Text: text})
}

func (r *recorder) Seed(p profile.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeded = append(r.seeded, p)
}

func (r *recorder) lastMessage() notice.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return notice.Message{}
	}
	return r.messages[len(r.messages)-1]
}

func (r *recorder) lastSeed() (profile.Profile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seeded) == 0 {
		return profile.Profile{}, false
	}
	return r.seeded[len(r.seeded)-1], true
}

type fixture struct {
	m    *Manager
	auth *providertest.Auth
	docs *providertest.Docs
	rec  *recorder
	live *service.Handle
}

func newFixture(t *testing.T, fallback time.Duration) *fixture {
	t.Helper()
	rec := &recorder{}
	m := New(Options{FallbackTimeout: fallback, Profiles: rec, Notifier: rec})
	t.Cleanup(m.Close)

	auth := providertest.NewAuth()
	docs := providertest.NewDocs()
	return &fixture{
		m:    m,
		auth: auth,
		docs: docs,
		rec:  rec,
		live: &service.Handle{Auth: auth, Docs: docs, Available: true, Namespace: ns},
	}
}

func (f *fixture) waitLoaded(t *testing.T) State {
	t.Helper()
	require.Eventually(t, func() bool { return !f.m.State().Loading }, time.Second, 5*time.Millisecond)
	return f.m.State()
}

func TestNew_Booting(t *testing.T) {
	f := newFixture(t, 0)
	s := f.m.State()
	assert.Equal(t, Booting, s.Status)
	assert.True(t, s.Loading)
	assert.Equal(t, DefaultFallbackTimeout, f.m.fallback)
}

func TestInitialize_UnavailableEntersDemoMode(t *testing.T) {
	f := newFixture(t, 0)

	f.m.Initialize(context.Background(), &service.Handle{Namespace: ns}, "ignored-token")

	s := f.m.State()
	assert.Equal(t, DemoMode, s.Status)
	assert.False(t, s.Loading)
	assert.True(t, s.Demo)
	assert.Nil(t, s.Identity)
}

func TestInitialize_SubscribesExactlyOnce(t *testing.T) {
	f := newFixture(t, time.Second)

	f.m.Initialize(context.Background(), f.live, "")

	s := f.waitLoaded(t)
	assert.Equal(t, SignedOut, s.Status)
	assert.Equal(t, 1, f.auth.SubscribeCalls())
	assert.Equal(t, 1, f.auth.ActiveSubscriptions())
	assert.Zero(t, f.auth.TokenCalls())
	assert.Zero(t, f.auth.AnonymousCalls())
}

func TestInitialize_InitialToken(t *testing.T) {
	f := newFixture(t, time.Second)

	f.m.Initialize(context.Background(), f.live, "tok-user")

	require.Eventually(t, func() bool { return f.m.State().Status == SignedIn }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "tok-user", f.m.State().Identity.UID)
	assert.Equal(t, 1, f.auth.TokenCalls())
}

func TestInitialize_InitialTokenFailureContinues(t *testing.T) {
	f := newFixture(t, time.Second)
	f.auth.TokenErr = errors.New("token expired")

	f.m.Initialize(context.Background(), f.live, "tok-user")

	s := f.waitLoaded(t)
	assert.Equal(t, SignedOut, s.Status)
	require.Eventually(t, func() bool { return f.auth.TokenCalls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.auth.SubscribeCalls())
	assert.Equal(t, SignedOut, f.m.State().Status)
}

// stalledTokenAuth never answers a token sign-in until its context ends.
type stalledTokenAuth struct {
	*providertest.Auth
	started chan struct{}
	ended   chan struct{}
}

func newStalledTokenAuth(a *providertest.Auth) stalledTokenAuth {
	return stalledTokenAuth{Auth: a, started: make(chan struct{}), ended: make(chan struct{})}
}

func (s stalledTokenAuth) SignInWithToken(ctx context.Context, _ string) (*provider.Identity, error) {
	close(s.started)
	<-ctx.Done()
	close(s.ended)
	return nil, ctx.Err()
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestInitialize_StalledTokenDoesNotBlock(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.auth.Silent = true
	auth := newStalledTokenAuth(f.auth)
	h := *f.live
	h.Auth = auth

	returned := make(chan struct{})
	go func() {
		f.m.Initialize(context.Background(), &h, "slow-token")
		close(returned)
	}()
	waitClosed(t, returned, "Initialize to return")
	waitClosed(t, auth.started, "the token sign-in to start")

	s := f.waitLoaded(t)
	assert.Equal(t, SignedOut, s.Status)
	assert.Equal(t, 1, f.auth.SubscribeCalls())

	f.m.Close()
	waitClosed(t, auth.ended, "Close to cancel the token sign-in")
}

func TestInitialize_TokenSignInStopsWithCallerContext(t *testing.T) {
	f := newFixture(t, time.Second)
	auth := newStalledTokenAuth(f.auth)
	h := *f.live
	h.Auth = auth

	ctx, cancel := context.WithCancel(context.Background())
	f.m.Initialize(ctx, &h, "slow-token")
	waitClosed(t, auth.started, "the token sign-in to start")

	cancel()
	waitClosed(t, auth.ended, "the token sign-in to stop")
}

func TestInitialize_FallbackWhenProviderSilent(t *testing.T) {
	f := newFixture(t, 150*time.Millisecond)
	f.auth.Silent = true

	f.m.Initialize(context.Background(), f.live, "")
	assert.True(t, f.m.State().Loading)

	s := f.waitLoaded(t)
	assert.Equal(t, SignedOut, s.Status)
}

func TestInitialize_AgainReleasesPrevious(t *testing.T) {
	f := newFixture(t, time.Second)

	f.m.Initialize(context.Background(), f.live, "")
	f.m.Initialize(context.Background(), f.live, "")

	assert.Equal(t, 2, f.auth.SubscribeCalls())
	assert.Equal(t, 1, f.auth.ActiveSubscriptions())
}

func TestAuthChange_SignedOutClearsForm(t *testing.T) {
	f := newFixture(t, time.Second)
	f.m.Initialize(context.Background(), f.live, "")
	f.waitLoaded(t)

	f.auth.Emit(&provider.Identity{UID: "u1"})
	require.Eventually(t, func() bool { return f.m.State().Status == SignedIn }, time.Second, 5*time.Millisecond)

	f.m.SetForm(Form{Email: "a@x.com", Name: "Ann"})
	f.auth.Emit(nil)
	require.Eventually(t, func() bool { return f.m.State().Status == SignedOut }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Form{}, f.m.State().Form)
}

func TestLogin_Demo(t *testing.T) {
	f := newFixture(t, 0)
	f.m.Initialize(context.Background(), &service.Handle{Namespace: ns}, "")

	err := f.m.Login(context.Background(), IntentLogin, Form{Email: "a@x.com", Name: "Ann"})
	require.NoError(t, err)

	s := f.m.State()
	assert.Equal(t, SignedIn, s.Status)
	assert.Equal(t, &provider.Identity{UID: DemoUID, Email: "a@x.com"}, s.Identity)
	assert.False(t, s.Loading)

	p, ok := f.rec.lastSeed()
	require.True(t, ok)
	assert.Equal(t, profile.Profile{DisplayName: "Ann", Role: DemoRole}, p)
	assert.Equal(t, notice.KindSuccess, f.rec.lastMessage().Kind)
}

func TestLogin_DemoEmptyNameUsesPlaceholder(t *testing.T) {
	f := newFixture(t, 0)
	f.m.Initialize(context.Background(), &service.Handle{Namespace: ns}, "")

	require.NoError(t, f.m.Login(context.Background(), IntentRegister, Form{Email: "a@x.com"}))

	p, _ := f.rec.lastSeed()
	assert.Equal(t, DemoDisplayName, p.DisplayName)
	assert.NotEmpty(t, p.DisplayName)
	assert.Equal(t, DemoUID, f.m.State().Identity.UID)
}

func TestLogin_LiveCreatesOneAnonymousIdentity(t *testing.T) {
	f := newFixture(t, time.Second)
	f.m.Initialize(context.Background(), f.live, "")
	f.waitLoaded(t)

	require.NoError(t, f.m.Login(context.Background(), IntentLogin, Form{}))
	require.NoError(t, f.m.Login(context.Background(), IntentLogin, Form{}))

	assert.Equal(t, 1, f.auth.AnonymousCalls())
	assert.Empty(t, f.docs.Writes(), "plain login writes nothing")
	assert.Equal(t, SignedIn, f.m.State().Status)
	assert.Equal(t, msgConnected, f.rec.lastMessage().Text)
}

func TestLogin_RegisterWritesProfileOnce(t *testing.T) {
	f := newFixture(t, time.Second)
	f.m.Initialize(context.Background(), f.live, "")
	f.waitLoaded(t)

	require.NoError(t, f.m.Login(context.Background(), IntentRegister, Form{Email: "a@x.com"}))

	uid := f.m.State().Identity.UID
	writes := f.docs.Writes()
	require.Len(t, writes, 1)
	w := writes[0]
	assert.Equal(t, "artifacts/"+ns+"/users/"+uid+"/profile/data", w.Path)
	assert.False(t, w.Merge)
	assert.Equal(t, NewUserName, w.Data["displayName"])
	assert.Equal(t, profile.DefaultRole, w.Data["role"])
	assert.True(t, provider.IsServerTimestamp(w.Data["createdAt"]))

	stored, ok := f.docs.Get(w.Path)
	require.True(t, ok)
	assert.IsType(t, time.Time{}, stored["createdAt"])
}

func TestLogin_RegisterWriteFailureKeepsSignIn(t *testing.T) {
	f := newFixture(t, time.Second)
	f.m.Initialize(context.Background(), f.live, "")
	f.waitLoaded(t)
	f.docs.SetErr = errors.New("quota exceeded")

	err := f.m.Login(context.Background(), IntentRegister, Form{Name: "Ann"})
	require.Error(t, err)
	assert.ErrorIs(t, err, profile.ErrWrite)

	s := f.m.State()
	assert.False(t, s.Loading)
	assert.Equal(t, SignedIn, s.Status)
	assert.NotNil(t, f.auth.CurrentIdentity())
	assert.Zero(t, f.auth.SignOutCalls())
	assert.Equal(t, notice.KindError, f.rec.lastMessage().Kind)
}

func TestLogin_AnonymousFailure(t *testing.T) {
	f := newFixture(t, time.Second)
	f.m.Initialize(context.Background(), f.live, "")
	f.waitLoaded(t)
	f.auth.AnonymousErr = errors.New("network down")

	err := f.m.Login(context.Background(), IntentLogin, Form{})
	assert.ErrorIs(t, err, ErrAuth)
	assert.False(t, f.m.State().Loading)
	assert.Equal(t, notice.Message{Kind: notice.KindError, Text: "Error: " + err.Error()}, f.rec.lastMessage())
}

type panickingAuth struct {
	*providertest.Auth
}

func (panickingAuth) SignInAnonymously(context.Context) (*provider.Identity, error) {
	panic("provider bug")
}

func TestLogin_PanicBecomesAuthError(t *testing.T) {
	f := newFixture(t, time.Second)
	h := *f.live
	h.Auth = panickingAuth{f.auth}
	f.m.Initialize(context.Background(), &h, "")
	f.waitLoaded(t)

	var err error
	assert.NotPanics(t, func() {
		err = f.m.Login(context.Background(), IntentLogin, Form{})
	})
	assert.ErrorIs(t, err, ErrAuth)
	assert.Contains(t, err.Error(), "provider bug")
	assert.False(t, f.m.State().Loading)
	assert.Equal(t, notice.KindError, f.rec.lastMessage().Kind)
}

func TestLogout_LiveClearsIdentityBeforeSignOutResolves(t *testing.T) {
	f := newFixture(t, time.Second)
	f.m.Initialize(context.Background(), f.live, "")
	f.waitLoaded(t)
	require.NoError(t, f.m.Login(context.Background(), IntentLogin, Form{}))

	gate := make(chan struct{})
	f.auth.SignOutGate = gate

	f.m.Logout(context.Background())
	s := f.m.State()
	assert.Nil(t, s.Identity)
	assert.Equal(t, SignedOut, s.Status)

	require.Eventually(t, func() bool { return f.auth.SignOutCalls() == 1 }, time.Second, 5*time.Millisecond)
	close(gate)
	require.Eventually(t, func() bool { return f.auth.CurrentIdentity() == nil }, time.Second, 5*time.Millisecond)
	assert.Nil(t, f.m.State().Identity)
}

func TestLogout_SignOutFailureDoesNotRestoreIdentity(t *testing.T) {
	f := newFixture(t, time.Second)
	f.m.Initialize(context.Background(), f.live, "")
	f.waitLoaded(t)
	require.NoError(t, f.m.Login(context.Background(), IntentLogin, Form{}))
	f.auth.SignOutErr = errors.New("revoked")

	f.m.Logout(context.Background())
	assert.Nil(t, f.m.State().Identity)

	require.Eventually(t, func() bool { return f.rec.lastMessage().Kind == notice.KindError }, time.Second, 5*time.Millisecond)
	assert.Nil(t, f.m.State().Identity)
	assert.Equal(t, SignedOut, f.m.State().Status)
}

// manualAuth hands auth-state notifications to the test instead of a feed,
// so delivery order relative to intents is explicit.
type manualAuth struct {
	*providertest.Auth
	mu      sync.Mutex
	handler func(*provider.Identity)
}

func (a *manualAuth) SubscribeAuthState(handler func(*provider.Identity)) provider.Unsubscribe {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
	return func() {}
}

func (a *manualAuth) deliver(id *provider.Identity) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	h(id)
}

func TestLogout_IgnoresSignInQueuedBeforeLogout(t *testing.T) {
	f := newFixture(t, time.Second)
	auth := &manualAuth{Auth: f.auth}
	h := *f.live
	h.Auth = auth
	ctx := context.Background()

	f.m.Initialize(ctx, &h, "")
	auth.deliver(nil)
	require.False(t, f.m.State().Loading)

	require.NoError(t, f.m.Login(ctx, IntentLogin, Form{}))
	id := f.m.State().Identity
	require.NotNil(t, id)
	f.auth.SignOutErr = errors.New("revoked")

	f.m.Logout(ctx)
	// The notification the anonymous sign-in queued lands after the logout.
	auth.deliver(id)
	assert.Nil(t, f.m.State().Identity)
	assert.Equal(t, SignedOut, f.m.State().Status)

	require.Eventually(t, func() bool { return f.rec.lastMessage().Kind == notice.KindError }, time.Second, 5*time.Millisecond)
	auth.deliver(id)
	assert.Nil(t, f.m.State().Identity, "failed sign-out must not restore the identity")

	// A provider sign-out ends the latch; later sign-ins count again.
	auth.deliver(nil)
	auth.deliver(&provider.Identity{UID: "u2"})
	require.NotNil(t, f.m.State().Identity)
	assert.Equal(t, "u2", f.m.State().Identity.UID)
}

func TestLogin_AfterLogoutAcceptsNotifications(t *testing.T) {
	f := newFixture(t, time.Second)
	auth := &manualAuth{Auth: f.auth}
	h := *f.live
	h.Auth = auth
	ctx := context.Background()

	f.m.Initialize(ctx, &h, "")
	auth.deliver(nil)
	require.NoError(t, f.m.Login(ctx, IntentLogin, Form{}))
	f.auth.SignOutErr = errors.New("revoked")
	f.m.Logout(ctx)
	require.Eventually(t, func() bool { return f.auth.SignOutCalls() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.m.Login(ctx, IntentLogin, Form{}))
	id := f.m.State().Identity
	require.NotNil(t, id)
	assert.Equal(t, 1, f.auth.AnonymousCalls(), "the still-signed-in provider identity is reused")

	auth.deliver(id)
	assert.Equal(t, id, f.m.State().Identity)
	assert.Equal(t, SignedIn, f.m.State().Status)
}

func TestLogout_AfterCloseDoesNothing(t *testing.T) {
	f := newFixture(t, time.Second)
	f.m.Initialize(context.Background(), f.live, "")
	f.waitLoaded(t)
	require.NoError(t, f.m.Login(context.Background(), IntentLogin, Form{}))

	f.m.Close()
	f.m.Logout(context.Background())

	assert.Zero(t, f.auth.SignOutCalls())
	assert.NotNil(t, f.m.State().Identity)
}

func TestLogout_DemoReturnsToDemoMode(t *testing.T) {
	f := newFixture(t, 0)
	f.m.Initialize(context.Background(), &service.Handle{Namespace: ns}, "")
	require.NoError(t, f.m.Login(context.Background(), IntentLogin, Form{Email: "a@x.com"}))

	f.m.Logout(context.Background())

	s := f.m.State()
	assert.Equal(t, DemoMode, s.Status)
	assert.Nil(t, s.Identity)
	p, _ := f.rec.lastSeed()
	assert.Equal(t, profile.Default(), p)
}

func TestToggleModeAndSetForm(t *testing.T) {
	f := newFixture(t, 0)

	assert.Equal(t, IntentLogin, f.m.State().Mode)
	f.m.ToggleMode()
	assert.Equal(t, IntentRegister, f.m.State().Mode)
	f.m.ToggleMode()
	assert.Equal(t, IntentLogin, f.m.State().Mode)

	f.m.SetForm(Form{Email: "e@x.com", Name: "E"})
	assert.Equal(t, Form{Email: "e@x.com", Name: "E"}, f.m.State().Form)
}

func TestOnChange_ReceivesStates(t *testing.T) {
	f := newFixture(t, 0)
	var mu sync.Mutex
	var statuses []Status
	f.m.OnChange(func(s State) {
		mu.Lock()
		statuses = append(statuses, s.Status)
		mu.Unlock()
	})

	f.m.Initialize(context.Background(), &service.Handle{Namespace: ns}, "")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{DemoMode}, statuses)
}

func TestClose_ReleasesAndIgnoresLateNotifications(t *testing.T) {
	f := newFixture(t, time.Second)
	f.m.Initialize(context.Background(), f.live, "")
	f.waitLoaded(t)

	f.m.Close()
	f.m.Close()
	assert.Zero(t, f.auth.ActiveSubscriptions())

	f.auth.Emit(&provider.Identity{UID: "late"})
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, f.m.State().Identity)
}

func TestClose_CancelsPendingSignOut(t *testing.T) {
	f := newFixture(t, time.Second)
	f.m.Initialize(context.Background(), f.live, "")
	f.waitLoaded(t)
	require.NoError(t, f.m.Login(context.Background(), IntentLogin, Form{}))
	f.auth.SignOutGate = make(chan struct{})

	f.m.Logout(context.Background())
	require.Eventually(t, func() bool { return f.auth.SignOutCalls() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a pending sign-out")
	}
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "demo", DemoMode.String())
	assert.Equal(t, "signed-in", SignedIn.String())
	assert.Equal(t, "Status(42)", Status(42).String())
	assert.Equal(t, "register", IntentRegister.String())
}

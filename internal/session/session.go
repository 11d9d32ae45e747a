// ABOUTME: Session manager owning the current identity, sign-in and sign-out
// ABOUTME: Falls back to a fully local demo session when no backend is available

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/profilesync/internal/notice"
	"github.com/2389/profilesync/internal/profile"
	"github.com/2389/profilesync/internal/provider"
	"github.com/2389/profilesync/internal/service"
)

// ErrAuth reports a failed sign-in or sign-out.
var ErrAuth = errors.New("authentication failed")

// DefaultFallbackTimeout bounds how long loading waits for the first
// auth-state notification.
const DefaultFallbackTimeout = 1500 * time.Millisecond

// Demo and registration placeholders.
const (
	DemoUID         = "demo-user"
	DemoDisplayName = "Demo User"
	DemoRole        = "Preview Mode"
	NewUserName     = "New User"
)

// User-visible messages.
const (
	msgConnected  = "Connected successfully!"
	msgDemoSignIn = "Signed in (demo mode, no backend)"
)

// Status is the coarse session state.
type Status int

const (
	Booting Status = iota
	DemoMode
	Connecting
	SignedOut
	SignedIn
)

func (s Status) String() string {
	switch s {
	case Booting:
		return "booting"
	case DemoMode:
		return "demo"
	case Connecting:
		return "connecting"
	case SignedOut:
		return "signed-out"
	case SignedIn:
		return "signed-in"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Intent says whether a login should also create the profile document.
type Intent int

const (
	IntentLogin Intent = iota
	IntentRegister
)

func (i Intent) String() string {
	if i == IntentRegister {
		return "register"
	}
	return "login"
}

// Form is the in-progress login form.
type Form struct {
	Email string
	Name  string
}

// State is an immutable view of the session.
type State struct {
	Status   Status
	Identity *provider.Identity
	Loading  bool
	// Demo is true whenever no backend is available, signed in or not.
	Demo bool
	Mode Intent
	Form Form
}

// ProfileSeeder receives the locally synthesized profile of a demo login.
type ProfileSeeder interface {
	Seed(profile.Profile)
}

// Notifier shows transient messages.
type Notifier interface {
	Show(kind notice.Kind, text string)
}

// Options configures a Manager.
type Options struct {
	FallbackTimeout time.Duration
	Logger          *slog.Logger
	Profiles        ProfileSeeder
	Notifier        Notifier
}

// Manager drives the session state machine. Provider callbacks and intents
// may arrive on any goroutine; state is guarded by mu.
type Manager struct {
	fallback time.Duration
	logger   *slog.Logger
	profiles ProfileSeeder
	notifier Notifier

	// bg bounds background token sign-ins and sign-outs; cancelled by Close.
	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	handle    *service.Handle
	state     State
	gen       uint64
	unsub     provider.Unsubscribe
	timer     *time.Timer
	observers []func(State)
	closed    bool
	// loggedOut ignores signed-in notifications already queued when Logout
	// ran, until the provider reports nil or a new Login starts.
	loggedOut bool
}

// New creates a manager in the Booting state.
func New(opts Options) *Manager {
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = DefaultFallbackTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Manager{
		fallback: opts.FallbackTimeout,
		logger:   opts.Logger.With("component", "session"),
		profiles: opts.Profiles,
		notifier: opts.Notifier,
		bg:       bg,
		cancel:   cancel,
		state:    State{Status: Booting, Loading: true},
	}
}

// OnChange registers fn to be called with the new state after every change.
func (m *Manager) OnChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() State {
	s := m.state
	s.Identity = m.state.Identity.Clone()
	return s
}

// update applies fn under the lock and notifies observers afterwards.
func (m *Manager) update(fn func(s *State)) {
	m.mu.Lock()
	fn(&m.state)
	s := m.snapshotLocked()
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	for _, o := range observers {
		o(s)
	}
}

func (m *Manager) notify(kind notice.Kind, text string) {
	if m.notifier != nil {
		m.notifier.Show(kind, text)
	}
}

// Initialize attaches the manager to handle. Without a backend the session
// enters demo mode at once. With one, exactly one auth-state subscription is
// attached and initialToken (if any) is tried in the background, so
// Initialize never waits on the network. Loading ends on the first
// notification or after the fallback timeout, whichever comes first.
// Calling Initialize again releases the previous subscription first.
func (m *Manager) Initialize(ctx context.Context, handle *service.Handle, initialToken string) {
	if handle == nil {
		handle = &service.Handle{}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.releaseLocked()
	m.handle = handle
	gen := m.gen
	m.mu.Unlock()

	if !handle.Available {
		m.update(func(s *State) {
			s.Status = DemoMode
			s.Identity = nil
			s.Loading = false
			s.Demo = true
		})
		m.logger.Info("no backend available, demo mode", "namespace", handle.Namespace)
		return
	}

	m.update(func(s *State) {
		s.Status = Connecting
		s.Loading = true
		s.Demo = false
	})

	m.mu.Lock()
	if gen == m.gen {
		m.timer = time.AfterFunc(m.fallback, func() { m.fallbackExpired(gen) })
	}
	m.mu.Unlock()

	unsub := handle.Auth.SubscribeAuthState(func(id *provider.Identity) {
		m.authChanged(gen, id)
	})

	m.mu.Lock()
	if gen != m.gen || m.closed {
		// Re-initialized or closed while we were attaching.
		m.mu.Unlock()
		unsub()
		return
	}
	m.unsub = unsub
	if initialToken != "" {
		m.wg.Add(1)
		go m.initialSignIn(ctx, handle, initialToken)
	}
	m.mu.Unlock()
}

// initialSignIn tries the startup token. It stops when the caller's context
// ends or the manager closes. The result arrives through the auth-state
// subscription.
func (m *Manager) initialSignIn(ctx context.Context, handle *service.Handle, token string) {
	defer m.wg.Done()

	signCtx, cancel := context.WithCancel(m.bg)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := m.signInWithToken(signCtx, handle, token); err != nil && m.bg.Err() == nil {
		m.logger.Warn("initial token sign-in failed, continuing", "error", err)
	}
}

func (m *Manager) signInWithToken(ctx context.Context, handle *service.Handle, token string) (err error) {
	defer m.recoverAuth(&err, "token sign-in")
	if _, err := handle.Auth.SignInWithToken(ctx, token); err != nil {
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}
	return nil
}

// releaseLocked drops the auth subscription and fallback timer. Requires mu.
func (m *Manager) releaseLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
}

func (m *Manager) authChanged(gen uint64, id *provider.Identity) {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}
	if m.loggedOut {
		if id != nil {
			m.mu.Unlock()
			m.logger.Debug("ignoring sign-in queued before logout", "uid", id.UID)
			return
		}
		m.loggedOut = false
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	m.update(func(s *State) {
		s.Loading = false
		if id != nil {
			s.Status = SignedIn
			s.Identity = id.Clone()
			return
		}
		s.Status = SignedOut
		s.Identity = nil
		s.Form = Form{}
	})
}

func (m *Manager) fallbackExpired(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.closed || !m.state.Loading {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	m.logger.Warn("no auth-state notification before fallback timeout", "timeout", m.fallback)
	m.update(func(s *State) {
		s.Loading = false
		if s.Status == Connecting {
			s.Status = SignedOut
		}
	})
}

// Login signs in. In demo mode a local identity is synthesized and Login
// always succeeds. Otherwise the current identity is reused, or one anonymous
// identity is created; for IntentRegister the initial profile document is
// then written. A failed write is returned but does not undo the sign-in.
func (m *Manager) Login(ctx context.Context, intent Intent, form Form) (err error) {
	m.update(func(s *State) {
		s.Loading = true
		s.Mode = intent
		s.Form = form
	})
	defer m.update(func(s *State) { s.Loading = false })
	defer func() {
		if err != nil {
			m.notify(notice.KindError, "Error: "+err.Error())
		}
	}()
	defer m.recoverAuth(&err, "login")

	m.mu.Lock()
	handle := m.handle
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: session closed", ErrAuth)
	}

	if handle == nil || !handle.Available {
		m.demoLogin(form)
		return nil
	}

	m.mu.Lock()
	m.loggedOut = false
	m.mu.Unlock()

	id := handle.Auth.CurrentIdentity()
	if id == nil {
		id, err = handle.Auth.SignInAnonymously(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAuth, err)
		}
		m.logger.Info("signed in anonymously", "uid", id.UID)
	}
	m.update(func(s *State) {
		s.Status = SignedIn
		s.Identity = id.Clone()
	})

	if intent == IntentRegister {
		name := form.Name
		if name == "" {
			name = NewUserName
		}
		ref := profile.Ref(handle.Docs, handle.Namespace, id.UID)
		data := map[string]any{
			profile.FieldDisplayName: name,
			profile.FieldRole:        profile.DefaultRole,
			profile.FieldCreatedAt:   provider.ServerTimestamp,
		}
		if err := handle.Docs.SetDocument(ctx, ref, data, provider.SetOptions{}); err != nil {
			return fmt.Errorf("%w: %w", profile.ErrWrite, err)
		}
		m.logger.Info("profile document created", "uid", id.UID)
	}

	m.notify(notice.KindSuccess, msgConnected)
	return nil
}

func (m *Manager) demoLogin(form Form) {
	id := &provider.Identity{UID: DemoUID, Email: form.Email}
	name := form.Name
	if name == "" {
		name = DemoDisplayName
	}
	if m.profiles != nil {
		m.profiles.Seed(profile.Profile{DisplayName: name, Role: DemoRole})
	}
	m.update(func(s *State) {
		s.Status = SignedIn
		s.Identity = id
	})
	m.notify(notice.KindSuccess, msgDemoSignIn)
}

// Logout clears the local identity before returning. With a backend the
// provider sign-out then runs in the background; its outcome never restores
// the identity, and neither do sign-in notifications queued before it.
// Logout after Close does nothing.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	handle := m.handle
	live := handle != nil && handle.Available
	if live {
		m.loggedOut = true
		// Close waits on wg after setting closed, so Add stays under mu.
		m.wg.Add(1)
	}
	m.mu.Unlock()

	m.update(func(s *State) {
		s.Identity = nil
		s.Form = Form{}
		s.Loading = false
		if live {
			s.Status = SignedOut
		} else {
			s.Status = DemoMode
		}
	})
	if !live {
		if m.profiles != nil {
			m.profiles.Seed(profile.Default())
		}
		return
	}

	go func() {
		defer m.wg.Done()
		var err error
		func() {
			defer m.recoverAuth(&err, "sign-out")
			if serr := handle.Auth.SignOut(m.bg); serr != nil {
				err = fmt.Errorf("%w: %w", ErrAuth, serr)
			}
		}()
		if err != nil && m.bg.Err() == nil {
			m.logger.Warn("provider sign-out failed", "error", err)
			m.notify(notice.KindError, "Error: "+err.Error())
		}
	}()
}

// ToggleMode flips between login and register.
func (m *Manager) ToggleMode() {
	m.update(func(s *State) {
		if s.Mode == IntentLogin {
			s.Mode = IntentRegister
		} else {
			s.Mode = IntentLogin
		}
	})
}

// SetForm replaces the form buffer.
func (m *Manager) SetForm(f Form) {
	m.update(func(s *State) { s.Form = f })
}

// Close releases the auth subscription and waits for background sign-outs.
// Notifications arriving afterwards are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.releaseLocked()
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) recoverAuth(err *error, op string) {
	if r := recover(); r != nil {
		m.logger.Error("recovered panic", "op", op, "panic", r)
		*err = fmt.Errorf("%w: %s panicked: %v", ErrAuth, op, r)
	}
}

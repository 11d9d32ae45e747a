// ABOUTME: UI-facing facade wiring the session manager, profile store and message board
// ABOUTME: Exposes a render view, user intents and a coalescing change signal

package app

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/profilesync/internal/notice"
	"github.com/2389/profilesync/internal/profile"
	"github.com/2389/profilesync/internal/provider"
	"github.com/2389/profilesync/internal/service"
	"github.com/2389/profilesync/internal/session"
)

const msgProfileSaved = "Profile saved"

// Options configures an App.
type Options struct {
	InitialToken    string
	FallbackTimeout time.Duration
	MessageTTL      time.Duration
	Logger          *slog.Logger
}

// View is everything a UI needs to render.
type View struct {
	Loading          bool
	Status           session.Status
	Identity         *provider.Identity
	Profile          profile.Profile
	BioHTML          string
	ServiceAvailable bool
	Driver           string
	Namespace        string
	Message          notice.Message
	Mode             session.Intent
	Form             session.Form
}

// App owns one session, one profile store and one message board.
type App struct {
	svc     *service.Context
	opts    Options
	logger  *slog.Logger
	changes chan struct{}

	board    *notice.Board
	handle   *service.Handle
	session  *session.Manager
	profiles *profile.Store

	// wireMu serializes identity wiring so the profile subscription always
	// follows the latest identity.
	wireMu  sync.Mutex
	wiredTo string
	wired   bool

	startOnce sync.Once
	closeOnce sync.Once
}

// New creates an App over svc. Nothing connects until Start.
func New(svc *service.Context, opts Options) *App {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	a := &App{
		svc:     svc,
		opts:    opts,
		logger:  opts.Logger.With("component", "app"),
		changes: make(chan struct{}, 1),
	}
	a.board = notice.NewBoard(opts.MessageTTL, func(notice.Message) { a.signal() })
	return a
}

// Start resolves the service handle and initializes the session. Later calls
// do nothing.
func (a *App) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		a.handle = a.svc.Handle(ctx)
		a.profiles = profile.NewStore(a.handle, a.opts.Logger)
		a.profiles.OnChange(func(profile.Profile) { a.signal() })
		a.session = session.New(session.Options{
			FallbackTimeout: a.opts.FallbackTimeout,
			Logger:          a.opts.Logger,
			Profiles:        a.profiles,
			Notifier:        a.board,
		})
		a.session.OnChange(func(session.State) {
			a.rewire()
			a.signal()
		})
		a.session.Initialize(ctx, a.handle, a.opts.InitialToken)
	})
}

// rewire points the profile subscription at the session's current identity.
func (a *App) rewire() {
	a.wireMu.Lock()
	defer a.wireMu.Unlock()

	id := a.session.State().Identity
	uid := ""
	if id != nil {
		uid = id.UID
	}
	if a.wired && uid == a.wiredTo {
		return
	}
	a.wired = true
	a.wiredTo = uid

	a.profiles.Subscribe(id)
	if id == nil && a.handle.Available {
		a.profiles.Seed(profile.Default())
	}
	a.logger.Debug("profile rewired", "uid", uid)
}

func (a *App) signal() {
	select {
	case a.changes <- struct{}{}:
	default:
	}
}

// Changes signals that View may have changed. Signals coalesce.
func (a *App) Changes() <-chan struct{} { return a.changes }

// View returns the current render state.
func (a *App) View() View {
	v := View{Loading: true, Message: a.board.Current()}
	if a.session == nil {
		return v
	}
	s := a.session.State()
	p := a.profiles.Current()
	v.Loading = s.Loading
	v.Status = s.Status
	v.Identity = s.Identity
	v.Profile = p
	v.BioHTML = a.renderBio(p.Bio)
	v.ServiceAvailable = a.handle.Available
	v.Driver = a.handle.Driver
	v.Namespace = a.handle.Namespace
	v.Mode = s.Mode
	v.Form = s.Form
	return v
}

func (a *App) renderBio(bio string) string {
	if bio == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(bio), &buf); err != nil {
		a.logger.Error("failed to convert bio markdown", "error", err)
		return ""
	}
	return buf.String()
}

// SubmitLogin signs in with the form buffer.
func (a *App) SubmitLogin(ctx context.Context) error {
	return a.submit(ctx, session.IntentLogin)
}

// SubmitRegister signs in and creates the profile document.
func (a *App) SubmitRegister(ctx context.Context) error {
	return a.submit(ctx, session.IntentRegister)
}

func (a *App) submit(ctx context.Context, intent session.Intent) error {
	if a.session == nil {
		return nil
	}
	return a.session.Login(ctx, intent, a.session.State().Form)
}

// SaveProfile applies patch to the signed-in user's profile.
func (a *App) SaveProfile(ctx context.Context, patch profile.Patch) error {
	if a.session == nil {
		return nil
	}
	if err := a.profiles.Save(ctx, a.session.State().Identity, patch); err != nil {
		a.logger.Warn("profile save failed", "error", err)
		a.board.Error("Error: " + err.Error())
		return err
	}
	a.board.Success(msgProfileSaved)
	return nil
}

// Logout signs out.
func (a *App) Logout(ctx context.Context) {
	if a.session != nil {
		a.session.Logout(ctx)
	}
}

// ToggleAuthMode flips between login and register.
func (a *App) ToggleAuthMode() {
	if a.session != nil {
		a.session.ToggleMode()
	}
}

// UpdateForm replaces the login form buffer.
func (a *App) UpdateForm(f session.Form) {
	if a.session != nil {
		a.session.SetForm(f)
	}
}

// Close tears down the session, the profile subscription and the backend.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.session != nil {
			a.session.Close()
			a.profiles.Unsubscribe()
		}
		a.board.Close()
		err = a.svc.Close()
	})
	return err
}

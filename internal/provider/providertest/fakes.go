// ABOUTME: Recording in-memory fakes of the identity and document collaborators
// ABOUTME: Lets session, profile and app tests count calls and inject failures

package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/profilesync/internal/provider"
)

// Auth is a fake IdentityProvider.
type Auth struct {
	mu    sync.Mutex
	state *provider.AuthState

	// Silent makes SubscribeAuthState register without ever calling back.
	Silent bool

	AnonymousErr error
	TokenErr     error
	SignOutErr   error
	// SignOutGate, when set, blocks SignOut until it is closed.
	SignOutGate chan struct{}

	anonymousCalls int
	tokenCalls     int
	signOutCalls   int
	subscribeCalls int
	activeSubs     int
}

// NewAuth returns a fake with nobody signed in.
func NewAuth() *Auth {
	return &Auth{state: provider.NewAuthState()}
}

// CurrentIdentity implements provider.IdentityProvider.
func (a *Auth) CurrentIdentity() *provider.Identity { return a.state.Current() }

// SignInAnonymously implements provider.IdentityProvider.
func (a *Auth) SignInAnonymously(ctx context.Context) (*provider.Identity, error) {
	a.mu.Lock()
	a.anonymousCalls++
	err := a.AnonymousErr
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	id := &provider.Identity{UID: "anon-" + uuid.New().String()[:8], Anonymous: true}
	a.state.Set(id)
	return id.Clone(), nil
}

// SignInWithToken implements provider.IdentityProvider. The token is used as
// the uid.
func (a *Auth) SignInWithToken(ctx context.Context, token string) (*provider.Identity, error) {
	a.mu.Lock()
	a.tokenCalls++
	err := a.TokenErr
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	id := &provider.Identity{UID: token, Email: token + "@example.com"}
	a.state.Set(id)
	return id.Clone(), nil
}

// SubscribeAuthState implements provider.IdentityProvider.
func (a *Auth) SubscribeAuthState(handler func(*provider.Identity)) provider.Unsubscribe {
	a.mu.Lock()
	a.subscribeCalls++
	a.activeSubs++
	silent := a.Silent
	a.mu.Unlock()

	var unsub provider.Unsubscribe = func() {}
	if !silent {
		unsub = a.state.Subscribe(handler)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			a.mu.Lock()
			a.activeSubs--
			a.mu.Unlock()
		})
	}
}

// SignOut implements provider.IdentityProvider.
func (a *Auth) SignOut(ctx context.Context) error {
	a.mu.Lock()
	a.signOutCalls++
	gate := a.SignOutGate
	err := a.SignOutErr
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	a.state.Set(nil)
	return nil
}

// Emit pushes an auth-state change as if the provider observed it.
func (a *Auth) Emit(id *provider.Identity) { a.state.Set(id) }

// AnonymousCalls returns the number of SignInAnonymously calls.
func (a *Auth) AnonymousCalls() int { return a.count(&a.anonymousCalls) }

// TokenCalls returns the number of SignInWithToken calls.
func (a *Auth) TokenCalls() int { return a.count(&a.tokenCalls) }

// SignOutCalls returns the number of SignOut calls.
func (a *Auth) SignOutCalls() int { return a.count(&a.signOutCalls) }

// SubscribeCalls returns the number of SubscribeAuthState calls.
func (a *Auth) SubscribeCalls() int { return a.count(&a.subscribeCalls) }

// ActiveSubscriptions returns subscriptions not yet released.
func (a *Auth) ActiveSubscriptions() int { return a.count(&a.activeSubs) }

func (a *Auth) count(n *int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *n
}

// Write records one SetDocument call.
type Write struct {
	Path  string
	Data  map[string]any
	Merge bool
}

// Docs is a fake DocumentStore.
type Docs struct {
	mu      sync.Mutex
	docs    map[string]map[string]any
	subs    map[string]map[int]*docSub
	nextID  int
	writes  []Write
	journal []string

	// SetErr fails every SetDocument call.
	SetErr error
	// Now resolves ServerTimestamp sentinels.
	Now func() time.Time
}

type docSub struct {
	feed    *provider.Feed[func()]
	onNext  func(provider.Snapshot)
	onError func(error)
}

// NewDocs returns an empty fake.
func NewDocs() *Docs {
	return &Docs{
		docs: make(map[string]map[string]any),
		subs: make(map[string]map[int]*docSub),
		Now:  time.Now,
	}
}

// Ref implements provider.DocumentStore.
func (d *Docs) Ref(segments ...string) provider.DocRef { return provider.NewRef(segments...) }

// SetDocument implements provider.DocumentStore.
func (d *Docs) SetDocument(ctx context.Context, ref provider.DocRef, data map[string]any, opts provider.SetOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.writes = append(d.writes, Write{Path: ref.Path(), Data: provider.CloneData(data), Merge: opts.Merge})
	if d.SetErr != nil {
		return d.SetErr
	}

	resolved := provider.ResolveServerTimestamps(data, d.Now())
	if opts.Merge {
		d.docs[ref.Path()] = provider.MergeData(d.docs[ref.Path()], resolved)
	} else {
		d.docs[ref.Path()] = resolved
	}
	d.publishLocked(ref)
	return nil
}

// SubscribeDocument implements provider.DocumentStore.
func (d *Docs) SubscribeDocument(ref provider.DocRef, onNext func(provider.Snapshot), onError func(error)) provider.Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := ref.Path()
	d.nextID++
	id := d.nextID
	sub := &docSub{
		feed:    provider.NewFeed(func(fn func()) { fn() }),
		onNext:  onNext,
		onError: onError,
	}
	if d.subs[path] == nil {
		d.subs[path] = make(map[int]*docSub)
	}
	d.subs[path][id] = sub
	d.journal = append(d.journal, "subscribe "+path)
	sub.feed.Push(d.snapshotFn(sub, ref))

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs[path], id)
			if len(d.subs[path]) == 0 {
				delete(d.subs, path)
			}
			d.journal = append(d.journal, "unsubscribe "+path)
			d.mu.Unlock()
			sub.feed.Close()
		})
	}
}

// Put stores a document directly and notifies subscribers.
func (d *Docs) Put(path string, data map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.docs[path] = provider.CloneData(data)
	d.publishLocked(provider.ParseRef(path))
}

// Fail reports err to every subscriber of path.
func (d *Docs) Fail(path string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.subs[path] {
		sub := sub
		sub.feed.Push(func() {
			if sub.onError != nil {
				sub.onError(err)
			}
		})
	}
}

// Get returns a copy of the stored document.
func (d *Docs) Get(path string) (map[string]any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.docs[path]
	return provider.CloneData(doc), ok
}

// Writes returns every SetDocument call so far.
func (d *Docs) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// Journal returns subscribe/unsubscribe events in the order they happened.
func (d *Docs) Journal() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.journal...)
}

// ActiveSubscriptions counts live subscriptions across all paths.
func (d *Docs) ActiveSubscriptions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, subs := range d.subs {
		n += len(subs)
	}
	return n
}

func (d *Docs) publishLocked(ref provider.DocRef) {
	for _, sub := range d.subs[ref.Path()] {
		sub.feed.Push(d.snapshotFn(sub, ref))
	}
}

func (d *Docs) snapshotFn(sub *docSub, ref provider.DocRef) func() {
	doc, ok := d.docs[ref.Path()]
	snap := provider.Snapshot{Ref: ref, Exists: ok, Data: provider.CloneData(doc)}
	return func() { sub.onNext(snap) }
}

// String describes the fake for test failure output.
func (d *Docs) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("Docs{docs: %d, writes: %d, subs: %d}", len(d.docs), len(d.writes), len(d.subs))
}

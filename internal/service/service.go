// ABOUTME: Init-once construction of the service handle from a config resolution
// ABOUTME: Looks up the configured driver's connector and memoizes the result for the process

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/profilesync/internal/config"
	"github.com/2389/profilesync/internal/provider"
)

// ErrUnknownDriver is returned when no connector is registered for a driver.
var ErrUnknownDriver = errors.New("unknown backend driver")

// Handle is the resolved reference to the configured backend. When Available
// is false, Auth and Docs are nil and callers run in demo mode.
type Handle struct {
	Auth      provider.IdentityProvider
	Docs      provider.DocumentStore
	Available bool
	Namespace string
	Driver    string
}

// Params is what a connector receives.
type Params struct {
	Credentials config.Credentials
	Namespace   string
	Backend     config.BackendConfig
	Logger      *slog.Logger
}

// Backend is a connected identity provider and document store.
type Backend struct {
	Auth  provider.IdentityProvider
	Docs  provider.DocumentStore
	Close func() error
}

// Connector opens a backend for one driver.
type Connector func(ctx context.Context, p Params) (*Backend, error)

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Context) { c.logger = logger }
}

// WithConnector registers or replaces the connector for driver.
func WithConnector(driver string, connect Connector) Option {
	return func(c *Context) { c.connectors[driver] = connect }
}

// Context owns the service handle for the lifetime of a process.
type Context struct {
	resolution config.Resolution
	settings   config.BackendConfig
	connectors map[string]Connector
	logger     *slog.Logger

	once    sync.Once
	handle  *Handle
	backend *Backend

	closeOnce sync.Once
	closeErr  error
}

// New creates a Context. Nothing is connected until Handle is called.
func New(res config.Resolution, settings config.BackendConfig, opts ...Option) *Context {
	c := &Context{
		resolution: res,
		settings:   settings,
		connectors: defaultConnectors(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "service")
	return c
}

// Handle returns the service handle, building it on the first call. Every
// later call returns the same pointer.
func (c *Context) Handle(ctx context.Context) *Handle {
	c.once.Do(func() {
		c.handle = c.build(ctx)
	})
	return c.handle
}

func (c *Context) build(ctx context.Context) *Handle {
	h := &Handle{Namespace: c.resolution.Namespace, Driver: c.settings.Driver}

	if c.resolution.Problem != nil {
		c.logger.Warn("ignoring injected configuration", "error", c.resolution.Problem)
	}
	if !c.resolution.Available() {
		c.logger.Info("no backend credentials, running in demo mode", "namespace", h.Namespace)
		return h
	}

	b, err := c.connect(ctx)
	if err != nil {
		c.logger.Error("backend unavailable, running in demo mode",
			"driver", h.Driver,
			"error", err)
		return h
	}

	c.backend = b
	h.Auth = b.Auth
	h.Docs = b.Docs
	h.Available = true
	c.logger.Info("backend connected", "driver", h.Driver, "namespace", h.Namespace)
	return h
}

func (c *Context) connect(ctx context.Context) (*Backend, error) {
	connect, ok := c.connectors[c.settings.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, c.settings.Driver)
	}
	b, err := connect(ctx, Params{
		Credentials: *c.resolution.Credentials,
		Namespace:   c.resolution.Namespace,
		Backend:     c.settings,
		Logger:      c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting %s backend: %w", c.settings.Driver, err)
	}
	return b, nil
}

// Close releases the backend, if one was connected. Later calls return the
// first result.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		// Block a concurrent first Handle call from connecting after Close.
		c.once.Do(func() {
			c.handle = &Handle{Namespace: c.resolution.Namespace, Driver: c.settings.Driver}
		})
		if c.backend != nil && c.backend.Close != nil {
			c.closeErr = c.backend.Close()
		}
	})
	return c.closeErr
}

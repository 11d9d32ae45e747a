// ABOUTME: Built-in backend connectors for the firebase, local and grpc drivers
// ABOUTME: Maps resolved credentials and backend settings onto each backend's constructor

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/profilesync/internal/backend/firebase"
	"github.com/2389/profilesync/internal/backend/local"
	"github.com/2389/profilesync/internal/backend/remote"
	"github.com/2389/profilesync/internal/config"
	"github.com/2389/profilesync/internal/store"
)

func defaultConnectors() map[string]Connector {
	return map[string]Connector{
		config.DriverFirebase: ConnectFirebase,
		config.DriverLocal:    ConnectLocal,
		config.DriverGRPC:     ConnectGRPC,
	}
}

// ConnectFirebase opens a Firebase project named by the credentials.
func ConnectFirebase(ctx context.Context, p Params) (*Backend, error) {
	b, err := firebase.Connect(ctx, firebase.Config{
		APIKey:        p.Credentials.APIKey,
		ProjectID:     p.Credentials.ProjectID,
		StorageBucket: p.Credentials.StorageBucket,
		Logger:        p.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Backend{Auth: b.Auth, Docs: b.Docs, Close: b.Close}, nil
}

// ConnectLocal runs the self-hosted backend in process. An empty database
// path keeps everything in memory.
func ConnectLocal(ctx context.Context, p Params) (*Backend, error) {
	path := p.Backend.DatabasePath
	if path == "" {
		path = ":memory:"
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	engine, err := local.NewEngine(s, local.Options{
		TokenSecret: tokenSecret(p),
		TokenTTL:    p.Backend.TokenTTL,
		Logger:      p.Logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	prov := local.NewProvider(engine, p.Logger)
	return &Backend{
		Auth: prov,
		Docs: prov,
		Close: func() error {
			return errors.Join(prov.Close(), engine.Close())
		},
	}, nil
}

// ConnectGRPC dials a remote self-hosted backend. The credentials' auth
// domain holds the backend address.
func ConnectGRPC(ctx context.Context, p Params) (*Backend, error) {
	addr := p.Credentials.AuthDomain
	if addr == "" {
		addr = config.DefaultGRPCAddr
	}
	c, err := remote.Dial(addr, p.Backend.Insecure, p.Logger)
	if err != nil {
		return nil, err
	}
	return &Backend{Auth: c, Docs: c, Close: c.Close}, nil
}

func tokenSecret(p Params) []byte {
	if p.Backend.TokenSecret != "" {
		return []byte(p.Backend.TokenSecret)
	}
	return []byte(p.Credentials.APIKey)
}

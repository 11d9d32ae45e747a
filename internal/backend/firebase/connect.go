// ABOUTME: Wires Firebase Authentication and Firestore into one connected backend
// ABOUTME: Also mints custom tokens with service-account credentials for operator tooling

package firebase

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	fb "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// Config names the Firebase project to connect to.
type Config struct {
	APIKey        string
	ProjectID     string
	StorageBucket string

	IdentityEndpoint string
	TokenEndpoint    string
	Logger           *slog.Logger
}

// Backend is a connected identity provider and document store.
type Backend struct {
	Auth *Auth
	Docs *Docs
}

// Connect creates the Firebase app for cfg. Firestore calls are authenticated
// with the id token of whoever is signed in through the returned Auth.
func Connect(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := NewAuth(AuthOptions{
		APIKey:           cfg.APIKey,
		IdentityEndpoint: cfg.IdentityEndpoint,
		TokenEndpoint:    cfg.TokenEndpoint,
		Logger:           cfg.Logger,
	})

	opts := []option.ClientOption{option.WithTokenSource(a.TokenSource())}
	if host := emulatorHost(os.Getenv); host != "" {
		cfg.Logger.Info("using firestore emulator", "host", host)
		opts = []option.ClientOption{option.WithoutAuthentication()}
	}

	app, err := fb.NewApp(ctx, &fb.Config{
		ProjectID:     cfg.ProjectID,
		StorageBucket: cfg.StorageBucket,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return &Backend{Auth: a, Docs: NewDocs(client, cfg.Logger)}, nil
}

// Close releases the Firestore client and auth-state subscribers.
func (b *Backend) Close() error {
	_ = b.Auth.Close()
	return b.Docs.Close()
}

// MintCustomToken signs a custom token for uid using the service account in
// credentialsFile, or application default credentials when it is empty.
func MintCustomToken(ctx context.Context, projectID, credentialsFile, uid string) (string, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := fb.NewApp(ctx, &fb.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return "", fmt.Errorf("creating firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return "", fmt.Errorf("creating auth client: %w", err)
	}
	token, err := client.CustomToken(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("minting custom token: %w", err)
	}
	return token, nil
}

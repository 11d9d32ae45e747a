// ABOUTME: Credential and namespace resolution from environment and injected sources
// ABOUTME: Pure function deciding whether a backend is configured (AVAILABLE vs UNAVAILABLE)

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// DefaultPrefix is prepended to every variable name on the first lookup.
const DefaultPrefix = "PROFILESYNC_"

// DefaultNamespace is used when neither the environment nor the injected
// value names one.
const DefaultNamespace = "default-app"

// ErrInjectedConfig marks an injected configuration string that could not be
// decoded. Resolve recovers from it and treats the service as unconfigured.
var ErrInjectedConfig = errors.New("malformed injected configuration")

// Credentials identify a remote identity/document backend.
type Credentials struct {
	APIKey            string `json:"apiKey"`
	AuthDomain        string `json:"authDomain"`
	ProjectID         string `json:"projectId"`
	StorageBucket     string `json:"storageBucket"`
	MessagingSenderID string `json:"messagingSenderId"`
	AppID             string `json:"appId"`
}

// Valid reports whether the credentials can be used: the API key is set.
func (c *Credentials) Valid() bool {
	return c != nil && c.APIKey != ""
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	// Credentials is nil when no valid API key was found.
	Credentials *Credentials
	Namespace   string
	// Problem records a recovered error (wrapping ErrInjectedConfig) for
	// diagnostics. It never means Resolve failed.
	Problem error
}

// Available reports whether a backend is configured.
func (r Resolution) Available() bool {
	return r.Credentials.Valid()
}

// EnvSource is a synchronous flat key lookup.
type EnvSource interface {
	Lookup(key string) (string, bool)
}

// MapEnv is an EnvSource backed by a map.
type MapEnv map[string]string

// Lookup implements EnvSource.
func (m MapEnv) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

type osEnv struct{}

func (osEnv) Lookup(key string) (string, bool) { return os.LookupEnv(key) }

// OSEnv returns an EnvSource reading the process environment.
func OSEnv() EnvSource { return osEnv{} }

type resolveOptions struct {
	prefix string
}

// ResolveOption customizes Resolve.
type ResolveOption func(*resolveOptions)

// WithPrefix changes the prefix tried before each unprefixed variable name.
func WithPrefix(prefix string) ResolveOption {
	return func(o *resolveOptions) { o.prefix = prefix }
}

// credential environment variable names, without prefix
const (
	envAPIKey            = "FIREBASE_API_KEY"
	envAuthDomain        = "FIREBASE_AUTH_DOMAIN"
	envProjectID         = "FIREBASE_PROJECT_ID"
	envStorageBucket     = "FIREBASE_STORAGE_BUCKET"
	envMessagingSenderID = "FIREBASE_MESSAGING_SENDER_ID"
	envAppID             = "FIREBASE_APP_ID"
	envNamespace         = "CUSTOM_APP_ID"
)

// Resolve determines backend credentials and the namespace id.
//
// Each credential field is read from the prefixed variable, then the
// unprefixed one. If no API key results and injectedConfig is non-nil, it is
// decoded as a JSON credentials object; a decode failure is recovered and
// reported through Resolution.Problem. The namespace comes from the prefixed
// or unprefixed CUSTOM_APP_ID, then injectedNamespace, then DefaultNamespace.
//
// Resolve never fails and returns equal results for equal inputs.
func Resolve(env EnvSource, injectedConfig, injectedNamespace *string, opts ...ResolveOption) Resolution {
	o := resolveOptions{prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	if env == nil {
		env = MapEnv(nil)
	}
	get := func(key string) string { return lookup(env, o.prefix, key) }

	var res Resolution
	creds := &Credentials{
		APIKey:            get(envAPIKey),
		AuthDomain:        get(envAuthDomain),
		ProjectID:         get(envProjectID),
		StorageBucket:     get(envStorageBucket),
		MessagingSenderID: get(envMessagingSenderID),
		AppID:             get(envAppID),
	}

	if creds.APIKey == "" && injectedConfig != nil {
		injected, err := decodeInjected(*injectedConfig)
		if err != nil {
			res.Problem = err
		} else {
			creds = injected
		}
	}
	if creds.Valid() {
		res.Credentials = creds
	}

	res.Namespace = get(envNamespace)
	if res.Namespace == "" && injectedNamespace != nil {
		res.Namespace = strings.TrimSpace(*injectedNamespace)
	}
	if res.Namespace == "" {
		res.Namespace = DefaultNamespace
	}
	return res
}

func lookup(env EnvSource, prefix, key string) string {
	if prefix != "" {
		if v, ok := env.Lookup(prefix + key); ok && v != "" {
			return v
		}
	}
	if v, ok := env.Lookup(key); ok {
		return v
	}
	return ""
}

// decodeInjected parses an injected JSON configuration. Any failure,
// including a JSON null or a non-object value, wraps ErrInjectedConfig.
func decodeInjected(raw string) (creds *Credentials, err error) {
	defer func() {
		if r := recover(); r != nil {
			creds, err = nil, fmt.Errorf("%w: %v", ErrInjectedConfig, r)
		}
	}()

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInjectedConfig)
	}
	var c *Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInjectedConfig, err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: null", ErrInjectedConfig)
	}
	return c, nil
}

// ABOUTME: Tests for credential and namespace resolution precedence
// ABOUTME: Covers prefixed/unprefixed env lookup, injected JSON fallback and recovery

package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestResolve_NoSourcesIsUnavailable(t *testing.T) {
	res := Resolve(MapEnv{}, nil, nil)

	assert.False(t, res.Available())
	assert.Nil(t, res.Credentials)
	assert.Equal(t, DefaultNamespace, res.Namespace)
	assert.NoError(t, res.Problem)
}

func TestResolve_EnvWithoutAPIKeyIsUnavailable(t *testing.T) {
	env := MapEnv{
		"FIREBASE_PROJECT_ID":  "proj",
		"FIREBASE_AUTH_DOMAIN": "proj.firebaseapp.com",
		"FIREBASE_API_KEY":     "",
	}

	res := Resolve(env, nil, nil)

	assert.False(t, res.Available())
}

func TestResolve_PrefixedBeatsUnprefixed(t *testing.T) {
	env := MapEnv{
		"PROFILESYNC_FIREBASE_API_KEY": "prefixed-key",
		"FIREBASE_API_KEY":             "plain-key",
		"FIREBASE_PROJECT_ID":          "plain-project",
	}

	res := Resolve(env, nil, nil)

	require.True(t, res.Available())
	assert.Equal(t, "prefixed-key", res.Credentials.APIKey)
	assert.Equal(t, "plain-project", res.Credentials.ProjectID)
}

func TestResolve_EmptyPrefixedFallsThrough(t *testing.T) {
	env := MapEnv{
		"PROFILESYNC_FIREBASE_API_KEY": "",
		"FIREBASE_API_KEY":             "plain-key",
	}

	res := Resolve(env, nil, nil)

	require.True(t, res.Available())
	assert.Equal(t, "plain-key", res.Credentials.APIKey)
}

func TestResolve_CustomPrefix(t *testing.T) {
	env := MapEnv{"REACT_APP_FIREBASE_API_KEY": "react-key"}

	res := Resolve(env, nil, nil, WithPrefix("REACT_APP_"))

	require.True(t, res.Available())
	assert.Equal(t, "react-key", res.Credentials.APIKey)
}

func TestResolve_InjectedConfigUsedWhenNoAPIKey(t *testing.T) {
	injected := `{"apiKey":"inj-key","authDomain":"a.example.com","projectId":"inj-proj","appId":"1:2:web:3"}`

	res := Resolve(MapEnv{"FIREBASE_PROJECT_ID": "env-proj"}, strPtr(injected), nil)

	require.True(t, res.Available())
	assert.Equal(t, &Credentials{
		APIKey:     "inj-key",
		AuthDomain: "a.example.com",
		ProjectID:  "inj-proj",
		AppID:      "1:2:web:3",
	}, res.Credentials)
}

func TestResolve_InjectedConfigIgnoredWhenEnvHasAPIKey(t *testing.T) {
	res := Resolve(MapEnv{"FIREBASE_API_KEY": "env-key"}, strPtr(`{"apiKey":"inj-key"}`), nil)

	require.True(t, res.Available())
	assert.Equal(t, "env-key", res.Credentials.APIKey)
}

func TestResolve_MalformedInjectedConfigIsRecovered(t *testing.T) {
	tests := []struct {
		name     string
		injected string
	}{
		{"garbage", "{not json"},
		{"empty", ""},
		{"null", "null"},
		{"wrong type", `{"apiKey": 42}`},
		{"array", `["apiKey"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Resolve(MapEnv{}, strPtr(tt.injected), nil)

			assert.False(t, res.Available())
			require.Error(t, res.Problem)
			assert.True(t, errors.Is(res.Problem, ErrInjectedConfig))
		})
	}
}

func TestResolve_InjectedConfigWithoutAPIKeyIsUnavailable(t *testing.T) {
	res := Resolve(MapEnv{}, strPtr(`{"projectId":"p"}`), nil)

	assert.False(t, res.Available())
	assert.NoError(t, res.Problem)
}

func TestResolve_NamespacePrecedence(t *testing.T) {
	tests := []struct {
		name     string
		env      MapEnv
		injected *string
		want     string
	}{
		{"prefixed env", MapEnv{"PROFILESYNC_CUSTOM_APP_ID": "p-app", "CUSTOM_APP_ID": "app"}, strPtr("inj"), "p-app"},
		{"plain env", MapEnv{"CUSTOM_APP_ID": "app"}, strPtr("inj"), "app"},
		{"injected", MapEnv{}, strPtr("inj"), "inj"},
		{"blank injected", MapEnv{}, strPtr("  "), DefaultNamespace},
		{"default", MapEnv{}, nil, DefaultNamespace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.env, nil, tt.injected).Namespace)
		})
	}
}

func TestResolve_Deterministic(t *testing.T) {
	env := MapEnv{"FIREBASE_API_KEY": "k", "CUSTOM_APP_ID": "ns"}
	injected := strPtr(`{"apiKey":"x"}`)

	first := Resolve(env, injected, nil)
	second := Resolve(env, injected, nil)

	assert.Equal(t, first, second)
	assert.NotSame(t, first.Credentials, second.Credentials)
}

func TestResolve_NilEnv(t *testing.T) {
	res := Resolve(nil, nil, strPtr("ns"))

	assert.False(t, res.Available())
	assert.Equal(t, "ns", res.Namespace)
}

// ABOUTME: Tests for document references, data merging and server timestamps
// ABOUTME: Covers DocRef validation, MergeData semantics and sentinel resolution

package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDocRef_PathAndValidity(t *testing.T) {
	tests := []struct {
		name     string
		segments []string
		path     string
		valid    bool
	}{
		{"profile document", []string{"artifacts", "app", "users", "u1", "profile", "data"}, "artifacts/app/users/u1/profile/data", true},
		{"collection only", []string{"artifacts"}, "artifacts", false},
		{"empty segment", []string{"artifacts", ""}, "artifacts/", false},
		{"no segments", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := NewRef(tt.segments...)
			assert.Equal(t, tt.path, ref.Path())
			assert.Equal(t, tt.valid, ref.Valid())
		})
	}
}

func TestParseRef_RoundTripsPath(t *testing.T) {
	ref := ParseRef("/artifacts/app/users/u1/profile/data")
	assert.Equal(t, "artifacts/app/users/u1/profile/data", ref.Path())
	assert.Equal(t, "data", ref.ID())
	assert.True(t, ref.Valid())
}

func TestMergeData_KeepsUnspecifiedFields(t *testing.T) {
	base := map[string]any{
		"displayName": "Ann",
		"role":        "Member",
		"prefs":       map[string]any{"theme": "dark", "lang": "en"},
	}
	patch := map[string]any{
		"bio":   "hello",
		"prefs": map[string]any{"lang": "es"},
	}

	got := MergeData(base, patch)

	assert.Equal(t, map[string]any{
		"displayName": "Ann",
		"role":        "Member",
		"bio":         "hello",
		"prefs":       map[string]any{"theme": "dark", "lang": "es"},
	}, got)
	// base is untouched
	assert.Equal(t, "en", base["prefs"].(map[string]any)["lang"])
}

func TestMergeData_NilBase(t *testing.T) {
	got := MergeData(nil, map[string]any{"a": 1})
	assert.Equal(t, map[string]any{"a": 1}, got)
}

func TestResolveServerTimestamps(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data := map[string]any{
		"createdAt": ServerTimestamp,
		"nested":    map[string]any{"at": ServerTimestamp},
		"name":      "x",
	}

	got := ResolveServerTimestamps(data, now)

	assert.Equal(t, now, got["createdAt"])
	assert.Equal(t, now, got["nested"].(map[string]any)["at"])
	assert.Equal(t, "x", got["name"])
	assert.True(t, IsServerTimestamp(data["createdAt"]), "input must not be modified")
}

func TestIdentity_CloneNil(t *testing.T) {
	var id *Identity
	assert.Nil(t, id.Clone())

	orig := &Identity{UID: "u1", Email: "a@x.com"}
	c := orig.Clone()
	require.NotNil(t, c)
	c.Email = "changed"
	assert.Equal(t, "a@x.com", orig.Email)
}

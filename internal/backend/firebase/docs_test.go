// ABOUTME: Tests for the Firestore document store
// ABOUTME: Unit checks run everywhere; the listener test needs FIRESTORE_EMULATOR_HOST

package firebase

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/profilesync/internal/provider"
)

func TestToFirestore_ReplacesServerTimestamp(t *testing.T) {
	out := toFirestore(map[string]any{
		"name":      "Ada",
		"createdAt": provider.ServerTimestamp,
		"meta":      map[string]any{"seen": provider.ServerTimestamp},
	})

	assert.Equal(t, "Ada", out["name"])
	assert.Equal(t, firestore.ServerTimestamp, out["createdAt"])
	assert.Equal(t, firestore.ServerTimestamp, out["meta"].(map[string]any)["seen"])
}

func TestDocs_InvalidRef(t *testing.T) {
	d := NewDocs(nil, nil)

	err := d.SetDocument(context.Background(), d.Ref("artifacts", "a", "users"), map[string]any{}, provider.SetOptions{})
	assert.ErrorIs(t, err, ErrInvalidRef)

	errs := make(chan error, 1)
	unsub := d.SubscribeDocument(d.Ref("artifacts"), func(provider.Snapshot) {}, func(err error) { errs <- err })
	defer unsub()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrInvalidRef)
	case <-time.After(time.Second):
		t.Fatal("expected listener error")
	}
}

func TestEmulatorHost(t *testing.T) {
	assert.Equal(t, "localhost:8080", emulatorHost(func(string) string { return " localhost:8080 " }))
	assert.Empty(t, emulatorHost(func(string) string { return "" }))
}

func TestDocs_Emulator_MergeAndListen(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()

	client, err := firestore.NewClient(ctx, "profilesync-test")
	require.NoError(t, err)
	d := NewDocs(client, nil)
	defer d.Close()

	ref := d.Ref("artifacts", "test", "users", uuid.New().String(), "profile", "data")
	snaps := make(chan provider.Snapshot, 8)
	unsub := d.SubscribeDocument(ref, func(s provider.Snapshot) { snaps <- s }, func(err error) { t.Error(err) })
	defer unsub()

	next := func() provider.Snapshot {
		select {
		case s := <-snaps:
			return s
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for snapshot")
			return provider.Snapshot{}
		}
	}

	assert.False(t, next().Exists)

	require.NoError(t, d.SetDocument(ctx, ref, map[string]any{"displayName": "Ada", "createdAt": provider.ServerTimestamp}, provider.SetOptions{Merge: true}))
	require.NoError(t, d.SetDocument(ctx, ref, map[string]any{"role": "Admin"}, provider.SetOptions{Merge: true}))

	for {
		s := next()
		if s.Exists && s.Data["role"] == "Admin" {
			assert.Equal(t, "Ada", s.Data["displayName"])
			assert.IsType(t, time.Time{}, s.Data["createdAt"])
			return
		}
	}
}

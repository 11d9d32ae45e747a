// ABOUTME: Tests for the transient message board
// ABOUTME: Checks auto-clear, replacement and that stale timers never clear newer messages

package notice

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBoard_ShowAndExpire(t *testing.T) {
	var mu sync.Mutex
	var seen []Message
	b := NewBoard(50*time.Millisecond, func(m Message) {
		mu.Lock()
		seen = append(seen, m)
		mu.Unlock()
	})
	defer b.Close()

	b.Success("saved")
	assert.Equal(t, Message{Kind: KindSuccess, Text: "saved"}, b.Current())

	require.Eventually(t, func() bool { return b.Current().Empty() }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Message{{Kind: KindSuccess, Text: "saved"}, {}}, seen)
}

func TestBoard_NewerMessageSurvivesOlderTimer(t *testing.T) {
	b := NewBoard(80*time.Millisecond, nil)
	defer b.Close()

	b.Error("first")
	time.Sleep(50 * time.Millisecond)
	b.Success("second")

	// The first message's deadline passes here; the second must remain.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "second", b.Current().Text)

	require.Eventually(t, func() bool { return b.Current().Empty() }, time.Second, 5*time.Millisecond)
}

func TestBoard_DefaultTTL(t *testing.T) {
	b := NewBoard(0, nil)
	defer b.Close()
	assert.Equal(t, DefaultTTL, b.ttl)
}

func TestBoard_CloseIgnoresLaterShows(t *testing.T) {
	b := NewBoard(time.Hour, nil)
	b.Error("boom")
	b.Close()
	b.Success("after close")

	assert.Equal(t, "boom", b.Current().Text)
}

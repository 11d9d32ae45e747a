// ABOUTME: Transient user-visible message that clears itself after a fixed interval
// ABOUTME: A newer message is never cleared by an older message's timer

package notice

import (
	"sync"
	"time"
)

// DefaultTTL is how long a message stays visible.
const DefaultTTL = 3 * time.Second

// Kind classifies a message.
type Kind string

// Message kinds.
const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

// Message is what the UI shows. The zero value means nothing is shown.
type Message struct {
	Kind Kind
	Text string
}

// Empty reports whether no message is shown.
func (m Message) Empty() bool { return m.Text == "" }

// Board holds at most one message at a time.
type Board struct {
	ttl      time.Duration
	onChange func(Message)

	mu      sync.Mutex
	current Message
	gen     uint64
	timer   *time.Timer
	closed  bool
}

// NewBoard creates a board. onChange, if set, is called after every change,
// outside the board's lock.
func NewBoard(ttl time.Duration, onChange func(Message)) *Board {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Board{ttl: ttl, onChange: onChange}
}

// Show replaces the current message and schedules it to clear.
func (b *Board) Show(kind Kind, text string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.gen++
	gen := b.gen
	b.current = Message{Kind: kind, Text: text}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.ttl, func() { b.expire(gen) })
	msg := b.current
	b.mu.Unlock()

	b.changed(msg)
}

// Success shows a success message.
func (b *Board) Success(text string) { b.Show(KindSuccess, text) }

// Error shows an error message.
func (b *Board) Error(text string) { b.Show(KindError, text) }

func (b *Board) expire(gen uint64) {
	b.mu.Lock()
	if b.closed || gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.current = Message{}
	b.timer = nil
	b.mu.Unlock()

	b.changed(Message{})
}

func (b *Board) changed(msg Message) {
	if b.onChange != nil {
		b.onChange(msg)
	}
}

// Current returns the visible message.
func (b *Board) Current() Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Close stops the pending timer. Later calls to Show are ignored.
func (b *Board) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

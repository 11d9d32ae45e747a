// ABOUTME: In-memory fan-out of document changes to watchers of a path
// ABOUTME: Coalesces per watcher so a slow reader always ends on the newest version

package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Broadcaster provides in-memory pub/sub for committed documents.
// Watchers register for a document path and receive the stored document
// after each write. Each watcher channel holds at most one pending document;
// when a watcher falls behind, the pending document is replaced by the newer
// version instead of blocking the writer.
type Broadcaster struct {
	mu       sync.Mutex
	watchers map[string]map[string]chan *Document // path -> subID -> ch
	logger   *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		watchers: make(map[string]map[string]chan *Document),
		logger:   logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a watcher for the given document path.
// Returns a channel that receives documents and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, path string) (<-chan *Document, string) {
	subID := uuid.New().String()
	ch := make(chan *Document, 1)

	b.mu.Lock()
	if _, ok := b.watchers[path]; !ok {
		b.watchers[path] = make(map[string]chan *Document)
	}
	b.watchers[path][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("watcher added", "path", path, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(path, subID)
	}()

	return ch, subID
}

// Publish hands doc to every watcher of its path without blocking.
func (b *Broadcaster) Publish(doc *Document) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.watchers[doc.Path] {
		select {
		case ch <- doc:
			continue
		default:
		}

		// Watcher is behind: keep whichever pending document is newer.
		pending := doc
		select {
		case old := <-ch:
			if old.Version > pending.Version {
				pending = old
			}
		default:
		}
		select {
		case ch <- pending:
		default:
		}
		b.logger.Debug("coalesced document for slow watcher",
			"path", doc.Path,
			"sub_id", id,
			"version", pending.Version)
	}
}

// Unsubscribe removes a watcher and closes its channel.
func (b *Broadcaster) Unsubscribe(path, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.watchers[path]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.watchers, path)
	}

	b.logger.Debug("watcher removed", "path", path, "sub_id", subID)
}

// Watchers returns the number of watchers registered for path.
func (b *Broadcaster) Watchers(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers[path])
}

// Close shuts down the broadcaster and closes all watcher channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for path, subs := range b.watchers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.watchers, path)
	}

	b.logger.Debug("broadcaster closed")
}

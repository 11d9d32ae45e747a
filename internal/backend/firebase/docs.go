// ABOUTME: Firestore-backed document store
// ABOUTME: Translates merge writes, server timestamps and snapshot listeners to the Firestore client

package firebase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/profilesync/internal/provider"
)

// ErrInvalidRef is returned for references that do not name a document.
var ErrInvalidRef = errors.New("invalid document reference")

// Docs implements provider.DocumentStore over a Firestore client.
type Docs struct {
	client *firestore.Client
	logger *slog.Logger
}

var _ provider.DocumentStore = (*Docs)(nil)

// NewDocs wraps client.
func NewDocs(client *firestore.Client, logger *slog.Logger) *Docs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Docs{client: client, logger: logger.With("component", "firestore")}
}

// Ref implements provider.DocumentStore.
func (d *Docs) Ref(segments ...string) provider.DocRef { return provider.NewRef(segments...) }

func (d *Docs) doc(ref provider.DocRef) (*firestore.DocumentRef, error) {
	if !ref.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, ref.Path())
	}
	dr := d.client.Doc(ref.Path())
	if dr == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, ref.Path())
	}
	return dr, nil
}

// SetDocument implements provider.DocumentStore.
func (d *Docs) SetDocument(ctx context.Context, ref provider.DocRef, data map[string]any, opts provider.SetOptions) error {
	dr, err := d.doc(ref)
	if err != nil {
		return err
	}
	var setOpts []firestore.SetOption
	if opts.Merge {
		setOpts = append(setOpts, firestore.MergeAll)
	}
	if _, err := dr.Set(ctx, toFirestore(data), setOpts...); err != nil {
		return fmt.Errorf("writing %s: %w", ref.Path(), err)
	}
	return nil
}

// SubscribeDocument implements provider.DocumentStore.
func (d *Docs) SubscribeDocument(ref provider.DocRef, onNext func(provider.Snapshot), onError func(error)) provider.Unsubscribe {
	ctx, cancel := context.WithCancel(context.Background())
	feed := provider.NewFeed(func(deliver func()) { deliver() })

	dr, err := d.doc(ref)
	if err != nil {
		feed.Push(func() { onError(err) })
	} else {
		go d.listen(ctx, ref, dr, feed, onNext, onError)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			feed.Close()
		})
	}
}

func (d *Docs) listen(ctx context.Context, ref provider.DocRef, dr *firestore.DocumentRef, feed *provider.Feed[func()], onNext func(provider.Snapshot), onError func(error)) {
	it := dr.Snapshots(ctx)
	defer it.Stop()

	for {
		snap, err := it.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled {
				return
			}
			d.logger.Warn("snapshot listener failed", "path", ref.Path(), "error", err)
			feed.Push(func() { onError(fmt.Errorf("watching %s: %w", ref.Path(), err)) })
			return
		}

		s := provider.Snapshot{Ref: ref}
		if snap.Exists() {
			s.Exists = true
			s.Data = snap.Data()
			s.Version = snap.UpdateTime.UnixNano()
		}
		feed.Push(func() { onNext(s) })
	}
}

// Close closes the Firestore client.
func (d *Docs) Close() error {
	return d.client.Close()
}

// toFirestore replaces ServerTimestamp sentinels with Firestore's own.
func toFirestore(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch t := v.(type) {
		case map[string]any:
			out[k] = toFirestore(t)
		default:
			if provider.IsServerTimestamp(v) {
				out[k] = firestore.ServerTimestamp
				continue
			}
			out[k] = v
		}
	}
	return out
}

// emulatorHost reports the Firestore emulator address, if configured.
func emulatorHost(env func(string) string) string {
	return strings.TrimSpace(env("FIRESTORE_EMULATOR_HOST"))
}

// ABOUTME: Identity and document collaborator contracts shared by every backend
// ABOUTME: Defines Identity, DocRef, Snapshot, SetOptions and the ServerTimestamp sentinel

package provider

import (
	"context"
	"strings"
	"time"
)

// Identity is an authenticated user handle. A nil *Identity means signed out.
type Identity struct {
	UID       string
	Email     string
	Anonymous bool
}

// Clone returns a copy of the identity, or nil for a nil receiver.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// Unsubscribe releases a subscription.
type Unsubscribe func()

// IdentityProvider signs users in and out and reports auth-state changes.
type IdentityProvider interface {
	// CurrentIdentity returns the signed-in identity or nil.
	CurrentIdentity() *Identity
	SignInAnonymously(ctx context.Context) (*Identity, error)
	SignInWithToken(ctx context.Context, token string) (*Identity, error)
	// SubscribeAuthState calls handler with the current identity and then on
	// every change, in order, until the returned Unsubscribe is called.
	SubscribeAuthState(handler func(*Identity)) Unsubscribe
	SignOut(ctx context.Context) error
}

// DocRef addresses a single document by its path segments
// (collection, document, collection, document, ...).
type DocRef struct {
	segments []string
}

// NewRef builds a reference from path segments.
func NewRef(segments ...string) DocRef {
	return DocRef{segments: append([]string(nil), segments...)}
}

// ParseRef builds a reference from a slash-separated path.
func ParseRef(path string) DocRef {
	return NewRef(strings.Split(strings.Trim(path, "/"), "/")...)
}

// Path returns the slash-separated document path.
func (r DocRef) Path() string { return strings.Join(r.segments, "/") }

// Segments returns a copy of the path segments.
func (r DocRef) Segments() []string { return append([]string(nil), r.segments...) }

// ID returns the last path segment.
func (r DocRef) ID() string {
	if len(r.segments) == 0 {
		return ""
	}
	return r.segments[len(r.segments)-1]
}

// Valid reports whether the reference names a document: a non-empty, even
// number of non-empty segments.
func (r DocRef) Valid() bool {
	if len(r.segments) == 0 || len(r.segments)%2 != 0 {
		return false
	}
	for _, s := range r.segments {
		if s == "" || strings.Contains(s, "/") {
			return false
		}
	}
	return true
}

// Snapshot is one observation of a document.
type Snapshot struct {
	Ref    DocRef
	Exists bool
	Data   map[string]any
	// Version increases with every applied write. Zero when the backend does
	// not track versions.
	Version int64
}

// SetOptions controls SetDocument.
type SetOptions struct {
	// Merge updates only the given fields, keeping all others.
	Merge bool
}

// DocumentStore reads, writes and watches documents.
type DocumentStore interface {
	Ref(segments ...string) DocRef
	SetDocument(ctx context.Context, ref DocRef, data map[string]any, opts SetOptions) error
	// SubscribeDocument calls onNext with the current snapshot and then on
	// every change. onError reports listener failures; the subscription stays
	// registered until Unsubscribe is called.
	SubscribeDocument(ref DocRef, onNext func(Snapshot), onError func(error)) Unsubscribe
}

type serverTimestamp struct{}

// ServerTimestamp asks the backend to store its own write time in a field.
var ServerTimestamp any = serverTimestamp{}

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// ResolveServerTimestamps returns a deep copy of data with every
// ServerTimestamp sentinel replaced by now.
func ResolveServerTimestamps(data map[string]any, now time.Time) map[string]any {
	return mapValues(data, func(v any) any {
		if IsServerTimestamp(v) {
			return now
		}
		return v
	})
}

// CloneData returns a deep copy of document data.
func CloneData(data map[string]any) map[string]any {
	return mapValues(data, func(v any) any { return v })
}

// MergeData applies patch onto base the way a merge-write does: nested maps
// merge recursively, every other value replaces. The result is a new map.
func MergeData(base, patch map[string]any) map[string]any {
	out := CloneData(base)
	if out == nil {
		out = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		pm, pok := v.(map[string]any)
		bm, bok := out[k].(map[string]any)
		if pok && bok {
			out[k] = MergeData(bm, pm)
			continue
		}
		out[k] = cloneValue(v, func(v any) any { return v })
	}
	return out
}

func mapValues(data map[string]any, leaf func(any) any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v, leaf)
	}
	return out
}

func cloneValue(v any, leaf func(any) any) any {
	switch t := v.(type) {
	case map[string]any:
		return mapValues(t, leaf)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e, leaf)
		}
		return out
	default:
		return leaf(v)
	}
}

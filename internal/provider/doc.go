// Package provider defines the contracts profilesync expects from an identity
// and document backend.
//
// # Collaborators
//
// Two collaborators are consumed by the session and profile layers:
//
//   - IdentityProvider: anonymous and custom-token sign-in, sign-out and an
//     auth-state subscription that reports the current identity first.
//   - DocumentStore: document references, merge/replace writes and a
//     snapshot subscription that reports the current document first.
//
// Implementations live under internal/backend (local, remote, firebase) and
// in providertest for tests.
//
// # Subscriptions
//
// Every subscription returns an Unsubscribe closure. Closures returned by the
// backends in this module are idempotent; callers still guard late callbacks
// because delivery happens on provider goroutines.
//
// Feed is the shared delivery primitive: it queues values for one handler
// and delivers them on a dedicated goroutine in the order they were pushed.
//
// # Server timestamps
//
// ServerTimestamp is a sentinel value that can be placed in document data.
// Each backend replaces it with its own clock when the write is applied.
package provider

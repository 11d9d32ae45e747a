// Package local runs the self-hosted profile backend.
//
// Engine owns users, id tokens and documents on top of a store.Store and fans
// committed writes out to watchers. Provider is an in-process client of an
// Engine that satisfies the identity and document contracts directly; the
// remote package puts the same Engine behind gRPC.
//
// Watches deliver the current document first and then every newer version.
// A watcher that falls behind skips intermediate versions but always ends on
// the latest one.
package local

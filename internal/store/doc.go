// Package store provides persistence for the self-hosted profile backend.
//
// # Architecture
//
// Store is the single persistence interface:
//
//   - Users: identities created by anonymous or custom-token sign-in
//   - Documents: free-form bodies addressed by slash-separated paths
//
// SQLiteStore implements it on modernc.org/sqlite; MockStore keeps everything
// in memory for tests.
//
// # Documents
//
// Bodies are map[string]any values encoded as CBOR and stored in a BLOB column.
// Time values survive the round trip as time.Time. Every write bumps the
// document version:
//
//	doc, err := s.SetDocument(ctx, "artifacts/app/users/u1/profile/data",
//	    map[string]any{"bio": "hi"}, true, time.Now())
//
// With merge set, nested maps merge recursively and all other fields are kept.
// provider.ServerTimestamp values are replaced with the write time.
//
// # Change Fan-out
//
// Broadcaster delivers committed documents to watchers of a path. Each watcher
// has a single pending slot that always holds the newest undelivered version.
//
// # Database Configuration
//
// SQLite is configured with:
//
//   - WAL mode for concurrent reads
//   - Foreign key enforcement
//   - A 5 s busy timeout and a single shared connection
//
// # Migrations
//
// Schema migrations run automatically on store creation. Additive column
// changes are checked against pragma_table_info before being applied.
package store

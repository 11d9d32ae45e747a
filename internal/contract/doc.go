// Package contract holds tests that pin externally visible surfaces: the
// backend gRPC service descriptor and the SQLite schema. It has no runtime code.
package contract

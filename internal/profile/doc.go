// Package profile keeps a user's profile record in sync with its document at
// artifacts/{namespace}/users/{uid}/profile/data.
//
// Snapshots of an existing document replace the local profile wholesale; a
// missing document leaves it alone. Saves are merge-writes of only the fields
// a Patch sets, and without a backend they apply locally instead.
package profile

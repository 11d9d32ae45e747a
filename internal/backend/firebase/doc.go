// Package firebase implements the identity and document collaborators on a
// real Firebase project.
//
// Sign-in uses the Identity Toolkit REST API with the project's web API key.
// The resulting id token is served through an oauth2.TokenSource so Firestore
// calls run as the signed-in user, and it is renewed with the refresh token
// shortly before it expires.
//
// Setting FIRESTORE_EMULATOR_HOST points the document store at the Firestore
// emulator.
package firebase

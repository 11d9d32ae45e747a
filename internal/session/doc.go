// Package session owns the signed-in identity.
//
// A Manager moves through Booting, DemoMode, Connecting, SignedOut and
// SignedIn. Without a backend it stays local: login synthesizes a demo
// identity and profile and never touches the network. With one, it keeps
// exactly one auth-state subscription and creates at most one anonymous
// identity per sign-in, writing the initial profile document on register.
//
// Logout always clears the identity before returning; the provider sign-out
// runs in the background and cannot bring the identity back.
package session

// Package auth issues and checks the tokens used by the self-hosted profile
// backend.
//
// # Token Kinds
//
// Both kinds are HS256 JWTs signed with the backend's token secret:
//
//   - custom: minted out of band (profilesync token --uid ...) and exchanged
//     for a session through SignInWithToken.
//   - id: returned by every successful sign-in and sent as a bearer token on
//     later calls.
//
// Claims: sub (uid), kind, email (optional), iat, exp.
//
//	v, err := auth.NewJWTVerifier(secret)
//	tok, err := v.Generate(auth.KindCustom, "user-1", "ann@example.com", time.Hour)
//	claims, err := v.Verify(tok, auth.KindCustom)
//
// # gRPC Interceptors
//
// UnaryInterceptor and StreamInterceptor read "authorization: Bearer <id token>"
// from incoming metadata and attach an AuthContext. Methods listed as public
// (the sign-in calls) pass through untouched. Clients use WithBearer.
package auth

// Package remote serves a local.Engine over gRPC and provides the matching
// client.
//
// The service is declared by hand against well-known protobuf types, so no
// generated code is needed:
//
//	SignInAnonymously(Empty) returns (Struct)              public
//	SignInWithToken(Struct{token}) returns (Struct)        public
//	RefreshSession(Struct{refreshToken}) returns (Struct)  public
//	SetDocument(Struct{path,data,merge}) returns (Empty)
//	WatchDocument(Struct{path}) returns (stream Struct)
//
// Authenticated calls carry "authorization: Bearer <id token>" metadata.
// Sign-in responses include a refresh token; the client renews its id token
// shortly before expiry and reports a signed-out identity once the backend
// answers Unauthenticated.
// Timestamps travel as {"$time": RFC3339Nano} and the server-timestamp
// sentinel as {"$serverTimestamp": true}.
package remote

// Package config resolves backend credentials and loads runtime settings.
//
// # Credential Resolution
//
// Resolve is a pure function of its inputs. Nothing in the package reads the
// process environment unless the caller passes OSEnv():
//
//	res := config.Resolve(config.OSEnv(), injectedJSON, injectedAppID)
//	if res.Problem != nil {
//	    logger.Warn("ignoring injected configuration", "error", res.Problem)
//	}
//
// Lookup order for each credential field (PROFILESYNC_ prefix by default):
//
//  1. PROFILESYNC_FIREBASE_API_KEY, PROFILESYNC_FIREBASE_AUTH_DOMAIN, ...
//  2. FIREBASE_API_KEY, FIREBASE_AUTH_DOMAIN, ...
//  3. the injected JSON object, only when no API key was found:
//
//	{"apiKey": "...", "authDomain": "...", "projectId": "...",
//	 "storageBucket": "...", "messagingSenderId": "...", "appId": "..."}
//
// The namespace is PROFILESYNC_CUSTOM_APP_ID, CUSTOM_APP_ID, the injected
// namespace, then "default-app".
//
// # Runtime Settings
//
// Load reads YAML (or TOML when the file ends in .toml):
//
//	backend:
//	  driver: "local"                        # firebase, local, grpc
//	  database_path: "/var/lib/profilesync/profiles.db"
//	  token_secret: "${PROFILESYNC_SECRET}"
//	  token_ttl: "1h"
//	  insecure: true                         # grpc without TLS
//
//	session:
//	  auth_fallback_timeout: "1500ms"
//	  message_ttl: "3s"
//
//	server:
//	  grpc_addr: "127.0.0.1:50061"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// After decoding, PROFILESYNC_* variables (PROFILESYNC_BACKEND_DRIVER,
// PROFILESYNC_DATABASE_PATH, PROFILESYNC_TOKEN_SECRET, PROFILESYNC_LOG_LEVEL,
// ...) override file values.
package config

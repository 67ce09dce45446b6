// Package registry holds the registered OAuth clients and scopes.
//
// The registry serves an immutable Snapshot through an atomic pointer.
// Request handling reads the snapshot without locks; Reload builds a new
// snapshot from its Source, validates it completely and swaps it in only
// when every client and scope is valid. A request that started before a swap
// keeps using the snapshot it read.
//
// Registry files are YAML:
//
//	scopes:
//	  - name: openid
//	    identity: true
//	  - name: profile
//	    identity: true
//	    claims: [name, preferred_username]
//	clients:
//	  - id: web-app
//	    secret_hash: $2a$10$...
//	    grant_types: [authorization_code, refresh_token]
//	    redirect_uris: [https://app.example/cb]
//	    scopes: [openid, profile]
//	    access_token_ttl: 15m
//
// Redirect URIs are compared byte for byte. Secrets are bcrypt hashes, see
// the hash-secret command.
package registry

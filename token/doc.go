// Package token mints and verifies the tokens of the authorization server.
//
// Access and id tokens are EdDSA signed JWTs and are not stored. Every token
// header names the signing key (kid). The KeyRing signs with exactly one
// active key; after a rotation the previous key keeps verifying until its
// grace window ends and is then pruned.
//
// Refresh tokens are opaque random strings persisted through storage.Store.
// Rotation consumes the presented token and stores its successor in a single
// atomic backend operation, so there is no moment where both or neither are
// valid.
//
// Access tokens carry the grant id (gid). Verify rejects tokens whose grant
// has been revoked, which is how replay of an authorization code invalidates
// tokens that were already handed out.
package token

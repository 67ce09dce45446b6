// Package server implements the authorization server core: request
// validation, the grant state machine and the authorization code, refresh
// token and client credentials flows on top of the registry, the token
// issuer, the token and code store and a credential store.
//
// Every error returned by a Server method is an *Error carrying the OAuth
// error code, the HTTP status and, for authorization requests whose redirect
// URI was verified, the redirect target. The HTTP layer renders these
// without inspecting the cause.
package server

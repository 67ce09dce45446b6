package oauth

import (
	"net/http"

	"github.com/giantswarm/oidc-core/server"
)

// Error is the protocol error returned by the server core.
type Error = server.Error

// OAuth error codes, re-exported for embedders that only import this package.
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeInsufficientScope       = server.ErrorCodeInsufficientScope
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeTemporarilyUnavailable  = server.ErrorCodeTemporarilyUnavailable
)

// ErrRateLimited is returned by rate limited endpoints.
var ErrRateLimited = func() *Error {
	return server.NewError(server.KindValidation, ErrorCodeTemporarilyUnavailable,
		"rate limit exceeded, retry later", http.StatusTooManyRequests)
}

// AsError converts any error into a protocol error. Errors that are not
// protocol errors become server_error.
func AsError(err error) *Error {
	return server.AsError(err)
}

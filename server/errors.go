package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// OAuth 2.0 error codes (RFC 6749, RFC 6750).
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
)

// ErrorKind classifies an Error independently of its wire code.
type ErrorKind int

const (
	// KindValidation is a malformed or non-conforming request.
	KindValidation ErrorKind = iota + 1
	// KindAuthentication is a failed user or client authentication.
	KindAuthentication
	// KindGrantState is an expired, consumed, revoked or mismatched code or token.
	KindGrantState
	// KindConfiguration is a registry lookup failure such as an unknown client.
	KindConfiguration
	// KindStoreUnavailable is a failing persistence backend or credential store.
	KindStoreUnavailable
	// KindInternal is a bug or an unexpected failure.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindGrantState:
		return "grant_state"
	case KindConfiguration:
		return "configuration"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

// Error is a protocol error. Code and Description are sent to the caller;
// Err holds the cause for logs and is never sent.
//
// An Error with a RedirectURI is delivered to the client by redirecting the
// user agent; all others are answered directly.
type Error struct {
	Kind        ErrorKind
	Code        string
	Description string
	Status      int
	Err         error

	RedirectURI string
	State       string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Redirectable reports whether the error is delivered through the redirect URI.
func (e *Error) Redirectable() bool {
	return e.RedirectURI != ""
}

// WithRedirect returns a copy of e delivered to redirectURI with state echoed.
func (e *Error) WithRedirect(redirectURI, state string) *Error {
	c := *e
	c.RedirectURI = redirectURI
	c.State = state
	return &c
}

// WithCause returns a copy of e carrying err as its cause.
func (e *Error) WithCause(err error) *Error {
	c := *e
	c.Err = err
	return &c
}

// RedirectLocation builds the redirect URL carrying the error parameters.
// It returns "" for errors that must not be redirected.
func (e *Error) RedirectLocation() string {
	if !e.Redirectable() {
		return ""
	}
	q := url.Values{}
	q.Set("error", e.Code)
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if e.State != "" {
		q.Set("state", e.State)
	}
	return appendQuery(e.RedirectURI, q)
}

// appendQuery adds q to uri without re-encoding the registered URI.
func appendQuery(uri string, q url.Values) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return uri + sep + q.Encode()
}

// NewError creates a new protocol error
func NewError(kind ErrorKind, code, description string, status int) *Error {
	return &Error{
		Kind:        kind,
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// AsError returns the *Error in err's chain, or a generic server_error
// wrapping err.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return ErrServerError().WithCause(err)
}

// Constructors for the protocol errors the server returns.
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(KindValidation, ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedResponseType indicates a response_type other than "code"
	ErrUnsupportedResponseType = func(desc string) *Error {
		return NewError(KindValidation, ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(KindValidation, ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *Error {
		return NewError(KindValidation, ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrUnauthorizedClient indicates the client may not use the requested grant
	ErrUnauthorizedClient = func(desc string) *Error {
		return NewError(KindValidation, ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnknownClient indicates the client id is not in the registry
	ErrUnknownClient = func(desc string) *Error {
		return NewError(KindConfiguration, ErrorCodeInvalidClient, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func() *Error {
		return NewError(KindAuthentication, ErrorCodeInvalidClient, "client authentication failed", http.StatusUnauthorized)
	}

	// ErrAccessDenied indicates the user denied the request or could not be authenticated.
	ErrAccessDenied = func(desc string) *Error {
		return NewError(KindAuthentication, ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *Error {
		return NewError(KindGrantState, ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the access token is invalid, expired or revoked
	ErrInvalidToken = func(desc string) *Error {
		return NewError(KindAuthentication, ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrInsufficientScope indicates the access token lacks a required scope
	ErrInsufficientScope = func(desc string) *Error {
		return NewError(KindAuthentication, ErrorCodeInsufficientScope, desc, http.StatusForbidden)
	}

	// ErrTemporarilyUnavailable indicates the credential store did not answer in time
	ErrTemporarilyUnavailable = func() *Error {
		return NewError(KindStoreUnavailable, ErrorCodeTemporarilyUnavailable,
			"the server is temporarily unable to handle the request", http.StatusServiceUnavailable)
	}

	// ErrStoreUnavailable indicates the persistence backend failed
	ErrStoreUnavailable = func() *Error {
		return NewError(KindStoreUnavailable, ErrorCodeServerError,
			"the server is temporarily unable to handle the request", http.StatusServiceUnavailable)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func() *Error {
		return NewError(KindInternal, ErrorCodeServerError, "internal server error", http.StatusInternalServerError)
	}
)

// invalidCredentialsDescription is used for every user authentication failure.
const invalidCredentialsDescription = "invalid username or password"

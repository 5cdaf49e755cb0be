package auth

import "errors"

// Sentinel errors returned by the auth layer. Handlers map these to HTTP
// status codes; anything else is an internal error.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUserDisabled       = errors.New("auth: user is disabled")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenInvalid       = errors.New("auth: token invalid")
)

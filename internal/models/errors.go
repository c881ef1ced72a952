package models

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrAuthentication means the credential is missing, invalid or expired,
	// or the identity behind it no longer exists. The connection is refused.
	ErrAuthentication = errors.New("authentication failed")

	// ErrAuthorization means the user is authenticated but is not allowed
	// to act on the chat. The connection stays open.
	ErrAuthorization = errors.New("not authorized")

	ErrValidation  = errors.New("invalid request")
	ErrPersistence = errors.New("storage failure")

	// ErrDelivery is logged and swallowed, never returned to the caller
	// that triggered the delivery.
	ErrDelivery = errors.New("delivery failed")
)

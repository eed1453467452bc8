package domain

import "errors"

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrInvalidEvent      = errors.New("invalid audit event")
	ErrStorageTransient  = errors.New("storage transient failure")
	ErrDuplicate         = errors.New("duplicate audit event")
	ErrPublishTransient  = errors.New("publish transient failure")
	ErrPublishPermanent  = errors.New("publish permanent failure")
	ErrStoreUnavailable  = errors.New("ledger store unavailable")
	ErrBrokerCredentials = errors.New("broker rejected credentials")
)

package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrUnsupportedPlan     = errors.New("unsupported plan")
	ErrVerification        = errors.New("purchase verification failed")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrConflict            = errors.New("conflicting write")
	ErrInvalidEvent        = errors.New("invalid event")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrDuplicateOperation  = errors.New("duplicate operation")
)

package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	// ErrInactive is returned when a manual delivery targets a disabled webhook.
	ErrInactive = errors.New("webhook is inactive")
)

package model

import "errors"

// Error taxonomy shared by every component. Callers classify with errors.Is.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInternal         = errors.New("internal error")
)

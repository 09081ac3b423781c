package apperr

import "errors"

var (
	ErrUnavailable = errors.New("store unavailable")
)

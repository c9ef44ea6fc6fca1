// Package apperr holds the error kinds shared by the domain packages. Packages
// wrap one of these kinds in their own sentinels so callers can match on either
// the specific error or its kind.
package apperr

import "errors"

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)

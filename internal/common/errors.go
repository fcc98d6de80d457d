// Package common defines sentinel errors shared by the ingestion services,
// repositories and the HTTP layer. Callers should use errors.Is to match
// these values; the specific link errors wrap ErrLinkUnusable so a single
// check covers every "expired or exhausted" outcome.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Request-shape errors, rejected before any side effect.
	ErrValidation     = errors.New("validation error")
	ErrInvalidParts   = fmt.Errorf("%w: invalid multipart parts list", ErrValidation)
	ErrDisallowedFile = fmt.Errorf("%w: file type is not allowed", ErrValidation)

	// Upload link lifecycle errors.
	ErrLinkUnusable  = errors.New("upload link expired or exhausted")
	ErrLinkExpired   = fmt.Errorf("%w: link has expired", ErrLinkUnusable)
	ErrLinkExhausted = fmt.Errorf("%w: link usage limit reached", ErrLinkUnusable)
	ErrLinkInactive  = fmt.Errorf("%w: link has been deactivated", ErrLinkUnusable)

	// ErrDuplicateContent is returned when a completed record with the same
	// content hash already exists in the project.
	ErrDuplicateContent = errors.New("content already stored")

	// Object store or filesystem failures.
	ErrStorage = errors.New("storage failure")

	// Auth errors for the admin surface.
	ErrInvalidToken = errors.New("invalid token")
)

package notification

import "errors"

var (
	ErrFieldsRequired = errors.New("messageId and content are required")
	ErrEmptyContent   = errors.New("content must not be empty")
	ErrStatusNotFound = errors.New("status not found")
	ErrInvalidOutcome = errors.New("invalid outcome")
	ErrProcessing     = errors.New("processing failed")
	ErrTaskTimeout    = errors.New("task exceeded its time limit")
	ErrNonTerminal    = errors.New("processor returned a non-terminal outcome")
)

// IsValidation reports whether err was caused by rejected caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrFieldsRequired) || errors.Is(err, ErrEmptyContent)
}

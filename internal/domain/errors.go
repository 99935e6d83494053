package domain

import "errors"

// Common errors
var (
	ErrNotFound = errors.New("record not found")

	// Configuration errors surface at construction time, never at use time.
	ErrStyleConfiguration      = errors.New("invalid style configuration")
	ErrAttachmentConfiguration = errors.New("invalid attachment configuration")

	// ErrValidation marks a rejected upload; nothing has been written when it is returned.
	ErrValidation = errors.New("invalid file")

	// ErrIO covers network fetches, disk writes and object-storage API failures.
	ErrIO = errors.New("storage i/o failure")

	// ErrImageProcessing is scoped to the style being processed.
	ErrImageProcessing = errors.New("image processing failed")
)

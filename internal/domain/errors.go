package domain

import "errors"

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrNoURLs             = errors.New("list contains no URLs")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrStaleRun           = errors.New("job run superseded")
	ErrInvalidConcurrency = errors.New("max concurrent downloads must be at least 1")
	ErrNoOutcome          = errors.New("download ended without a recorded outcome")
)

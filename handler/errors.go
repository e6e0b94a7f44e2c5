package handler

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	ErrNoImageBytes   = errors.New("No image bytes found in request (expected 'body' or 'data')")
	ErrNotInitialized = errors.New("handler is not initialized")
	ErrUnknownClass   = errors.New("class id not in class-name table")

	// ErrWeightsNotFound also matches fs.ErrNotExist.
	ErrWeightsNotFound = fmt.Errorf("no weight file found: %w", fs.ErrNotExist)
)

// Phase names a step of the request pipeline.
type Phase string

const (
	PhasePreprocess  Phase = "preprocess"
	PhaseInference   Phase = "inference"
	PhasePostprocess Phase = "postprocess"
)

// PhaseError records which pipeline step failed. The cause is returned as is
// by Unwrap.
type PhaseError struct {
	Phase Phase
	Cause error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Cause)
}

func (e *PhaseError) Unwrap() error {
	return e.Cause
}

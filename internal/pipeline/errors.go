package pipeline

import (
	"errors"
	"fmt"

	"aimint/internal/chain"
)

var ErrValidation = errors.New("invalid mint request")

// Error families reported by StageError.Category.
const (
	CategoryValidation = "validation"
	CategoryConnection = "connection"
	CategoryGeneration = "generation"
	CategoryPublish    = "publish"
	CategoryMint       = "mint"
)

// StageError is the failure of one pipeline stage.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func (e *StageError) Category() string {
	switch {
	case errors.Is(e.Err, ErrValidation):
		return CategoryValidation
	case chain.IsConnectionError(e.Err):
		return CategoryConnection
	}
	switch e.Stage {
	case Validating:
		return CategoryValidation
	case Generating:
		return CategoryGeneration
	case Publishing:
		return CategoryPublish
	default:
		return CategoryMint
	}
}

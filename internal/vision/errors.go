package vision

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrEmptyFrame        = errors.New("frame is empty")
	ErrDimensionMismatch = errors.New("frame does not match buffer size")
	ErrFormat            = errors.New("frame is not 8-bit BGR")
	ErrStageOutput       = errors.New("stage produced unexpected output")
)

// StageError reports which pipeline stage failed on a frame.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("vision: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for gateway operations.
var (
	// ErrNilConfig indicates that a nil configuration was provided.
	ErrNilConfig = errors.New("configuration is required")

	// ErrNilExecutor indicates that no executor was provided.
	ErrNilExecutor = errors.New("executor is required")

	// ErrAdmissionDenied is returned when the admission controller rejects a request.
	ErrAdmissionDenied = errors.New("admission denied")

	// ErrUpstreamStatus is returned when the upstream answers with a non-2xx status.
	ErrUpstreamStatus = errors.New("unexpected upstream status")
)

// Stage names the pipeline step that rejected a request.
type Stage string

// Pipeline stages in execution order.
const (
	StageTrust     Stage = "trust"
	StageAdmission Stage = "admission"
	StageNormalize Stage = "normalize"
	StageExecute   Stage = "execute"
)

// StageError wraps the error of the stage that stopped a request.
type StageError struct {
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap returns the stage error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage that produced err, or "" when err did not come
// from the pipeline.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

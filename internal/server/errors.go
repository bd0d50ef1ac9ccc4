package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/mats/internal/artifact"
	"github.com/jonathan/mats/internal/jobs"
	"github.com/jonathan/mats/internal/pipeline"
	"github.com/jonathan/mats/internal/tools"
	"github.com/jonathan/mats/internal/types"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrJobNotFinished indicates results were requested before the job ended.
type ErrJobNotFinished struct {
	JobID    string
	Status   types.JobStatus
	Progress int
}

func (e *ErrJobNotFinished) Error() string {
	return fmt.Sprintf("job %s is still %s (%d%%)", e.JobID, e.Status, e.Progress)
}

// ErrOutputNotFound indicates a tool left no output directory for the job.
type ErrOutputNotFound struct {
	JobID string
	Tool  string
}

func (e *ErrOutputNotFound) Error() string {
	return fmt.Sprintf("no %s output for job %s", e.Tool, e.JobID)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		validationErr  *ErrValidation
		notFinishedErr *ErrJobNotFinished
		outputErr      *ErrOutputNotFound
		unknownErr     *tools.UnknownToolError
		unavailableErr *tools.UnavailableToolError
		tooLargeErr    *http.MaxBytesError
	)

	switch {
	case errors.As(err, &validationErr), errors.As(err, &unknownErr), errors.As(err, &unavailableErr):
		return http.StatusBadRequest
	case errors.Is(err, artifact.ErrNotPackage), errors.Is(err, artifact.ErrInvalidFilename), errors.Is(err, artifact.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, artifact.ErrTooLarge), errors.As(err, &tooLargeErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, artifact.ErrNotFound), errors.Is(err, jobs.ErrNotFound), errors.As(err, &outputErr):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrAlreadyExists), errors.As(err, &notFinishedErr):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

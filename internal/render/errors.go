package render

import (
	"errors"
	"fmt"
)

// Stage is the executor stage an error originated from.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageProbe     Stage = "probe"
	StageFetch     Stage = "fetch"
	StageTransform Stage = "transform"
	StageExecute   Stage = "execute"
	StagePublish   Stage = "publish"
	StageEngine    Stage = "engine"
)

type ErrorType string

const (
	ErrValidation ErrorType = "validation_error"
	ErrEngine     ErrorType = "engine_error"
	ErrFFmpeg     ErrorType = "ffmpeg_error"
	ErrDownload   ErrorType = "download_error"
	ErrUpload     ErrorType = "upload_error"
	ErrTimeout    ErrorType = "timeout_error"
)

var suggestedFixes = map[ErrorType]string{
	ErrValidation: "Check the request payload: analysis, blueprint, task inputs and variation index",
	ErrEngine:     "Retry with a different engine or a lower cost tier",
	ErrFFmpeg:     "Check input video format compatibility",
	ErrDownload:   "Verify that source URLs are reachable",
	ErrUpload:     "Check storage credentials and bucket availability",
	ErrTimeout:    "Reduce input length or retry in safe mode",
}

// PipelineError is the typed failure of an executor or retry run.
type PipelineError struct {
	Stage        Stage     `json:"stage"`
	ErrorType    ErrorType `json:"errorType"`
	Message      string    `json:"message"`
	Retryable    bool      `json:"retryable"`
	SuggestedFix string    `json:"suggestedFix"`

	cause error
}

// NewPipelineError builds an error whose Retryable and SuggestedFix derive
// from errType. Only validation errors are non-retryable.
func NewPipelineError(stage Stage, errType ErrorType, cause error, format string, args ...any) *PipelineError {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &PipelineError{
		Stage:        stage,
		ErrorType:    errType,
		Message:      msg,
		Retryable:    errType != ErrValidation,
		SuggestedFix: SuggestedFix(errType),
		cause:        cause,
	}
}

// SuggestedFix returns the operator hint for errType.
func SuggestedFix(errType ErrorType) string {
	if fix, ok := suggestedFixes[errType]; ok {
		return fix
	}
	return "Inspect the service logs for details"
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.ErrorType, e.Stage, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.cause }

// AsPipelineError extracts a PipelineError from err's chain.
func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

package speechtotext

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorCodeNoSpeech     ErrorCode = "no-speech"
	ErrorCodeAborted      ErrorCode = "aborted"
	ErrorCodeAudioCapture ErrorCode = "audio-capture"
	ErrorCodeNetwork      ErrorCode = "network"
	ErrorCodeNotAllowed   ErrorCode = "not-allowed"
	ErrorCodeUnavailable  ErrorCode = "service-not-allowed"
)

var (
	ErrNoSpeech   = &RecognitionError{Code: ErrorCodeNoSpeech, Recoverable: true}
	ErrAborted    = &RecognitionError{Code: ErrorCodeAborted, Recoverable: true}
	ErrNetwork    = &RecognitionError{Code: ErrorCodeNetwork, Recoverable: true}
	ErrNotAllowed = &RecognitionError{Code: ErrorCodeNotAllowed}
)

// RecognitionError is reported by recognizers. Recoverable errors are
// transient and the segment can simply be restarted.
type RecognitionError struct {
	Code        ErrorCode
	Recoverable bool
	Err         error
}

func NewRecognitionError(code ErrorCode, recoverable bool, err error) *RecognitionError {
	return &RecognitionError{Code: code, Recoverable: recoverable, Err: err}
}

func (e *RecognitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recognition error (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("recognition error (%s)", e.Code)
}

func (e *RecognitionError) Unwrap() error {
	return e.Err
}

// Is matches on the error code so sentinel values compare equal to wrapped
// instances of the same code.
func (e *RecognitionError) Is(target error) bool {
	var other *RecognitionError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// IsRecoverable reports whether err is a recoverable recognition error.
// Errors that are not recognition errors are treated as unrecoverable.
func IsRecoverable(err error) bool {
	var recognitionErr *RecognitionError
	if errors.As(err, &recognitionErr) {
		return recognitionErr.Recoverable
	}
	return false
}

package transcribe

import (
	"context"
	"errors"
)

// RawSegment is one transcribed utterance returned by the speech-to-text
// collaborator. Offsets are relative to the session start, in milliseconds;
// backends that report file-relative times translate them using the request's
// window offset.
type RawSegment struct {
	Text       string
	StartMs    int64
	EndMs      int64
	SpeakerTag string // optional diarization tag from the model
	Confidence float64
}

// Request is one buffered audio window submitted for transcription.
type Request struct {
	SessionID string
	Language  string
	Audio     []byte
	StartMs   int64
	EndMs     int64
}

// Backend is a pluggable speech-to-text collaborator.
type Backend interface {
	Transcribe(ctx context.Context, req Request) ([]RawSegment, error)
}

// FatalError marks a collaborator failure that must not be retried
// (malformed audio, authentication, 4xx-class responses).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal transcription error: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the invoker fails the window without retrying.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// IsFatal reports whether err should short-circuit the retry loop.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

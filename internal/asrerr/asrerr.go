// Package asrerr defines the failure taxonomy surfaced by the transcription
// service. Every public boundary returns an *Error so transports can render a
// {"error", "message"} payload without inspecting causes.
package asrerr

import (
	"errors"
	"fmt"
)

// Kind names a failure class. The string value is sent to clients verbatim.
type Kind string

const (
	// KindModelLoad is fatal at startup: the process must not serve traffic.
	KindModelLoad Kind = "ModelLoadError"
	// KindInvalidAudio covers undecodable uploads, empty audio and sample-rate mismatches.
	KindInvalidAudio Kind = "InvalidAudioError"
	// KindInference covers any fault during preprocessing, generation or decoding.
	KindInference Kind = "InferenceFailure"
	// KindAdmission is returned when no concurrency slot could be obtained.
	KindAdmission Kind = "AdmissionRejected"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New classifies err under kind. The message is taken from err.
func New(kind Kind, err error) *Error {
	if err == nil {
		return &Error{Kind: kind}
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// Newf builds an error of the given kind from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: err.Error(), Err: errors.Unwrap(err)}
}

// KindOf returns the kind of err. Unclassified errors are inference failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInference
}

// As converts err into an *Error, classifying unknown errors as inference failures.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return New(KindInference, err)
}

// Report is the wire shape of a failure.
type Report struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ReportOf renders err for a client.
func ReportOf(err error) Report {
	e := As(err)
	if e == nil {
		return Report{}
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return Report{Error: string(e.Kind), Message: msg}
}

// Package coreerrors defines the error kinds the core distinguishes so
// callers can branch on sentinel identity rather than string matching, and
// so reason codes stay stable for metrics and client UX.
package coreerrors

import "errors"

// Kind tags an error with its propagation policy.
type Kind string

const (
	KindConfig             Kind = "CONFIG_ERROR"
	KindStreamerNotFound   Kind = "STREAMER_NOT_FOUND"
	KindStreamNotFound     Kind = "STREAM_NOT_FOUND"
	KindRecordingActive    Kind = "RECORDING_ALREADY_ACTIVE"
	KindSpawn              Kind = "SPAWN_ERROR"
	KindProxyUnreachable   Kind = "PROXY_UNREACHABLE"
	KindCaptureFailed      Kind = "CAPTURE_FAILED"
	KindValidationFailed   Kind = "VALIDATION_FAILED"
	KindRemuxFailed        Kind = "REMUX_FAILED"
	KindMetadataError      Kind = "METADATA_ERROR"
	KindChaptersError      Kind = "CHAPTERS_ERROR"
	KindThumbnailError     Kind = "THUMBNAIL_ERROR"
	KindCleanupError       Kind = "CLEANUP_ERROR"
	KindCrossStreamerPath  Kind = "CROSS_STREAMER_PATH"
	KindWebhookVerify      Kind = "WEBHOOK_VERIFICATION_ERROR"
	KindDependencyFailed   Kind = "DEPENDENCY_FAILED"
)

// Error is a typed core error carrying its Kind, a human message, and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Terminal reports whether an error kind is always terminal and never
// retried by the job queue.
func Terminal(kind Kind) bool {
	return kind == KindCrossStreamerPath
}

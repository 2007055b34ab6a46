// Package generate turns accepted transcripts into streamed answers. It
// routes each query to a model tier, walks the credential pool through
// verification and streaming, and enforces the session cancellation and
// busy rules.
package generate

import "errors"

// Terminal errors reported to callers.
var (
	// ErrBusy is returned when a generation is already in flight for the
	// session. The new request is rejected, never queued.
	ErrBusy = errors.New("generate: session busy")

	// ErrCancelled is returned when the session's cancellation flag or
	// context fired; any partial output was discarded.
	ErrCancelled = errors.New("generate: cancelled")

	// ErrAllCredentialsExhausted is returned when every credential in the
	// bucket was rate limited, blocked, or cooling down.
	ErrAllCredentialsExhausted = errors.New("generate: all credentials exhausted")

	// ErrEmptyResponseExhausted is returned when the model streamed no
	// content on every attempt.
	ErrEmptyResponseExhausted = errors.New("generate: empty response after all attempts")

	// ErrInterrupted is returned when the stream failed after tokens had
	// already reached the caller; the partial answer is abandoned rather
	// than replayed from another credential.
	ErrInterrupted = errors.New("generate: answer stream interrupted")
)

// errEmptyResponse marks an attempt that completed with no content, so
// the retry loop can tell it apart from transport failures.
var errEmptyResponse = errors.New("generate: empty response")

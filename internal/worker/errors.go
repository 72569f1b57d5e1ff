package worker

import (
	"errors"
	"fmt"
)

// Failure taxonomy. Adapters wrap their errors around these sentinels so the
// loop can classify outcomes with errors.Is.
var (
	// ErrMalformedMessage: the payload violates the inbound schema. Permanent.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrContentUnavailable: the source adapter could not resolve the text.
	// Retryable until the attempt ceiling.
	ErrContentUnavailable = errors.New("content unavailable")

	// ErrBackendUnavailable: network, auth or throttling failure against the
	// embedding backend. Retryable.
	ErrBackendUnavailable = errors.New("embedding backend unavailable")

	// ErrBackendRejected: the backend refused the input. Permanent for items
	// identified by a RejectedItemsError; otherwise retryable until the
	// attempt ceiling.
	ErrBackendRejected = errors.New("embedding backend rejected input")

	// ErrModelUnavailable: a local backend has no weights loaded.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrDimensionMismatch: a result vector does not match the configured
	// dimensionality. Fatal configuration error, never retried.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrResultMisaligned: the backend returned a result count different from
	// the input count. Contract violation, fatal like a dimension mismatch.
	ErrResultMisaligned = errors.New("embedding result misaligned")

	// ErrIndexUnavailable: the index could not be reached. Retryable.
	ErrIndexUnavailable = errors.New("index unavailable")

	// ErrIndexRejected: the index refused an individual document. Permanent.
	ErrIndexRejected = errors.New("index rejected document")
)

// RejectedItemsError reports which batch positions the embedding backend
// refused when it can distinguish them.
type RejectedItemsError struct {
	Positions []int
	Reason    string
}

func (e *RejectedItemsError) Error() string {
	return fmt.Sprintf("%v: %d item(s): %s", ErrBackendRejected, len(e.Positions), e.Reason)
}

func (e *RejectedItemsError) Unwrap() error { return ErrBackendRejected }

// IsPermanent reports whether err can never succeed on redelivery.
func IsPermanent(err error) bool {
	var rej *RejectedItemsError
	if errors.As(err, &rej) {
		return true
	}
	return errors.Is(err, ErrMalformedMessage) || errors.Is(err, ErrIndexRejected)
}

// IsFatal reports whether err indicates broken configuration that would
// corrupt the index if processing continued.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDimensionMismatch) || errors.Is(err, ErrResultMisaligned)
}

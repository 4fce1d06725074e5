package coredump

import (
	"errors"
	"fmt"
)

var (
	// ErrNoImage means storage holds no crash image to plan or upload.
	ErrNoImage = errors.New("no crash image in storage")

	// ErrInvalidSink means the supplied transport sink is missing its
	// mandatory write capability.
	ErrInvalidSink = errors.New("transport sink has no write capability")

	// ErrInvalidChunkSize means the requested chunk size cannot produce a
	// valid layout.
	ErrInvalidChunkSize = errors.New("invalid chunk size")

	// ErrChunkTooLarge means the planned chunk exceeds the configured
	// buffer limit, so the upload buffers were never allocated.
	ErrChunkTooLarge = errors.New("chunk size exceeds configured buffer limit")

	// ErrUploadCanceled means the progress callback vetoed the transfer.
	// The callback's own error is wrapped alongside it.
	ErrUploadCanceled = errors.New("upload canceled by progress callback")
)

// EncodeError reports a transcoding failure on a specific chunk.
type EncodeError struct {
	Chunk int
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("base64 encode failed on chunk %d: %v", e.Chunk, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DeliveredNotErasedError means every chunk was accepted by the sink but the
// crash image could not be erased afterwards. The data arrived; a blind retry
// would resend it. Callers that clean up out of band can treat this as
// success.
type DeliveredNotErasedError struct {
	Err error
}

func (e *DeliveredNotErasedError) Error() string {
	return fmt.Sprintf("crash image delivered but not erased: %v", e.Err)
}

func (e *DeliveredNotErasedError) Unwrap() error { return e.Err }

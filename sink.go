package coredump

import "context"

// Sink is the transport capability set the upload engine drives. The engine
// calls Start once, Write once per chunk in order, and End exactly once after
// the chunk loop, whether or not the loop completed. Implementations carry
// their own connection state; the engine never inspects it.
type Sink interface {
	// Start is invoked before any chunk is read from storage. A typical
	// implementation announces the transfer (part count, encoding) to the
	// receiver. An error aborts the upload before any read.
	Start(ctx context.Context, plan *Plan) error

	// Write delivers one chunk payload, raw or base64-encoded per the
	// plan. The payload slice is only valid for the duration of the call;
	// implementations that retain it must copy.
	Write(ctx context.Context, payload []byte) error

	// End is invoked after the chunk loop on success and failure alike.
	// If the transfer was clean, an End error becomes the upload outcome.
	End(ctx context.Context) error
}

// ProgressReporter is an optional upgrade for sinks that want per-chunk
// notification. Returning an error cancels the upload; the engine surfaces
// it wrapped in ErrUploadCanceled, distinct from a transport failure.
type ProgressReporter interface {
	Progress(ctx context.Context, plan *Plan, chunkIndex int, bytesSent int) error
}

// SinkFuncs adapts plain functions to the Sink interface, for callers that
// do not want a dedicated type. WriteFunc is mandatory; the other fields may
// be nil and default to no-ops.
type SinkFuncs struct {
	StartFunc    func(ctx context.Context, plan *Plan) error
	WriteFunc    func(ctx context.Context, payload []byte) error
	ProgressFunc func(ctx context.Context, plan *Plan, chunkIndex int, bytesSent int) error
	EndFunc      func(ctx context.Context) error
}

var (
	_ Sink             = (*SinkFuncs)(nil)
	_ ProgressReporter = (*SinkFuncs)(nil)
)

func (s *SinkFuncs) Start(ctx context.Context, plan *Plan) error {
	if s.StartFunc == nil {
		return nil
	}
	return s.StartFunc(ctx, plan)
}

func (s *SinkFuncs) Write(ctx context.Context, payload []byte) error {
	if s.WriteFunc == nil {
		return ErrInvalidSink
	}
	return s.WriteFunc(ctx, payload)
}

func (s *SinkFuncs) Progress(ctx context.Context, plan *Plan, chunkIndex int, bytesSent int) error {
	if s.ProgressFunc == nil {
		return nil
	}
	return s.ProgressFunc(ctx, plan, chunkIndex, bytesSent)
}

func (s *SinkFuncs) End(ctx context.Context) error {
	if s.EndFunc == nil {
		return nil
	}
	return s.EndFunc(ctx)
}

package coredump

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync/atomic"
)

// encodeChunk base64-encodes src into dst and returns the encoded length.
// dst must already be sized for the largest chunk of the plan.
func encodeChunk(dst, src []byte) (int, error) {
	n := base64.StdEncoding.EncodedLen(len(src))
	if n > len(dst) {
		return 0, fmt.Errorf("encode buffer too small: need %d, have %d", n, len(dst))
	}
	base64.StdEncoding.Encode(dst, src)
	return n, nil
}

// Upload streams the crash image through sink, one chunk at a time and in
// order. plan may be nil, in which case a default layout (the configured
// default chunk size, no base64) is computed from the image currently in
// storage.
//
// The sink protocol is strict: Start once, Write per chunk, End once after
// the loop whether or not it completed. Only a fully delivered transfer is
// followed by an erase of the image; on any failure the image stays in
// storage and a later attempt resends the same bytes. An erase failure after
// clean delivery is reported as *DeliveredNotErasedError so the caller knows
// a blind retry would duplicate data.
func (c *Courier) Upload(ctx context.Context, sink Sink, plan *Plan) error {
	atomic.AddUint64(&c.uploadCounter, 1)

	if sink == nil {
		log.Error("Transport sink must not be nil.")
		return ErrInvalidSink
	}
	if sf, ok := sink.(*SinkFuncs); ok && sf.WriteFunc == nil {
		log.Error("Transport sink 'write' must not be nil.")
		return ErrInvalidSink
	}

	if plan == nil {
		local, err := c.PlanUpload(0, false)
		if err != nil {
			log.Infof("No crash image to upload (%v)", err)
			return err
		}
		plan = &local
	}

	log.Infof("Crash image: %d bytes @0x%08x in %d chunks (chunk=%d, last=%d) base64=%v",
		plan.TotalSize, plan.BaseAddress, plan.ChunkCount, plan.RawChunkSize, plan.LastChunkSize, plan.UseBase64)

	// The read and encode buffers are the only memory this call owns.
	// Reject plans that would blow the configured budget before touching
	// the sink or storage.
	if plan.RawChunkSize > c.config.MaxChunkSize {
		log.Errorf("Chunk size %d exceeds buffer limit %d.", plan.RawChunkSize, c.config.MaxChunkSize)
		return fmt.Errorf("chunk size %d with limit %d: %w", plan.RawChunkSize, c.config.MaxChunkSize, ErrChunkTooLarge)
	}
	readBuf := make([]byte, plan.RawChunkSize)

	var encBuf []byte
	if plan.UseBase64 {
		encBuf = make([]byte, base64EncodedLen(plan.RawChunkSize)+1)
	}

	if err := sink.Start(ctx, plan); err != nil {
		log.Errorf("Sink 'start' failed: %v", err)
		return err
	}

	progress, hasProgress := sink.(ProgressReporter)

	var outcome error
	for chunkIndex := 0; chunkIndex < plan.ChunkCount; chunkIndex++ {
		offset := int64(chunkIndex) * int64(plan.RawChunkSize)
		bytesToRead := plan.RawChunkSize
		if chunkIndex == plan.ChunkCount-1 {
			bytesToRead = plan.LastChunkSize
		}

		raw := readBuf[:bytesToRead]
		if err := c.store.ReadAt(raw, plan.BaseAddress+offset); err != nil {
			log.Errorf("Failed to read crash image (chunk %d): %v", chunkIndex, err)
			outcome = fmt.Errorf("failed to read chunk %d: %w", chunkIndex, err)
			break
		}

		payload := raw
		if plan.UseBase64 {
			n, err := encodeChunk(encBuf, raw)
			if err != nil {
				log.Errorf("Base64 failed (chunk %d): %v", chunkIndex, err)
				outcome = &EncodeError{Chunk: chunkIndex, Err: err}
				break
			}
			payload = encBuf[:n]
		}

		if err := sink.Write(ctx, payload); err != nil {
			log.Errorf("Sink 'write' failed (chunk %d): %v", chunkIndex, err)
			outcome = fmt.Errorf("sink write failed on chunk %d: %w", chunkIndex, err)
			break
		}

		if hasProgress {
			if err := progress.Progress(ctx, plan, chunkIndex, len(payload)); err != nil {
				log.Warnf("Upload interrupted by progress callback (chunk %d)", chunkIndex)
				outcome = fmt.Errorf("%w: %w", ErrUploadCanceled, err)
				break
			}
		}
	}

	if err := sink.End(ctx); err != nil {
		if outcome == nil {
			log.Errorf("Sink 'end' failed: %v", err)
			outcome = fmt.Errorf("sink end failed: %w", err)
		} else {
			// The loop already failed; note the end failure but keep
			// the earlier outcome.
			log.Warnf("Sink 'end' failed after aborted upload: %v", err)
		}
	}

	if outcome == nil {
		log.Info("Crash image sent. Erasing from storage...")
		if err := c.store.Erase(); err != nil {
			log.Errorf("Failed to erase crash image: %v", err)
			return &DeliveredNotErasedError{Err: err}
		}
		return nil
	}

	log.Warn("Upload incomplete. Crash image kept for a retry.")
	return outcome
}

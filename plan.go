package coredump

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/avellar-iot/coredump/storage"
)

// DefaultChunkSize is the raw chunk size used when the caller does not ask
// for one. A multiple of 3 so base64 never pads inside a non-final chunk.
const DefaultChunkSize = 3 * 256 // 768 bytes

// Plan describes how a crash image is split into chunks for one upload
// attempt. It is computed from the image currently in storage and never
// mutated afterwards.
type Plan struct {
	BaseAddress int64 // storage address where the image starts
	TotalSize   int64 // raw image size in bytes

	RawChunkSize  int  // raw bytes per chunk, except possibly the last
	ChunkCount    int  // total number of chunks, >= 1
	LastChunkSize int  // raw bytes in the final chunk, 1..RawChunkSize
	UseBase64     bool // whether chunks are transcoded before the sink sees them

	// Encoded sizes, populated only when UseBase64 is set.
	EncodedChunkSize     int
	EncodedLastChunkSize int
	EncodedTotalSize     int64
}

// PayloadSize returns the chunk payload length handed to the sink for the
// given chunk index.
func (p *Plan) PayloadSize(chunkIndex int) int {
	last := chunkIndex == p.ChunkCount-1
	if p.UseBase64 {
		if last {
			return p.EncodedLastChunkSize
		}
		return p.EncodedChunkSize
	}
	if last {
		return p.LastChunkSize
	}
	return p.RawChunkSize
}

// PayloadTotal returns the total number of bytes the sink will receive over
// the whole upload.
func (p *Plan) PayloadTotal() int64 {
	if p.UseBase64 {
		return p.EncodedTotalSize
	}
	return p.TotalSize
}

// base64EncodedLen is the encoded size of n raw bytes, padding included.
func base64EncodedLen(n int) int {
	return ((n + 2) / 3) * 4
}

// planFor computes a chunk layout for an image of totalSize bytes. It is the
// pure arithmetic behind PlanUpload and is deterministic for fixed inputs.
func planFor(totalSize int64, desiredChunkSize int, useBase64 bool) (Plan, error) {
	if totalSize == 0 {
		return Plan{}, ErrNoImage
	}

	chunk := desiredChunkSize
	if chunk == 0 {
		chunk = DefaultChunkSize
	}
	if chunk < 0 {
		return Plan{}, fmt.Errorf("negative chunk size %d: %w", desiredChunkSize, ErrInvalidChunkSize)
	}
	// Round down to a multiple of 3 so padding only ever appears on the
	// final chunk. A request too small to round lands on the minimum valid
	// chunk instead of zero.
	if useBase64 && chunk%3 != 0 {
		chunk -= chunk % 3
		if chunk == 0 {
			chunk = 3
		}
	}

	chunkCount := int((totalSize + int64(chunk) - 1) / int64(chunk))
	lastChunk := int(totalSize % int64(chunk))
	if lastChunk == 0 {
		lastChunk = chunk
	}

	plan := Plan{
		TotalSize:     totalSize,
		RawChunkSize:  chunk,
		ChunkCount:    chunkCount,
		LastChunkSize: lastChunk,
		UseBase64:     useBase64,
	}

	if useBase64 {
		plan.EncodedChunkSize = base64EncodedLen(chunk)
		plan.EncodedLastChunkSize = base64EncodedLen(lastChunk)
		if chunkCount > 1 {
			plan.EncodedTotalSize = int64(plan.EncodedChunkSize)*int64(chunkCount-1) + int64(plan.EncodedLastChunkSize)
		} else {
			plan.EncodedTotalSize = int64(plan.EncodedLastChunkSize)
		}
	}
	return plan, nil
}

// PlanForSize computes a chunk layout for an image of a known size without
// consulting storage, for callers that already hold the image metadata.
func PlanForSize(totalSize int64, desiredChunkSize int, useBase64 bool) (Plan, error) {
	return planFor(totalSize, desiredChunkSize, useBase64)
}

// PlanUpload reads the size of the crash image currently in storage and
// computes the chunk layout for it. desiredChunkSize of 0 selects the
// Config.DefaultChunkSize the Courier was initialized with. Returns
// ErrNoImage when storage holds no image.
func (c *Courier) PlanUpload(desiredChunkSize int, useBase64 bool) (Plan, error) {
	atomic.AddUint64(&c.planCounter, 1)

	if desiredChunkSize == 0 {
		desiredChunkSize = c.config.DefaultChunkSize
	}

	info, err := c.store.Image()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Plan{}, ErrNoImage
		}
		return Plan{}, fmt.Errorf("failed to locate crash image: %w", err)
	}

	plan, err := planFor(info.TotalSize, desiredChunkSize, useBase64)
	if err != nil {
		return Plan{}, err
	}
	plan.BaseAddress = info.BaseAddress
	return plan, nil
}

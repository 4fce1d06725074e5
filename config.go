package coredump

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// DefaultMaxChunkSize bounds the per-upload read buffer when the caller does
// not set one. Mirrors the memory budget of the constrained devices the
// crash images come from.
const DefaultMaxChunkSize = 64 * 1024

// Config carries the engine settings. Zero values select the documented
// defaults in Init.
type Config struct {
	// DefaultChunkSize is the raw chunk size used when an upload is
	// planned without an explicit one. 0 selects DefaultChunkSize (768).
	DefaultChunkSize int

	// MaxChunkSize caps the read and encode buffers one upload call may
	// allocate. Plans exceeding it are rejected with ErrChunkTooLarge
	// before any sink call. 0 selects DefaultMaxChunkSize.
	MaxChunkSize int

	Logger *logrus.Logger
}

func (c *Config) checkConfig() error {
	if c.DefaultChunkSize < 0 {
		return fmt.Errorf("default chunk size must not be negative, got %d", c.DefaultChunkSize)
	}
	if c.MaxChunkSize < 0 {
		return fmt.Errorf("max chunk size must not be negative, got %d", c.MaxChunkSize)
	}
	if c.DefaultChunkSize == 0 {
		c.DefaultChunkSize = DefaultChunkSize
	}
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.DefaultChunkSize > c.MaxChunkSize {
		return fmt.Errorf("default chunk size %d exceeds max chunk size %d", c.DefaultChunkSize, c.MaxChunkSize)
	}
	return nil
}

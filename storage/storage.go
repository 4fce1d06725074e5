// Package storage holds the crash image between the restart that produced it
// and the upload that drains it. The upload engine only needs the three
// ImageStore operations; everything else here is the Badger-backed
// implementation used on gateways and an in-memory one for tests.
package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound means the store holds no crash image.
var ErrNotFound = errors.New("no crash image stored")

// ImageInfo locates the crash image inside the store's address space.
type ImageInfo struct {
	BaseAddress int64
	TotalSize   int64
}

// ImageStore is the persistent-storage collaborator the upload engine reads
// the crash image from. The engine never writes through it except via Erase.
type ImageStore interface {
	// Image returns the location and size of the stored crash image, or
	// ErrNotFound when none was captured.
	Image() (ImageInfo, error)

	// ReadAt fills p with len(p) bytes starting at absolute address off.
	// Short reads are errors.
	ReadAt(p []byte, off int64) error

	// Erase removes the crash image. Erasing an empty store returns
	// ErrNotFound.
	Erase() error
}

// Memory is an ImageStore backed by a byte slice. Used by tests and
// fault-injection harnesses; not persistent.
type Memory struct {
	base int64
	data []byte
}

// NewMemory returns a Memory store presenting data at the given base
// address.
func NewMemory(data []byte, baseAddress int64) *Memory {
	return &Memory{base: baseAddress, data: data}
}

func (m *Memory) Image() (ImageInfo, error) {
	if len(m.data) == 0 {
		return ImageInfo{}, ErrNotFound
	}
	return ImageInfo{BaseAddress: m.base, TotalSize: int64(len(m.data))}, nil
}

func (m *Memory) ReadAt(p []byte, off int64) error {
	rel := off - m.base
	if rel < 0 || rel+int64(len(p)) > int64(len(m.data)) {
		return fmt.Errorf("read [%d,%d) outside image of %d bytes", rel, rel+int64(len(p)), len(m.data))
	}
	copy(p, m.data[rel:])
	return nil
}

func (m *Memory) Erase() error {
	if len(m.data) == 0 {
		return ErrNotFound
	}
	m.data = nil
	return nil
}

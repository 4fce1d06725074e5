package storage

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/avellar-iot/coredump/pkg/spaceinfo"
)

const (
	// Key layout in BadgerDB
	recordKey     = "meta:image" // cbor imageRecord
	segmentPrefix = "seg:"       // zstd-compressed image segments

	// DefaultSegmentSize is the raw size of one stored segment.
	DefaultSegmentSize = 4096
)

// imageRecord is the cbor-encoded metadata stored alongside the segments.
type imageRecord struct {
	CaptureID   string `cbor:"id"`
	Reason      string `cbor:"reason"`
	CapturedAt  int64  `cbor:"captured_at"`
	BaseAddress int64  `cbor:"base_address"`
	TotalSize   int64  `cbor:"total_size"`
	SegmentSize int    `cbor:"segment_size"`
}

// CaptureInfo describes the stored crash image beyond what the upload
// engine needs: identity, restart cause and capture time.
type CaptureInfo struct {
	CaptureID   string
	Reason      string
	CapturedAt  time.Time
	BaseAddress int64
	TotalSize   int64
}

// Options configures a Flash store.
type Options struct {
	// Path is the BadgerDB directory.
	Path string

	// BaseAddress is the address the stored image is presented at. Kept
	// from the device's flash layout so offsets in diagnostics line up.
	BaseAddress int64

	// SegmentSize is the raw size of one stored segment. 0 selects
	// DefaultSegmentSize.
	SegmentSize int

	// MinimumFreeSpace is the free-space floor in gigabytes. Open fails
	// when the filesystem holding Path has less free space than this, so
	// the store never starts filling an already tight disk. 0 disables
	// the check.
	MinimumFreeSpace int

	// SkipDiskReport suppresses the disk usage log on open.
	SkipDiskReport bool

	Logger *logrus.Logger
}

// Flash is a persistent ImageStore backed by BadgerDB. The image is split
// into fixed-size segments, each zstd-compressed, so ReadAt only touches the
// segments a chunk overlaps.
type Flash struct {
	db   *badger.DB
	opts Options
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	log  *logrus.Logger
}

// Open opens (creating if needed) the store at opts.Path.
func Open(opts Options) (*Flash, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.SegmentSize == 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.SegmentSize < 0 {
		return nil, fmt.Errorf("segment size must be positive, got %d", opts.SegmentSize)
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("store path must not be empty")
	}
	if opts.MinimumFreeSpace < 0 {
		return nil, fmt.Errorf("minimum free space must not be negative, got %d", opts.MinimumFreeSpace)
	}

	badgerOpts := badger.DefaultOptions(opts.Path)
	badgerOpts.Logger = nil
	// Crash images must survive the next restart, so pay for sync writes.
	badgerOpts.SyncWrites = true

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", opts.Path, err)
	}

	if opts.MinimumFreeSpace > 0 {
		free, err := spaceinfo.FreeSpace(opts.Path)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to check free space at %s: %w", opts.Path, err)
		}
		if floor := uint64(opts.MinimumFreeSpace) * 1e9; free < floor {
			db.Close()
			return nil, fmt.Errorf("free space at %s is %.2fGB, below the %dGB minimum", opts.Path, float64(free)/1e9, opts.MinimumFreeSpace)
		}
	}

	if !opts.SkipDiskReport {
		if err := spaceinfo.DisplayDiskUsage(opts.Logger, []string{opts.Path}); err != nil {
			opts.Logger.Warnf("Disk usage report failed: %v", err)
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Flash{db: db, opts: opts, enc: enc, dec: dec, log: opts.Logger}, nil
}

func (f *Flash) Close() error {
	f.enc.Close()
	f.dec.Close()
	return f.db.Close()
}

func segmentKey(index int) []byte {
	return []byte(fmt.Sprintf("%s%06d", segmentPrefix, index))
}

// SaveImage stores data as the current crash image, replacing any previous
// one. reason records the restart cause observed when the image was
// captured.
func (f *Flash) SaveImage(data []byte, reason string) (ImageInfo, error) {
	if len(data) == 0 {
		return ImageInfo{}, fmt.Errorf("crash image must not be empty")
	}

	// Drop a previous image first so stale trailing segments cannot
	// outlive a smaller replacement.
	if err := f.Erase(); err != nil && err != ErrNotFound {
		return ImageInfo{}, fmt.Errorf("failed to erase previous image: %w", err)
	}

	record := imageRecord{
		CaptureID:   uuid.NewString(),
		Reason:      reason,
		CapturedAt:  time.Now().Unix(),
		BaseAddress: f.opts.BaseAddress,
		TotalSize:   int64(len(data)),
		SegmentSize: f.opts.SegmentSize,
	}
	encodedRecord, err := cbor.Marshal(record)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to marshal image record: %w", err)
	}

	// WriteBatch for better handling of large images.
	wb := f.db.NewWriteBatch()
	defer wb.Cancel()

	if err := wb.Set([]byte(recordKey), encodedRecord); err != nil {
		return ImageInfo{}, fmt.Errorf("failed to store image record: %w", err)
	}

	for index := 0; index*f.opts.SegmentSize < len(data); index++ {
		start := index * f.opts.SegmentSize
		end := start + f.opts.SegmentSize
		if end > len(data) {
			end = len(data)
		}
		compressed := f.enc.EncodeAll(data[start:end], nil)
		if err := wb.Set(segmentKey(index), compressed); err != nil {
			return ImageInfo{}, fmt.Errorf("failed to store segment %d: %w", index, err)
		}
	}

	if err := wb.Flush(); err != nil {
		f.log.Errorf("Failed to store crash image: %v", err)
		return ImageInfo{}, fmt.Errorf("failed to commit image batch: %w", err)
	}

	f.log.Infof("Stored crash image: %d bytes, reason=%s, capture=%s", len(data), reason, record.CaptureID)
	return ImageInfo{BaseAddress: record.BaseAddress, TotalSize: record.TotalSize}, nil
}

// loadRecord reads and decodes the image record inside txn.
func (f *Flash) loadRecord(txn *badger.Txn) (imageRecord, error) {
	item, err := txn.Get([]byte(recordKey))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return imageRecord{}, ErrNotFound
		}
		return imageRecord{}, fmt.Errorf("failed to get image record: %w", err)
	}

	var raw []byte
	if err := item.Value(func(val []byte) error {
		raw = append([]byte(nil), val...)
		return nil
	}); err != nil {
		return imageRecord{}, fmt.Errorf("failed to read image record value: %w", err)
	}

	var record imageRecord
	if err := cbor.Unmarshal(raw, &record); err != nil {
		return imageRecord{}, fmt.Errorf("failed to unmarshal image record: %w", err)
	}
	return record, nil
}

func (f *Flash) Image() (ImageInfo, error) {
	var info ImageInfo
	err := f.db.View(func(txn *badger.Txn) error {
		record, err := f.loadRecord(txn)
		if err != nil {
			return err
		}
		info = ImageInfo{BaseAddress: record.BaseAddress, TotalSize: record.TotalSize}
		return nil
	})
	if err != nil {
		return ImageInfo{}, err
	}
	return info, nil
}

// Capture returns the full capture metadata of the stored image.
func (f *Flash) Capture() (CaptureInfo, error) {
	var capture CaptureInfo
	err := f.db.View(func(txn *badger.Txn) error {
		record, err := f.loadRecord(txn)
		if err != nil {
			return err
		}
		capture = CaptureInfo{
			CaptureID:   record.CaptureID,
			Reason:      record.Reason,
			CapturedAt:  time.Unix(record.CapturedAt, 0),
			BaseAddress: record.BaseAddress,
			TotalSize:   record.TotalSize,
		}
		return nil
	})
	if err != nil {
		return CaptureInfo{}, err
	}
	return capture, nil
}

func (f *Flash) ReadAt(p []byte, off int64) error {
	return f.db.View(func(txn *badger.Txn) error {
		record, err := f.loadRecord(txn)
		if err != nil {
			return err
		}

		rel := off - record.BaseAddress
		if rel < 0 || rel+int64(len(p)) > record.TotalSize {
			return fmt.Errorf("read [%d,%d) outside image of %d bytes", rel, rel+int64(len(p)), record.TotalSize)
		}

		segSize := int64(record.SegmentSize)
		copied := 0
		for index := int(rel / segSize); copied < len(p); index++ {
			item, err := txn.Get(segmentKey(index))
			if err != nil {
				return fmt.Errorf("failed to get segment %d: %w", index, err)
			}
			var compressed []byte
			if err := item.Value(func(val []byte) error {
				compressed = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return fmt.Errorf("failed to read segment %d value: %w", index, err)
			}
			segment, err := f.dec.DecodeAll(compressed, nil)
			if err != nil {
				return fmt.Errorf("failed to decompress segment %d: %w", index, err)
			}

			segStart := int64(index) * segSize
			from := rel + int64(copied) - segStart
			if from < 0 || from >= int64(len(segment)) {
				return fmt.Errorf("segment %d shorter than expected: have %d, need offset %d", index, len(segment), from)
			}
			copied += copy(p[copied:], segment[from:])
		}
		return nil
	})
}

func (f *Flash) Erase() error {
	var record imageRecord
	err := f.db.View(func(txn *badger.Txn) error {
		var err error
		record, err = f.loadRecord(txn)
		return err
	})
	if err != nil {
		return err
	}

	wb := f.db.NewWriteBatch()
	defer wb.Cancel()

	if err := wb.Delete([]byte(recordKey)); err != nil {
		return fmt.Errorf("failed to delete image record: %w", err)
	}
	segments := int((record.TotalSize + int64(record.SegmentSize) - 1) / int64(record.SegmentSize))
	for index := 0; index < segments; index++ {
		if err := wb.Delete(segmentKey(index)); err != nil {
			return fmt.Errorf("failed to delete segment %d: %w", index, err)
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to commit erase batch: %w", err)
	}

	f.log.Infof("Erased crash image (capture=%s, %d bytes)", record.CaptureID, record.TotalSize)
	return nil
}

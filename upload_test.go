package coredump

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avellar-iot/coredump/storage"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// scriptedSink records the engine's calls and fails on cue.
type scriptedSink struct {
	startErr       error
	endErr         error
	writeErr       error
	failOnWrite    int // 1-based write call to fail, 0 = never
	progressErr    error
	failOnProgress int // 1-based progress call to fail, 0 = never

	calls    []string
	payloads [][]byte
	progress []int
}

func (s *scriptedSink) Start(_ context.Context, _ *Plan) error {
	s.calls = append(s.calls, "start")
	return s.startErr
}

func (s *scriptedSink) Write(_ context.Context, payload []byte) error {
	s.calls = append(s.calls, "write")
	if s.failOnWrite != 0 && len(s.payloads)+1 == s.failOnWrite {
		return s.writeErr
	}
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	return nil
}

func (s *scriptedSink) Progress(_ context.Context, _ *Plan, chunkIndex int, bytesSent int) error {
	s.calls = append(s.calls, "progress")
	s.progress = append(s.progress, bytesSent)
	if s.failOnProgress != 0 && chunkIndex+1 == s.failOnProgress {
		return s.progressErr
	}
	return nil
}

func (s *scriptedSink) End(_ context.Context) error {
	s.calls = append(s.calls, "end")
	return s.endErr
}

func (s *scriptedSink) received() []byte {
	var all []byte
	for _, p := range s.payloads {
		all = append(all, p...)
	}
	return all
}

// faultStore wraps an ImageStore with injectable read and erase failures.
type faultStore struct {
	storage.ImageStore
	readErr    error
	failOnRead int // 1-based ReadAt call to fail, 0 = never
	eraseErr   error

	reads  int
	erases int
}

func (f *faultStore) ReadAt(p []byte, off int64) error {
	f.reads++
	if f.failOnRead != 0 && f.reads == f.failOnRead {
		return f.readErr
	}
	return f.ImageStore.ReadAt(p, off)
}

func (f *faultStore) Erase() error {
	f.erases++
	if f.eraseErr != nil {
		return f.eraseErr
	}
	return f.ImageStore.Erase()
}

func testImage(t *testing.T, size int) []byte {
	t.Helper()
	image := make([]byte, size)
	_, err := rand.Read(image)
	require.NoError(t, err)
	return image
}

func setupCourier(t *testing.T, image []byte) (*Courier, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory(image, 0x3f0000)
	courier, err := Init(store, &Config{Logger: quietLogger()})
	require.NoError(t, err)
	return courier, store
}

func TestUploadSuccess(t *testing.T) {
	image := testImage(t, 1536)
	courier, store := setupCourier(t, image)

	plan, err := courier.PlanUpload(768, false)
	require.NoError(t, err)

	sink := &scriptedSink{}
	require.NoError(t, courier.Upload(context.Background(), sink, &plan))

	assert.Equal(t, []string{"start", "write", "progress", "write", "progress", "end"}, sink.calls)
	assert.Equal(t, image, sink.received())
	assert.Equal(t, []int{768, 768}, sink.progress)

	// Full success erases the image.
	_, err = store.Image()
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUploadBase64RoundTrip(t *testing.T) {
	image := testImage(t, 1000)
	courier, _ := setupCourier(t, image)

	plan, err := courier.PlanUpload(768, true)
	require.NoError(t, err)

	sink := &scriptedSink{}
	require.NoError(t, courier.Upload(context.Background(), sink, &plan))
	require.Len(t, sink.payloads, 2)

	// Each chunk decodes on its own, and padding only appears on the
	// final one.
	var decoded []byte
	for i, payload := range sink.payloads {
		part, err := base64.StdEncoding.DecodeString(string(payload))
		require.NoError(t, err, "chunk %d must be independently decodable", i)
		if i < len(sink.payloads)-1 {
			assert.NotContains(t, string(payload), "=")
		}
		decoded = append(decoded, part...)
	}
	assert.Equal(t, image, decoded)
}

func TestUploadNilPlanUsesDefaults(t *testing.T) {
	image := testImage(t, 2000)
	courier, store := setupCourier(t, image)

	sink := &scriptedSink{}
	require.NoError(t, courier.Upload(context.Background(), sink, nil))

	// ceil(2000/768) = 3 chunks, raw payloads.
	require.Len(t, sink.payloads, 3)
	assert.Equal(t, image, sink.received())

	_, err := store.Image()
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUploadNilPlanHonorsConfiguredChunkSize(t *testing.T) {
	image := testImage(t, 1000)
	store := storage.NewMemory(image, 0)
	courier, err := Init(store, &Config{DefaultChunkSize: 256, Logger: quietLogger()})
	require.NoError(t, err)

	sink := &scriptedSink{}
	require.NoError(t, courier.Upload(context.Background(), sink, nil))

	// ceil(1000/256) = 4 chunks of the configured size, not the package
	// default.
	require.Len(t, sink.payloads, 4)
	assert.Len(t, sink.payloads[0], 256)
	assert.Equal(t, image, sink.received())
}

func TestUploadNoImage(t *testing.T) {
	courier, _ := setupCourier(t, nil)

	sink := &scriptedSink{}
	err := courier.Upload(context.Background(), sink, nil)
	require.ErrorIs(t, err, ErrNoImage)

	// The sink must not have been touched.
	assert.Empty(t, sink.calls)
}

func TestUploadNilSink(t *testing.T) {
	courier, _ := setupCourier(t, testImage(t, 100))
	err := courier.Upload(context.Background(), nil, nil)
	require.ErrorIs(t, err, ErrInvalidSink)
}

func TestUploadSinkFuncsWithoutWrite(t *testing.T) {
	image := testImage(t, 100)
	courier, store := setupCourier(t, image)

	started := false
	err := courier.Upload(context.Background(), &SinkFuncs{
		StartFunc: func(context.Context, *Plan) error {
			started = true
			return nil
		},
	}, nil)
	require.ErrorIs(t, err, ErrInvalidSink)
	assert.False(t, started, "missing write must be detected before start")

	_, err = store.Image()
	assert.NoError(t, err, "image must be preserved")
}

func TestUploadStartFailure(t *testing.T) {
	courier, store := setupCourier(t, testImage(t, 1000))

	startErr := errors.New("broker unreachable")
	sink := &scriptedSink{startErr: startErr}
	err := courier.Upload(context.Background(), sink, nil)
	require.ErrorIs(t, err, startErr)

	// No chunk was read or written, and end is not reached.
	assert.Equal(t, []string{"start"}, sink.calls)
	_, err = store.Image()
	assert.NoError(t, err)
}

func TestUploadWriteFailureKeepsImage(t *testing.T) {
	image := testImage(t, 3*768)
	courier, store := setupCourier(t, image)

	plan, err := courier.PlanUpload(768, false)
	require.NoError(t, err)
	require.Equal(t, 3, plan.ChunkCount)

	writeErr := errors.New("publish refused")
	sink := &scriptedSink{writeErr: writeErr, failOnWrite: 2}
	err = courier.Upload(context.Background(), sink, &plan)
	require.ErrorIs(t, err, writeErr)

	// Chunk 2 of 3 failed: end is still invoked, chunk 3 is never sent.
	assert.Equal(t, []string{"start", "write", "progress", "write", "end"}, sink.calls)

	// Image stays for a retry.
	info, err := store.Image()
	require.NoError(t, err)
	assert.Equal(t, int64(len(image)), info.TotalSize)
}

func TestUploadReadFailure(t *testing.T) {
	store := &faultStore{
		ImageStore: storage.NewMemory(testImage(t, 1536), 0),
		readErr:    errors.New("flash read timeout"),
		failOnRead: 2,
	}
	courier, err := Init(store, &Config{Logger: quietLogger()})
	require.NoError(t, err)

	sink := &scriptedSink{}
	err = courier.Upload(context.Background(), sink, nil)
	require.ErrorContains(t, err, "flash read timeout")

	// End still bracketed the attempt; nothing was erased.
	assert.Equal(t, "end", sink.calls[len(sink.calls)-1])
	assert.Zero(t, store.erases)
}

func TestUploadProgressVeto(t *testing.T) {
	courier, store := setupCourier(t, testImage(t, 1536))

	vetoErr := errors.New("battery low")
	sink := &scriptedSink{progressErr: vetoErr, failOnProgress: 1}
	err := courier.Upload(context.Background(), sink, nil)

	// Cancellation is distinct from a transport failure but carries the
	// callback's error.
	require.ErrorIs(t, err, ErrUploadCanceled)
	require.ErrorIs(t, err, vetoErr)

	assert.Equal(t, []string{"start", "write", "progress", "end"}, sink.calls)
	_, imgErr := store.Image()
	assert.NoError(t, imgErr)
}

func TestUploadEndFailureOverridesCleanTransfer(t *testing.T) {
	courier, store := setupCourier(t, testImage(t, 500))

	endErr := errors.New("close failed")
	sink := &scriptedSink{endErr: endErr}
	err := courier.Upload(context.Background(), sink, nil)
	require.ErrorIs(t, err, endErr)

	_, imgErr := store.Image()
	assert.NoError(t, imgErr, "end failure must preserve the image")
}

func TestUploadEndFailureDoesNotMaskEarlierFailure(t *testing.T) {
	courier, _ := setupCourier(t, testImage(t, 1536))

	writeErr := errors.New("publish refused")
	sink := &scriptedSink{
		writeErr:    writeErr,
		failOnWrite: 1,
		endErr:      errors.New("close failed"),
	}
	err := courier.Upload(context.Background(), sink, nil)
	require.ErrorIs(t, err, writeErr)
	require.NotErrorIs(t, err, sink.endErr)
}

func TestUploadEraseFailure(t *testing.T) {
	image := testImage(t, 700)
	store := &faultStore{
		ImageStore: storage.NewMemory(image, 0),
		eraseErr:   errors.New("erase blocked"),
	}
	courier, err := Init(store, &Config{Logger: quietLogger()})
	require.NoError(t, err)

	sink := &scriptedSink{}
	err = courier.Upload(context.Background(), sink, nil)

	// Delivered-but-not-erased is a distinct outcome: the data arrived.
	var notErased *DeliveredNotErasedError
	require.ErrorAs(t, err, &notErased)
	assert.Equal(t, image, sink.received())
	assert.Equal(t, 1, store.erases)
}

func TestUploadChunkTooLarge(t *testing.T) {
	store := storage.NewMemory(testImage(t, 1<<20), 0)
	courier, err := Init(store, &Config{MaxChunkSize: 4096, Logger: quietLogger()})
	require.NoError(t, err)

	plan, err := courier.PlanUpload(8192, false)
	require.NoError(t, err)

	sink := &scriptedSink{}
	err = courier.Upload(context.Background(), sink, &plan)
	require.ErrorIs(t, err, ErrChunkTooLarge)

	// Rejected before any side effect.
	assert.Empty(t, sink.calls)
	_, imgErr := store.Image()
	assert.NoError(t, imgErr)
}

// TestUploadRetryDeliversIdenticalBytes checks the all-or-nothing-per-attempt
// semantic: a failed attempt leaves the image intact, and the retry resends
// byte-identical content.
func TestUploadRetryDeliversIdenticalBytes(t *testing.T) {
	image := testImage(t, 5000)
	courier, store := setupCourier(t, image)

	first := &scriptedSink{writeErr: errors.New("flaky link"), failOnWrite: 4}
	err := courier.Upload(context.Background(), first, nil)
	require.Error(t, err)

	_, imgErr := store.Image()
	require.NoError(t, imgErr, "failed attempt must keep the image")

	second := &scriptedSink{}
	require.NoError(t, courier.Upload(context.Background(), second, nil))

	assert.Equal(t, image, second.received())
	assert.True(t, bytes.HasPrefix(image, first.received()), "both attempts must read the same bytes")

	_, imgErr = store.Image()
	assert.ErrorIs(t, imgErr, storage.ErrNotFound)
}

func TestUploadThroughSinkFuncs(t *testing.T) {
	image := testImage(t, 1234)
	courier, _ := setupCourier(t, image)

	var got []byte
	var ended bool
	sink := &SinkFuncs{
		WriteFunc: func(_ context.Context, payload []byte) error {
			got = append(got, payload...)
			return nil
		},
		EndFunc: func(context.Context) error {
			ended = true
			return nil
		},
	}
	require.NoError(t, courier.Upload(context.Background(), sink, nil))
	assert.Equal(t, image, got)
	assert.True(t, ended)
}

func TestEncodeChunkBufferTooSmall(t *testing.T) {
	_, err := encodeChunk(make([]byte, 3), []byte("hello"))
	require.Error(t, err)

	n, err := encodeChunk(make([]byte, 8), []byte("hi!"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestUploadCountsAttempts(t *testing.T) {
	courier, _ := setupCourier(t, testImage(t, 100))

	_ = courier.Upload(context.Background(), &scriptedSink{}, nil)
	_ = courier.Upload(context.Background(), &scriptedSink{}, nil)

	plans, uploads := courier.Stats()
	assert.Equal(t, uint64(2), uploads)
	assert.GreaterOrEqual(t, plans, uint64(1))
}

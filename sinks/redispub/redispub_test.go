package redispub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avellar-iot/coredump"
)

type published struct {
	channel string
	payload []byte
}

// fakePublisher records publishes and fails on cue.
type fakePublisher struct {
	messages []published
	failOn   int // 1-based publish call to fail, 0 = never
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	call := len(f.messages) + 1
	if f.failOn != 0 && call == f.failOn {
		return redis.NewIntResult(0, errors.New("connection lost"))
	}

	var payload []byte
	switch m := message.(type) {
	case []byte:
		payload = append([]byte(nil), m...)
	case string:
		payload = []byte(m)
	default:
		payload = []byte(fmt.Sprint(m))
	}
	f.messages = append(f.messages, published{channel: channel, payload: payload})
	return redis.NewIntResult(1, nil)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testPlan(t *testing.T) *coredump.Plan {
	t.Helper()
	// Match the layout the engine would compute for a 1000 byte image in
	// 768 byte chunks with base64 on.
	return &coredump.Plan{
		TotalSize:            1000,
		RawChunkSize:         768,
		ChunkCount:           2,
		LastChunkSize:        232,
		UseBase64:            true,
		EncodedChunkSize:     1024,
		EncodedLastChunkSize: 312,
		EncodedTotalSize:     1336,
	}
}

func TestSinkPublishSequence(t *testing.T) {
	pub := &fakePublisher{}
	sink := New(pub, "coredump/aa:bb:cc", testLogger())
	ctx := context.Background()

	require.NoError(t, sink.Start(ctx, testPlan(t)))
	require.NotEmpty(t, sink.UploadID())

	require.NoError(t, sink.Write(ctx, []byte("part-one")))
	require.NoError(t, sink.Write(ctx, []byte("part-two")))
	require.NoError(t, sink.End(ctx))

	require.Len(t, pub.messages, 4)

	// Announcement on the base channel.
	assert.Equal(t, "coredump/aa:bb:cc", pub.messages[0].channel)
	var ann announcement
	require.NoError(t, json.Unmarshal(pub.messages[0].payload, &ann))
	assert.Equal(t, sink.UploadID(), ann.UploadID)
	assert.Equal(t, 2, ann.Parts)
	assert.Equal(t, int64(1336), ann.TotalBytes)
	assert.Equal(t, "base64", ann.Encoding)

	// Parts are numbered from 1 on sub-channels.
	assert.Equal(t, "coredump/aa:bb:cc/1", pub.messages[1].channel)
	assert.Equal(t, []byte("part-one"), pub.messages[1].payload)
	assert.Equal(t, "coredump/aa:bb:cc/2", pub.messages[2].channel)
	assert.Equal(t, []byte("part-two"), pub.messages[2].payload)

	// Completion back on the base channel.
	assert.Equal(t, "coredump/aa:bb:cc", pub.messages[3].channel)
	var done completion
	require.NoError(t, json.Unmarshal(pub.messages[3].payload, &done))
	assert.Equal(t, sink.UploadID(), done.UploadID)
	assert.Equal(t, "complete", done.Status)
}

func TestSinkRawEncoding(t *testing.T) {
	pub := &fakePublisher{}
	sink := New(pub, "coredump/dev", testLogger())

	plan := testPlan(t)
	plan.UseBase64 = false
	require.NoError(t, sink.Start(context.Background(), plan))

	var ann announcement
	require.NoError(t, json.Unmarshal(pub.messages[0].payload, &ann))
	assert.Equal(t, "raw", ann.Encoding)
	assert.Equal(t, int64(1000), ann.TotalBytes)
}

func TestSinkStartFailure(t *testing.T) {
	pub := &fakePublisher{failOn: 1}
	sink := New(pub, "coredump/dev", testLogger())

	err := sink.Start(context.Background(), testPlan(t))
	require.ErrorContains(t, err, "connection lost")
}

func TestSinkWriteFailure(t *testing.T) {
	pub := &fakePublisher{failOn: 2}
	sink := New(pub, "coredump/dev", testLogger())
	ctx := context.Background()

	require.NoError(t, sink.Start(ctx, testPlan(t)))
	err := sink.Write(ctx, []byte("part"))
	require.ErrorContains(t, err, "failed to publish part 1")
}

func TestSinkRestartsNumbering(t *testing.T) {
	pub := &fakePublisher{}
	sink := New(pub, "coredump/dev", testLogger())
	ctx := context.Background()

	require.NoError(t, sink.Start(ctx, testPlan(t)))
	require.NoError(t, sink.Write(ctx, []byte("a")))
	first := sink.UploadID()

	// A second attempt through the same sink starts over.
	require.NoError(t, sink.Start(ctx, testPlan(t)))
	require.NoError(t, sink.Write(ctx, []byte("b")))

	assert.NotEqual(t, first, sink.UploadID())
	assert.Equal(t, "coredump/dev/1", pub.messages[3].channel)
}

func TestSinkProgressIsQuiet(t *testing.T) {
	sink := New(&fakePublisher{}, "coredump/dev", testLogger())
	require.NoError(t, sink.Progress(context.Background(), testPlan(t), 0, 1024))
}

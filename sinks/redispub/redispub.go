// Package redispub is a transport sink that publishes crash-image chunks
// over Redis pub/sub. The transfer is announced on the base channel and each
// part goes out on "<channel>/<n>", so a subscriber can reassemble the image
// from the part numbers alone.
package redispub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/avellar-iot/coredump"
)

// Publisher is the slice of the go-redis client the sink needs. *redis.Client
// satisfies it; tests substitute a recorder.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Sink publishes one upload. Not safe for concurrent uploads; use one Sink
// per attempt or serialize, exactly like the engine itself.
type Sink struct {
	client  Publisher
	channel string
	log     *logrus.Logger

	uploadID string
	part     int
}

type announcement struct {
	UploadID   string `json:"upload_id"`
	Parts      int    `json:"parts"`
	TotalBytes int64  `json:"total_bytes"`
	Encoding   string `json:"encoding"`
}

type completion struct {
	UploadID string `json:"upload_id"`
	Status   string `json:"status"`
}

func New(client Publisher, channel string, logger *logrus.Logger) *Sink {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sink{client: client, channel: channel, log: logger}
}

// UploadID returns the identifier generated for the current transfer. Empty
// before Start.
func (s *Sink) UploadID() string { return s.uploadID }

func (s *Sink) Start(ctx context.Context, plan *coredump.Plan) error {
	s.uploadID = uuid.NewString()
	s.part = 0

	encoding := "raw"
	if plan.UseBase64 {
		encoding = "base64"
	}
	msg, err := json.Marshal(announcement{
		UploadID:   s.uploadID,
		Parts:      plan.ChunkCount,
		TotalBytes: plan.PayloadTotal(),
		Encoding:   encoding,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal announcement: %w", err)
	}

	s.log.Infof("Starting crash image publish on %s (%d parts, upload=%s)", s.channel, plan.ChunkCount, s.uploadID)
	if err := s.client.Publish(ctx, s.channel, msg).Err(); err != nil {
		return fmt.Errorf("failed to publish announcement on %s: %w", s.channel, err)
	}
	return nil
}

func (s *Sink) Write(ctx context.Context, payload []byte) error {
	s.part++
	partChannel := fmt.Sprintf("%s/%d", s.channel, s.part)

	// Publish serializes the payload before returning, so the engine may
	// reuse its buffer for the next chunk.
	if err := s.client.Publish(ctx, partChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish part %d: %w", s.part, err)
	}
	return nil
}

func (s *Sink) Progress(ctx context.Context, plan *coredump.Plan, chunkIndex int, bytesSent int) error {
	s.log.Infof("Chunk %d/%d (%d bytes sent)", chunkIndex+1, plan.ChunkCount, bytesSent)
	return nil
}

func (s *Sink) End(ctx context.Context) error {
	msg, err := json.Marshal(completion{UploadID: s.uploadID, Status: "complete"})
	if err != nil {
		return fmt.Errorf("failed to marshal completion: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, msg).Err(); err != nil {
		return fmt.Errorf("failed to publish completion on %s: %w", s.channel, err)
	}
	return nil
}

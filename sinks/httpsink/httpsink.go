// Package httpsink is a transport sink that delivers crash-image chunks to
// an HTTP collector: one prepare call, one PUT per part, one finalize call.
package httpsink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/avellar-iot/coredump"
)

type prepareRequest struct {
	ChunkCount         int    `json:"chunk_count"`
	ChunkSizeBytes     int    `json:"chunk_size_bytes"`
	LastChunkSizeBytes int    `json:"last_chunk_size_bytes"`
	TotalSizeBytes     int64  `json:"total_size_bytes"`
	Encoding           string `json:"encoding"`
}

type prepareResponse struct {
	ID string `json:"id"`
}

// Sink uploads one crash image to a collector under baseURL. One Sink per
// upload attempt.
type Sink struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	log         *logrus.Logger

	uploadID string
	part     int
}

// New builds a Sink around client. A nil client selects
// retryablehttp.NewClient with its default backoff.
func New(client *retryablehttp.Client, baseURL, accessToken string, logger *logrus.Logger) *Sink {
	if logger == nil {
		logger = logrus.New()
	}
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = nil
	}
	return &Sink{httpClient: client, baseURL: baseURL, accessToken: accessToken, log: logger}
}

// UploadID returns the collector-assigned identifier. Empty before Start.
func (s *Sink) UploadID() string { return s.uploadID }

func (s *Sink) do(ctx context.Context, method, url string, body []byte, contentType string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if s.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.accessToken))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s returned %d: %s", method, url, resp.StatusCode, respBody)
	}
	return respBody, nil
}

func (s *Sink) Start(ctx context.Context, plan *coredump.Plan) error {
	s.part = 0

	encoding := "raw"
	if plan.UseBase64 {
		encoding = "base64"
	}
	body, err := json.Marshal(prepareRequest{
		ChunkCount:         plan.ChunkCount,
		ChunkSizeBytes:     plan.RawChunkSize,
		LastChunkSizeBytes: plan.LastChunkSize,
		TotalSizeBytes:     plan.TotalSize,
		Encoding:           encoding,
	})
	if err != nil {
		return err
	}

	respBody, err := s.do(ctx, http.MethodPost, fmt.Sprintf("%s/uploads", s.baseURL), body, "application/json")
	if err != nil {
		return fmt.Errorf("failed to prepare upload: %w", err)
	}

	var prepared prepareResponse
	if err := json.Unmarshal(respBody, &prepared); err != nil {
		return fmt.Errorf("failed to parse prepare response: %w", err)
	}
	if prepared.ID == "" {
		return fmt.Errorf("collector returned no upload id")
	}
	s.uploadID = prepared.ID

	s.log.Infof("Prepared crash image upload %s (%d parts)", s.uploadID, plan.ChunkCount)
	return nil
}

func (s *Sink) Write(ctx context.Context, payload []byte) error {
	s.part++
	url := fmt.Sprintf("%s/uploads/%s/parts/%d", s.baseURL, s.uploadID, s.part)

	// retryablehttp may replay the request, so hand it a copy the engine
	// cannot overwrite mid-retry.
	body := append([]byte(nil), payload...)
	if _, err := s.do(ctx, http.MethodPut, url, body, "application/octet-stream"); err != nil {
		return fmt.Errorf("failed to upload part %d: %w", s.part, err)
	}
	return nil
}

func (s *Sink) End(ctx context.Context) error {
	if s.uploadID == "" {
		return nil
	}
	url := fmt.Sprintf("%s/uploads/%s/finalize", s.baseURL, s.uploadID)
	body, err := json.Marshal(map[string]int{"parts_sent": s.part})
	if err != nil {
		return err
	}
	if _, err := s.do(ctx, http.MethodPost, url, body, "application/json"); err != nil {
		return fmt.Errorf("failed to finalize upload: %w", err)
	}
	return nil
}

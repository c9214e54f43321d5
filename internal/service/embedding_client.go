package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/pkg/config"

	"go.uber.org/zap"
)

var _ Embedder = (*EmbeddingClient)(nil)

// EmbeddingClient calls an OpenAI-compatible /embeddings endpoint.
type EmbeddingClient struct {
	client *http.Client
	url    string
	apiKey string
	model  string
	logger *zap.Logger
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewEmbeddingClient(cfg *config.EmbeddingConfig, logger *zap.Logger) *EmbeddingClient {
	return &EmbeddingClient{
		client: &http.Client{Timeout: apperr.TimeoutEmbedding},
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		logger: logger,
	}
}

func (c *EmbeddingClient) Embed(ctx context.Context, text string) (*EmbedResult, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperr.Network("embed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Network("embed", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperr.RateLimited("embed", retryAfter(resp.Header.Get("Retry-After")))
	}
	if err := apperr.FromStatus("embed", resp.StatusCode, string(raw)); err != nil {
		return nil, err
	}

	var embedResp embeddingResponse
	if err := json.Unmarshal(raw, &embedResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if embedResp.Error != nil {
		return nil, apperr.New(apperr.CategoryRetryable, "embed", fmt.Errorf("embedding error: %s", embedResp.Error.Message))
	}
	if len(embedResp.Data) == 0 || len(embedResp.Data[0].Embedding) == 0 {
		return nil, apperr.New(apperr.CategoryRetryable, "embed", fmt.Errorf("no embedding returned"))
	}

	vector := make([]float32, len(embedResp.Data[0].Embedding))
	for i, v := range embedResp.Data[0].Embedding {
		vector[i] = float32(v)
	}

	model := embedResp.Model
	if model == "" {
		model = c.model
	}
	return &EmbedResult{Vector: vector, Model: model}, nil
}

// retryAfter reads a delay in seconds; HTTP dates and garbage yield zero, which
// leaves the queue default in charge.
func retryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

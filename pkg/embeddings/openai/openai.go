// Package openai implements pkg/embeddings' Embedder for the OpenAI
// embeddings API and compatible servers.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/papercomputeco/captain/pkg/embeddings"
	"github.com/papercomputeco/captain/pkg/vector"
)

const (
	// DefaultEmbeddingModel is the default model used for embeddings.
	DefaultEmbeddingModel = "text-embedding-3-small"

	// DefaultBaseURL is the default OpenAI API URL.
	DefaultBaseURL = "https://api.openai.com"
)

// EmbedderConfig holds configuration for the OpenAI embedder.
type EmbedderConfig struct {
	// BaseURL defaults to DefaultBaseURL. A trailing "/v1" is accepted.
	BaseURL string

	// APIKey is sent as a bearer token. Required for api.openai.com.
	APIKey string

	// Model defaults to DefaultEmbeddingModel.
	Model string

	// Dimensions asks the model to shorten its output when non-zero.
	Dimensions uint

	Timeout time.Duration
}

// Embedder wraps the /v1/embeddings endpoint.
type Embedder struct {
	url        string
	apiKey     string
	model      string
	dimensions uint
	httpClient *http.Client
}

var _ embeddings.Embedder = (*Embedder)(nil)

type embedRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions uint   `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewEmbedder creates a new OpenAI embedder.
func NewEmbedder(cfg EmbedderConfig) (*Embedder, error) {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/v1")

	if cfg.APIKey == "" && baseURL == DefaultBaseURL {
		return nil, errors.New("openai api key is required")
	}

	model := cfg.Model
	if model == "" {
		model = DefaultEmbeddingModel
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Embedder{
		url:        baseURL + "/v1/embeddings",
		apiKey:     cfg.APIKey,
		model:      model,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Embed converts text into a vector embedding.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	jsonBody, err := json.Marshal(embedRequest{Model: e.model, Input: text, Dimensions: e.dimensions})
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling request: %v", vector.ErrEmbedding, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", vector.ErrEmbedding, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: sending request: %v", vector.ErrEmbedding, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var apiErr errorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("%w: openai returned status %d: %s", vector.ErrEmbedding, resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("%w: openai returned status %d: %s", vector.ErrEmbedding, resp.StatusCode, string(body))
	}

	var embedResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", vector.ErrEmbedding, err)
	}
	if len(embedResp.Data) == 0 || len(embedResp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", vector.ErrEmbedding)
	}

	return embedResp.Data[0].Embedding, nil
}

// Close releases resources held by the embedder.
func (e *Embedder) Close() error {
	return nil
}

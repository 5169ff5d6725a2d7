// Package ollama implements pkg/embeddings clients for Ollama's embedding and
// vision generation APIs
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/papercomputeco/captain/pkg/embeddings"
	"github.com/papercomputeco/captain/pkg/vector"
)

const (
	// DefaultEmbeddingModel is the default model used for embeddings.
	DefaultEmbeddingModel = "nomic-embed-text"

	// DefaultBaseURL is the default Ollama API URL.
	DefaultBaseURL = "http://localhost:11434"
)

// Embedder wraps Ollama's embedding API.
type Embedder struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// EmbedderConfig holds configuration for the Ollama embedder.
type EmbedderConfig struct {
	// BaseURL is the Ollama API URL (e.g., "http://localhost:11434").
	// Defaults to DefaultBaseURL if empty.
	BaseURL string

	// Model is the embedding model to use (e.g., "nomic-embed-text", "all-minilm").
	// Defaults to DefaultEmbeddingModel if empty.
	Model string

	// Timeout bounds each request. Defaults to two minutes.
	Timeout time.Duration
}

// embedRequest is the request body for Ollama's embedding API.
type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embedResponse is the response from Ollama's embedding API.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewEmbedder creates a new embedder using Ollama's embedding API.
func NewEmbedder(cfg EmbedderConfig) (*Embedder, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultEmbeddingModel
	}

	return &Embedder{
		baseURL:    baseURL,
		model:      model,
		httpClient: newHTTPClient(cfg.Timeout),
	}, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// post sends body as JSON to path and decodes the JSON response into out.
func post(ctx context.Context, client *http.Client, url string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshaling request: %v", vector.ErrEmbedding, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("%w: creating request: %v", vector.ErrEmbedding, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending request: %v", vector.ErrEmbedding, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: ollama returned status %d: %s", vector.ErrEmbedding, resp.StatusCode, string(b))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", vector.ErrEmbedding, err)
	}
	return nil
}

// Embed converts text into a vector embedding.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var embedResp embedResponse
	if err := post(ctx, e.httpClient, e.baseURL+"/api/embed", embedRequest{Model: e.model, Input: text}, &embedResp); err != nil {
		return nil, err
	}

	if len(embedResp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", vector.ErrEmbedding)
	}

	return embedResp.Embeddings[0], nil
}

// Close releases resources held by the embedder.
func (e *Embedder) Close() error {
	// HTTP client doesn't require explicit cleanup
	return nil
}

// Ensure Embedder implements embeddings.Embedder
var _ embeddings.Embedder = (*Embedder)(nil)

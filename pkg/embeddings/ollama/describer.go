package ollama

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/papercomputeco/captain/pkg/embeddings"
	"github.com/papercomputeco/captain/pkg/frame"
	"github.com/papercomputeco/captain/pkg/vector"
)

const (
	// DefaultVisionModel is the default model used to describe screens.
	DefaultVisionModel = "llava"

	// DefaultDescribePrompt asks for a description that is useful as search
	// text.
	DefaultDescribePrompt = "Describe this screenshot of a computer screen. " +
		"Name the applications, windows, documents and visible text that matter. " +
		"Answer in one short paragraph."
)

// DescriberConfig holds configuration for the Ollama describer.
type DescriberConfig struct {
	BaseURL string
	Model   string
	Prompt  string
	Timeout time.Duration
}

// Describer describes screens with an Ollama vision model through
// /api/generate.
type Describer struct {
	baseURL    string
	model      string
	prompt     string
	httpClient *http.Client
}

var _ embeddings.Describer = (*Describer)(nil)

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Stream bool     `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// NewDescriber creates a describer.
func NewDescriber(cfg DescriberConfig) (*Describer, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultVisionModel
	}
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = DefaultDescribePrompt
	}

	return &Describer{
		baseURL:    baseURL,
		model:      model,
		prompt:     prompt,
		httpClient: newHTTPClient(cfg.Timeout),
	}, nil
}

// Describe returns the model's description of img.
func (d *Describer) Describe(ctx context.Context, img frame.Image) (string, error) {
	if len(img.Data) == 0 {
		return "", fmt.Errorf("%w: empty image", vector.ErrEmbedding)
	}

	req := generateRequest{
		Model:  d.model,
		Prompt: d.prompt,
		Images: []string{base64.StdEncoding.EncodeToString(img.Data)},
		Stream: false,
	}

	var resp generateResponse
	if err := post(ctx, d.httpClient, d.baseURL+"/api/generate", req, &resp); err != nil {
		return "", err
	}

	text := strings.TrimSpace(resp.Response)
	if text == "" {
		return "", fmt.Errorf("%w: empty description", vector.ErrEmbedding)
	}
	return text, nil
}

// Close releases resources held by the describer.
func (d *Describer) Close() error {
	return nil
}

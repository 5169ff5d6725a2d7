// Package embeddingutils is the embeddings utility package
package embeddingutils

import (
	"errors"
	"fmt"
	"os"

	"github.com/papercomputeco/captain/pkg/embeddings"
	"github.com/papercomputeco/captain/pkg/embeddings/ollama"
	"github.com/papercomputeco/captain/pkg/embeddings/openai"
)

// Provider names.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// OpenAIKeyEnv is read when no api key is configured.
const OpenAIKeyEnv = "OPENAI_API_KEY"

type NewEmbedderOpts struct {
	ProviderType string
	TargetURL    string
	Model        string
	Dimensions   uint
	APIKey       string
}

func NewEmbedder(o *NewEmbedderOpts) (embeddings.Embedder, error) {
	switch o.ProviderType {
	case ProviderOllama:
		return ollama.NewEmbedder(ollama.EmbedderConfig{
			BaseURL: o.TargetURL,
			Model:   o.Model,
		})
	case ProviderOpenAI:
		key := o.APIKey
		if key == "" {
			key = os.Getenv(OpenAIKeyEnv)
		}
		return openai.NewEmbedder(openai.EmbedderConfig{
			BaseURL:    o.TargetURL,
			APIKey:     key,
			Model:      o.Model,
			Dimensions: o.Dimensions,
		})
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", o.ProviderType)
	}
}

type NewDescriberOpts struct {
	ProviderType string
	TargetURL    string
	Model        string
}

// NewDescriber returns nil without error for the "none" provider, which
// embeds captions only.
func NewDescriber(o *NewDescriberOpts) (embeddings.Describer, error) {
	switch o.ProviderType {
	case "", ProviderNone:
		return nil, nil
	case ProviderOllama:
		return ollama.NewDescriber(ollama.DescriberConfig{
			BaseURL: o.TargetURL,
			Model:   o.Model,
		})
	default:
		return nil, fmt.Errorf("unsupported describe provider: %s", o.ProviderType)
	}
}

// NewFrameEmbedder builds the describe-then-embed pipeline.
func NewFrameEmbedder(describe *NewDescriberOpts, embed *NewEmbedderOpts) (embeddings.FrameEmbedder, error) {
	if embed == nil {
		return nil, errors.New("embedding options are required")
	}

	embedder, err := NewEmbedder(embed)
	if err != nil {
		return nil, err
	}

	var describer embeddings.Describer
	if describe != nil {
		describer, err = NewDescriber(describe)
		if err != nil {
			embedder.Close()
			return nil, err
		}
	}

	return embeddings.NewDescribingEmbedder(describer, embedder)
}

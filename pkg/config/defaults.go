package config

import "time"

const (
	defaultMetadataProvider = "sqlite"
	defaultBlobProvider     = "local"
	defaultCompression      = "zstd"
	defaultCacheEntries     = 256

	defaultCaptureCommand  = "import -window root png:-"
	defaultCaptureInterval = time.Second
	defaultCaptureTimeout  = 5 * time.Second
	defaultWindow          = 3 * time.Minute
	defaultBackoffMax      = 30 * time.Second

	defaultVectorProvider = "sqlite-vec"

	defaultProvider            = "ollama"
	defaultOllamaTarget        = "http://localhost:11434"
	defaultEmbeddingModel      = "embeddinggemma"
	defaultEmbeddingDimensions = 768
	defaultEmbeddingWorkers    = 2
	defaultEmbeddingQueue      = 256
	defaultRetryInterval       = 30 * time.Second
	defaultEmbeddingAttempts   = 5

	defaultVisionModel = "llava"

	defaultSimilarityThreshold = 0.97
	defaultBucket              = 30 * time.Second
	defaultBatchSize           = 32
	defaultBatchesPerSecond    = 2.0
	defaultDedupAttempts       = 3
	defaultGridSize            = 32
	defaultPixelTolerance      = 16
	defaultMinOverlap          = 0.5

	defaultTopK = 5

	defaultEventStreamProvider = "none"
	defaultTopic               = "captain.frames"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Storage: StorageConfig{
			MetadataProvider: defaultMetadataProvider,
			BlobProvider:     defaultBlobProvider,
			Compression:      defaultCompression,
			CacheEntries:     defaultCacheEntries,
		},
		Capture: CaptureConfig{
			Command:       defaultCaptureCommand,
			Interval:      Duration(defaultCaptureInterval),
			Timeout:       Duration(defaultCaptureTimeout),
			Window:        Duration(defaultWindow),
			SkipIdentical: true,
			BackoffMax:    Duration(defaultBackoffMax),
		},
		VectorStore: VectorStoreConfig{
			Provider: defaultVectorProvider,
		},
		Embedding: EmbeddingConfig{
			Provider:      defaultProvider,
			Target:        defaultOllamaTarget,
			Model:         defaultEmbeddingModel,
			Dimensions:    defaultEmbeddingDimensions,
			Workers:       defaultEmbeddingWorkers,
			QueueSize:     defaultEmbeddingQueue,
			RetryInterval: Duration(defaultRetryInterval),
			MaxAttempts:   defaultEmbeddingAttempts,
		},
		Describe: DescribeConfig{
			Provider: defaultProvider,
			Target:   defaultOllamaTarget,
			Model:    defaultVisionModel,
		},
		Dedup: DedupConfig{
			Enabled:             true,
			SimilarityThreshold: defaultSimilarityThreshold,
			Bucket:              Duration(defaultBucket),
			BatchSize:           defaultBatchSize,
			BatchesPerSecond:    defaultBatchesPerSecond,
			MaxAttempts:         defaultDedupAttempts,
			GridSize:            defaultGridSize,
			PixelTolerance:      ptr(uint(defaultPixelTolerance)),
			MinOverlap:          ptr(defaultMinOverlap),
		},
		Retrieval: RetrievalConfig{
			TopK: defaultTopK,
		},
		EventStream: EventStreamConfig{
			Provider: defaultEventStreamProvider,
			Topic:    defaultTopic,
		},
	}
}

func ptr[T any](v T) *T {
	return &v
}

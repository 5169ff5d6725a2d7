package config

import (
	"fmt"
	"strconv"
	"time"
)

// Config represents the persistent captain configuration stored as
// config.toml in the .captain/ directory. The TOML layout uses sections for
// logical grouping.
type Config struct {
	Version     int               `toml:"version"`
	Storage     StorageConfig     `toml:"storage"`
	Capture     CaptureConfig     `toml:"capture"`
	VectorStore VectorStoreConfig `toml:"vector_store"`
	Embedding   EmbeddingConfig   `toml:"embedding"`
	Describe    DescribeConfig    `toml:"describe"`
	Dedup       DedupConfig       `toml:"dedup"`
	Retrieval   RetrievalConfig   `toml:"retrieval"`
	EventStream EventStreamConfig `toml:"eventstream"`
}

// StorageConfig holds archive metadata and image blob settings.
type StorageConfig struct {
	// MetadataProvider is "sqlite" or "postgres".
	MetadataProvider string `toml:"metadata_provider,omitempty"`
	SQLitePath       string `toml:"sqlite_path,omitempty"`
	PostgresDSN      string `toml:"postgres_dsn,omitempty"`

	// BlobProvider is "local" or "minio".
	BlobProvider string `toml:"blob_provider,omitempty"`
	BlobDir      string `toml:"blob_dir,omitempty"`
	Compression  string `toml:"compression,omitempty"`
	CacheEntries uint   `toml:"cache_entries,omitempty"`

	MinioEndpoint     string `toml:"minio_endpoint,omitempty"`
	MinioBucket       string `toml:"minio_bucket,omitempty"`
	MinioPrefix       string `toml:"minio_prefix,omitempty"`
	MinioAccessKey    string `toml:"minio_access_key,omitempty"`
	MinioSecretKey    string `toml:"minio_secret_key,omitempty"`
	MinioUseSSL       bool   `toml:"minio_use_ssl,omitempty"`
	MinioCreateBucket bool   `toml:"minio_create_bucket,omitempty"`
}

// CaptureConfig holds screen capture and hot window settings.
type CaptureConfig struct {
	// Command is run once per capture and must write one image to stdout.
	Command       string   `toml:"command,omitempty"`
	MediaType     string   `toml:"media_type,omitempty"`
	Interval      Duration `toml:"interval,omitempty"`
	Timeout       Duration `toml:"timeout,omitempty"`
	Window        Duration `toml:"window,omitempty"`
	SkipIdentical bool     `toml:"skip_identical"`
	BackoffMax    Duration `toml:"backoff_max,omitempty"`
}

// VectorStoreConfig holds vector store settings.
type VectorStoreConfig struct {
	Provider string `toml:"provider,omitempty"`
	Target   string `toml:"target,omitempty"`
}

// EmbeddingConfig holds embedding provider and indexer worker settings.
type EmbeddingConfig struct {
	Provider      string   `toml:"provider,omitempty"`
	Target        string   `toml:"target,omitempty"`
	Model         string   `toml:"model,omitempty"`
	Dimensions    uint     `toml:"dimensions,omitempty"`
	Workers       uint     `toml:"workers,omitempty"`
	QueueSize     uint     `toml:"queue_size,omitempty"`
	RetryInterval Duration `toml:"retry_interval,omitempty"`
	MaxAttempts   uint     `toml:"max_attempts,omitempty"`
}

// DescribeConfig holds the vision describer settings. Provider "none"
// embeds screenshot captions only.
type DescribeConfig struct {
	Provider string `toml:"provider,omitempty"`
	Target   string `toml:"target,omitempty"`
	Model    string `toml:"model,omitempty"`
}

// DedupConfig holds dedup worker and pixel comparator settings.
type DedupConfig struct {
	Enabled             bool     `toml:"enabled"`
	SimilarityThreshold float64  `toml:"similarity_threshold,omitempty"`
	Bucket              Duration `toml:"bucket,omitempty"`
	BatchSize           uint     `toml:"batch_size,omitempty"`
	BatchesPerSecond    float64  `toml:"batches_per_second,omitempty"`
	MaxAttempts         uint     `toml:"max_attempts,omitempty"`
	GridSize            uint     `toml:"grid_size,omitempty"`

	// Zero is a meaningful tolerance and overlap, so unset is nil.
	PixelTolerance *uint    `toml:"pixel_tolerance"`
	MinOverlap     *float64 `toml:"min_overlap"`
}

// RetrievalConfig holds context assembly settings.
type RetrievalConfig struct {
	TopK uint `toml:"top_k,omitempty"`
}

// EventStreamConfig holds lifecycle event publishing settings. Provider is
// "none" or "kafka".
type EventStreamConfig struct {
	Provider string `toml:"provider,omitempty"`
	Brokers  string `toml:"brokers,omitempty"`
	Topic    string `toml:"topic,omitempty"`
}

// Duration is a time.Duration that reads and writes as a Go duration
// string ("30s", "3m") in TOML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	name string
	get  func(c *Config) string
	set  func(c *Config, v string) error
}

func stringKey(name string, field func(c *Config) *string) configKeyInfo {
	return configKeyInfo{
		name: name,
		get:  func(c *Config) string { return *field(c) },
		set:  func(c *Config, v string) error { *field(c) = v; return nil },
	}
}

func uintKey(name string, field func(c *Config) *uint) configKeyInfo {
	return configKeyInfo{
		name: name,
		get: func(c *Config) string {
			if *field(c) == 0 {
				return ""
			}
			return strconv.FormatUint(uint64(*field(c)), 10)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			*field(c) = uint(n)
			return nil
		},
	}
}

func boolKey(name string, field func(c *Config) *bool) configKeyInfo {
	return configKeyInfo{
		name: name,
		get:  func(c *Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			*field(c) = b
			return nil
		},
	}
}

func floatKey(name string, field func(c *Config) *float64) configKeyInfo {
	return configKeyInfo{
		name: name,
		get: func(c *Config) string {
			if *field(c) == 0 {
				return ""
			}
			return strconv.FormatFloat(*field(c), 'g', -1, 64)
		},
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			*field(c) = f
			return nil
		},
	}
}

// optUintKey is uintKey for a field where zero is a valid setting.
func optUintKey(name string, field func(c *Config) **uint) configKeyInfo {
	return configKeyInfo{
		name: name,
		get: func(c *Config) string {
			if *field(c) == nil {
				return ""
			}
			return strconv.FormatUint(uint64(**field(c)), 10)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			u := uint(n)
			*field(c) = &u
			return nil
		},
	}
}

// optFloatKey is floatKey for a field where zero is a valid setting.
func optFloatKey(name string, field func(c *Config) **float64) configKeyInfo {
	return configKeyInfo{
		name: name,
		get: func(c *Config) string {
			if *field(c) == nil {
				return ""
			}
			return strconv.FormatFloat(**field(c), 'g', -1, 64)
		},
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			*field(c) = &f
			return nil
		},
	}
}

func durationKey(name string, field func(c *Config) *Duration) configKeyInfo {
	return configKeyInfo{
		name: name,
		get: func(c *Config) string {
			if *field(c) == 0 {
				return ""
			}
			return field(c).String()
		},
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			if d < 0 {
				return fmt.Errorf("invalid value for %s: negative duration %s", name, d)
			}
			*field(c) = Duration(d)
			return nil
		},
	}
}

// configKeyList is every supported config key in TOML section order.
var configKeyList = []configKeyInfo{
	stringKey("storage.metadata_provider", func(c *Config) *string { return &c.Storage.MetadataProvider }),
	stringKey("storage.sqlite_path", func(c *Config) *string { return &c.Storage.SQLitePath }),
	stringKey("storage.postgres_dsn", func(c *Config) *string { return &c.Storage.PostgresDSN }),
	stringKey("storage.blob_provider", func(c *Config) *string { return &c.Storage.BlobProvider }),
	stringKey("storage.blob_dir", func(c *Config) *string { return &c.Storage.BlobDir }),
	stringKey("storage.compression", func(c *Config) *string { return &c.Storage.Compression }),
	uintKey("storage.cache_entries", func(c *Config) *uint { return &c.Storage.CacheEntries }),
	stringKey("storage.minio_endpoint", func(c *Config) *string { return &c.Storage.MinioEndpoint }),
	stringKey("storage.minio_bucket", func(c *Config) *string { return &c.Storage.MinioBucket }),
	stringKey("storage.minio_prefix", func(c *Config) *string { return &c.Storage.MinioPrefix }),
	stringKey("storage.minio_access_key", func(c *Config) *string { return &c.Storage.MinioAccessKey }),
	stringKey("storage.minio_secret_key", func(c *Config) *string { return &c.Storage.MinioSecretKey }),
	boolKey("storage.minio_use_ssl", func(c *Config) *bool { return &c.Storage.MinioUseSSL }),
	boolKey("storage.minio_create_bucket", func(c *Config) *bool { return &c.Storage.MinioCreateBucket }),

	stringKey("capture.command", func(c *Config) *string { return &c.Capture.Command }),
	stringKey("capture.media_type", func(c *Config) *string { return &c.Capture.MediaType }),
	durationKey("capture.interval", func(c *Config) *Duration { return &c.Capture.Interval }),
	durationKey("capture.timeout", func(c *Config) *Duration { return &c.Capture.Timeout }),
	durationKey("capture.window", func(c *Config) *Duration { return &c.Capture.Window }),
	boolKey("capture.skip_identical", func(c *Config) *bool { return &c.Capture.SkipIdentical }),
	durationKey("capture.backoff_max", func(c *Config) *Duration { return &c.Capture.BackoffMax }),

	stringKey("vector_store.provider", func(c *Config) *string { return &c.VectorStore.Provider }),
	stringKey("vector_store.target", func(c *Config) *string { return &c.VectorStore.Target }),

	stringKey("embedding.provider", func(c *Config) *string { return &c.Embedding.Provider }),
	stringKey("embedding.target", func(c *Config) *string { return &c.Embedding.Target }),
	stringKey("embedding.model", func(c *Config) *string { return &c.Embedding.Model }),
	uintKey("embedding.dimensions", func(c *Config) *uint { return &c.Embedding.Dimensions }),
	uintKey("embedding.workers", func(c *Config) *uint { return &c.Embedding.Workers }),
	uintKey("embedding.queue_size", func(c *Config) *uint { return &c.Embedding.QueueSize }),
	durationKey("embedding.retry_interval", func(c *Config) *Duration { return &c.Embedding.RetryInterval }),
	uintKey("embedding.max_attempts", func(c *Config) *uint { return &c.Embedding.MaxAttempts }),

	stringKey("describe.provider", func(c *Config) *string { return &c.Describe.Provider }),
	stringKey("describe.target", func(c *Config) *string { return &c.Describe.Target }),
	stringKey("describe.model", func(c *Config) *string { return &c.Describe.Model }),

	boolKey("dedup.enabled", func(c *Config) *bool { return &c.Dedup.Enabled }),
	floatKey("dedup.similarity_threshold", func(c *Config) *float64 { return &c.Dedup.SimilarityThreshold }),
	durationKey("dedup.bucket", func(c *Config) *Duration { return &c.Dedup.Bucket }),
	uintKey("dedup.batch_size", func(c *Config) *uint { return &c.Dedup.BatchSize }),
	floatKey("dedup.batches_per_second", func(c *Config) *float64 { return &c.Dedup.BatchesPerSecond }),
	uintKey("dedup.max_attempts", func(c *Config) *uint { return &c.Dedup.MaxAttempts }),
	uintKey("dedup.grid_size", func(c *Config) *uint { return &c.Dedup.GridSize }),
	optUintKey("dedup.pixel_tolerance", func(c *Config) **uint { return &c.Dedup.PixelTolerance }),
	optFloatKey("dedup.min_overlap", func(c *Config) **float64 { return &c.Dedup.MinOverlap }),

	uintKey("retrieval.top_k", func(c *Config) *uint { return &c.Retrieval.TopK }),

	stringKey("eventstream.provider", func(c *Config) *string { return &c.EventStream.Provider }),
	stringKey("eventstream.brokers", func(c *Config) *string { return &c.EventStream.Brokers }),
	stringKey("eventstream.topic", func(c *Config) *string { return &c.EventStream.Topic }),
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = func() map[string]configKeyInfo {
	m := make(map[string]configKeyInfo, len(configKeyList))
	for _, k := range configKeyList {
		m[k.name] = k
	}
	return m
}()

// Package stack opens the stores, index and model clients a captain command
// needs from a resolved config.
package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/papercomputeco/captain/pkg/archive"
	"github.com/papercomputeco/captain/pkg/archive/inmemory"
	"github.com/papercomputeco/captain/pkg/archive/postgres"
	"github.com/papercomputeco/captain/pkg/archive/sqlite"
	"github.com/papercomputeco/captain/pkg/blobstore"
	"github.com/papercomputeco/captain/pkg/blobstore/minio"
	"github.com/papercomputeco/captain/pkg/capture"
	"github.com/papercomputeco/captain/pkg/config"
	"github.com/papercomputeco/captain/pkg/dedup"
	"github.com/papercomputeco/captain/pkg/dedup/pixel"
	"github.com/papercomputeco/captain/pkg/dotdir"
	"github.com/papercomputeco/captain/pkg/embeddings"
	embeddingutils "github.com/papercomputeco/captain/pkg/embeddings/utils"
	"github.com/papercomputeco/captain/pkg/eventstream"
	"github.com/papercomputeco/captain/pkg/eventstream/kafka"
	"github.com/papercomputeco/captain/pkg/eventstream/nop"
	"github.com/papercomputeco/captain/pkg/indexer"
	"github.com/papercomputeco/captain/pkg/logger"
	"github.com/papercomputeco/captain/pkg/trajectory"
	"github.com/papercomputeco/captain/pkg/vector"
	vectorutils "github.com/papercomputeco/captain/pkg/vector/utils"
)

// Provider names for storage and events.
const (
	MetadataSQLite   = "sqlite"
	MetadataPostgres = "postgres"
	MetadataMemory   = "memory"

	BlobLocal  = "local"
	BlobMinio  = "minio"
	BlobMemory = "memory"

	EventsNone  = "none"
	EventsNop   = "nop"
	EventsKafka = "kafka"
)

// Options selects the optional parts of a stack.
type Options struct {
	// ConfigDir overrides .captain/ resolution for default file locations.
	ConfigDir string

	// QueryEmbedder opens a text embedder for search queries.
	QueryEmbedder bool

	// Publisher opens the configured lifecycle event publisher.
	Publisher bool

	Logger *slog.Logger
}

// Stack holds everything a command runs the pipeline with.
type Stack struct {
	Config *config.Config

	// ArchivePath is the sqlite file or "postgres"/"memory".
	ArchivePath string

	Archive       *archive.Archive
	Vectors       vector.Driver
	Embedder      embeddings.FrameEmbedder
	QueryEmbedder embeddings.Embedder
	Comparator    dedup.Comparator

	// Publisher is nil when events are disabled. A trajectory built from
	// the stack takes ownership of it.
	Publisher eventstream.Publisher

	logger  *slog.Logger
	closers []func() error
}

// Open builds a stack. On error everything opened so far is closed.
func Open(ctx context.Context, cfg *config.Config, o Options) (*Stack, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	s := &Stack{
		Config: cfg,
		logger: logger.OrNop(o.Logger),
	}

	if err := s.open(ctx, o); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stack) open(ctx context.Context, o Options) error {
	cfg := s.Config
	ddm := dotdir.NewManager()

	meta, err := s.openMetadata(ctx, ddm, o.ConfigDir)
	if err != nil {
		return err
	}

	blobs, err := s.openBlobs(ctx, ddm, o.ConfigDir)
	if err != nil {
		_ = meta.Close()
		return err
	}

	s.Archive, err = archive.Open(ctx, archive.Config{
		Store:  meta,
		Blobs:  blobs,
		Logger: s.logger,
	})
	if err != nil {
		_ = meta.Close()
		_ = blobs.Close()
		return fmt.Errorf("opening archive: %w", err)
	}
	s.closers = append(s.closers, s.Archive.Close)

	target := cfg.VectorStore.Target
	if cfg.VectorStore.Provider == vectorutils.ProviderSQLiteVec {
		target, err = ddm.Resolve(o.ConfigDir, target, dotdir.VectorDBName)
		if err != nil {
			return err
		}
	}
	s.Vectors, err = vectorutils.NewVectorDriver(ctx, &vectorutils.NewVectorDriverOpts{
		ProviderType: cfg.VectorStore.Provider,
		TargetURL:    target,
		Dimensions:   cfg.Embedding.Dimensions,
		Logger:       s.logger,
	})
	if err != nil {
		return fmt.Errorf("opening vector store: %w", err)
	}
	s.closers = append(s.closers, s.Vectors.Close)

	embedOpts := s.embedderOpts()
	s.Embedder, err = embeddingutils.NewFrameEmbedder(&embeddingutils.NewDescriberOpts{
		ProviderType: cfg.Describe.Provider,
		TargetURL:    cfg.Describe.Target,
		Model:        cfg.Describe.Model,
	}, embedOpts)
	if err != nil {
		return fmt.Errorf("creating frame embedder: %w", err)
	}
	s.closers = append(s.closers, s.Embedder.Close)

	if o.QueryEmbedder {
		s.QueryEmbedder, err = embeddingutils.NewEmbedder(embedOpts)
		if err != nil {
			return fmt.Errorf("creating query embedder: %w", err)
		}
		s.closers = append(s.closers, s.QueryEmbedder.Close)
	}

	pc := pixel.DefaultConfig()
	pc.GridSize = int(cfg.Dedup.GridSize)
	if t := cfg.Dedup.PixelTolerance; t != nil {
		pc.PixelTolerance = int(*t)
	}
	if ov := cfg.Dedup.MinOverlap; ov != nil {
		pc.MinOverlap = *ov
	}
	s.Comparator, err = pixel.New(pc)
	if err != nil {
		return fmt.Errorf("creating pixel comparator: %w", err)
	}

	if o.Publisher {
		s.Publisher, err = newPublisher(cfg.EventStream)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Stack) openMetadata(ctx context.Context, ddm *dotdir.Manager, configDir string) (archive.Store, error) {
	c := s.Config.Storage
	switch c.MetadataProvider {
	case "", MetadataSQLite:
		path, err := ddm.Resolve(configDir, c.SQLitePath, dotdir.ArchiveDBName)
		if err != nil {
			return nil, err
		}
		s.ArchivePath = path
		return sqlite.NewStore(path)
	case MetadataPostgres:
		if c.PostgresDSN == "" {
			return nil, errors.New("storage.postgres_dsn is required for the postgres metadata provider")
		}
		s.ArchivePath = MetadataPostgres
		return postgres.NewStore(ctx, c.PostgresDSN)
	case MetadataMemory:
		s.ArchivePath = MetadataMemory
		return inmemory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported metadata provider: %s", c.MetadataProvider)
	}
}

func (s *Stack) openBlobs(ctx context.Context, ddm *dotdir.Manager, configDir string) (blobstore.Store, error) {
	c := s.Config.Storage

	var (
		inner blobstore.Store
		err   error
	)
	switch c.BlobProvider {
	case "", BlobLocal:
		var dir string
		dir, err = ddm.Resolve(configDir, c.BlobDir, dotdir.FramesDirName)
		if err != nil {
			return nil, err
		}
		inner, err = blobstore.NewLocalStore(dir, c.Compression)
	case BlobMinio:
		inner, err = minio.New(ctx, minio.Config{
			Endpoint:     c.MinioEndpoint,
			Bucket:       c.MinioBucket,
			Prefix:       c.MinioPrefix,
			AccessKey:    c.MinioAccessKey,
			SecretKey:    c.MinioSecretKey,
			UseSSL:       c.MinioUseSSL,
			CreateBucket: c.MinioCreateBucket,
			Codec:        c.Compression,
		})
	case BlobMemory:
		inner = blobstore.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported blob provider: %s", c.BlobProvider)
	}
	if err != nil {
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	if c.CacheEntries == 0 {
		return inner, nil
	}
	cached, err := blobstore.NewCachingStore(inner, int(c.CacheEntries))
	if err != nil {
		_ = inner.Close()
		return nil, err
	}
	return cached, nil
}

func (s *Stack) embedderOpts() *embeddingutils.NewEmbedderOpts {
	c := s.Config.Embedding
	return &embeddingutils.NewEmbedderOpts{
		ProviderType: c.Provider,
		TargetURL:    c.Target,
		Model:        c.Model,
		Dimensions:   c.Dimensions,
	}
}

func newPublisher(c config.EventStreamConfig) (eventstream.Publisher, error) {
	switch c.Provider {
	case "", EventsNone:
		return nil, nil
	case EventsNop:
		return nop.NewPublisher(), nil
	case EventsKafka:
		p, err := kafka.NewPublisher(kafka.Config{
			Brokers: kafka.ParseBrokers(c.Brokers),
			Topic:   c.Topic,
		})
		if err != nil {
			return nil, fmt.Errorf("creating kafka publisher: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported eventstream provider: %s", c.Provider)
	}
}

// DedupConfig maps the dedup section onto a worker config over the
// stack's archive and comparator.
func (s *Stack) DedupConfig() dedup.Config {
	c := s.Config.Dedup
	return dedup.Config{
		Archive:             s.Archive,
		Comparator:          s.Comparator,
		SimilarityThreshold: float32(c.SimilarityThreshold),
		Bucket:              c.Bucket.Std(),
		BatchSize:           int(c.BatchSize),
		BatchesPerSecond:    c.BatchesPerSecond,
		MaxAttempts:         int(c.MaxAttempts),
		Logger:              s.logger,
	}
}

// TrajectoryConfig maps the config onto a trajectory over the stack.
// source may be nil for commands that do not capture.
func (s *Stack) TrajectoryConfig(source capture.Source) trajectory.Config {
	c := s.Config
	return trajectory.Config{
		Archive:       s.Archive,
		Vectors:       s.Vectors,
		Embedder:      s.Embedder,
		Source:        source,
		Publisher:     s.Publisher,
		Window:        c.Capture.Window.Std(),
		SkipIdentical: c.Capture.SkipIdentical,
		Capture: capture.LoopConfig{
			Interval:   c.Capture.Interval.Std(),
			Timeout:    c.Capture.Timeout.Std(),
			BackoffMax: c.Capture.BackoffMax.Std(),
		},
		ArchiveBackoffMax: c.Capture.BackoffMax.Std(),
		Indexer: indexer.Config{
			NumWorkers:    c.Embedding.Workers,
			QueueSize:     c.Embedding.QueueSize,
			RetryInterval: c.Embedding.RetryInterval.Std(),
			MaxAttempts:   int(c.Embedding.MaxAttempts),
		},
		DedupEnabled: c.Dedup.Enabled,
		Dedup:        s.DedupConfig(),
		TopK:         int(c.Retrieval.TopK),
		Logger:       s.logger,
	}
}

// Close closes what Open opened, newest first.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

package stack

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/captain/pkg/config"
	"github.com/papercomputeco/captain/pkg/logger"
)

// Flags is the flag registry shared by the pipeline commands.
var Flags = config.FlagSet{
	config.FlagSQLite:          {Name: "sqlite", Shorthand: "s", ViperKey: "storage.sqlite_path", Description: "Path to the archive SQLite database"},
	config.FlagPostgres:        {Name: "postgres", ViperKey: "storage.postgres_dsn", Description: "Postgres connection string for archive metadata"},
	config.FlagBlobDir:         {Name: "blob-dir", ViperKey: "storage.blob_dir", Description: "Directory for archived screenshots"},
	config.FlagCaptureCommand:  {Name: "capture-command", Shorthand: "c", ViperKey: "capture.command", Description: "Command that writes one screenshot to stdout"},
	config.FlagInterval:        {Name: "interval", Shorthand: "i", ViperKey: "capture.interval", Description: "Capture cadence"},
	config.FlagWindow:          {Name: "window", Shorthand: "w", ViperKey: "capture.window", Description: "How long frames stay in the hot buffer"},
	config.FlagVectorStoreProv: {Name: "vector-store-provider", ViperKey: "vector_store.provider", Description: "Vector store provider (flat, sqlite-vec, pgvector, qdrant)"},
	config.FlagVectorStoreTgt:  {Name: "vector-store-target", ViperKey: "vector_store.target", Description: "Vector store location"},
	config.FlagEmbeddingProv:   {Name: "embedding-provider", ViperKey: "embedding.provider", Description: "Embedding provider (ollama, openai)"},
	config.FlagEmbeddingTgt:    {Name: "embedding-target", ViperKey: "embedding.target", Description: "Embedding provider URL"},
	config.FlagEmbeddingModel:  {Name: "embedding-model", ViperKey: "embedding.model", Description: "Embedding model"},
	config.FlagEmbeddingDims:   {Name: "embedding-dimensions", ViperKey: "embedding.dimensions", Description: "Embedding dimensionality"},
	config.FlagDescribeProv:    {Name: "describe-provider", ViperKey: "describe.provider", Description: "Screenshot describer (ollama, none)"},
	config.FlagDescribeModel:   {Name: "describe-model", ViperKey: "describe.model", Description: "Vision model used to describe screenshots"},
	config.FlagTopK:            {Name: "top-k", Shorthand: "k", ViperKey: "retrieval.top_k", Description: "Number of relevant archived frames"},
	config.FlagBatchSize:       {Name: "batch-size", ViperKey: "dedup.batch_size", Description: "Frame pairs judged per dedup pass"},
	config.FlagKafkaBrokers:    {Name: "kafka-brokers", ViperKey: "eventstream.brokers", Description: "Comma separated Kafka brokers for lifecycle events"},
}

// StorageFlags are registered by every command that opens the archive.
var StorageFlags = []string{
	config.FlagSQLite,
	config.FlagPostgres,
	config.FlagBlobDir,
	config.FlagVectorStoreProv,
	config.FlagVectorStoreTgt,
	config.FlagEmbeddingProv,
	config.FlagEmbeddingTgt,
	config.FlagEmbeddingModel,
	config.FlagEmbeddingDims,
	config.FlagDescribeProv,
	config.FlagDescribeModel,
}

// AddStorageFlags registers StorageFlags on cmd. Targets only hold the
// parsed values; reads go through viper.
func AddStorageFlags(cmd *cobra.Command) {
	for _, key := range StorageFlags {
		if key == config.FlagEmbeddingDims {
			config.AddUintFlag(cmd, Flags, key, new(uint))
			continue
		}
		config.AddStringFlag(cmd, Flags, key, new(string))
	}
}

// ResolveConfig builds the effective config for cmd: flags in registryKeys,
// then CAPTAIN_ env vars, then config.toml, then defaults.
func ResolveConfig(cmd *cobra.Command, registryKeys []string) (*config.Config, string, error) {
	configDir, _ := cmd.Flags().GetString("config-dir")

	v, err := config.InitViper(configDir)
	if err != nil {
		return nil, "", err
	}
	config.BindRegisteredFlags(v, cmd, Flags, registryKeys)

	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, configDir, nil
}

// NewLogger builds the command logger from the global --debug, --pretty and
// --log-file flags. Console logs go to stderr so stdout stays machine
// readable. With --log-file, JSON records are also appended to that file;
// the returned func closes it.
func NewLogger(cmd *cobra.Command) (*slog.Logger, func() error, error) {
	debug, _ := cmd.Flags().GetBool("debug")
	pretty, _ := cmd.Flags().GetBool("pretty")
	logFile, _ := cmd.Flags().GetString("log-file")

	console := logger.New(
		logger.WithWriter(cmd.ErrOrStderr()),
		logger.WithDebug(debug),
		logger.WithPretty(pretty),
	)
	if logFile == "" {
		return console, func() error { return nil }, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	file := logger.New(
		logger.WithWriter(f),
		logger.WithJSON(true),
		logger.WithDebug(debug),
		logger.WithSource(debug),
	)
	return logger.Multi(console, file), f.Close, nil
}

package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/cobra"

	"github.com/papercomputeco/captain/pkg/config"
)

var _ = Describe("Configer config", func() {
	var tmpDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "config-test-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	writeConfig := func(data string) {
		err := os.WriteFile(filepath.Join(tmpDir, "config.toml"), []byte(data), 0o600)
		Expect(err).NotTo(HaveOccurred())
	}

	Describe("LoadConfig", func() {
		It("returns default config when no config file exists", func() {
			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			cfg, err := c.LoadConfig()
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg).To(Equal(config.NewDefaultConfig()))
		})

		It("loads a valid config file", func() {
			writeConfig(`version = 0

[capture]
command = "grim -"
interval = "2s"
window = "5m"

[dedup]
similarity_threshold = 0.9
batch_size = 8
`)

			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			cfg, err := c.LoadConfig()
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Capture.Command).To(Equal("grim -"))
			Expect(cfg.Capture.Interval.Std()).To(Equal(2 * time.Second))
			Expect(cfg.Capture.Window.Std()).To(Equal(5 * time.Minute))
			Expect(cfg.Dedup.SimilarityThreshold).To(Equal(0.9))
			Expect(cfg.Dedup.BatchSize).To(Equal(uint(8)))
		})

		It("fills keys missing from the file with defaults", func() {
			writeConfig(`[embedding]
model = "nomic-embed-text"
`)

			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			cfg, err := c.LoadConfig()
			Expect(err).NotTo(HaveOccurred())

			defaults := config.NewDefaultConfig()
			Expect(cfg.Embedding.Model).To(Equal("nomic-embed-text"))
			Expect(cfg.Embedding.Provider).To(Equal(defaults.Embedding.Provider))
			Expect(cfg.Embedding.Dimensions).To(Equal(defaults.Embedding.Dimensions))
			Expect(cfg.Capture.Window).To(Equal(defaults.Capture.Window))
			Expect(cfg.Dedup.Enabled).To(BeTrue())
			Expect(cfg.Capture.SkipIdentical).To(BeTrue())
		})

		It("fills explicitly empty strings with defaults", func() {
			writeConfig(`[storage]
compression = ""
`)

			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			cfg, err := c.LoadConfig()
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Storage.Compression).To(Equal("zstd"))
		})

		It("keeps an explicit false", func() {
			writeConfig(`[capture]
skip_identical = false

[dedup]
enabled = false
`)

			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			cfg, err := c.LoadConfig()
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Capture.SkipIdentical).To(BeFalse())
			Expect(cfg.Dedup.Enabled).To(BeFalse())
		})

		It("keeps an explicit zero tolerance and overlap", func() {
			writeConfig(`[dedup]
pixel_tolerance = 0
min_overlap = 0.0
`)

			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			cfg, err := c.LoadConfig()
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Dedup.PixelTolerance).To(HaveValue(BeZero()))
			Expect(cfg.Dedup.MinOverlap).To(HaveValue(BeZero()))
		})

		It("returns an error for invalid TOML", func() {
			writeConfig("this is not valid toml [[[")

			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			_, err = c.LoadConfig()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("parsing config TOML"))
		})

		It("returns an error for an invalid duration", func() {
			writeConfig(`[capture]
interval = "soon"
`)

			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			_, err = c.LoadConfig()
			Expect(err).To(HaveOccurred())
		})

		It("returns an error for an unsupported version", func() {
			writeConfig("version = 99\n")

			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			_, err = c.LoadConfig()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("unsupported config version"))
		})
	})

	Describe("SaveConfig", func() {
		It("writes durations as strings", func() {
			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			Expect(c.SaveConfig(config.NewDefaultConfig())).To(Succeed())

			data, err := os.ReadFile(filepath.Join(tmpDir, "config.toml"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring(`window = "3m0s"`))
			Expect(string(data)).To(ContainSubstring(`bucket = "30s"`))
		})

		It("writes the file with owner-only permissions", func() {
			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			Expect(c.SaveConfig(config.NewDefaultConfig())).To(Succeed())

			info, err := os.Stat(filepath.Join(tmpDir, "config.toml"))
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Mode().Perm()).To(Equal(os.FileMode(0o600)))
		})

		It("rejects a nil config", func() {
			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			err = c.SaveConfig(nil)
			Expect(err).To(MatchError("cannot save nil config"))
		})
	})

	Describe("SetConfigValue and GetConfigValue", func() {
		It("sets and reads back every value type", func() {
			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			Expect(c.SetConfigValue("capture.command", "grim -")).To(Succeed())
			Expect(c.SetConfigValue("embedding.dimensions", "1536")).To(Succeed())
			Expect(c.SetConfigValue("dedup.enabled", "false")).To(Succeed())
			Expect(c.SetConfigValue("dedup.similarity_threshold", "0.95")).To(Succeed())
			Expect(c.SetConfigValue("capture.window", "90s")).To(Succeed())

			Expect(c.GetConfigValue("capture.command")).To(Equal("grim -"))
			Expect(c.GetConfigValue("embedding.dimensions")).To(Equal("1536"))
			Expect(c.GetConfigValue("dedup.enabled")).To(Equal("false"))
			Expect(c.GetConfigValue("dedup.similarity_threshold")).To(Equal("0.95"))
			Expect(c.GetConfigValue("capture.window")).To(Equal("1m30s"))
		})

		It("saves a zero tolerance and overlap across reloads", func() {
			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			Expect(c.SetConfigValue("dedup.pixel_tolerance", "0")).To(Succeed())
			Expect(c.SetConfigValue("dedup.min_overlap", "0")).To(Succeed())

			Expect(c.GetConfigValue("dedup.pixel_tolerance")).To(Equal("0"))
			Expect(c.GetConfigValue("dedup.min_overlap")).To(Equal("0"))
			Expect(c.GetConfigValue("dedup.grid_size")).To(Equal("32"))
		})

		It("preserves other values when setting one", func() {
			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			Expect(c.SetConfigValue("eventstream.provider", "kafka")).To(Succeed())
			Expect(c.SetConfigValue("eventstream.brokers", "localhost:9092")).To(Succeed())

			cfg, err := c.LoadConfig()
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.EventStream.Provider).To(Equal("kafka"))
			Expect(cfg.EventStream.Brokers).To(Equal("localhost:9092"))
			Expect(cfg.EventStream.Topic).To(Equal("captain.frames"))
		})

		It("rejects unknown keys", func() {
			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			err = c.SetConfigValue("proxy.listen", ":8080")
			Expect(err).To(MatchError(ContainSubstring("unknown config key")))

			_, err = c.GetConfigValue("proxy.listen")
			Expect(err).To(MatchError(ContainSubstring("unknown config key")))
		})

		DescribeTable("rejects malformed values",
			func(key, value string) {
				c, err := config.NewConfiger(tmpDir)
				Expect(err).NotTo(HaveOccurred())

				err = c.SetConfigValue(key, value)
				Expect(err).To(MatchError(ContainSubstring("invalid value for " + key)))
			},
			Entry("uint", "embedding.workers", "many"),
			Entry("bool", "capture.skip_identical", "maybe"),
			Entry("float", "dedup.batches_per_second", "fast"),
			Entry("duration", "dedup.bucket", "30"),
			Entry("negative duration", "capture.timeout", "-1s"),
		)
	})

	Describe("round-trip", func() {
		It("saves and loads a preset unchanged", func() {
			c, err := config.NewConfiger(tmpDir)
			Expect(err).NotTo(HaveOccurred())

			preset, err := config.PresetConfig("ollama")
			Expect(err).NotTo(HaveOccurred())
			Expect(c.SaveConfig(preset)).To(Succeed())

			loaded, err := c.LoadConfig()
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(Equal(preset))
		})
	})
})

var _ = Describe("ValidConfigKeys", func() {
	It("lists keys in section order", func() {
		keys := config.ValidConfigKeys()
		Expect(keys[0]).To(Equal("storage.metadata_provider"))
		Expect(keys).To(ContainElements(
			"capture.window",
			"embedding.retry_interval",
			"dedup.pixel_tolerance",
			"retrieval.top_k",
			"eventstream.topic",
		))
		Expect(keys[len(keys)-1]).To(Equal("eventstream.topic"))
	})

	It("agrees with IsValidConfigKey", func() {
		for _, k := range config.ValidConfigKeys() {
			Expect(config.IsValidConfigKey(k)).To(BeTrue(), k)
		}
		Expect(config.IsValidConfigKey("capture")).To(BeFalse())
	})
})

var _ = Describe("PresetConfig", func() {
	It("builds the openai preset", func() {
		cfg, err := config.PresetConfig("OpenAI")
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Embedding.Provider).To(Equal("openai"))
		Expect(cfg.Embedding.Model).To(Equal("text-embedding-3-small"))
		Expect(cfg.Embedding.Dimensions).To(Equal(uint(1536)))
		Expect(cfg.Describe.Provider).To(Equal("none"))
		Expect(cfg.Capture).To(Equal(config.NewDefaultConfig().Capture))
	})

	It("builds the ollama preset", func() {
		cfg, err := config.PresetConfig("ollama")
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Embedding.Provider).To(Equal("ollama"))
		Expect(cfg.Describe.Provider).To(Equal("ollama"))
	})

	It("rejects unknown presets", func() {
		_, err := config.PresetConfig("anthropic")
		Expect(err).To(MatchError(ContainSubstring("unknown preset")))
	})

	It("names every preset it accepts", func() {
		for _, name := range config.ValidPresetNames() {
			_, err := config.PresetConfig(name)
			Expect(err).NotTo(HaveOccurred())
		}
	})
})

var _ = Describe("InitViper", func() {
	var tmpDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "viper-test-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("returns viper with defaults when no config file exists", func() {
		v, err := config.InitViper(tmpDir)
		Expect(err).NotTo(HaveOccurred())

		Expect(v.GetString("capture.command")).To(Equal(config.NewDefaultConfig().Capture.Command))
		Expect(v.GetDuration("capture.window")).To(Equal(3 * time.Minute))
		Expect(v.GetUint("retrieval.top_k")).To(Equal(uint(5)))
		Expect(v.GetBool("dedup.enabled")).To(BeTrue())
	})

	It("reads config file values over defaults", func() {
		data := `[vector_store]
provider = "qdrant"
target = "localhost:6334"
`
		err := os.WriteFile(filepath.Join(tmpDir, "config.toml"), []byte(data), 0o600)
		Expect(err).NotTo(HaveOccurred())

		v, err := config.InitViper(tmpDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.GetString("vector_store.provider")).To(Equal("qdrant"))
		Expect(v.GetString("vector_store.target")).To(Equal("localhost:6334"))
		Expect(v.GetString("embedding.provider")).To(Equal("ollama"))
	})

	It("env vars take precedence over config file values", func() {
		data := `[capture]
window = "5m"
`
		err := os.WriteFile(filepath.Join(tmpDir, "config.toml"), []byte(data), 0o600)
		Expect(err).NotTo(HaveOccurred())

		os.Setenv("CAPTAIN_CAPTURE_WINDOW", "10m")
		defer os.Unsetenv("CAPTAIN_CAPTURE_WINDOW")

		v, err := config.InitViper(tmpDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.GetDuration("capture.window")).To(Equal(10 * time.Minute))
	})
})

var _ = Describe("FromViper", func() {
	var tmpDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "fromviper-test-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("returns defaults for an empty viper", func() {
		v, err := config.InitViper(tmpDir)
		Expect(err).NotTo(HaveOccurred())

		cfg, err := config.FromViper(v)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg).To(Equal(config.NewDefaultConfig()))
	})

	It("resolves file, env and flag values", func() {
		data := `[dedup]
enabled = false
bucket = "1m"
`
		err := os.WriteFile(filepath.Join(tmpDir, "config.toml"), []byte(data), 0o600)
		Expect(err).NotTo(HaveOccurred())

		os.Setenv("CAPTAIN_RETRIEVAL_TOP_K", "9")
		defer os.Unsetenv("CAPTAIN_RETRIEVAL_TOP_K")

		v, err := config.InitViper(tmpDir)
		Expect(err).NotTo(HaveOccurred())

		fs := config.FlagSet{
			config.FlagWindow: {Name: "window", ViperKey: "capture.window", Description: "Hot window"},
		}
		cmd := &cobra.Command{Use: "test"}
		var window time.Duration
		config.AddDurationFlag(cmd, fs, config.FlagWindow, &window)
		Expect(cmd.Flags().Set("window", "10m")).To(Succeed())
		config.BindRegisteredFlags(v, cmd, fs, []string{config.FlagWindow})

		cfg, err := config.FromViper(v)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Dedup.Enabled).To(BeFalse())
		Expect(cfg.Dedup.Bucket.Std()).To(Equal(time.Minute))
		Expect(cfg.Retrieval.TopK).To(Equal(uint(9)))
		Expect(cfg.Capture.Window.Std()).To(Equal(10 * time.Minute))
	})

	It("reports malformed env values", func() {
		os.Setenv("CAPTAIN_EMBEDDING_WORKERS", "lots")
		defer os.Unsetenv("CAPTAIN_EMBEDDING_WORKERS")

		v, err := config.InitViper(tmpDir)
		Expect(err).NotTo(HaveOccurred())

		_, err = config.FromViper(v)
		Expect(err).To(MatchError(ContainSubstring("invalid value for embedding.workers")))
	})
})

var _ = Describe("Flags", func() {
	It("AddDurationFlag takes its default from NewDefaultConfig", func() {
		fs := config.FlagSet{
			config.FlagInterval: {Name: "interval", Shorthand: "i", ViperKey: "capture.interval", Description: "Capture cadence"},
		}

		cmd := &cobra.Command{Use: "test"}
		var interval time.Duration
		config.AddDurationFlag(cmd, fs, config.FlagInterval, &interval)

		f := cmd.Flags().Lookup("interval")
		Expect(f).NotTo(BeNil())
		Expect(f.Shorthand).To(Equal("i"))
		Expect(f.DefValue).To(Equal("1s"))
		Expect(interval).To(Equal(time.Second))
	})

	It("AddStringFlag and AddUintFlag pull definitions from the FlagSet", func() {
		fs := config.FlagSet{
			config.FlagEmbeddingModel: {Name: "embedding-model", ViperKey: "embedding.model", Description: "Embedding model"},
			config.FlagTopK:           {Name: "top-k", Shorthand: "k", ViperKey: "retrieval.top_k", Description: "Relevant frames"},
		}

		cmd := &cobra.Command{Use: "test"}
		var model string
		var k uint
		config.AddStringFlag(cmd, fs, config.FlagEmbeddingModel, &model)
		config.AddUintFlag(cmd, fs, config.FlagTopK, &k)

		Expect(cmd.Flags().Lookup("embedding-model").DefValue).To(Equal("embeddinggemma"))
		Expect(cmd.Flags().Lookup("top-k").Shorthand).To(Equal("k"))
		Expect(k).To(Equal(uint(5)))
	})

	It("skips unknown registry keys", func() {
		cmd := &cobra.Command{Use: "test"}
		var s string
		config.AddStringFlag(cmd, config.FlagSet{}, "nonexistent", &s)
		Expect(cmd.Flags().HasFlags()).To(BeFalse())
	})
})

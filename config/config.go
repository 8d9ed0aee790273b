package config

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token         string `toml:"token" mapstructure:"token"`
	Host          string `toml:"host" mapstructure:"host"`
	Port          string `toml:"port" mapstructure:"port"`
	Libonnx       string `toml:"libonnx" mapstructure:"libonnx"`
	LogLevel      string `toml:"log_level" mapstructure:"log_level"`
	ImagesDir     string `toml:"images_dir" mapstructure:"images_dir"`
	Timezone      string `toml:"timezone" mapstructure:"timezone"`
	MaxUploadSize int64  `toml:"max_upload_size" mapstructure:"max_upload_size"`

	Model   ModelConfig   `toml:"model" mapstructure:"model"`
	Store   StoreConfig   `toml:"store" mapstructure:"store"`
	Scraper ScraperConfig `toml:"scraper" mapstructure:"scraper"`
}

type ModelConfig struct {
	Url            string `toml:"url" mapstructure:"url"`
	Dir            string `toml:"dir" mapstructure:"dir"`
	FileName       string `toml:"file_name" mapstructure:"file_name"`
	InputName      string `toml:"input_name" mapstructure:"input_name"`
	OutputName     string `toml:"output_name" mapstructure:"output_name"`
	Dimensions     int    `toml:"dimensions" mapstructure:"dimensions"`
	IntraOpThreads int    `toml:"intra_op_threads" mapstructure:"intra_op_threads"`
}

type StoreConfig struct {
	// Backend is "qdrant" or "postgres".
	Backend      string   `toml:"backend" mapstructure:"backend"`
	Url          string   `toml:"url" mapstructure:"url"`
	Key          string   `toml:"key" mapstructure:"key"`
	Collection   string   `toml:"collection" mapstructure:"collection"`
	VectorFields []string `toml:"vector_fields" mapstructure:"vector_fields"`
	Normalize    bool     `toml:"normalize" mapstructure:"normalize"`
	ReadyTimeout int      `toml:"ready_timeout_s" mapstructure:"ready_timeout_s"`
}

type ScraperConfig struct {
	Enabled    bool   `toml:"enabled" mapstructure:"enabled"`
	Url        string `toml:"url" mapstructure:"url"`
	IntervalMs int    `toml:"interval_ms" mapstructure:"interval_ms"`
	UserAgent  string `toml:"user_agent" mapstructure:"user_agent"`
}

// Default returns the configuration used when no config file is present.
func Default() Config {
	return Config{
		Host:          "0.0.0.0",
		Port:          "8000",
		LogLevel:      "info",
		ImagesDir:     "images",
		Timezone:      "Europe/Paris",
		MaxUploadSize: 1 << 20,
		Model: ModelConfig{
			Url:            "https://huggingface.co/garavv/arcface-onnx/resolve/main/arc.onnx",
			Dir:            "models",
			FileName:       "model.onnx",
			InputName:      "input_1",
			OutputName:     "embedding",
			Dimensions:     512,
			IntraOpThreads: 6,
		},
		Store: StoreConfig{
			Backend:      "qdrant",
			Url:          "http://localhost:6334",
			Collection:   "faces",
			VectorFields: []string{"embedding", "default"},
			ReadyTimeout: 120,
		},
		Scraper: ScraperConfig{
			Enabled:    true,
			Url:        "https://thispersondoesnotexist.com/",
			IntervalMs: 995,
			UserAgent:  "Mozilla/5.0 (compatible; facedb-scraper/1.0; +https://example.local)",
		},
	}
}

var (
	cfg      = Default()
	cfgPath  = "config.toml"
	loadOnce sync.Once
)

// SetPath changes the file C reads. It has no effect once C has been called.
func SetPath(path string) {
	cfgPath = path
}

func C() Config {
	loadOnce.Do(func() {
		loaded, err := Load(cfgPath)
		if err != nil {
			panic(err)
		}
		cfg = loaded
	})
	return cfg
}

// Load reads path over the defaults, then applies .env and environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return c, fmt.Errorf("failed to read %s: %w", path, err)
	}

	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return c, fmt.Errorf("failed to load .env: %w", err)
	}
	applyEnv(&c)

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func applyEnv(c *Config) {
	if v := os.Getenv("FACEDB_STORE_URL"); v != "" {
		c.Store.Url = v
	}
	if v := os.Getenv("FACEDB_STORE_KEY"); v != "" {
		c.Store.Key = v
	}
	if v := os.Getenv("FACEDB_IMAGES_DIR"); v != "" {
		c.ImagesDir = v
	}
	if v := os.Getenv("FACEDB_TOKEN"); v != "" {
		c.Token = v
	}
}

func (c Config) Validate() error {
	if c.Model.Dimensions <= 0 {
		return fmt.Errorf("model.dimensions must be positive, got %d", c.Model.Dimensions)
	}
	if len(c.Store.VectorFields) == 0 {
		return errors.New("store.vector_fields must name at least one field")
	}
	switch c.Store.Backend {
	case "qdrant", "postgres":
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Scraper.IntervalMs <= 0 {
		return fmt.Errorf("scraper.interval_ms must be positive, got %d", c.Scraper.IntervalMs)
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("max_upload_size must be positive, got %d", c.MaxUploadSize)
	}
	return nil
}

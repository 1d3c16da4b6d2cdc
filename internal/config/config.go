package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	RAG          RAGConfig      `yaml:"rag"`
	EmbedLLM     LLMConfig      `yaml:"embed_llm"`
	InferenceLLM LLMConfig      `yaml:"inference_llm"`
	Database     DatabaseConfig `yaml:"database"`
	VectorDB     VectorDBConfig `yaml:"vector_db"`
	Server       ServerConfig   `yaml:"server"`
	Market       MarketConfig   `yaml:"market"`
	Log          LogConfig      `yaml:"log"`
}

type RAGConfig struct {
	Dimension     int    `yaml:"dimension"`
	ChunkSize     int    `yaml:"chunk_size"`
	ChunkOverlap  int    `yaml:"chunk_overlap"`
	TopK          int    `yaml:"top_k"`
	Contextualize bool   `yaml:"contextualize"`
	EncryptionKey string `yaml:"encryption_key"`

	// set when chunk_overlap appears in the YAML, so an explicit 0 is kept
	overlapSet bool
}

// presence of keys whose zero value is meaningful
type explicitKeys struct {
	RAG struct {
		ChunkOverlap *int `yaml:"chunk_overlap"`
	} `yaml:"rag"`
}

type LLMConfig struct {
	Provider  string `yaml:"provider"`
	BaseURL   string `yaml:"base_url"`
	Key       string `yaml:"key"`
	Model     string `yaml:"model"`
	BatchSize int    `yaml:"batch_size"`
}

// Enabled reports whether a model has been configured.
func (c LLMConfig) Enabled() bool {
	return c.Model != ""
}

type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	Debug    bool   `yaml:"debug"`
}

type VectorDBConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
	Compress   bool   `yaml:"compress"`
	InMemory   bool   `yaml:"in_memory"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	UploadDir      string        `yaml:"upload_dir"`
	WatchDir       string        `yaml:"watch_dir"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxUploadMB    int64         `yaml:"max_upload_mb"`
}

type MarketConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	HistoryRange string        `yaml:"history_range"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

const (
	defaultDimension     = 384
	defaultChunkSize     = 1000
	defaultChunkOverlap  = 200
	defaultTopK          = 5
	defaultEmbedProvider = "ollama"
	defaultDBDriver      = "pgdriver"
	defaultVectorDBPath  = "./chromemdb"
	defaultCollection    = "finsight"
	defaultAddr          = ":8000"
	defaultUploadDir     = "./uploads"
	defaultMarketURL     = "https://query1.finance.yahoo.com"
	defaultHistoryRange  = "1mo"
	defaultLogLevel      = "info"
)

// LoadConfig reads the YAML file at path. Variables from an optional .env file
// next to it (or in the working directory) are loaded first, and ${VAR}
// references in the YAML are expanded from the environment.
func LoadConfig(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	var keys explicitKeys
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	cfg.RAG.overlapSet = keys.RAG.ChunkOverlap != nil
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.RAG.Dimension == 0 {
		c.RAG.Dimension = defaultDimension
	}
	if c.RAG.ChunkSize == 0 {
		c.RAG.ChunkSize = defaultChunkSize
	}
	if c.RAG.ChunkOverlap == 0 && !c.RAG.overlapSet {
		c.RAG.ChunkOverlap = min(defaultChunkOverlap, c.RAG.ChunkSize/5)
	}
	if c.RAG.TopK == 0 {
		c.RAG.TopK = defaultTopK
	}
	if c.EmbedLLM.Provider == "" {
		c.EmbedLLM.Provider = defaultEmbedProvider
	}
	if c.Database.Driver == "" {
		c.Database.Driver = defaultDBDriver
	}
	if c.VectorDB.Path == "" {
		c.VectorDB.Path = defaultVectorDBPath
	}
	if c.VectorDB.Collection == "" {
		c.VectorDB.Collection = defaultCollection
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultAddr
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = defaultUploadDir
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 120 * time.Second
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = 50
	}
	if c.Market.BaseURL == "" {
		c.Market.BaseURL = defaultMarketURL
	}
	if c.Market.Timeout == 0 {
		c.Market.Timeout = 10 * time.Second
	}
	if c.Market.HistoryRange == "" {
		c.Market.HistoryRange = defaultHistoryRange
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.RAG.Dimension <= 0 {
		errs = append(errs, errors.New("rag.dimension must be > 0"))
	}
	if c.RAG.ChunkSize <= 0 {
		errs = append(errs, errors.New("rag.chunk_size must be > 0"))
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		errs = append(errs, fmt.Errorf("rag.chunk_overlap must be in [0, %d)", c.RAG.ChunkSize))
	}
	if c.RAG.TopK <= 0 {
		errs = append(errs, errors.New("rag.top_k must be > 0"))
	}
	switch c.EmbedLLM.Provider {
	case "ollama", "openai", "openai-native":
	default:
		errs = append(errs, fmt.Errorf("embed_llm.provider %q is not one of ollama, openai, openai-native", c.EmbedLLM.Provider))
	}
	switch c.Database.Driver {
	case "pgdriver", "pq":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of pgdriver, pq", c.Database.Driver))
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required when database.enabled is set"))
	}
	return errors.Join(errs...)
}

// loadDotEnv loads the first .env file that exists. Existing environment
// variables win over file values.
func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err == nil {
			return
		}
	}
}

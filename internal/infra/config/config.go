// Package config loads and validates the memory substrate's YAML
// configuration: where records live on disk, which embedding provider to
// call, how consolidation and pattern detection are scheduled, and how
// hybrid search weighs its two retrievers.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level substrate configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Pattern       PatternConfig       `yaml:"pattern"`
	Search        SearchConfig        `yaml:"search"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Logger        LoggerConfig        `yaml:"logger"`
	Tracer        TracerConfig        `yaml:"tracer"`
	Includes      []string            `yaml:"includes,omitempty"`
}

// StoreConfig locates the relational index and the Markdown directory that
// back the memory repository.
type StoreConfig struct {
	DataDir  string `yaml:"data_dir"`  // root; DB at <data_dir>/index.db, files at <data_dir>/memories
	DBFile   string `yaml:"db_file"`   // overrides the default "index.db" name
	FilesDir string `yaml:"files_dir"` // overrides the default "memories" subdirectory name
}

// EmbeddingConfig selects and configures the embedding provider used for
// vector search and reindexing.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // "ollama", "openai" or "gemini"; Validate also accepts "bedrock", which no provider implements
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	Dimension int    `yaml:"dimension"`
	CacheSize int    `yaml:"cache_size"` // 0 disables the LRU embedding cache
	RateLimit float64 `yaml:"rate_limit_per_second"` // 0 disables rate limiting
	RateBurst int    `yaml:"rate_limit_burst"`
}

// ConsolidationConfig tunes the STM-to-LTM consolidation pipeline.
type ConsolidationConfig struct {
	Schedule                 string        `yaml:"schedule"` // cron expression or duration, e.g. "0 */6 * * *"
	BatchSize                int           `yaml:"batch_size"`
	MaxRetries               int           `yaml:"max_retries"`
	STMAgeThreshold          time.Duration `yaml:"stm_age_threshold"`
	MergeSimilarityThreshold float64       `yaml:"merge_similarity_threshold"`
	TokenBudget              int           `yaml:"token_budget"` // per-distillation-call ceiling
}

// PatternConfig tunes the pattern detector's clustering, promotion, and
// decay thresholds.
type PatternConfig struct {
	MinOccurrences      int           `yaml:"min_occurrences"`
	ClusterThreshold    float64       `yaml:"cluster_threshold"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	PromotionThreshold  float64       `yaml:"promotion_threshold"`
	Window              time.Duration `yaml:"window"`
	DecayRate           float64       `yaml:"decay_rate"`
}

// SearchConfig tunes hybrid search fusion.
type SearchConfig struct {
	Policy          string  `yaml:"policy"` // "weighted_sum" | "reciprocal_rank"
	BM25Weight      float64 `yaml:"bm25_weight"`
	VectorWeight    float64 `yaml:"vector_weight"`
	ImportanceBoost float64 `yaml:"importance_boost"`
	RRFK            int     `yaml:"rrf_k"`
	DefaultLimit    int     `yaml:"default_limit"`
}

// IngestConfig locates the directories the ingestor scans and quarantines
// into.
type IngestConfig struct {
	WatchDir      string `yaml:"watch_dir"`
	QuarantineDir string `yaml:"quarantine_dir"`
}

// LoggerConfig configures the slog handler.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig configures the OpenTelemetry tracer provider.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.memsub/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".memsub", "data")
}

// Defaults returns a Config populated with the substrate's built-in
// defaults, used as the base Load unmarshals over.
func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			DataDir:  defaultDataDir(),
			DBFile:   "index.db",
			FilesDir: "memories",
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Model:     "nomic-embed-text",
			Dimension: 768,
		},
		Consolidation: ConsolidationConfig{
			Schedule:                 "0 */6 * * *",
			BatchSize:                20,
			MaxRetries:               3,
			STMAgeThreshold:          24 * time.Hour,
			MergeSimilarityThreshold: 0.92,
			TokenBudget:              8000,
		},
		Pattern: PatternConfig{
			MinOccurrences:      3,
			ClusterThreshold:    0.18,
			ConfidenceThreshold: 0.5,
			PromotionThreshold:  0.5,
			Window:              7 * 24 * time.Hour,
			DecayRate:           0.1,
		},
		Search: SearchConfig{
			Policy:          "weighted_sum",
			BM25Weight:      0.3,
			VectorWeight:    0.7,
			ImportanceBoost: 0.1,
			RRFK:            60,
			DefaultLimit:    10,
		},
		Ingest: IngestConfig{
			WatchDir:      filepath.Join(defaultDataDir(), "inbox"),
			QuarantineDir: filepath.Join(defaultDataDir(), "quarantine"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file at path, falling back to Defaults if it
// does not exist. Includes are merged, MEMSUB_* env vars are applied, and
// "enc:"-prefixed secrets are decrypted if MEMSUB_CONFIG_KEY is set.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("MEMSUB_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps MEMSUB_* env vars onto cfg, taking precedence over
// file-sourced values but not over Validate's defaulting.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEMSUB_STORE_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("MEMSUB_EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("MEMSUB_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("MEMSUB_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("MEMSUB_CONSOLIDATION_SCHEDULE"); v != "" {
		cfg.Consolidation.Schedule = v
	}
	if v := os.Getenv("MEMSUB_CONSOLIDATION_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Consolidation.BatchSize = n
		}
	}
	if v := os.Getenv("MEMSUB_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MEMSUB_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MEMSUB_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("MEMSUB_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Embedding.APIKey, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Embedding.APIKey, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("embedding api_key: %w", err)
		}
		cfg.Embedding.APIKey = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a
// passphrase-derived key.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

// DBPath returns the absolute path to the relational index file.
func (c StoreConfig) DBPath() string {
	return filepath.Join(c.DataDir, orDefault(c.DBFile, "index.db"))
}

// FilesPath returns the absolute path to the Markdown directory.
func (c StoreConfig) FilesPath() string {
	return filepath.Join(c.DataDir, orDefault(c.FilesDir, "memories"))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

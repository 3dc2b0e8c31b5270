package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Embedding.Provider != "ollama" {
		t.Errorf("expected default provider, got %q", cfg.Embedding.Provider)
	}
	if cfg.Search.Policy != "weighted_sum" {
		t.Errorf("expected default search policy, got %q", cfg.Search.Policy)
	}
}

func TestLoadOverlaysFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
store:
  data_dir: /custom/data
embedding:
  provider: openai
  model: text-embedding-3-small
  api_key: sk-test
  dimension: 1536
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.DataDir != "/custom/data" {
		t.Errorf("store.data_dir not overlaid: %+v", cfg.Store)
	}
	if cfg.Embedding.Model != "text-embedding-3-small" || cfg.Embedding.Dimension != 1536 {
		t.Errorf("embedding not overlaid: %+v", cfg.Embedding)
	}
	if cfg.Consolidation.BatchSize != 20 {
		t.Errorf("expected default batch size preserved, got %d", cfg.Consolidation.BatchSize)
	}
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  data_dir: /x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("0644 should be accepted: %v", err)
	}

	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected insecure-permissions error for 0666")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Defaults()
	t.Setenv("MEMSUB_EMBEDDING_PROVIDER", "gemini")
	t.Setenv("MEMSUB_CONSOLIDATION_BATCH_SIZE", "50")

	ApplyEnvOverrides(cfg)

	if cfg.Embedding.Provider != "gemini" {
		t.Errorf("env override not applied: %+v", cfg.Embedding)
	}
	if cfg.Consolidation.BatchSize != 50 {
		t.Errorf("env override not applied: %+v", cfg.Consolidation)
	}
}

func TestEncryptDecryptValueRoundTrip(t *testing.T) {
	enc, err := EncryptValue("sk-secret", "passphrase")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	dec, err := DecryptValue(enc, "passphrase")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if dec != "sk-secret" {
		t.Errorf("round trip = %q, want sk-secret", dec)
	}
	if _, err := DecryptValue(enc, "wrong-passphrase"); err == nil {
		t.Error("expected decrypt failure with wrong passphrase")
	}
}

func TestLoadDecryptsEmbeddingAPIKey(t *testing.T) {
	enc, err := EncryptValue("sk-plain", "pw")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "embedding:\n  provider: openai\n  api_key: \"enc:"+enc+"\"\n")

	t.Setenv("MEMSUB_CONFIG_KEY", "pw")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Embedding.APIKey != "sk-plain" {
		t.Errorf("api_key not decrypted: %q", cfg.Embedding.APIKey)
	}
}

func TestStoreConfigPaths(t *testing.T) {
	c := StoreConfig{DataDir: "/data"}
	if c.DBPath() != filepath.Join("/data", "index.db") {
		t.Errorf("DBPath = %q", c.DBPath())
	}
	if c.FilesPath() != filepath.Join("/data", "memories") {
		t.Errorf("FilesPath = %q", c.FilesPath())
	}

	c.DBFile = "custom.db"
	c.FilesDir = "notes"
	if c.DBPath() != filepath.Join("/data", "custom.db") {
		t.Errorf("DBPath override = %q", c.DBPath())
	}
	if c.FilesPath() != filepath.Join("/data", "notes") {
		t.Errorf("FilesPath override = %q", c.FilesPath())
	}
}

// Package config assembles runtime configuration from the environment.
// Commands load .env via godotenv before calling FromEnv.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is everything the commands need beyond their flags.
type Config struct {
	// Work dirs.
	WorkDir  string // default .artgen
	CacheDir string
	StateDir string
	BlobDir  string

	// State backend: "disk" or a Postgres DSN via ARTGEN_POSTGRES_DSN.
	PostgresDSN string

	// Blob backend: "fs" unless S3 settings are present.
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool

	// Providers.
	Provider        string // fake | gemini | openai
	GeminiTextModel string
	GeminiImgModel  string
	OpenAIModel     string

	// Scheduling.
	ParallelAssets       int
	VariationParallelism int
	ProviderAttempts     int
	ProviderBackoff      time.Duration
}

func FromEnv() Config {
	c := Config{
		WorkDir:              envStr("ARTGEN_DIR", ".artgen"),
		PostgresDSN:          os.Getenv("ARTGEN_POSTGRES_DSN"),
		S3Endpoint:           os.Getenv("ARTGEN_S3_ENDPOINT"),
		S3Region:             os.Getenv("ARTGEN_S3_REGION"),
		S3AccessKey:          os.Getenv("ARTGEN_S3_ACCESS_KEY"),
		S3SecretKey:          os.Getenv("ARTGEN_S3_SECRET_KEY"),
		S3Bucket:             os.Getenv("ARTGEN_S3_BUCKET"),
		S3UseSSL:             envBool("ARTGEN_S3_SSL", false),
		Provider:             envStr("ARTGEN_PROVIDER", "gemini"),
		GeminiTextModel:      os.Getenv("GEMINI_TEXT_MODEL"),
		GeminiImgModel:       os.Getenv("GEMINI_IMAGE_MODEL"),
		OpenAIModel:          os.Getenv("OPENAI_MODEL"),
		ParallelAssets:       envInt("ARTGEN_PARALLEL_ASSETS", 2),
		VariationParallelism: envInt("ARTGEN_VARIATION_PARALLELISM", 3),
		ProviderAttempts:     envInt("ARTGEN_PROVIDER_ATTEMPTS", 3),
		ProviderBackoff:      envDuration("ARTGEN_PROVIDER_BACKOFF", 300*time.Millisecond),
	}
	c.CacheDir = envStr("ARTGEN_CACHE_DIR", c.WorkDir+"/cache")
	c.StateDir = envStr("ARTGEN_STATE_DIR", c.WorkDir+"/state")
	c.BlobDir = envStr("ARTGEN_BLOB_DIR", c.WorkDir+"/blobs")
	return c
}

// UseS3 reports whether the S3 blob backend is configured.
func (c Config) UseS3() bool {
	return c.S3Endpoint != "" && c.S3Bucket != ""
}

// UsePostgres reports whether the Postgres state backend is configured.
func (c Config) UsePostgres() bool {
	return strings.TrimSpace(c.PostgresDSN) != ""
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

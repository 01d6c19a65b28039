package common

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Ingest   IngestConfig   `yaml:"ingest"`
}

// StoreConfig holds persistence configuration. The DSN scheme picks the
// implementation: postgres:// uses pgx, anything else is a SQLite path.
type StoreConfig struct {
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// ServerConfig holds the HTTP API configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	SpoolDir string `yaml:"spool_dir"` // where uploaded PDFs are parked before processing
}

// BackendConfig holds the recognition backend configuration. Binary locations
// are explicit: they are resolved exactly once at process start and a missing
// binary is a fatal configuration error, never a silent PATH fallback.
type BackendConfig struct {
	PdftoppmPath  string        `yaml:"pdftoppm_path"`
	TesseractPath string        `yaml:"tesseract_path"`
	TessdataDir   string        `yaml:"tessdata_dir"`
	OCRBackend    string        `yaml:"ocr_backend"` // "cli" subprocess, or "lib" (needs the tesseract_cgo build tag)
	Language      string        `yaml:"language"`    // tesseract traineddata code, e.g. "spa"
	OCRTimeout    time.Duration `yaml:"ocr_timeout"`
	Concurrency   int           `yaml:"concurrency"` // max concurrent recognition calls
}

// PipelineConfig holds rendering, gating and retry knobs.
type PipelineConfig struct {
	RenderDPI        int           `yaml:"render_dpi"`
	RetryDPI         int           `yaml:"retry_dpi"`
	MinEffectiveDPI  float64       `yaml:"min_effective_dpi"`
	MinContrast      float64       `yaml:"min_contrast"`
	MinTextDensity   float64       `yaml:"min_text_density"` // chars per cm²
	MaxSkewDegrees   float64       `yaml:"max_skew_degrees"`
	MaxOCRRetries    int           `yaml:"max_ocr_retries"`
	ReviewConfidence float32       `yaml:"review_confidence"`
	PageWorkers      int           `yaml:"page_workers"`
	ProcessTimeout   time.Duration `yaml:"process_timeout"` // per-document budget in the queue
}

// IngestConfig holds drop-folder watching configuration.
type IngestConfig struct {
	WatchDirs []string      `yaml:"watch_dirs"`
	Workers   int           `yaml:"workers"`
	Debounce  time.Duration `yaml:"debounce"`
}

// LoadConfig builds configuration from defaults, then an optional YAML file,
// then environment variables. Environment wins over file, file over defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, NewAppError("CONFIG_ERROR", fmt.Sprintf("read config file %s", path), err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, NewAppError("CONFIG_ERROR", fmt.Sprintf("parse config file %s", path), err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DSN:             "file:expedocr.db",
			MaxConns:        20,
			MinConns:        5,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
		},
		Server: ServerConfig{
			HTTPAddr: ":8080",
			SpoolDir: "./spool",
		},
		Backend: BackendConfig{
			OCRBackend:  "cli",
			Language:    "spa",
			OCRTimeout:  30 * time.Second,
			Concurrency: defaultConcurrency(),
		},
		Pipeline: PipelineConfig{
			RenderDPI:        300,
			RetryDPI:         150,
			MinEffectiveDPI:  150,
			MinContrast:      0.25,
			MinTextDensity:   0.02, // 1 char per 50 cm²
			MaxSkewDegrees:   2.0,
			MaxOCRRetries:    1,
			ReviewConfidence: 0.30,
			PageWorkers:      4,
			ProcessTimeout:   3 * time.Minute,
		},
		Ingest: IngestConfig{
			Workers:  4,
			Debounce: 500 * time.Millisecond,
		},
	}
}

func (c *Config) applyEnv() {
	c.Store.DSN = getEnv("EXPEDOCR_DB", c.Store.DSN)

	c.Server.HTTPAddr = getEnv("EXPEDOCR_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.SpoolDir = getEnv("EXPEDOCR_SPOOL_DIR", c.Server.SpoolDir)

	c.Backend.PdftoppmPath = getEnv("EXPEDOCR_PDFTOPPM", c.Backend.PdftoppmPath)
	c.Backend.TesseractPath = getEnv("EXPEDOCR_TESSERACT", c.Backend.TesseractPath)
	c.Backend.TessdataDir = getEnv("TESSDATA_PREFIX", c.Backend.TessdataDir)
	c.Backend.OCRBackend = getEnv("EXPEDOCR_OCR_BACKEND", c.Backend.OCRBackend)
	c.Backend.Language = getEnv("EXPEDOCR_LANG", c.Backend.Language)
	c.Backend.OCRTimeout = getEnvAsDuration("EXPEDOCR_OCR_TIMEOUT", c.Backend.OCRTimeout)
	c.Backend.Concurrency = getEnvAsInt("EXPEDOCR_OCR_CONCURRENCY", c.Backend.Concurrency)

	c.Pipeline.RenderDPI = getEnvAsInt("EXPEDOCR_RENDER_DPI", c.Pipeline.RenderDPI)
	c.Pipeline.RetryDPI = getEnvAsInt("EXPEDOCR_RETRY_DPI", c.Pipeline.RetryDPI)
	c.Pipeline.MinEffectiveDPI = getEnvAsFloat64("EXPEDOCR_MIN_DPI", c.Pipeline.MinEffectiveDPI)
	c.Pipeline.MinContrast = getEnvAsFloat64("EXPEDOCR_MIN_CONTRAST", c.Pipeline.MinContrast)
	c.Pipeline.MinTextDensity = getEnvAsFloat64("EXPEDOCR_MIN_DENSITY", c.Pipeline.MinTextDensity)
	c.Pipeline.MaxSkewDegrees = getEnvAsFloat64("EXPEDOCR_MAX_SKEW", c.Pipeline.MaxSkewDegrees)
	c.Pipeline.MaxOCRRetries = getEnvAsInt("EXPEDOCR_OCR_RETRIES", c.Pipeline.MaxOCRRetries)
	c.Pipeline.ReviewConfidence = getEnvAsFloat32("EXPEDOCR_REVIEW_CONFIDENCE", c.Pipeline.ReviewConfidence)
	c.Pipeline.PageWorkers = getEnvAsInt("EXPEDOCR_PAGE_WORKERS", c.Pipeline.PageWorkers)
	c.Pipeline.ProcessTimeout = getEnvAsDuration("EXPEDOCR_PROCESS_TIMEOUT", c.Pipeline.ProcessTimeout)

	if dirs := getEnv("EXPEDOCR_WATCH_DIRS", ""); dirs != "" {
		c.Ingest.WatchDirs = splitList(dirs)
	}
	c.Ingest.Workers = getEnvAsInt("EXPEDOCR_WORKERS", c.Ingest.Workers)
	c.Ingest.Debounce = getEnvAsDuration("EXPEDOCR_DEBOUNCE", c.Ingest.Debounce)
}

// defaultConcurrency caps recognition parallelism so a big host does not
// flood the backend: number of cores, at most 4.
func defaultConcurrency() int {
	n := runtime.NumCPU()
	if n > 4 {
		n = 4
	}
	if n < 1 {
		n = 1
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate checks the loaded configuration and fails fast on anything the
// daemon cannot run without.
func (c *Config) Validate() error {
	if c.Store.DSN == "" {
		return NewAppError("CONFIG_ERROR", "EXPEDOCR_DB is required", ErrInvalidInput)
	}
	if c.Backend.PdftoppmPath == "" {
		return NewAppError("CONFIG_ERROR", "EXPEDOCR_PDFTOPPM is required (no PATH discovery)", ErrInvalidInput)
	}
	if c.Backend.TesseractPath == "" {
		return NewAppError("CONFIG_ERROR", "EXPEDOCR_TESSERACT is required (no PATH discovery)", ErrInvalidInput)
	}
	if b := c.Backend.OCRBackend; b != "cli" && b != "lib" {
		return NewAppError("CONFIG_ERROR", "EXPEDOCR_OCR_BACKEND must be cli or lib", ErrInvalidInput)
	}
	if c.Backend.Language == "" {
		return NewAppError("CONFIG_ERROR", "EXPEDOCR_LANG is required", ErrInvalidInput)
	}
	if c.Backend.OCRTimeout <= 0 {
		return NewAppError("CONFIG_ERROR", "EXPEDOCR_OCR_TIMEOUT must be positive", ErrInvalidInput)
	}
	if c.Backend.Concurrency < 1 {
		return NewAppError("CONFIG_ERROR", "EXPEDOCR_OCR_CONCURRENCY must be at least 1", ErrInvalidInput)
	}
	if c.Pipeline.RenderDPI <= 0 || c.Pipeline.RetryDPI <= 0 {
		return NewAppError("CONFIG_ERROR", "render and retry DPI must be positive", ErrInvalidInput)
	}
	if c.Pipeline.RetryDPI > c.Pipeline.RenderDPI {
		return NewAppError("CONFIG_ERROR", "EXPEDOCR_RETRY_DPI must not exceed EXPEDOCR_RENDER_DPI", ErrInvalidInput)
	}
	if c.Pipeline.MinContrast < 0 || c.Pipeline.MinContrast > 1 {
		return NewAppError("CONFIG_ERROR", "EXPEDOCR_MIN_CONTRAST must be within [0,1]", ErrInvalidInput)
	}
	if c.Pipeline.ReviewConfidence < 0 || c.Pipeline.ReviewConfidence > 1 {
		return NewAppError("CONFIG_ERROR", "EXPEDOCR_REVIEW_CONFIDENCE must be within [0,1]", ErrInvalidInput)
	}
	return nil
}

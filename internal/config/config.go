// Package config loads a frozen Config value once at boot from environment
// variables. No component reaches back into the environment after boot.
package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prohibitedtv/telecap/internal/errs"
)

// Config is the complete, validated runtime configuration for the ingestion
// service, assembled once by LoadFromEnv and passed explicitly to every
// component the Supervisor boots.
type Config struct {
	TelegramPhone    string
	TelegramAPIID    string
	TelegramAPIHash  string
	TelegramChannels []string

	WorkerCount        int
	QueueCapacity      int
	DownloadMaxRetries int

	StoragePath string
	DatabaseURL string

	IOCDomains   []string
	IOCEmails    []string
	IOCIPv4CIDRs []*net.IPNet

	MaxDecompressedBytes  int64
	MaxDecompressionRatio int

	LogLevel  string
	LogFormat string

	MetricsAddr    string
	DedupCacheAddr string
	ShutdownGrace  time.Duration
}

const (
	defaultWorkerCount           = 4
	defaultDownloadMaxRetries    = 5
	defaultMaxDecompressedBytes  = 2 << 30 // 2 GiB
	defaultMaxDecompressionRatio = 100
	defaultShutdownGrace         = 30 * time.Second
)

// LoadFromEnv reads the service's environment keys, applies defaults, and
// validates required fields. A ClassConfigInvalid error is returned (never
// panics) on any problem so the Supervisor can exit with the documented
// fatal exit code.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		TelegramPhone:   strings.TrimSpace(os.Getenv("TELEGRAM_PHONE")),
		TelegramAPIID:   strings.TrimSpace(os.Getenv("TELEGRAM_API_ID")),
		TelegramAPIHash: strings.TrimSpace(os.Getenv("TELEGRAM_API_HASH")),
		StoragePath:     strings.TrimSpace(os.Getenv("STORAGE_PATH")),
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		LogLevel:        strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		LogFormat:       strings.TrimSpace(os.Getenv("LOG_FORMAT")),
		MetricsAddr:     strings.TrimSpace(os.Getenv("METRICS_ADDR")),
		DedupCacheAddr:  strings.TrimSpace(os.Getenv("DEDUP_CACHE_ADDR")),

		WorkerCount:           defaultWorkerCount,
		DownloadMaxRetries:    defaultDownloadMaxRetries,
		MaxDecompressedBytes:  defaultMaxDecompressedBytes,
		MaxDecompressionRatio: defaultMaxDecompressionRatio,
		ShutdownGrace:         defaultShutdownGrace,
	}

	cfg.TelegramChannels = splitNonEmpty(os.Getenv("TELEGRAM_CHANNELS"))
	cfg.IOCDomains = splitNonEmpty(os.Getenv("IOC_DOMAINS"))
	cfg.IOCEmails = splitNonEmpty(os.Getenv("IOC_EMAILS"))

	if v := strings.TrimSpace(os.Getenv("WORKER_COUNT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, errs.Newf(errs.ClassConfigInvalid, "WORKER_COUNT must be a positive integer, got %q", v)
		}
		cfg.WorkerCount = n
	}

	if v := strings.TrimSpace(os.Getenv("QUEUE_CAPACITY")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, errs.Newf(errs.ClassConfigInvalid, "QUEUE_CAPACITY must be a positive integer, got %q", v)
		}
		cfg.QueueCapacity = n
	} else {
		cfg.QueueCapacity = 4 * cfg.WorkerCount
	}

	if v := strings.TrimSpace(os.Getenv("DOWNLOAD_MAX_RETRIES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, errs.Newf(errs.ClassConfigInvalid, "DOWNLOAD_MAX_RETRIES must be a non-negative integer, got %q", v)
		}
		cfg.DownloadMaxRetries = n
	}

	if v := strings.TrimSpace(os.Getenv("MAX_DECOMPRESSED_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, errs.Newf(errs.ClassConfigInvalid, "MAX_DECOMPRESSED_BYTES must be a positive integer, got %q", v)
		}
		cfg.MaxDecompressedBytes = n
	}

	if v := strings.TrimSpace(os.Getenv("MAX_DECOMPRESSION_RATIO")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, errs.Newf(errs.ClassConfigInvalid, "MAX_DECOMPRESSION_RATIO must be a positive integer, got %q", v)
		}
		cfg.MaxDecompressionRatio = n
	}

	if v := strings.TrimSpace(os.Getenv("SHUTDOWN_GRACE")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, errs.Newf(errs.ClassConfigInvalid, "SHUTDOWN_GRACE must be a positive duration, got %q", v)
		}
		cfg.ShutdownGrace = d
	}

	cidrs := splitNonEmpty(os.Getenv("IOC_IPV4_CIDRS"))
	cfg.IOCIPv4CIDRs = make([]*net.IPNet, 0, len(cidrs))
	for _, raw := range cidrs {
		_, ipNet, err := net.ParseCIDR(raw)
		if err != nil {
			return Config{}, errs.Newf(errs.ClassConfigInvalid, "IOC_IPV4_CIDRS entry %q: %w", raw, err)
		}
		cfg.IOCIPv4CIDRs = append(cfg.IOCIPv4CIDRs, ipNet)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks that every field required for the Supervisor to boot is
// present. It does not validate that the Telegram session itself is
// authorized to access the configured channels — that surfaces as a
// Listener-start failure, not a config-load failure.
func (c Config) Validate() error {
	var missing []string
	if c.TelegramPhone == "" {
		missing = append(missing, "TELEGRAM_PHONE")
	}
	if c.TelegramAPIID == "" {
		missing = append(missing, "TELEGRAM_API_ID")
	}
	if c.TelegramAPIHash == "" {
		missing = append(missing, "TELEGRAM_API_HASH")
	}
	if len(c.TelegramChannels) == 0 {
		missing = append(missing, "TELEGRAM_CHANNELS")
	}
	if c.StoragePath == "" {
		missing = append(missing, "STORAGE_PATH")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return errs.Newf(errs.ClassConfigInvalid, "missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.WorkerCount <= 0 {
		return errs.Newf(errs.ClassConfigInvalid, "WORKER_COUNT must be positive")
	}
	if c.QueueCapacity <= 0 {
		return errs.Newf(errs.ClassConfigInvalid, "QUEUE_CAPACITY must be positive")
	}
	return nil
}

func splitNonEmpty(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

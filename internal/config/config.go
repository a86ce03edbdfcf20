// Package config loads environment-driven configuration for the ingestion
// core (cmd/ledger-ingest-service).
package config

import (
	"fmt"
	"os"
	"strings"
)

// Config is the full set of environment-driven settings for
// cmd/ledger-ingest-service.
type Config struct {
	Addr        string
	DatabaseURL string

	NotifyBrokers []string
	NotifyTopic   string

	ArchiveBucket string
	ArchivePrefix string
}

const (
	defaultAddr        = ":8090"
	defaultNotifyTopic = "ledger.ingest.outcomes"
)

// Load reads Config from the environment. DATABASE_URL is required;
// notification and archival are optional and gated on their respective
// env vars being set (see NotifyEnabled / ArchiveEnabled).
func Load() (Config, error) {
	cfg := Config{
		Addr:          getEnv("LEDGER_INGEST_ADDR", defaultAddr),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		NotifyBrokers: parseCSV(os.Getenv("LEDGER_NOTIFY_BROKERS")),
		NotifyTopic:   getEnv("LEDGER_NOTIFY_TOPIC", defaultNotifyTopic),
		ArchiveBucket: os.Getenv("LEDGER_ARCHIVE_BUCKET"),
		ArchivePrefix: os.Getenv("LEDGER_ARCHIVE_PREFIX"),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL required")
	}
	return cfg, nil
}

// NotifyEnabled reports whether the Outcome Notifier should be constructed.
func (c Config) NotifyEnabled() bool {
	return len(c.NotifyBrokers) > 0
}

// ArchiveEnabled reports whether the Bronze Archiver should be constructed.
func (c Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != ""
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

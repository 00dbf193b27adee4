// Package config loads the server configuration from the environment,
// resolves Google credentials, validates client-supplied language tags,
// and manages the hot-reloaded tuning file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"google.golang.org/api/option"
)

// Config is the immutable server configuration.
type Config struct {
	Port                string
	MaxConnections      int
	MaxConnectionsPerIP int
	InactivityTimeout   time.Duration
	GlossaryEnabled     bool
	TranslationModel    string // "nmt" or "advanced"
	TranslationBackend  string // "google" or "gemini"
	GoogleProject       string
	GoogleLocation      string
	GeminiAPIKey        string
	DBPath              string
	TuningPath          string
	LogLevel            slog.Level
}

// FromEnv reads the configuration, applying defaults and failing fast
// on invalid values.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:                envOr("PORT", "8080"),
		MaxConnections:      50,
		MaxConnectionsPerIP: 5,
		InactivityTimeout:   30 * time.Minute,
		TranslationModel:    envOr("TRANSLATION_MODEL", "nmt"),
		TranslationBackend:  envOr("TRANSLATION_BACKEND", "google"),
		GoogleProject:       os.Getenv("GOOGLE_CLOUD_PROJECT"),
		GoogleLocation:      envOr("GOOGLE_CLOUD_LOCATION", "global"),
		GeminiAPIKey:        os.Getenv("GEMINI_API_KEY"),
		DBPath:              envOr("DB_PATH", "budgettranslate.db"),
		TuningPath:          os.Getenv("TUNING_PATH"),
	}

	var err error
	if cfg.MaxConnections, err = envInt("MAX_CONNECTIONS", cfg.MaxConnections); err != nil {
		return nil, err
	}
	if cfg.MaxConnectionsPerIP, err = envInt("MAX_CONNECTIONS_PER_IP", cfg.MaxConnectionsPerIP); err != nil {
		return nil, err
	}
	if v := os.Getenv("INACTIVITY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("INACTIVITY_TIMEOUT: %w", err)
		}
		cfg.InactivityTimeout = d
	}
	if v := os.Getenv("GLOSSARY_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("GLOSSARY_ENABLED: %w", err)
		}
		cfg.GlossaryEnabled = b
	}

	switch cfg.TranslationModel {
	case "nmt", "advanced":
	default:
		return nil, fmt.Errorf("TRANSLATION_MODEL must be nmt or advanced, got %q", cfg.TranslationModel)
	}
	switch cfg.TranslationBackend {
	case "google":
		if cfg.GoogleProject == "" {
			return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT is required for the google backend")
		}
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for the gemini backend")
		}
	default:
		return nil, fmt.Errorf("TRANSLATION_BACKEND must be google or gemini, got %q", cfg.TranslationBackend)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = lvl
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

// CredentialOptions resolves Google credentials in order: inline JSON
// env, explicit file path, the gcloud ADC file. Returns an error when
// none are present so startup fails fast instead of the first MT call.
func CredentialOptions() ([]option.ClientOption, error) {
	if j := os.Getenv("GOOGLE_CREDENTIALS_JSON"); j != "" {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(j))}, nil
	}
	if p := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); p != "" {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("GOOGLE_APPLICATION_CREDENTIALS: %w", err)
		}
		// The client libraries pick the path up themselves.
		return nil, nil
	}
	if home, err := os.UserHomeDir(); err == nil {
		adc := filepath.Join(home, ".config", "gcloud", "application_default_credentials.json")
		if _, err := os.Stat(adc); err == nil {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("no Google credentials: set GOOGLE_CREDENTIALS_JSON, GOOGLE_APPLICATION_CREDENTIALS, or run gcloud auth application-default login")
}

var (
	sourceLangRe = regexp.MustCompile(`^[a-z]{2}-[A-Z]{2}$`)
	targetLangRe = regexp.MustCompile(`^[a-z]{2}(-[A-Z]{2})?$`)
)

// ValidSourceLang reports whether tag is an acceptable ASR source
// language ("ro-RO" form, region required).
func ValidSourceLang(tag string) bool { return sourceLangRe.MatchString(tag) }

// ValidTargetLang reports whether tag is an acceptable translation
// target ("en" or "en-US" form).
func ValidTargetLang(tag string) bool { return targetLangRe.MatchString(tag) }

const (
	minIntervalMs = 1000
	maxIntervalMs = 60000
)

// IntervalOverride validates a client-requested translation interval.
func IntervalOverride(ms int) (time.Duration, error) {
	if ms < minIntervalMs || ms > maxIntervalMs {
		return 0, fmt.Errorf("translation interval %d ms out of range [%d, %d]", ms, minIntervalMs, maxIntervalMs)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

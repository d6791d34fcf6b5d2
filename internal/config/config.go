package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "DGCART_"

// Config defines configuration for the dgcart CLI.
type Config struct {
	FacilityName    string        `yaml:"facility_name"`
	DownloadAPIURL  string        `yaml:"download_api_url"`
	APIURL          string        `yaml:"api_url"`
	IDSURL          string        `yaml:"ids_url"`
	DOIMinterURL    string        `yaml:"doi_minter_url"`
	SessionID       string        `yaml:"session_id"`
	PageSize        int           `yaml:"page_size"`
	SizeConcurrency int           `yaml:"size_concurrency"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Bucket          string        `yaml:"bucket"`
	BucketPrefix    string        `yaml:"bucket_prefix"`
	FetchWorkers    int           `yaml:"fetch_workers"`
	LogLevel        string        `yaml:"log_level"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	HTTP            HTTPConfig    `yaml:"http"`
	Retry           RetryConfig   `yaml:"retry"`
}

// HTTPConfig configures the API client.
type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// RetryConfig defines retry behavior for transient failures.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		PageSize:        50,
		SizeConcurrency: 5,
		PollInterval:    5 * time.Second,
		FetchWorkers:    4,
		LogLevel:        "info",
		HTTP: HTTPConfig{
			Timeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			Attempts: 3,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	FacilityName    string          `yaml:"facility_name"`
	DownloadAPIURL  string          `yaml:"download_api_url"`
	APIURL          string          `yaml:"api_url"`
	IDSURL          string          `yaml:"ids_url"`
	DOIMinterURL    string          `yaml:"doi_minter_url"`
	SessionID       string          `yaml:"session_id"`
	PageSize        int             `yaml:"page_size"`
	SizeConcurrency int             `yaml:"size_concurrency"`
	PollInterval    string          `yaml:"poll_interval"`
	Bucket          string          `yaml:"bucket"`
	BucketPrefix    string          `yaml:"bucket_prefix"`
	FetchWorkers    int             `yaml:"fetch_workers"`
	LogLevel        string          `yaml:"log_level"`
	MetricsAddr     string          `yaml:"metrics_addr"`
	HTTP            yamlHTTPConfig  `yaml:"http"`
	Retry           yamlRetryConfig `yaml:"retry"`
}

type yamlHTTPConfig struct {
	Timeout string `yaml:"timeout"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	override := Config{
		FacilityName:    yc.FacilityName,
		DownloadAPIURL:  yc.DownloadAPIURL,
		APIURL:          yc.APIURL,
		IDSURL:          yc.IDSURL,
		DOIMinterURL:    yc.DOIMinterURL,
		SessionID:       yc.SessionID,
		PageSize:        yc.PageSize,
		SizeConcurrency: yc.SizeConcurrency,
		Bucket:          yc.Bucket,
		BucketPrefix:    yc.BucketPrefix,
		FetchWorkers:    yc.FetchWorkers,
		LogLevel:        yc.LogLevel,
		MetricsAddr:     yc.MetricsAddr,
		Retry:           RetryConfig{Attempts: yc.Retry.Attempts},
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"poll_interval", yc.PollInterval, &override.PollInterval},
		{"http.timeout", yc.HTTP.Timeout, &override.HTTP.Timeout},
		{"retry.backoff", yc.Retry.Backoff, &override.Retry.Backoff},
		{"retry.max_backoff", yc.Retry.MaxBackoff, &override.Retry.MaxBackoff},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return Default().Merge(override), nil
}

// LoadDotEnv loads KEY=value pairs from a .env file into the process
// environment. Variables that are already set are kept. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the DGCART_ prefix.
func (c *Config) LoadFromEnv() error {
	strs := []struct {
		name string
		dst  *string
	}{
		{"FACILITY_NAME", &c.FacilityName},
		{"DOWNLOAD_API_URL", &c.DownloadAPIURL},
		{"API_URL", &c.APIURL},
		{"IDS_URL", &c.IDSURL},
		{"DOI_MINTER_URL", &c.DOIMinterURL},
		{"SESSION_ID", &c.SessionID},
		{"BUCKET", &c.Bucket},
		{"BUCKET_PREFIX", &c.BucketPrefix},
		{"LOG_LEVEL", &c.LogLevel},
		{"METRICS_ADDR", &c.MetricsAddr},
	}
	for _, s := range strs {
		if v := os.Getenv(EnvPrefix + s.name); v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"PAGE_SIZE", &c.PageSize},
		{"SIZE_CONCURRENCY", &c.SizeConcurrency},
		{"FETCH_WORKERS", &c.FetchWorkers},
		{"RETRY_ATTEMPTS", &c.Retry.Attempts},
	}
	for _, i := range ints {
		v := os.Getenv(EnvPrefix + i.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, i.name, err)
		}
		*i.dst = n
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"POLL_INTERVAL", &c.PollInterval},
		{"HTTP_TIMEOUT", &c.HTTP.Timeout},
		{"RETRY_BACKOFF", &c.Retry.Backoff},
		{"RETRY_MAX_BACKOFF", &c.Retry.MaxBackoff},
	}
	for _, d := range durations {
		v := os.Getenv(EnvPrefix + d.name)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, d.name, err)
		}
		*d.dst = parsed
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.FacilityName == "" {
		return errors.New("config: facility_name is required")
	}
	for _, u := range []struct{ name, value string }{
		{"download_api_url", c.DownloadAPIURL},
		{"ids_url", c.IDSURL},
	} {
		if u.value == "" {
			return fmt.Errorf("config: %s is required", u.name)
		}
		if err := checkURL(u.value); err != nil {
			return fmt.Errorf("config: %s: %w", u.name, err)
		}
	}
	for _, u := range []struct{ name, value string }{
		{"api_url", c.APIURL},
		{"doi_minter_url", c.DOIMinterURL},
	} {
		if u.value == "" {
			continue
		}
		if err := checkURL(u.value); err != nil {
			return fmt.Errorf("config: %s: %w", u.name, err)
		}
	}
	if c.PageSize <= 0 {
		return errors.New("config: page_size must be positive")
	}
	if c.SizeConcurrency <= 0 {
		return errors.New("config: size_concurrency must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("config: poll_interval must be positive")
	}
	if c.FetchWorkers <= 0 {
		return errors.New("config: fetch_workers must be positive")
	}
	if c.Retry.Attempts <= 0 {
		return errors.New("config: retry.attempts must be positive")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: log_level: %w", err)
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, v time.Duration) {
		if v != 0 {
			*dst = v
		}
	}

	setString(&c.FacilityName, override.FacilityName)
	setString(&c.DownloadAPIURL, override.DownloadAPIURL)
	setString(&c.APIURL, override.APIURL)
	setString(&c.IDSURL, override.IDSURL)
	setString(&c.DOIMinterURL, override.DOIMinterURL)
	setString(&c.SessionID, override.SessionID)
	setString(&c.Bucket, override.Bucket)
	setString(&c.BucketPrefix, override.BucketPrefix)
	setString(&c.LogLevel, override.LogLevel)
	setString(&c.MetricsAddr, override.MetricsAddr)
	setInt(&c.PageSize, override.PageSize)
	setInt(&c.SizeConcurrency, override.SizeConcurrency)
	setInt(&c.FetchWorkers, override.FetchWorkers)
	setInt(&c.Retry.Attempts, override.Retry.Attempts)
	setDuration(&c.PollInterval, override.PollInterval)
	setDuration(&c.HTTP.Timeout, override.HTTP.Timeout)
	setDuration(&c.Retry.Backoff, override.Retry.Backoff)
	setDuration(&c.Retry.MaxBackoff, override.Retry.MaxBackoff)
	return c
}

// Package config loads kbgraph settings from defaults, an optional TOML file
// and KBGRAPH_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/latebit/kbgraph/internal/logging"
)

// Config holds the settings shared by the kbgraph binaries.
type Config struct {
	Instance    string `toml:"instance"`     // https://<name>.service-now.com
	Token       string `toml:"token"`        // X-UserToken value
	ArticlesDir string `toml:"articles_dir"` // read exported articles instead of the API

	MaxNodes         int           `toml:"max_nodes"`
	MaxRetries       int           `toml:"max_retries"`
	RetryBase        time.Duration `toml:"retry_base"`
	RequestTimeout   time.Duration `toml:"request_timeout"`
	BatchSize        int           `toml:"batch_size"`
	TitleConcurrency int           `toml:"title_concurrency"`
	Workers          int           `toml:"workers"`
	ShowExternal     bool          `toml:"show_external"`
	DocsHosts        []string      `toml:"docs_hosts"`

	HTTP3      bool    `toml:"http3"`
	Insecure   bool    `toml:"insecure"`
	ProbeRate  float64 `toml:"probe_rate"`
	ProbeBurst int     `toml:"probe_burst"`

	LogFormat string `toml:"log_format"`
	LogLevel  string `toml:"log_level"`
	Listen    string `toml:"listen"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		MaxNodes:         100,
		MaxRetries:       2,
		RetryBase:        time.Second,
		RequestTimeout:   15 * time.Second,
		BatchSize:        6,
		TitleConcurrency: 6,
		Workers:          4,
		ProbeRate:        5,
		ProbeBurst:       2,
		LogFormat:        logging.FormatText,
		LogLevel:         "info",
		Listen:           "127.0.0.1:8377",
	}
}

// DefaultPath returns ~/.kbgraph/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".kbgraph", "config.toml"), nil
}

// Locate returns path if set, otherwise the default path when a file exists
// there, otherwise "".
func Locate(path string) string {
	if path != "" {
		return path
	}
	def, err := DefaultPath()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(def); err != nil {
		return ""
	}
	return def
}

// Load builds a Config from the defaults, the TOML file at path (skipped
// when path is empty) and the environment. Unknown keys in the file are an
// error. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides settings from KBGRAPH_* variables. Values that do not
// parse leave the current setting in place.
func (c *Config) applyEnv() {
	c.Instance = getEnv("KBGRAPH_INSTANCE", c.Instance)
	c.Token = getEnv("KBGRAPH_TOKEN", c.Token)
	c.ArticlesDir = getEnv("KBGRAPH_ARTICLES_DIR", c.ArticlesDir)
	c.MaxNodes = getEnvAsInt("KBGRAPH_MAX_NODES", c.MaxNodes)
	c.MaxRetries = getEnvAsInt("KBGRAPH_MAX_RETRIES", c.MaxRetries)
	c.RetryBase = getEnvAsDuration("KBGRAPH_RETRY_BASE", c.RetryBase)
	c.RequestTimeout = getEnvAsDuration("KBGRAPH_REQUEST_TIMEOUT", c.RequestTimeout)
	c.BatchSize = getEnvAsInt("KBGRAPH_BATCH_SIZE", c.BatchSize)
	c.TitleConcurrency = getEnvAsInt("KBGRAPH_TITLE_CONCURRENCY", c.TitleConcurrency)
	c.Workers = getEnvAsInt("KBGRAPH_WORKERS", c.Workers)
	c.ShowExternal = getEnvAsBool("KBGRAPH_SHOW_EXTERNAL", c.ShowExternal)
	c.HTTP3 = getEnvAsBool("KBGRAPH_HTTP3", c.HTTP3)
	c.Insecure = getEnvAsBool("KBGRAPH_INSECURE", c.Insecure)
	c.ProbeRate = getEnvAsFloat("KBGRAPH_PROBE_RATE", c.ProbeRate)
	c.ProbeBurst = getEnvAsInt("KBGRAPH_PROBE_BURST", c.ProbeBurst)
	c.LogFormat = getEnv("KBGRAPH_LOG_FORMAT", c.LogFormat)
	c.LogLevel = getEnv("KBGRAPH_LOG_LEVEL", c.LogLevel)
	c.Listen = getEnv("KBGRAPH_LISTEN", c.Listen)
	if hosts := getEnv("KBGRAPH_DOCS_HOSTS", ""); hosts != "" {
		c.DocsHosts = splitList(hosts)
	}
}

// InstanceURL parses Instance.
func (c *Config) InstanceURL() (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(c.Instance, "/"))
	if err != nil {
		return nil, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("expected http(s)://host, got %q", c.Instance)
	}
	return u, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	switch {
	case c.Instance == "" && c.ArticlesDir == "":
		err = multierror.Append(err, errors.New("an instance URL or an articles directory is required"))
	case c.Instance != "":
		if _, perr := c.InstanceURL(); perr != nil {
			err = multierror.Append(err, fmt.Errorf("invalid instance: %w", perr))
		}
	}
	if c.MaxNodes < 1 {
		err = multierror.Append(err, fmt.Errorf("max_nodes must be at least 1, got %d", c.MaxNodes))
	}
	if c.MaxRetries < 0 {
		err = multierror.Append(err, fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries))
	}
	if c.RetryBase < 0 {
		err = multierror.Append(err, fmt.Errorf("retry_base must not be negative, got %s", c.RetryBase))
	}
	if c.RequestTimeout <= 0 {
		err = multierror.Append(err, fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout))
	}
	if c.BatchSize < 1 {
		err = multierror.Append(err, fmt.Errorf("batch_size must be at least 1, got %d", c.BatchSize))
	}
	if c.TitleConcurrency < 1 {
		err = multierror.Append(err, fmt.Errorf("title_concurrency must be at least 1, got %d", c.TitleConcurrency))
	}
	if c.Workers < 1 {
		err = multierror.Append(err, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.ProbeRate < 0 {
		err = multierror.Append(err, fmt.Errorf("probe_rate must not be negative, got %g", c.ProbeRate))
	}
	if c.ProbeBurst < 1 {
		err = multierror.Append(err, fmt.Errorf("probe_burst must be at least 1, got %d", c.ProbeBurst))
	}
	if f := strings.ToLower(c.LogFormat); f != logging.FormatText && f != logging.FormatJSON {
		err = multierror.Append(err, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if _, lerr := logging.ParseLevel(c.LogLevel); lerr != nil {
		err = multierror.Append(err, lerr)
	}
	if _, _, lerr := net.SplitHostPort(c.Listen); lerr != nil {
		err = multierror.Append(err, fmt.Errorf("invalid listen address: %w", lerr))
	}
	return err
}

// getEnv treats an empty variable as unset, like the typed helpers below.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Package config handles TOML configuration loading with environment variable substitution.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by Load and Default.
const (
	DefaultHost          = "0.0.0.0"
	DefaultPort          = 8080
	DefaultLogLevel      = "info"
	DefaultDatabasePath  = "./data/upflix.db"
	DefaultBaseURL       = "https://upflix.pl"
	DefaultTimeout       = 10 * time.Second
	DefaultCacheTTL      = 7 * 24 * time.Hour
	DefaultMemorySize    = 512
	DefaultCooldown      = 10 * time.Minute
	DefaultSentinelTitle = "Miss Christmas"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Upstream UpstreamConfig `toml:"upstream"`
	Cache    CacheConfig    `toml:"cache"`
	Limiter  LimiterConfig  `toml:"limiter"`
}

type ServerConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	LogLevel    string `toml:"log_level"`
	MetricsAddr string `toml:"metrics_addr"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type UpstreamConfig struct {
	BaseURL   string        `toml:"base_url"`
	Timeout   time.Duration `toml:"timeout"`
	UserAgent string        `toml:"user_agent"`
}

type CacheConfig struct {
	TTL time.Duration `toml:"ttl"`
	// MemorySize is the capacity of the in-memory front tier. Zero or negative
	// disables it; omitting the key selects DefaultMemorySize.
	MemorySize int `toml:"memory_size"`
}

type LimiterConfig struct {
	Cooldown      time.Duration `toml:"cooldown"`
	SentinelTitle string        `toml:"sentinel_title"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(toml.MetaData{})
	return &cfg
}

// Load reads and parses the configuration file.
// Unresolved ${VAR} references and validation failures are returned as *Error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	content, missing := substituteEnvVars(string(data))

	var cfg Config
	md, err := toml.Decode(content, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults(md)

	cfgErr := &Error{Path: path, Missing: missing, Errors: cfg.Validate()}
	if cfgErr.HasErrors() {
		return nil, cfgErr
	}
	return &cfg, nil
}

// applyDefaults fills zero values. Keys listed in md keep an explicit zero
// where zero is meaningful.
func (c *Config) applyDefaults(md toml.MetaData) {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = DefaultLogLevel
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultBaseURL
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = DefaultTimeout
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.MemorySize == 0 && !md.IsDefined("cache", "memory_size") {
		c.Cache.MemorySize = DefaultMemorySize
	}
	if c.Limiter.Cooldown == 0 {
		c.Limiter.Cooldown = DefaultCooldown
	}
	if c.Limiter.SentinelTitle == "" {
		c.Limiter.SentinelTitle = DefaultSentinelTitle
	}
}

// Addr returns the API listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// Comments are copied through untouched. Unset variables are left in place
// and reported.
func substituteEnvVars(content string) (string, []string) {
	var missing []string
	seen := make(map[string]bool)
	replace := func(match string) string {
		varName := match[2 : len(match)-1] // Strip ${ and }
		if value, ok := os.LookupEnv(varName); ok {
			return value
		}
		if !seen[varName] {
			seen[varName] = true
			missing = append(missing, varName)
		}
		return match
	}

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		code, comment := splitComment(line)
		lines[i] = envVarPattern.ReplaceAllStringFunc(code, replace) + comment
	}
	return strings.Join(lines, "\n"), missing
}

// splitComment splits a TOML line at the first # that is not inside a string.
func splitComment(line string) (code, comment string) {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote == 0 && c == '#':
			return line[:i], line[i:]
		case quote == 0 && (c == '"' || c == '\''):
			quote = c
		case quote == '"' && c == '\\':
			i++ // skip the escaped byte
		case quote != 0 && c == quote:
			quote = 0
		}
	}
	return line, ""
}

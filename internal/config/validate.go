package config

import (
	"fmt"
	"net/url"
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true, "": true,
}

// Validate checks the configuration for errors.
// Returns a slice of error messages (empty if valid).
func (c *Config) Validate() []string {
	var errs []string

	if c.Server.Port != 0 && (c.Server.Port < 1 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server.port: must be between 1 and 65535, got %d", c.Server.Port))
	}
	if !validLogLevels[c.Server.LogLevel] {
		errs = append(errs, fmt.Sprintf("server.log_level: must be one of debug, info, warn, error; got %q", c.Server.LogLevel))
	}

	if c.Upstream.BaseURL != "" {
		u, err := url.Parse(c.Upstream.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("upstream.base_url: must be an absolute URL, got %q", c.Upstream.BaseURL))
		}
	}
	if c.Upstream.Timeout < 0 {
		errs = append(errs, "upstream.timeout: must not be negative")
	}

	if c.Cache.TTL < 0 {
		errs = append(errs, "cache.ttl: must not be negative")
	}
	if c.Limiter.Cooldown < 0 {
		errs = append(errs, "limiter.cooldown: must not be negative")
	}

	return errs
}

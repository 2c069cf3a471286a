package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

func (c *Config) normalize() error {
	var err error
	if c.Paths.StorageDir, err = expandPath(c.Paths.StorageDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Paths.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.Paths.PublicBaseURL), "/")
	if c.Paths.PublicBaseURL == "" && c.Paths.APIBind != "" {
		c.Paths.PublicBaseURL = "http://" + c.Paths.APIBind
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	return nil
}

// Validate checks configuration bounds before the daemon starts.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.StorageDir) == "" {
		return fmt.Errorf("paths.storage_dir must not be empty")
	}
	if c.Paths.APIBind != "" {
		if _, _, err := net.SplitHostPort(c.Paths.APIBind); err != nil {
			return fmt.Errorf("paths.api_bind %q: %w", c.Paths.APIBind, err)
		}
	}
	if c.Dispatch.MaxConcurrency < 1 {
		return fmt.Errorf("dispatch.max_concurrency must be at least 1, got %d", c.Dispatch.MaxConcurrency)
	}
	if c.Dispatch.RequestTimeoutMS < 1000 {
		return fmt.Errorf("dispatch.request_timeout_ms must be at least 1000, got %d", c.Dispatch.RequestTimeoutMS)
	}
	if c.Store.TrashGraceSeconds < 0 {
		return fmt.Errorf("store.trash_grace_seconds must not be negative")
	}
	if c.Pipeline.ImageWaitSeconds < 1 || c.Pipeline.VideoWaitSeconds < 1 {
		return fmt.Errorf("pipeline wait ceilings must be at least 1 second")
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported", c.Logging.Format)
	}
	return nil
}

// RequestTimeout returns the per-request ceiling as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Dispatch.RequestTimeoutMS) * time.Millisecond
}

// TrashGrace returns the soft-delete grace window as a duration.
func (c *Config) TrashGrace() time.Duration {
	return time.Duration(c.Store.TrashGraceSeconds) * time.Second
}

// ImageWait returns the orchestrator wait ceiling for image artifacts.
func (c *Config) ImageWait() time.Duration {
	return time.Duration(c.Pipeline.ImageWaitSeconds) * time.Second
}

// VideoWait returns the orchestrator wait ceiling for video artifacts.
func (c *Config) VideoWait() time.Duration {
	return time.Duration(c.Pipeline.VideoWaitSeconds) * time.Second
}

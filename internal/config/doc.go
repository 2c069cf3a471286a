// Package config loads, validates, and defaults the daemon configuration.
//
// Precedence is defaults, then the TOML file, then environment variables.
// All path fields are expanded to absolute paths during load.
package config

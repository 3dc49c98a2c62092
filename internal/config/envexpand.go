package config

import "os"

// ExpandEnv expands environment variables in TOML content using Go's standard
// library. Supports both ${VAR} and $VAR syntax (standard shell-style).
//
// Missing variables expand to empty string; validation catches required
// fields that come out empty.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}

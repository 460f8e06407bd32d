package config

import "os"

// ExpandEnv expands environment variables in YAML content using standard
// shell-style syntax, both ${VAR} and $VAR.
//
// Examples:
//   - ${REDIS_ADDR} → value of REDIS_ADDR environment variable
//   - ${DB_HOST}:${DB_PORT} → hostname:port with both variables expanded
//
// Missing variables expand to empty string. Validation should catch
// required fields that end up empty.
func ExpandEnv(data []byte) []byte {
	expanded := os.ExpandEnv(string(data))
	return []byte(expanded)
}

package auth

import (
	"os"
	"strings"
)

// GetAllowedOriginsFromEnv reads a comma-separated origin list from the
// named environment variable, falling back to defaults when unset.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	raw := os.Getenv(envVarName)
	if raw == "" {
		return defaultEnvs
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	if len(origins) == 0 {
		return defaultEnvs
	}
	return origins
}

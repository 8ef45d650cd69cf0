package env

import (
	"os"
	"strings"
)

// Get returns the value of the given environment variable or a fallback.
func Get(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// DotenvFiles returns the .env files a binary should load, in order.
// EVENTPIPE_ENV_FILES may list several comma-separated paths.
func DotenvFiles() []string {
	raw := Get("EVENTPIPE_ENV_FILES", ".env")
	var files []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			files = append(files, part)
		}
	}
	return files
}

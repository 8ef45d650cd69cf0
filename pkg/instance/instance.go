package instance

import (
	"os"
	"strings"
)

// GetID returns the process instance identifier used as lock owner prefix
// and consumer name. EVENTPIPE_INSTANCE_ID wins, then the hostname.
func GetID() string {
	if id := strings.TrimSpace(os.Getenv("EVENTPIPE_INSTANCE_ID")); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "instance-0"
}

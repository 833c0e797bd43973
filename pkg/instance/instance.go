// Package instance names the running process for logs and lock ownership.
package instance

import "os"

// GetID returns KEYSTOCK_INSTANCE_ID, the Heroku dyno name or the hostname,
// in that order, and "local" when none is set.
func GetID() string {
	for _, key := range []string{"KEYSTOCK_INSTANCE_ID", "DYNO"} {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}

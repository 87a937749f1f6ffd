package instance

import "os"

// ID names the running process in logs. STARSFUND_INSTANCE_ID wins, then the
// platform's DYNO, then the hostname; fallback is used when all are empty.
func ID(fallback string) string {
	for _, key := range []string{"STARSFUND_INSTANCE_ID", "DYNO"} {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallback
}

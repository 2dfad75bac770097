package downloader

import (
	"os"
	"strconv"

	"github.com/google/uuid"
)

// GenerateRunID returns a unique string for this run (hostname+pid+uuid),
// attached to every log line so interleaved runs can be told apart.
func GenerateRunID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()
}

package storage

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GenerateInstanceID identifies this process in the download history. Rows
// still marked downloading under another id were left by a process that died.
func GenerateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

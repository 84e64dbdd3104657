// Package ids mints the identifiers the inbox engine hands out: 128-bit
// message/dead-letter-record ids, and a processor id that stays stable for
// the lifetime of a host process (spec.md §4.3: "processor_id is stable per
// worker instance across restarts within a process").
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

// NewMessageID mints a random 128-bit message identifier.
func NewMessageID() string {
	return uuid.New().String()
}

var (
	processorOnce sync.Once
	processorID   string
)

// ProcessorID returns a stable identifier for this process: hostname, pid,
// and a random suffix to disambiguate multiple processes on one host. The
// value is computed once and memoized for the life of the process.
func ProcessorID() string {
	processorOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown-host"
		}
		suffix := make([]byte, 4)
		if _, err := rand.Read(suffix); err != nil {
			copy(suffix, []byte{0, 0, 0, 0})
		}
		processorID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), hex.EncodeToString(suffix))
	})
	return processorID
}

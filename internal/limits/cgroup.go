package limits

import (
	"os"
	"strconv"
	"strings"
)

// detectMemoryLimit reads the container memory limit from the cgroup
// filesystem. Tries cgroup v2 (/sys/fs/cgroup/memory.max, which holds a
// number or "max") and falls back to cgroup v1. Returns 0 when no limit
// is configured or the process is not containerized.
func detectMemoryLimit() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		s := strings.TrimSpace(string(data))
		if s != "max" {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
		}
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		s := strings.TrimSpace(string(data))
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}

	return 0
}

// deriveMaxConnections sizes the connection limit from available memory.
// Each connection costs roughly 64KB here: the read buffer, the response
// poller state and registry entries. 128MB is reserved for the runtime,
// the Redis client and goroutine stacks.
func deriveMaxConnections(memoryLimitBytes int64) int {
	if memoryLimitBytes == 0 {
		return 10000
	}

	const runtimeOverheadBytes = 128 * 1024 * 1024
	const bytesPerConnection = 64 * 1024

	available := memoryLimitBytes - runtimeOverheadBytes
	if available < 0 {
		available = memoryLimitBytes / 2
	}

	maxConns := int(available / bytesPerConnection)
	if maxConns < 100 {
		maxConns = 100
	}
	if maxConns > 50000 {
		maxConns = 50000
	}
	return maxConns
}

package system

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectHost(t *testing.T) {
	host := DetectHost(t.TempDir())

	assert.NotEmpty(t, host.Hostname)
	assert.Equal(t, runtime.NumCPU(), host.Processors)
	assert.GreaterOrEqual(t, host.MemoryBytes, int64(0))
	assert.GreaterOrEqual(t, host.DiskBytes, int64(0))

	if runtime.GOOS == "linux" {
		assert.Positive(t, host.MemoryBytes, "read from /proc/meminfo")
	}
}

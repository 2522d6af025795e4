package utils

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogLevel(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLogsManagerWithOutput(&buf, "info")

	lm.Debug("hidden", "test")
	assert.Empty(t, buf.String())

	require.NoError(t, lm.SetLogLevel("debug"))
	lm.Debug("shown", "test")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	err := lm.SetLogLevel("chatty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")

	// a rejected level leaves the previous one in place
	buf.Reset()
	lm.Debug("still shown", "test")
	assert.Contains(t, buf.String(), "still shown")
}

func TestLogWithFields(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLogsManagerWithOutput(&buf, "info")

	lm.LogWithFields("warn", "task failed", "workflow_manager", map[string]interface{}{
		"job_id":  int64(7),
		"task_id": int64(21),
		"node_id": "ndvi",
	})

	line := strings.TrimSpace(buf.String())
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "task failed", entry["msg"])
	assert.Equal(t, "workflow_manager", entry["category"])
	assert.Equal(t, float64(7), entry["job_id"])
	assert.Equal(t, float64(21), entry["task_id"])
	assert.Equal(t, "ndvi", entry["node_id"])
	assert.Contains(t, entry["file"], "logs_test.go")
}

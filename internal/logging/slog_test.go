package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holdline/internal/logging"
)

func TestNewHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(&buf, "warn", "json")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "resource_id", "r1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "r1", line["resource_id"])
}

func TestNewRejectsUnknownValues(t *testing.T) {
	_, err := logging.New(&bytes.Buffer{}, "loud", "")
	assert.Error(t, err)
	_, err = logging.New(&bytes.Buffer{}, "", "xml")
	assert.Error(t, err)
}

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "json", false)
	defer InitWithWriter(&buf, "INFO", "text", false)

	Info("should not appear")
	Warn("should appear", "stage", "bundle")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "should appear", entry["msg"])
	assert.Equal(t, "bundle", entry["stage"])
}

func TestContextFieldsArePrepended(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "json", false)
	defer InitWithWriter(&buf, "INFO", "text", false)

	ctx := WithContext(context.Background(), NewLogContext("run-1").WithStage("upload").WithBundle(42))
	InfoCtx(ctx, "uploaded bundle")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "run-1", entry[KeyRunID])
	assert.Equal(t, "upload", entry[KeyStage])
	assert.EqualValues(t, 42, entry[KeyBundleID])
}

func TestFieldConstructors(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "json", false)
	defer InitWithWriter(&buf, "INFO", "text", false)

	Info("bundle finalized", BundleID(7), BundleBytes(1024), Compression("deflate"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.EqualValues(t, 7, entry[KeyBundleID])
	assert.EqualValues(t, 1024, entry[KeyBundleBytes])
	assert.Equal(t, "deflate", entry[KeyCompression])
}

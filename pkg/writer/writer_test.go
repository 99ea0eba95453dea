package writer

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T, cfg Config) (*Writer, string) {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "out.json")
	}
	return New(cfg), cfg.Path
}

func readAll(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestWriter_EmptyRun(t *testing.T) {
	w, path := newTestWriter(t, Config{})

	require.NoError(t, w.Open())
	require.NoError(t, w.Close())
	assert.Equal(t, StateClosed, w.State())

	content := readAll(t, path)
	assert.Equal(t, "[\n\n]", content)

	var parsed []any
	require.NoError(t, json.Unmarshal([]byte(content), &parsed))
	assert.Empty(t, parsed)
}

func TestWriter_RecordLayout(t *testing.T) {
	w, path := newTestWriter(t, Config{})

	require.NoError(t, w.Open())
	require.NoError(t, w.WriteBatch([]json.RawMessage{
		json.RawMessage(`{"a":1}`),
	}))
	require.NoError(t, w.Close())

	// Four-space record prefix with four-space inner indentation.
	want := "[\n    {\n        \"a\": 1\n    }\n]"
	assert.Equal(t, want, readAll(t, path))
}

func TestWriter_BatchOrderAndSeparators(t *testing.T) {
	w, path := newTestWriter(t, Config{})

	require.NoError(t, w.Open())
	require.NoError(t, w.WriteBatch([]json.RawMessage{
		json.RawMessage(`{"id":1}`),
		json.RawMessage(`{"id":2}`),
	}))
	require.NoError(t, w.WriteBatch([]json.RawMessage{
		json.RawMessage(`{"id":3}`),
	}))
	require.NoError(t, w.Close())

	var parsed []struct {
		ID int `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(readAll(t, path)), &parsed))
	require.Len(t, parsed, 3)
	for i, rec := range parsed {
		assert.Equal(t, i+1, rec.ID, "record order must match write order")
	}

	stats := w.Stats()
	assert.Equal(t, int64(3), stats.Records)
	assert.Equal(t, int64(2), stats.Batches)
	assert.Positive(t, stats.Bytes)
}

func TestWriter_AbortLeavesDetectablyIncompleteFile(t *testing.T) {
	w, path := newTestWriter(t, Config{})

	require.NoError(t, w.Open())
	require.NoError(t, w.WriteBatch([]json.RawMessage{
		json.RawMessage(`{"id":1}`),
		json.RawMessage(`{"id":2}`),
	}))
	require.NoError(t, w.Abort())

	content := readAll(t, path)
	assert.False(t, json.Valid([]byte(content)),
		"aborted file must not parse as complete JSON")
	assert.False(t, strings.HasSuffix(strings.TrimSpace(content), "]"),
		"aborted file must lack the closing bracket")
	// The fully received records are still present.
	assert.Contains(t, content, `"id": 1`)
	assert.Contains(t, content, `"id": 2`)
	assert.Equal(t, StateOpen, w.State())
}

func TestWriter_FlushEveryBatchIsDurable(t *testing.T) {
	w, path := newTestWriter(t, Config{FlushEvery: 1})

	require.NoError(t, w.Open())
	require.NoError(t, w.WriteBatch([]json.RawMessage{
		json.RawMessage(`{"id":1}`),
	}))

	// Batch content must already be on disk before Close.
	content := readAll(t, path)
	assert.Contains(t, content, `"id": 1`)

	require.NoError(t, w.Close())
}

func TestWriter_Gzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json.gz")
	w, _ := newTestWriter(t, Config{Path: path, Compress: true})

	require.NoError(t, w.Open())
	require.NoError(t, w.WriteBatch([]json.RawMessage{
		json.RawMessage(`{"id":42}`),
	}))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)

	var parsed []struct {
		ID int `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	require.Len(t, parsed, 1)
	assert.Equal(t, 42, parsed[0].ID)
}

func TestWriter_StateMachine(t *testing.T) {
	w, _ := newTestWriter(t, Config{})

	assert.Error(t, w.WriteBatch(nil), "write before open must fail")
	assert.Error(t, w.Close(), "close before open must fail")

	require.NoError(t, w.Open())
	assert.Error(t, w.Open(), "double open must fail")

	require.NoError(t, w.Close())
	assert.Error(t, w.Close(), "double close must fail")
	assert.Error(t, w.WriteBatch(nil), "write after close must fail")
	assert.NoError(t, w.Abort(), "abort after close is a no-op")
}

package export

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dxpipe/pkg/persistence"
)

func sampleRecords() []persistence.FeedbackRecord {
	return []persistence.FeedbackRecord{
		{
			ID:           1,
			RunID:        "run-1",
			CheckpointID: "cp-1",
			Assessment:   "partial",
			Decision:     json.RawMessage(`{"assessment":"partial","confidence":0.9,"corrections":[{"field":"patient_context.demographics.age","original":4,"corrected":7,"rationale":"intake typo"}],"notes":""}`),
			CreatedAt:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			ID:           2,
			RunID:        "run-1",
			CheckpointID: "cp-2",
			Assessment:   "correct",
			Decision:     json.RawMessage(`{"assessment":"correct","confidence":1,"notes":"lgtm"}`),
			CreatedAt:    time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC),
		},
	}
}

func TestWriteJSONL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, sampleRecords()))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "run-1", first["run_id"])
	assert.Equal(t, "cp-1", first["checkpoint_id"])
	assert.Equal(t, "partial", first["assessment"])

	// The decision payload must survive verbatim as nested JSON.
	decision, ok := first["decision"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "partial", decision["assessment"])
}

func TestSealOpenRoundTrip(t *testing.T) {
	plaintext, err := EncodeJSONL(sampleRecords())
	require.NoError(t, err)

	sealed, err := Seal([]byte("reviewer-password"), plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "run-1")

	opened, err := Open([]byte("reviewer-password"), sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenWrongPassword(t *testing.T) {
	sealed, err := Seal([]byte("right"), []byte("secret payload"))
	require.NoError(t, err)

	_, err = Open([]byte("wrong"), sealed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong password or corrupted")
}

func TestOpenTruncated(t *testing.T) {
	_, err := Open([]byte("pw"), []byte("short"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too small")
}

func TestSealedFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exports", "feedback.jsonl.enc")
	require.NoError(t, WriteSealedFile(path, []byte("pw"), []byte("line1\nline2\n")))

	opened, err := ReadSealedFile(path, []byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", string(opened))
}

func TestSealRandomized(t *testing.T) {
	a, err := Seal([]byte("pw"), []byte("same plaintext"))
	require.NoError(t, err)
	b, err := Seal([]byte("pw"), []byte("same plaintext"))
	require.NoError(t, err)
	// Fresh salt and nonce per seal: identical inputs never repeat on disk.
	assert.NotEqual(t, a, b)
}

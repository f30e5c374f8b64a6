package gateway

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mew-proto/mew/internal/envelope"
)

func TestAuditLogRecordsEnvelopeAndDecision(t *testing.T) {
	dir := t.TempDir()
	audit, err := OpenAuditLog(dir, 0, true, true)
	require.NoError(t, err)
	defer audit.Close()

	env, err := envelope.New("alice", "chat", map[string]string{"text": "hi"})
	require.NoError(t, err)

	require.NoError(t, audit.RecordEnvelope(env))
	require.NoError(t, audit.RecordCapabilityDecision("alice", env.ID, "chat", true))
	require.NoError(t, audit.Close())

	lines := readLines(t, filepath.Join(dir, "envelope-history.jsonl"))
	require.Len(t, lines, 1)
	var rec envelopeRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "delivered", rec.Event)
	require.Equal(t, env.ID, rec.EnvelopeID)

	decLines := readLines(t, filepath.Join(dir, "capability-decisions.jsonl"))
	require.Len(t, decLines, 1)
	var dec decisionRecord
	require.NoError(t, json.Unmarshal([]byte(decLines[0]), &dec))
	require.Equal(t, "allowed", dec.Result)
}

func TestAuditLogDisabledIsNoOp(t *testing.T) {
	dir := t.TempDir()
	audit, err := OpenAuditLog(dir, 0, false, false)
	require.NoError(t, err)
	defer audit.Close()

	env, err := envelope.New("alice", "chat", map[string]string{"text": "hi"})
	require.NoError(t, err)
	require.NoError(t, audit.RecordEnvelope(env))

	_, err = os.Stat(filepath.Join(dir, "envelope-history.jsonl"))
	require.True(t, os.IsNotExist(err))
}

func TestAuditLogRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	audit, err := OpenAuditLog(dir, 200, true, false)
	require.NoError(t, err)
	defer audit.Close()

	for i := 0; i < 20; i++ {
		env, err := envelope.New("alice", "chat", map[string]string{"text": "padding-text-to-force-rotation"})
		require.NoError(t, err)
		require.NoError(t, audit.RecordEnvelope(env))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Greater(t, len(entries), 1, "rotation should have produced at least one rotated file")
}

func TestAuditLogRotatesDecisionsBySize(t *testing.T) {
	dir := t.TempDir()
	audit, err := OpenAuditLog(dir, 200, false, true)
	require.NoError(t, err)
	defer audit.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, audit.RecordCapabilityDecision("alice", "env-padding-to-force-rotation", "chat", true))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Greater(t, len(entries), 1, "decision-log rotation should have produced at least one rotated file")
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

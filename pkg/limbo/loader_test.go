package limbo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonderland/bridge/pkg/types"
)

func writeSeed(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "limbo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeSeed(t, t.TempDir(), `
entries:
  - ip: 1.2.3.4
    port: 28960
    decision: deny
    reason: banned
  - ip: 5.6.7.8
    port: 28961
    decision: ACCEPT
`)

	entries, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, Peer{IP: "1.2.3.4", Port: 28960}, entries[0].Peer)
	assert.Equal(t, VerdictDeny, entries[0].Verdict)
	assert.Equal(t, "banned", entries[0].Reason)
	assert.Equal(t, SourceFile, entries[0].Source)

	assert.Equal(t, VerdictAccept, entries[1].Verdict)
	assert.Empty(t, entries[1].Reason)
}

func TestLoadFromFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		code    string
	}{
		{
			name:    "deny without reason",
			content: "entries:\n  - {ip: 1.2.3.4, port: 1, decision: deny}\n",
			code:    types.ErrCodeInvalid,
		},
		{
			name:    "accept with reason",
			content: "entries:\n  - {ip: 1.2.3.4, port: 1, decision: accept, reason: nope}\n",
			code:    types.ErrCodeInvalid,
		},
		{
			name:    "port out of range",
			content: "entries:\n  - {ip: 1.2.3.4, port: 70000, decision: accept}\n",
			code:    types.ErrCodeInvalid,
		},
		{
			name:    "unknown decision",
			content: "entries:\n  - {ip: 1.2.3.4, port: 1, decision: maybe}\n",
			code:    types.ErrCodeInvalid,
		},
		{
			name:    "bad address",
			content: "entries:\n  - {ip: host, port: 1, decision: accept}\n",
			code:    types.ErrCodeInvalid,
		},
		{
			name:    "duplicate peer",
			content: "entries:\n  - {ip: 1.2.3.4, port: 1, decision: accept}\n  - {ip: 1.2.3.4, port: 1, decision: deny, reason: x}\n",
			code:    types.ErrCodeInvalid,
		},
		{
			name:    "invalid yaml",
			content: "entries: [\n",
			code:    types.ErrCodeInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSeed(t, t.TempDir(), tt.content)
			_, err := LoadFromFile(path)
			require.Error(t, err)
			assert.True(t, types.IsErrCode(err, tt.code), "got %v", err)
		})
	}
}

func TestLoadFromFilePath(t *testing.T) {
	_, err := LoadFromFile("")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = LoadFromFile("/tmp/limbo.json")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))
}

func TestSaveToFile(t *testing.T) {
	l := NewLedger()
	l.Deny(Peer{IP: "1.2.3.4", Port: 28960}, "banned", SourceService)
	l.Accept(Peer{IP: "5.6.7.8", Port: 1}, SourceService)

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, SaveToFile(path, l.Snapshot()))

	entries, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "banned", entries[0].Reason)
	assert.Equal(t, VerdictAccept, entries[1].Verdict)
}

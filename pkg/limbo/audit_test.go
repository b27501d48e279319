package limbo

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLoggerWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "limbo.jsonl")
	al, err := NewAuditLogger(testLogger(t), path)
	require.NoError(t, err)

	peer := Peer{IP: "1.2.3.4", Port: 28960}
	require.NoError(t, al.LogDecision(peer, VerdictDeny, "banned", SourceService))
	require.NoError(t, al.LogAdmission(peer, Decision{Verdict: VerdictDeny, Reason: "banned"}, false, "", 0))
	require.NoError(t, al.LogAdmission(Peer{IP: "5.6.7.8", Port: 1}, Decision{Verdict: VerdictUnknown}, true, "3", 42))
	require.NoError(t, al.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.Len(t, events, 3)

	assert.Equal(t, AuditEventDecision, events[0].Type)
	assert.Equal(t, SourceService, events[0].Source)
	assert.Equal(t, AuditEventDenied, events[1].Type)
	assert.Equal(t, "banned", events[1].Reason)
	assert.Equal(t, AuditEventAdmitted, events[2].Type)
	assert.True(t, events[2].Fallback)
	assert.Equal(t, "3", events[2].CommID)
	assert.Equal(t, int32(42), events[2].PeerPID)
	assert.False(t, events[2].Timestamp.IsZero())

	seen := map[string]bool{}
	for _, e := range events {
		_, err := uuid.Parse(e.ID)
		require.NoError(t, err, "event id %q", e.ID)
		assert.False(t, seen[e.ID], "duplicate event id")
		seen[e.ID] = true
	}
}

func TestAuditLoggerClosed(t *testing.T) {
	al, err := NewAuditLogger(testLogger(t), "")
	require.NoError(t, err)
	assert.Empty(t, al.Path())

	require.NoError(t, al.Close())
	require.NoError(t, al.Close())
	assert.Error(t, al.LogDecision(Peer{IP: "1.2.3.4", Port: 1}, VerdictAccept, "", SourceAdmin))
}

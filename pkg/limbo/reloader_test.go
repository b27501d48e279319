package limbo

import (
	"bytes"
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonderland/bridge/internal/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewWithWriter(&bytes.Buffer{}, "text", logger.LevelDebug)
	require.NoError(t, err)
	return log
}

func TestReloaderReload(t *testing.T) {
	dir := t.TempDir()
	path := writeSeed(t, dir, "entries:\n  - {ip: 1.2.3.4, port: 28960, decision: deny, reason: banned}\n")

	ledger := NewLedger()
	peer := Peer{IP: "1.2.3.4", Port: 28960}
	live := Peer{IP: "9.9.9.9", Port: 9}
	ledger.Accept(live, SourceService)

	r := NewReloader(path, ledger, testLogger(t))

	var got []Entry
	r.AddCallback(func(ctx context.Context, entries []Entry) error {
		got = entries
		return nil
	})

	require.NoError(t, r.Reload(context.Background()))
	assert.Equal(t, "banned", ledger.Resolve(peer).Reason)
	assert.Len(t, got, 1)
	assert.Equal(t, ReloadStateIdle, r.State())
	assert.Equal(t, 1, r.Reloads())

	writeSeed(t, dir, "entries: []\n")
	require.NoError(t, r.Reload(context.Background()))
	assert.Equal(t, VerdictUnknown, ledger.Resolve(peer).Verdict)
	assert.Equal(t, VerdictAccept, ledger.Resolve(live).Verdict)
}

func TestReloaderKeepsLedgerOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeSeed(t, dir, "entries:\n  - {ip: 1.2.3.4, port: 1, decision: deny, reason: x}\n")

	ledger := NewLedger()
	r := NewReloader(path, ledger, testLogger(t))
	require.NoError(t, r.Reload(context.Background()))

	writeSeed(t, dir, "entries:\n  - {ip: 1.2.3.4, port: 1, decision: deny}\n")
	require.Error(t, r.Reload(context.Background()))

	assert.Equal(t, "x", ledger.Resolve(Peer{IP: "1.2.3.4", Port: 1}).Reason)
	assert.Equal(t, ReloadStateIdle, r.State())
}

func TestReloaderCallbackError(t *testing.T) {
	path := writeSeed(t, t.TempDir(), "entries: []\n")
	r := NewReloader(path, NewLedger(), testLogger(t))

	boom := errors.New("boom")
	r.AddCallback(func(ctx context.Context, entries []Entry) error { return boom })

	err := r.Reload(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestReloaderSIGHUP(t *testing.T) {
	path := writeSeed(t, t.TempDir(), "entries:\n  - {ip: 1.2.3.4, port: 2, decision: deny, reason: hup}\n")
	ledger := NewLedger()

	r := NewReloader(path, ledger, testLogger(t))
	r.Start()
	defer r.Stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))

	require.Eventually(t, func() bool {
		return ledger.Resolve(Peer{IP: "1.2.3.4", Port: 2}).Reason == "hup"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReloaderStartStop(t *testing.T) {
	r := NewReloader("unused.yaml", NewLedger(), testLogger(t))

	r.Start()
	r.Start()
	r.Stop()
	assert.Equal(t, ReloadStateStopped, r.State())

	r.Start()
	assert.Equal(t, ReloadStateIdle, r.State())
	r.Stop()
	r.Stop()
	assert.Contains(t, r.String(), "stopped")
}

package p2p

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestConnManager(t *testing.T) *ConnectionManager {
	t.Helper()
	dir := t.TempDir()
	cm, err := NewConnectionManager(filepath.Join(dir, "peerstore"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cm.Close() })
	return cm
}

func TestConnectionManagerUpdateAndGetAllConnect(t *testing.T) {
	cm := newTestConnManager(t)
	peers := map[string]Endpoint{
		"a:1": {Address: "a", TCPPort: 1},
		"b:2": {Address: "b", TCPPort: 2},
	}
	require.NoError(t, cm.UpdateAllConnect(peers))

	got, err := cm.GetAllConnect()
	require.NoError(t, err)
	require.Equal(t, peers, got)
}

func TestConnectionManagerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peerstore")

	cm, err := NewConnectionManager(path)
	require.NoError(t, err)
	require.NoError(t, cm.UpdateAllConnect(map[string]Endpoint{"a:1": {Address: "a", TCPPort: 1}}))
	require.NoError(t, cm.RevokeCert("deadbeef"))
	require.NoError(t, cm.Close())

	reopened, err := NewConnectionManager(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetAllConnect()
	require.NoError(t, err)
	require.Equal(t, Endpoint{Address: "a", TCPPort: 1}, got["a:1"])
	require.True(t, reopened.CheckCertOut("deadbeef"))
}

func TestConnectionManagerCheckCertOutDefaultsFalse(t *testing.T) {
	cm := newTestConnManager(t)
	require.False(t, cm.CheckCertOut("never-revoked"))
}

func TestConnectionManagerNextDialAtBacksOffOnFailure(t *testing.T) {
	cm := newTestConnManager(t)
	now := time.Unix(1_700_000_000, 0)

	require.Equal(t, now, cm.NextDialAt("x", now))

	cm.RecordDialResult("x", false, now)
	next := cm.NextDialAt("x", now)
	require.True(t, next.After(now))
	require.Equal(t, now.Add(defaultBaseBackoff), next)

	cm.RecordDialResult("x", false, now)
	next2 := cm.NextDialAt("x", now)
	require.Equal(t, now.Add(2*defaultBaseBackoff), next2)
}

func TestConnectionManagerRecordDialResultSuccessResetsBackoff(t *testing.T) {
	cm := newTestConnManager(t)
	now := time.Unix(1_700_000_000, 0)

	cm.RecordDialResult("x", false, now)
	cm.RecordDialResult("x", true, now)
	require.Equal(t, now, cm.NextDialAt("x", now))
}

package p2p

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIdentityPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")

	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	require.Equal(t, first.NodeID(), second.NodeID())
}

func TestNodeIDToPublicKeyRoundTrip(t *testing.T) {
	identity, err := GenerateIdentity()
	require.NoError(t, err)

	pub, err := NodeIDToPublicKey(identity.NodeID())
	require.NoError(t, err)
	require.Equal(t, identity.NodeID(), deriveNodeID(pub))
}

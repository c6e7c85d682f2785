package p2p

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTripOverFramedSocket(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	initiatorID := mustIdentity(t).NodeID()
	responderID := mustIdentity(t).NodeID()
	caps := []CapabilityDesc{{Name: "amop", Version: 1}}

	initiatorDone := make(chan handshakeMessage, 1)
	initiatorErr := make(chan error, 1)
	go func() {
		msg, err := PerformInitiatorHandshake(NewFramedSocket(client), initiatorID, "client/1.0", 30303, caps)
		initiatorDone <- msg
		initiatorErr <- err
	}()

	remote, err := PerformResponderHandshake(NewFramedSocket(server), responderID, "server/1.0", 40404, caps)
	require.NoError(t, err)
	require.Equal(t, initiatorID, remote.nodeID())
	require.Equal(t, "client/1.0", remote.ClientBanner)
	require.Equal(t, uint16(30303), remote.ListenPort)

	initiatorMsg := <-initiatorDone
	require.NoError(t, <-initiatorErr)
	require.Equal(t, responderID, initiatorMsg.nodeID())
	require.Equal(t, "server/1.0", initiatorMsg.ClientBanner)
}

func TestIntersectCapabilitiesKeepsHighestSharedVersion(t *testing.T) {
	local := []CapabilityDesc{{Name: "amop", Version: 2}, {Name: "gossip", Version: 1}}
	remote := []CapabilityDesc{{Name: "amop", Version: 1}, {Name: "unrelated", Version: 9}}

	out := intersectCapabilities(local, remote)
	require.Len(t, out, 1)
	require.Equal(t, CapabilityDesc{Name: "amop", Version: 1}, out[0])
}

func TestAssignFramingIDsContiguousAboveMinVersion(t *testing.T) {
	caps := []CapabilityDesc{{Name: "a", Version: 1}, {Name: "b", Version: 1}}
	out := assignFramingIDs(framingMinVersion, caps, func(CapabilityDesc) int { return 5 })
	require.Equal(t, 1, out[0].FramingID)
	require.Equal(t, 2, out[1].FramingID)
}

func TestAssignFramingIDsOffsetBelowMinVersion(t *testing.T) {
	caps := []CapabilityDesc{{Name: "a", Version: 1}, {Name: "b", Version: 1}}
	out := assignFramingIDs(framingMinVersion-1, caps, func(CapabilityDesc) int { return 5 })
	require.Equal(t, UserPacket, out[0].FramingID)
	require.Equal(t, UserPacket+5, out[1].FramingID)
}

func mustIdentity(t *testing.T) *Identity {
	t.Helper()
	id, err := GenerateIdentity()
	require.NoError(t, err)
	return id
}

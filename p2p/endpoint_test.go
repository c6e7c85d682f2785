package p2p

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEndpointName(t *testing.T) {
	e := Endpoint{Address: "127.0.0.1", TCPPort: 30303}
	require.Equal(t, "127.0.0.1:30303", e.Name())
}

func TestEndpointEqualIgnoresUDPAndHostname(t *testing.T) {
	a := Endpoint{Address: "10.0.0.1", TCPPort: 1, UDPPort: 2, Hostname: "a"}
	b := Endpoint{Address: "10.0.0.1", TCPPort: 1, UDPPort: 99, Hostname: "b"}
	require.True(t, a.Equal(b))
}

func TestEndpointIsEmpty(t *testing.T) {
	require.True(t, Endpoint{}.IsEmpty())
	require.True(t, Endpoint{Address: "1.2.3.4"}.IsEmpty())
	require.False(t, Endpoint{Address: "1.2.3.4", TCPPort: 1}.IsEmpty())
}

func TestParseNodeIDRoundTrip(t *testing.T) {
	var id NodeId
	for i := range id {
		id[i] = byte(i)
	}
	parsed, err := ParseNodeID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	parsed, err = ParseNodeID("0x" + id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestParseNodeIDRejectsWrongLength(t *testing.T) {
	_, err := ParseNodeID("abcd")
	require.Error(t, err)
}

func TestNodeIDShort(t *testing.T) {
	var id NodeId
	id[0] = 0xAB
	id[63] = 0xCD
	short := id.Short()
	require.Contains(t, short, "…")
	require.True(t, len(short) < len(id.String()))
}

package p2p

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
)

// NodeIDSize is the byte length of a NodeId: an uncompressed secp256k1
// public key with the leading format byte stripped, matching the wire
// handshake's 64-byte node_id field.
const NodeIDSize = 64

// NodeId is the opaque 512-bit public key identifying a node on the overlay.
type NodeId [NodeIDSize]byte

// String returns the full lowercase hex encoding of the id.
func (n NodeId) String() string {
	return hex.EncodeToString(n[:])
}

// Short returns an abbreviated display form, e.g. for log lines.
func (n NodeId) Short() string {
	s := n.String()
	if len(s) <= 12 {
		return s
	}
	return s[:6] + "…" + s[len(s)-6:]
}

// IsZero reports whether the id is the zero value.
func (n NodeId) IsZero() bool {
	return n == NodeId{}
}

// Equal reports byte-wise equality with another NodeId.
func (n NodeId) Equal(other NodeId) bool {
	return n == other
}

// ParseNodeID decodes a hex-encoded node id, with or without a leading 0x.
func ParseNodeID(s string) (NodeId, error) {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeId{}, fmt.Errorf("p2p: invalid node id hex: %w", err)
	}
	if len(b) != NodeIDSize {
		return NodeId{}, fmt.Errorf("p2p: node id must be %d bytes, got %d", NodeIDSize, len(b))
	}
	var id NodeId
	copy(id[:], b)
	return id, nil
}

// Endpoint identifies a network location a peer may be reached at.
type Endpoint struct {
	Address  string
	TCPPort  uint16
	UDPPort  uint16
	Hostname string
}

// Name returns the canonical "address:tcp_port" key used throughout the Host.
func (e Endpoint) Name() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(int(e.TCPPort)))
}

// Equal reports whether two endpoints share the same address and TCP port,
// the only fields that participate in endpoint equality per the data model.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Address == other.Address && e.TCPPort == other.TCPPort
}

// IsEmpty reports whether the endpoint carries no usable address.
func (e Endpoint) IsEmpty() bool {
	return e.Address == "" || e.TCPPort == 0
}

func (e Endpoint) String() string {
	return e.Name()
}

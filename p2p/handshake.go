package p2p

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// CurrentProtocolVersion is the highest protocol version this node speaks.
// Per SPEC_FULL.md §4.3, a remote below CurrentProtocolVersion-1 is
// incompatible.
const CurrentProtocolVersion uint32 = 3

// framingMinVersion is the lowest protocol version that supports contiguous
// per-capability framing identifiers; earlier versions fall back to
// non-overlapping packet-id offsets starting at UserPacket.
const framingMinVersion uint32 = 2

// UserPacket is the first packet id available to capabilities on
// pre-framing protocol versions.
const UserPacket = 0x10

// CapabilityDesc names a sub-protocol and the version a peer offers.
type CapabilityDesc struct {
	Name    string
	Version uint32
}

// handshakeMessage is the single RLP-encoded list exchanged after TLS, per
// SPEC_FULL.md §6: [protocol_version, client_banner, capabilities,
// listen_port, node_id].
type handshakeMessage struct {
	ProtocolVersion uint32
	ClientBanner    string
	Capabilities    []CapabilityDesc
	ListenPort      uint16
	NodeID          [NodeIDSize]byte
}

func newHandshakeMessage(self NodeId, banner string, listenPort uint16, caps []CapabilityDesc) handshakeMessage {
	msg := handshakeMessage{
		ProtocolVersion: CurrentProtocolVersion,
		ClientBanner:    banner,
		Capabilities:    caps,
		ListenPort:      listenPort,
	}
	copy(msg.NodeID[:], self[:])
	return msg
}

func (m handshakeMessage) nodeID() NodeId {
	var id NodeId
	copy(id[:], m.NodeID[:])
	return id
}

// encodeHandshake RLP-encodes the handshake list.
func encodeHandshake(msg handshakeMessage) ([]byte, error) {
	b, err := rlp.EncodeToBytes(&msg)
	if err != nil {
		return nil, fmt.Errorf("%w: encode handshake: %v", ErrProtocol, err)
	}
	return b, nil
}

// decodeHandshake RLP-decodes a handshake frame.
func decodeHandshake(frame []byte) (handshakeMessage, error) {
	var msg handshakeMessage
	if err := rlp.DecodeBytes(frame, &msg); err != nil {
		return handshakeMessage{}, fmt.Errorf("%w: decode handshake: %v", ErrProtocol, err)
	}
	return msg, nil
}

// PerformInitiatorHandshake sends self's handshake and reads the responder's
// reply over an already-connected FramedSocket.
func PerformInitiatorHandshake(sock *FramedSocket, self NodeId, banner string, listenPort uint16, caps []CapabilityDesc) (handshakeMessage, error) {
	out, err := encodeHandshake(newHandshakeMessage(self, banner, listenPort, caps))
	if err != nil {
		return handshakeMessage{}, err
	}
	if err := sock.WriteFrame(out); err != nil {
		return handshakeMessage{}, err
	}
	frame, err := sock.ReadFrame()
	if err != nil {
		return handshakeMessage{}, fmt.Errorf("%w: read responder handshake: %v", ErrTransport, err)
	}
	return decodeHandshake(frame)
}

// PerformResponderHandshake reads the initiator's handshake and replies
// symmetrically.
func PerformResponderHandshake(sock *FramedSocket, self NodeId, banner string, listenPort uint16, caps []CapabilityDesc) (handshakeMessage, error) {
	frame, err := sock.ReadFrame()
	if err != nil {
		return handshakeMessage{}, fmt.Errorf("%w: read initiator handshake: %v", ErrTransport, err)
	}
	remote, err := decodeHandshake(frame)
	if err != nil {
		return handshakeMessage{}, err
	}
	out, err := encodeHandshake(newHandshakeMessage(self, banner, listenPort, caps))
	if err != nil {
		return handshakeMessage{}, err
	}
	if err := sock.WriteFrame(out); err != nil {
		return handshakeMessage{}, err
	}
	return remote, nil
}

// negotiatedCapability is a local capability matched against a remote
// offer, retaining only the highest version supported by both sides.
type negotiatedCapability struct {
	CapabilityDesc
	FramingID int // contiguous id or packet-id offset, per protocol version
}

// intersectCapabilities implements acceptance rule 3 of SPEC_FULL.md §4.3:
// intersect remote capabilities with the local registry, keeping only the
// highest version per name.
func intersectCapabilities(local []CapabilityDesc, remote []CapabilityDesc) []CapabilityDesc {
	bestLocal := make(map[string]uint32, len(local))
	for _, c := range local {
		if v, ok := bestLocal[c.Name]; !ok || c.Version > v {
			bestLocal[c.Name] = c.Version
		}
	}
	bestRemote := make(map[string]uint32, len(remote))
	for _, c := range remote {
		if v, ok := bestRemote[c.Name]; !ok || c.Version > v {
			bestRemote[c.Name] = c.Version
		}
	}

	var out []CapabilityDesc
	for name, localVersion := range bestLocal {
		remoteVersion, ok := bestRemote[name]
		if !ok {
			continue
		}
		version := localVersion
		if remoteVersion < version {
			version = remoteVersion
		}
		out = append(out, CapabilityDesc{Name: name, Version: version})
	}
	return out
}

// assignFramingIDs allocates per-capability framing identifiers: contiguous
// integers starting at 1 when the negotiated protocol version supports
// framed sub-protocols, else non-overlapping packet-id offsets starting at
// UserPacket, each offset sized by the capability's declared message count.
func assignFramingIDs(protocolVersion uint32, caps []CapabilityDesc, messageCount func(CapabilityDesc) int) []negotiatedCapability {
	out := make([]negotiatedCapability, 0, len(caps))
	if protocolVersion >= framingMinVersion {
		for i, c := range caps {
			out = append(out, negotiatedCapability{CapabilityDesc: c, FramingID: i + 1})
		}
		return out
	}
	offset := UserPacket
	for _, c := range caps {
		out = append(out, negotiatedCapability{CapabilityDesc: c, FramingID: offset})
		offset += messageCount(c)
	}
	return out
}

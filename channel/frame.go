// Package channel implements the Channel Router: the SDK-facing message
// bus that bridges local ChannelSessions to remote peers over the Peer
// Host's custom-message path, correlating requests and responses by
// sequence number.
package channel

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SeqSize is the fixed width of the ascii sequence-id field.
const SeqSize = 32

// HeaderSize is the fixed channel-frame header: length(4) + type(2) +
// seq(32) + result(4), network byte order.
const HeaderSize = 4 + 2 + SeqSize + 4

// MaxPayloadSize bounds a single channel frame's payload.
const MaxPayloadSize = 16 << 20

// MessageType enumerates the Channel Router's wire message types.
type MessageType uint16

const (
	TypeRPCRequest   MessageType = 0x12
	TypeHeartbeat    MessageType = 0x13
	TypeAMOPToNode   MessageType = 0x20
	TypeAMOPFromNode MessageType = 0x21
	TypeTopicRequest MessageType = 0x30
	TypeTopicReply   MessageType = 0x31
	TypeTopicUpdate  MessageType = 0x32
)

// Result codes carried in a channel frame's result field.
const (
	ResultSuccess                     uint32 = 0
	ResultRemotePeerUnavailable       uint32 = 100
	ResultRemoteClientPeerUnavailable uint32 = 101
	ResultNoSubscribedPeer            uint32 = 103
	ResultNoSubscribedSession         uint32 = 104
)

// Frame is a single decoded channel message.
type Frame struct {
	Type    MessageType
	Seq     string
	Result  uint32
	Payload []byte
}

// NewFrame constructs a frame, storing seq as given. Encode zero-pads seq to
// SeqSize on the wire and rejects a seq longer than SeqSize.
func NewFrame(msgType MessageType, seq string, result uint32, payload []byte) Frame {
	return Frame{Type: msgType, Seq: seq, Result: result, Payload: payload}
}

// Encode serializes f to the wire format.
func (f Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("channel: payload size %d exceeds limit", len(f.Payload))
	}
	if len(f.Seq) > SeqSize {
		return nil, fmt.Errorf("channel: seq %q exceeds %d bytes", f.Seq, SeqSize)
	}

	out := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(HeaderSize+len(f.Payload)))
	binary.BigEndian.PutUint16(out[4:6], uint16(f.Type))
	copy(out[6:6+SeqSize], []byte(f.Seq))
	binary.BigEndian.PutUint32(out[6+SeqSize:HeaderSize], f.Result)
	copy(out[HeaderSize:], f.Payload)
	return out, nil
}

// DecodeFrame parses a single wire-format channel frame.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < HeaderSize {
		return Frame{}, fmt.Errorf("channel: frame shorter than header (%d bytes)", len(raw))
	}
	length := binary.BigEndian.Uint32(raw[0:4])
	if int(length) != len(raw) {
		return Frame{}, fmt.Errorf("channel: length field %d does not match frame size %d", length, len(raw))
	}
	msgType := MessageType(binary.BigEndian.Uint16(raw[4:6]))
	seqBytes := raw[6 : 6+SeqSize]
	seqEnd := SeqSize
	for i, b := range seqBytes {
		if b == 0 {
			seqEnd = i
			break
		}
	}
	seq := string(seqBytes[:seqEnd])
	result := binary.BigEndian.Uint32(raw[6+SeqSize : HeaderSize])
	payload := append([]byte(nil), raw[HeaderSize:]...)
	return Frame{Type: msgType, Seq: seq, Result: result, Payload: payload}, nil
}

// decodeTopicHeader splits a 0x30/0x31 payload into its topic name and the
// remaining body, per the wire rule: first byte is topic_len, followed by
// topic_len-1 bytes of topic name.
func decodeTopicHeader(payload []byte) (topic string, body []byte, err error) {
	if len(payload) < 1 {
		return "", nil, fmt.Errorf("channel: topic message missing topic_len byte")
	}
	topicLen := int(payload[0])
	if topicLen == 0 {
		return "", nil, fmt.Errorf("channel: topic_len must be at least 1")
	}
	if len(payload) < 1+topicLen-1 {
		return "", nil, fmt.Errorf("channel: topic message truncated")
	}
	topic = string(payload[1 : topicLen])
	body = payload[topicLen:]
	return topic, body, nil
}

// ReadFrame reads a single length-self-describing channel frame from r: the
// frame's own 4-byte length field (covering the whole frame, header
// included) tells the reader how many further bytes to consume.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < HeaderSize || length > HeaderSize+MaxPayloadSize {
		return Frame{}, fmt.Errorf("channel: invalid frame length %d", length)
	}
	rest := make([]byte, length-4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Frame{}, fmt.Errorf("channel: read frame body: %w", err)
	}
	raw := append(lenBuf[:], rest...)
	return DecodeFrame(raw)
}

// WriteFrame encodes and writes f to w.
func WriteFrame(w io.Writer, f Frame) error {
	raw, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

func encodeTopicHeader(topic string, body []byte) []byte {
	out := make([]byte, 1+len(topic)+len(body))
	out[0] = byte(len(topic) + 1)
	copy(out[1:], topic)
	copy(out[1+len(topic):], body)
	return out
}

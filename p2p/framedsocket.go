package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// MaxFrameSize bounds a single peer frame's payload to guard against a
// malformed or hostile length prefix exhausting memory.
const MaxFrameSize = 16 << 20 // 16 MiB

// FramedSocket wraps a net.Conn (typically a *tls.Conn) and exposes
// length-prefixed frame read/write with a single-reader/single-writer
// discipline per direction, per SPEC_FULL.md §4.2.
type FramedSocket struct {
	conn net.Conn

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewFramedSocket wraps conn for length-prefixed frame I/O.
func NewFramedSocket(conn net.Conn) *FramedSocket {
	return &FramedSocket{conn: conn}
}

// RemoteEndpoint reports the underlying connection's remote TCP endpoint.
func (f *FramedSocket) RemoteEndpoint() Endpoint {
	addr, ok := f.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return Endpoint{}
	}
	return Endpoint{Address: addr.IP.String(), TCPPort: uint16(addr.Port)}
}

// Close closes the underlying connection.
func (f *FramedSocket) Close() error {
	return f.conn.Close()
}

// ReadFrame blocks for the next length-prefixed frame. A clean EOF on the
// length prefix is reported as io.EOF, signalling the caller to trigger the
// Session's Disconnecting transition on a half-closed read path; any other
// error is wrapped in ErrTransport.
func (f *FramedSocket) ReadFrame() ([]byte, error) {
	f.readMu.Lock()
	defer f.readMu.Unlock()

	var lenBuf [4]byte
	if _, err := io.ReadFull(f.conn, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: read frame length: %v", ErrTransport, err)
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame size %d exceeds limit", ErrProtocol, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(f.conn, payload); err != nil {
		return nil, fmt.Errorf("%w: read frame payload: %v", ErrTransport, err)
	}
	return payload, nil
}

// WriteFrame writes a single length-prefixed frame. Concurrent callers are
// serialized by writeMu so a Session's write queue can be drained by one
// writer goroutine per SPEC_FULL.md §5's FIFO ordering guarantee.
func (f *FramedSocket) WriteFrame(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: frame size %d exceeds limit", ErrProtocol, len(payload))
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := f.conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("%w: write frame length: %v", ErrTransport, err)
	}
	if _, err := f.conn.Write(payload); err != nil {
		return fmt.Errorf("%w: write frame payload: %v", ErrTransport, err)
	}
	return nil
}

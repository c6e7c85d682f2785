package p2p

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState is the lifecycle state of a Peer Session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateDisconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateActive:
		return "Active"
	case StateDisconnecting:
		return "Disconnecting"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// customMessageFramingID is a reserved framing identifier, outside any
// registered capability's range, carrying opaque Channel Router traffic
// between hosts (the AMOP-style "custom message" path). It mirrors
// FISCO-BCOS's sendCustomMessage/onNodeRequest bridge between the peer host
// and the channel server.
const customMessageFramingID = 0

// SessionInfo is the negotiated metadata produced by the handshake.
type SessionInfo struct {
	Banner       string
	Capabilities []CapabilityDesc
	ListenPort   uint16
}

// Session is the long-lived per-peer object: send/receive loop, ping
// scheduler, disconnect reporting, capability dispatch. Sessions hold a
// non-owning back-reference to the Host; they never extend the Host's
// lifetime and always look targets up through it under its lock.
type Session struct {
	nodeID   NodeId
	endpoint Endpoint
	sock     *FramedSocket
	host     *Host
	info     SessionInfo
	inbound  bool

	negotiated []negotiatedCapability
	byFraming  map[int]negotiatedCapability

	state          atomic.Int32
	lastReceived   atomic.Int64 // unix nanos
	lastPingSent   atomic.Int64
	disconnectReason atomic.Int32 // -1 until Disconnect is called

	writeCh   chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error

	log *slog.Logger
}

func newSession(host *Host, sock *FramedSocket, remote handshakeMessage, inbound bool, negotiated []negotiatedCapability) *Session {
	byFraming := make(map[int]negotiatedCapability, len(negotiated))
	for _, n := range negotiated {
		byFraming[n.FramingID] = n
	}
	s := &Session{
		nodeID:   remote.nodeID(),
		endpoint: sock.RemoteEndpoint(),
		sock:     sock,
		host:     host,
		inbound:  inbound,
		info: SessionInfo{
			Banner:       remote.ClientBanner,
			Capabilities: remote.Capabilities,
			ListenPort:   remote.ListenPort,
		},
		negotiated: negotiated,
		byFraming:  byFraming,
		writeCh:    make(chan []byte, 256),
		closeCh:    make(chan struct{}),
		log:        host.log.With(slog.String("peer", remote.nodeID().Short())),
	}
	s.state.Store(int32(StateConnecting))
	s.disconnectReason.Store(-1)
	s.touchReceived()
	return s
}

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) setState(state SessionState) { s.state.Store(int32(state)) }

func (s *Session) touchReceived() { s.lastReceived.Store(time.Now().UnixNano()) }

func (s *Session) lastReceivedAt() time.Time {
	return time.Unix(0, s.lastReceived.Load())
}

// NodeID returns the remote node's identifier.
func (s *Session) NodeID() NodeId { return s.nodeID }

// Endpoint returns the remote endpoint this session is connected over.
func (s *Session) Endpoint() Endpoint { return s.endpoint }

// run starts the read and write loops and blocks until the session closes.
// The caller (Host) invokes this on a dedicated goroutine tracked by its
// WaitGroup.
func (s *Session) run(ctx context.Context) {
	s.setState(StateActive)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.readLoop()
	}()
	wg.Wait()
	s.setState(StateClosed)
}

// Send prefixes payload with framingID and enqueues the resulting peer
// frame for the write loop. It never blocks:
// a full queue returns ErrTransport rather than applying backpressure to
// the caller, so a slow peer cannot stall an unrelated capability's sender.
func (s *Session) Send(framingID int, payload []byte) error {
	if s.State() == StateClosed || s.State() == StateDisconnecting {
		return fmt.Errorf("%w: session closed", ErrTransport)
	}
	framed := encodeFramingEnvelope(framingID, payload)
	select {
	case s.writeCh <- framed:
		return nil
	default:
		return fmt.Errorf("%w: write queue full", ErrTransport)
	}
}

// SendCustomMessage delivers an opaque Channel Router payload to the peer
// over the reserved custom-message framing id.
func (s *Session) SendCustomMessage(payload []byte) error {
	return s.Send(customMessageFramingID, payload)
}

func encodeFramingEnvelope(framingID int, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(framingID))
	copy(out[4:], payload)
	return out
}

func decodeFramingEnvelope(frame []byte) (int, []byte, error) {
	if len(frame) < 4 {
		return 0, nil, fmt.Errorf("%w: frame shorter than framing envelope", ErrProtocol)
	}
	return int(binary.BigEndian.Uint32(frame[:4])), frame[4:], nil
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = s.sock.Close()
			return
		case <-s.closeCh:
			_ = s.sock.Close()
			return
		case frame := <-s.writeCh:
			if err := s.sock.WriteFrame(frame); err != nil {
				s.log.Debug("peer write failed", slog.Any("error", err))
				s.terminate(err)
				return
			}
		}
	}
}

func (s *Session) readLoop() {
	for {
		frame, err := s.sock.ReadFrame()
		if err != nil {
			s.setState(StateDisconnecting)
			s.terminate(err)
			return
		}
		s.touchReceived()

		framingID, payload, err := decodeFramingEnvelope(frame)
		if err != nil {
			s.log.Debug("dropping malformed peer frame", slog.Any("error", err))
			continue
		}

		if framingID == customMessageFramingID {
			s.host.dispatchCustomMessage(s.nodeID, payload)
			continue
		}

		cap, ok := s.byFraming[framingID]
		if !ok {
			s.log.Debug("no capability registered for framing id", slog.Int("framing_id", framingID))
			continue
		}
		handler, ok := s.host.capabilities.handler(cap.CapabilityDesc)
		if !ok {
			continue
		}
		handle := &SessionHandle{host: s.host, nodeID: s.nodeID}
		if err := handler.OnMessage(handle, framingID, payload); err != nil {
			s.log.Debug("capability handler error", slog.Any("error", err))
		}
	}
}

// terminate closes the session exactly once, recording the error that
// caused the close (nil for a graceful Disconnect).
func (s *Session) terminate(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closeCh)
	})
}

// Disconnect sends a Disconnect frame carrying reason (best-effort) and
// tears the session down.
func (s *Session) Disconnect(reason DisconnectReason) {
	s.setState(StateDisconnecting)
	s.disconnectReason.Store(int32(reason))
	// Best-effort notification; the peer may already be gone.
	_ = s.Send(customMessageFramingID, disconnectFrame(reason))
	s.terminate(nil)
}

// Reason reports the DisconnectReason passed to Disconnect, or false if the
// session ended without an explicit local disconnect (e.g. a transport
// error or the remote hanging up).
func (s *Session) Reason() (DisconnectReason, bool) {
	v := s.disconnectReason.Load()
	if v < 0 {
		return 0, false
	}
	return DisconnectReason(v), true
}

func disconnectFrame(reason DisconnectReason) []byte {
	return []byte{DisconnectNoticeTag, byte(reason)}
}

// SessionHandle is the non-owning reference capabilities hold on a
// Session; it always resolves through the Host so that a
// Session removed from the Host's maps cannot be used after it is gone.
type SessionHandle struct {
	host   *Host
	nodeID NodeId
}

// NodeID returns the identified session's NodeId.
func (h *SessionHandle) NodeID() NodeId { return h.nodeID }

// Send resolves the live session (if any) and forwards the payload,
// returning ErrPeerNotFound if the session has since been removed.
func (h *SessionHandle) Send(framingID int, payload []byte) error {
	session, ok := h.host.sessionByNodeID(h.nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, h.nodeID.Short())
	}
	return session.Send(framingID, payload)
}

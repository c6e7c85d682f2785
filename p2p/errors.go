package p2p

import "errors"

// DisconnectReason enumerates the reasons a Session may be torn down, per
// the wire-visible disconnect taxonomy.
type DisconnectReason int

const (
	ReasonClientQuit DisconnectReason = iota
	ReasonDisconnectSelf
	ReasonIncompatibleProtocol
	ReasonUselessPeer
	ReasonUnexpectedIdentity
	ReasonDuplicatePeer
	ReasonTooManyPeers
	ReasonPingTimeout
	ReasonUserReason
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonClientQuit:
		return "ClientQuit"
	case ReasonDisconnectSelf:
		return "LocalIdentity"
	case ReasonIncompatibleProtocol:
		return "IncompatibleProtocol"
	case ReasonUselessPeer:
		return "UselessPeer"
	case ReasonUnexpectedIdentity:
		return "UnexpectedIdentity"
	case ReasonDuplicatePeer:
		return "DuplicatePeer"
	case ReasonTooManyPeers:
		return "TooManyPeers"
	case ReasonPingTimeout:
		return "PingTimeout"
	case ReasonUserReason:
		return "UserReason"
	default:
		return "Unknown"
	}
}

// Sentinel errors for the taxonomy in SPEC_FULL.md §7. Call sites branch on
// kind with errors.Is/errors.As; HandshakeRejectError additionally carries
// the specific DisconnectReason.
var (
	ErrTransport          = errors.New("p2p: transport error")
	ErrProtocol           = errors.New("p2p: protocol error")
	ErrRoutingUnavailable = errors.New("p2p: no route available")
	ErrNonceConflict      = errors.New("p2p: duplicate transaction")
	ErrCertRevoked        = errors.New("p2p: certificate revoked")
	ErrCertExpired        = errors.New("p2p: certificate expired")
	ErrCancelled          = errors.New("p2p: operation cancelled")
	ErrNotReady           = errors.New("p2p: host not ready")

	// ErrInvalidPayload indicates a peer supplied a syntactically correct
	// message with invalid contents.
	ErrInvalidPayload = errors.New("p2p: invalid payload")

	ErrEndpointExists   = errors.New("p2p: peer for endpoint already known")
	ErrConnectPending   = errors.New("p2p: connect already pending for endpoint")
	ErrEmptyAddress     = errors.New("p2p: endpoint address is empty")
	ErrSelfConnect      = errors.New("p2p: refusing to connect to self")
	ErrSelfDisconnect   = errors.New("p2p: refusing to disconnect self")
	ErrPeerNotFound     = errors.New("p2p: peer not found")
	ErrHostAlreadyRunning = errors.New("p2p: host already running")
)

// HandshakeRejectError reports that the application handshake completed but
// the acceptance rules of SPEC_FULL.md §4.3 rejected the remote peer.
type HandshakeRejectError struct {
	Reason DisconnectReason
}

func (e *HandshakeRejectError) Error() string {
	return "p2p: handshake rejected: " + e.Reason.String()
}

func (e *HandshakeRejectError) Is(target error) bool {
	_, ok := target.(*HandshakeRejectError)
	return ok
}

func newHandshakeReject(reason DisconnectReason) error {
	return &HandshakeRejectError{Reason: reason}
}

// IsInvalidPayload reports whether the error originated from a malformed or
// invalid payload.
func IsInvalidPayload(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}

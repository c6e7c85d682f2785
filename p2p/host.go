package p2p

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/sha3"
	"golang.org/x/time/rate"
)

// Default timers, matching SPEC_FULL.md §4.4.2.
const (
	DefaultLoopInterval         = time.Second
	DefaultKeepAliveInterval    = 20 * time.Second
	DefaultKeepAliveTimeout     = 10 * time.Second
	DefaultReconnectInterval    = 60 * time.Second
	DefaultAnnouncementInterval = 60 * time.Second

	maxAnnouncementSize = 100
)

// Peer is a known remote node, created on first successful handshake and
// keyed in the Host by endpoint name. Entries are removed once their
// session ends, per SPEC_FULL.md §4.4.2.
type Peer struct {
	ID            NodeId
	Endpoint      Endpoint
	LastConnected time.Time
}

// NodeConnManager is the external collaborator supplying the authorized
// peer list and the revoked-certificate-serial set, per SPEC_FULL.md §6.
type NodeConnManager interface {
	RevocationChecker
	GetAllConnect() (map[string]Endpoint, error)
	UpdateAllConnect(map[string]Endpoint) error
	NextDialAt(name string, now time.Time) time.Time
	RecordDialResult(name string, success bool, now time.Time)
}

// HostConfig configures a Host's identity, listening posture, and timers.
type HostConfig struct {
	ListenEndpoint  Endpoint
	PublicEndpoint  Endpoint
	PinMode         bool
	RequiredPeers   map[NodeId]Endpoint
	IngressSlots    int
	ClientBanner    string
	TLSMaterial     TLSMaterial
	DialRatePerSec  float64
	DialBurst       int
	AcceptRatePerSec float64
	AcceptBurst      int

	LoopInterval         time.Duration
	KeepAliveInterval    time.Duration
	KeepAliveTimeout     time.Duration
	ReconnectInterval    time.Duration
	AnnouncementInterval time.Duration

	// Rand seeds the announcement shuffle and any other randomized peer
	// selection; nil uses a wall-clock-seeded source, matching the
	// originating design's seconds-since-epoch seed. Tests inject a fixed
	// source for determinism.
	Rand *rand.Rand
}

func (c *HostConfig) applyDefaults() {
	if c.LoopInterval <= 0 {
		c.LoopInterval = DefaultLoopInterval
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.AnnouncementInterval <= 0 {
		c.AnnouncementInterval = DefaultAnnouncementInterval
	}
	if c.IngressSlots <= 0 {
		c.IngressSlots = 64
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().Unix()))
	}
}

// Host owns the acceptor, the peer/session maps, the pending-connection
// set, the timers, and the capability registry. Per SPEC_FULL.md §5, the
// peer and session maps are guarded by a single RWMutex.
type Host struct {
	cfg          HostConfig
	identity     *Identity
	certVerifier *CertVerifier
	connManager  NodeConnManager
	capabilities *CapabilityRegistry
	metrics      *hostMetrics
	log          *slog.Logger
	dialLimiter  *rate.Limiter
	acceptLimiter *ipRateLimiter

	mu        sync.RWMutex
	peers     map[string]*Peer // endpoint name -> Peer
	peerOrder []string         // insertion order of endpoint names
	sessions  map[NodeId]*Session

	pendingMu sync.Mutex
	pending   map[string]struct{}

	customMu      sync.RWMutex
	customHandler func(NodeId, []byte)

	listener net.Listener

	running   atomic.Bool
	readyCh   chan struct{}
	readyOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	lastPingTick atomic.Int64
}

// NewHost constructs a Host. Start must be called before it accepts
// connections or drives its event loop.
func NewHost(cfg HostConfig, identity *Identity, connManager NodeConnManager, capabilities *CapabilityRegistry, log *slog.Logger) *Host {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	h := &Host{
		cfg:          cfg,
		identity:     identity,
		certVerifier: NewCertVerifier(connManager),
		connManager:  connManager,
		capabilities: capabilities,
		metrics:      newHostMetrics(),
		log:          log,
		peers:        make(map[string]*Peer),
		sessions:     make(map[NodeId]*Session),
		pending:      make(map[string]struct{}),
		readyCh:      make(chan struct{}),
	}
	if cfg.DialRatePerSec > 0 {
		h.dialLimiter = rate.NewLimiter(rate.Limit(cfg.DialRatePerSec), maxInt(cfg.DialBurst, 1))
	}
	h.acceptLimiter = newIPRateLimiter(cfg.AcceptRatePerSec, cfg.AcceptBurst)
	return h
}

// SetCustomMessageHandler registers the Channel Router's inbound bridge for
// opaque custom messages received over the reserved framing id.
func (h *Host) SetCustomMessageHandler(fn func(NodeId, []byte)) {
	h.customMu.Lock()
	defer h.customMu.Unlock()
	h.customHandler = fn
}

func (h *Host) dispatchCustomMessage(from NodeId, payload []byte) {
	h.customMu.RLock()
	fn := h.customHandler
	h.customMu.RUnlock()
	if fn != nil {
		fn(from, payload)
	}
}

// SendCustomMessage forwards an opaque payload to the live session for
// nodeID, used by the Channel Router to reach a remote peer.
func (h *Host) SendCustomMessage(nodeID NodeId, payload []byte) error {
	session, ok := h.sessionByNodeID(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, nodeID.Short())
	}
	return session.SendCustomMessage(payload)
}

// Start opens the peer TLS acceptor and launches the accept and event
// loops. It is not idempotent; call once.
func (h *Host) Start(ctx context.Context) error {
	if h.running.Load() {
		return ErrHostAlreadyRunning
	}
	tlsConfig, err := h.certVerifier.BuildPeerTLSConfig(h.cfg.TLSMaterial)
	if err != nil {
		return err
	}
	listener, err := tls.Listen("tcp", h.cfg.ListenEndpoint.Name(), tlsConfig)
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %v", ErrTransport, h.cfg.ListenEndpoint.Name(), err)
	}
	h.listener = listener

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.acceptLoop(runCtx)
	}()
	go func() {
		defer h.wg.Done()
		h.eventLoop(runCtx)
	}()

	h.running.Store(true)
	h.readyOnce.Do(func() { close(h.readyCh) })
	h.log.Info("peer host started", slog.String("listen", h.cfg.ListenEndpoint.Name()))
	return nil
}

// Stop terminates the acceptor, cancels pending handshakes, disconnects all
// sessions with ClientQuit, drains the event loop, and clears the session
// map. Idempotent; returns once every goroutine has exited.
func (h *Host) Stop() error {
	h.stopOnce.Do(func() {
		h.running.Store(false)
		if h.cancel != nil {
			h.cancel()
		}
		if h.listener != nil {
			_ = h.listener.Close()
		}
		h.mu.RLock()
		sessions := make([]*Session, 0, len(h.sessions))
		for _, s := range h.sessions {
			sessions = append(sessions, s)
		}
		h.mu.RUnlock()
		for _, s := range sessions {
			s.Disconnect(ReasonClientQuit)
		}
		h.wg.Wait()

		h.mu.Lock()
		h.sessions = make(map[NodeId]*Session)
		h.mu.Unlock()
	})
	return nil
}

// awaitReady blocks until Start has been called, or ctx is done, in which
// case NotReady is returned. This replaces the sleep-based busy-wait of the
// originating design (SPEC_FULL.md §9).
func (h *Host) awaitReady(ctx context.Context) error {
	if h.running.Load() {
		return nil
	}
	select {
	case <-h.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
	}
}

func (h *Host) acceptLoop(ctx context.Context) {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.log.Debug("accept error", slog.Any("error", err))
			continue
		}
		if h.acceptLimiter != nil {
			host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
			if splitErr == nil && !h.acceptLimiter.allow(host) {
				h.log.Debug("rejecting connection, rate limit exceeded", slog.String("remote", host))
				_ = conn.Close()
				continue
			}
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.handleInbound(ctx, conn)
		}()
	}
}

func (h *Host) handleInbound(ctx context.Context, conn net.Conn) {
	sock := NewFramedSocket(conn)
	remote, err := PerformResponderHandshake(sock, h.identity.NodeID(), h.cfg.ClientBanner, h.cfg.ListenEndpoint.TCPPort, h.capabilities.Local())
	if err != nil {
		h.log.Debug("inbound handshake failed", slog.Any("error", err))
		_ = sock.Close()
		h.metrics.recordHandshake("error")
		return
	}
	if err := h.acceptSession(ctx, sock, remote, true); err != nil {
		h.log.Debug("inbound session rejected", slog.Any("error", err), slog.String("peer", remote.nodeID().Short()))
		_ = sock.Close()
	}
}

// acceptSession implements the ordered acceptance rules of SPEC_FULL.md
// §4.3.
func (h *Host) acceptSession(ctx context.Context, sock *FramedSocket, remote handshakeMessage, inbound bool) error {
	remoteID := remote.nodeID()

	// Rule 1: self-connect.
	if remoteID.Equal(h.identity.NodeID()) {
		h.metrics.recordHandshake("self")
		return newHandshakeReject(ReasonDisconnectSelf)
	}

	// Rule 2: protocol version.
	if remote.ProtocolVersion+1 < CurrentProtocolVersion {
		h.metrics.recordHandshake("incompatible_protocol")
		return newHandshakeReject(ReasonIncompatibleProtocol)
	}

	// Rule 3: capability intersection.
	negotiatedDescs := intersectCapabilities(h.capabilities.Local(), remote.Capabilities)
	if len(negotiatedDescs) == 0 {
		h.metrics.recordHandshake("useless_peer")
		return newHandshakeReject(ReasonUselessPeer)
	}

	// Rule 4: pinned mode.
	if h.cfg.PinMode {
		if _, ok := h.cfg.RequiredPeers[remoteID]; !ok {
			h.metrics.recordHandshake("unexpected_identity")
			return newHandshakeReject(ReasonUnexpectedIdentity)
		}
	}

	h.mu.Lock()
	// Rule 5: duplicate session.
	if _, exists := h.sessions[remoteID]; exists {
		h.mu.Unlock()
		h.metrics.recordHandshake("duplicate_peer")
		return newHandshakeReject(ReasonDuplicatePeer)
	}
	// Rule 6: ingress slots.
	if len(h.sessions) >= h.cfg.IngressSlots {
		h.mu.Unlock()
		h.metrics.recordHandshake("too_many_peers")
		return newHandshakeReject(ReasonTooManyPeers)
	}

	// Rule 7: register.
	negotiated := assignFramingIDs(remote.ProtocolVersion, negotiatedDescs, h.capabilities.messageCount)
	session := newSession(h, sock, remote, inbound, negotiated)
	h.sessions[remoteID] = session

	endpoint := sock.RemoteEndpoint()
	if remote.ListenPort != 0 {
		endpoint.TCPPort = remote.ListenPort
	}
	name := endpoint.Name()
	if _, ok := h.peers[name]; !ok {
		h.peers[name] = &Peer{ID: remoteID, Endpoint: endpoint}
		h.peerOrder = append(h.peerOrder, name)
	}
	h.peers[name].LastConnected = time.Now()
	h.mu.Unlock()

	h.metrics.recordHandshake("accepted")
	h.metrics.setActiveSessions(h.sessionCount())

	for _, n := range negotiated {
		handler, ok := h.capabilities.handler(n.CapabilityDesc)
		if !ok {
			continue
		}
		handler.OnNewPeer(&SessionHandle{host: h, nodeID: remoteID}, n.FramingID, n.CapabilityDesc)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		session.run(ctx)
		h.removeSession(remoteID)
	}()
	return nil
}

func (h *Host) removeSession(id NodeId) {
	h.mu.Lock()
	session, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	h.metrics.setActiveSessions(h.sessionCount())
	if reason, ok := session.Reason(); ok {
		h.metrics.recordDisconnect(reason)
	}

	h.mu.Lock()
	name := session.Endpoint().Name()
	if peer, ok := h.peers[name]; ok && peer.ID == id {
		delete(h.peers, name)
		h.removePeerOrderLocked(name)
	}
	h.mu.Unlock()
}

// removePeerOrderLocked drops name from peerOrder. Callers must hold h.mu.
func (h *Host) removePeerOrderLocked(name string) {
	for i, n := range h.peerOrder {
		if n == name {
			h.peerOrder = append(h.peerOrder[:i], h.peerOrder[i+1:]...)
			return
		}
	}
}

func (h *Host) sessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Host) sessionByNodeID(id NodeId) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// AddPeer schedules a connect attempt for endpoint. Callers before Start
// block on the readiness condition until ctx is done, receiving NotReady
// rather than busy-waiting.
func (h *Host) AddPeer(ctx context.Context, endpoint Endpoint) error {
	if err := h.awaitReady(ctx); err != nil {
		return err
	}
	return h.Connect(ctx, endpoint)
}

// RequirePeer marks nodeID/endpoint as pinned-required and schedules a
// connect attempt.
func (h *Host) RequirePeer(ctx context.Context, nodeID NodeId, endpoint Endpoint) error {
	if err := h.awaitReady(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	if h.cfg.RequiredPeers == nil {
		h.cfg.RequiredPeers = make(map[NodeId]Endpoint)
	}
	h.cfg.RequiredPeers[nodeID] = endpoint
	h.mu.Unlock()
	return h.Connect(ctx, endpoint)
}

// RelinquishPeer removes nodeID from the required set.
func (h *Host) RelinquishPeer(nodeID NodeId) {
	h.mu.Lock()
	delete(h.cfg.RequiredPeers, nodeID)
	h.mu.Unlock()
}

// Connect implements SPEC_FULL.md §4.4.1.
func (h *Host) Connect(ctx context.Context, endpoint Endpoint) error {
	if endpoint.IsEmpty() {
		return ErrEmptyAddress
	}
	if h.isSelf(endpoint) {
		h.log.Debug("ignore connect self", slog.String("endpoint", endpoint.Name()))
		return ErrSelfConnect
	}

	name := endpoint.Name()
	h.mu.RLock()
	_, peerExists := h.peers[name]
	h.mu.RUnlock()
	if peerExists {
		return ErrEndpointExists
	}

	h.pendingMu.Lock()
	if _, inFlight := h.pending[name]; inFlight {
		h.pendingMu.Unlock()
		return ErrConnectPending
	}
	h.pending[name] = struct{}{}
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, name)
		h.pendingMu.Unlock()
	}()

	if h.dialLimiter != nil && !h.dialLimiter.Allow() {
		return fmt.Errorf("%w: dial rate limit exceeded for %s", ErrTransport, name)
	}

	if h.connManager != nil {
		now := time.Now()
		if due := h.connManager.NextDialAt(name, now); due.After(now) {
			return fmt.Errorf("%w: %s not due for dial until %s", ErrConnectPending, name, due)
		}
	}

	tlsConfig, err := h.certVerifier.BuildPeerTLSConfig(h.cfg.TLSMaterial)
	if err != nil {
		return err
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	rawConn, err := dialer.DialContext(ctx, "tcp", name)
	if err != nil {
		h.metrics.recordHandshake("dial_error")
		h.recordDialResult(name, false)
		return fmt.Errorf("%w: dial %s: %v", ErrTransport, name, err)
	}
	tlsConn := tls.Client(rawConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = rawConn.Close()
		h.metrics.recordHandshake("tls_error")
		h.recordDialResult(name, false)
		return fmt.Errorf("%w: tls handshake %s: %v", ErrTransport, name, err)
	}

	sock := NewFramedSocket(tlsConn)
	remote, err := PerformInitiatorHandshake(sock, h.identity.NodeID(), h.cfg.ClientBanner, h.cfg.ListenEndpoint.TCPPort, h.capabilities.Local())
	if err != nil {
		_ = sock.Close()
		h.metrics.recordHandshake("handshake_error")
		h.recordDialResult(name, false)
		return err
	}
	if err := h.acceptSession(ctx, sock, remote, false); err != nil {
		_ = sock.Close()
		h.recordDialResult(name, false)
		return err
	}
	h.recordDialResult(name, true)
	return nil
}

func (h *Host) recordDialResult(name string, success bool) {
	if h.connManager != nil {
		h.connManager.RecordDialResult(name, success, time.Now())
	}
}

// isSelf implements the self-connect check of SPEC_FULL.md §4.4.1: the
// target must match one of the local identifying addresses AND the local
// listen port.
func (h *Host) isSelf(endpoint Endpoint) bool {
	if endpoint.TCPPort != h.cfg.ListenEndpoint.TCPPort {
		return false
	}
	if endpoint.Address == h.cfg.ListenEndpoint.Address {
		return true
	}
	if h.cfg.PublicEndpoint.Address != "" && endpoint.Address == h.cfg.PublicEndpoint.Address {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.String() == endpoint.Address {
				return true
			}
		}
	}
	return false
}

// DisconnectByNodeID looks up a session by hex node id and sends a
// UserReason disconnect. No-op if not found; rejected if it equals self.
func (h *Host) DisconnectByNodeID(hexID string) error {
	id, err := ParseNodeID(hexID)
	if err != nil {
		return err
	}
	if id.Equal(h.identity.NodeID()) {
		return ErrSelfDisconnect
	}
	session, ok := h.sessionByNodeID(id)
	if !ok {
		return nil
	}
	session.Disconnect(ReasonUserReason)
	return nil
}

// SessionSnapshot is a point-in-time view of an active session.
type SessionSnapshot struct {
	NodeID   NodeId
	Endpoint Endpoint
	State    SessionState
	Banner   string
}

// PeerSessionInfo returns a snapshot of active sessions.
func (h *Host) PeerSessionInfo() []SessionSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SessionSnapshot, 0, len(h.sessions))
	for id, s := range h.sessions {
		out = append(out, SessionSnapshot{
			NodeID:   id,
			Endpoint: s.Endpoint(),
			State:    s.State(),
			Banner:   s.info.Banner,
		})
	}
	return out
}

func (h *Host) eventLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.LoopInterval)
	defer ticker.Stop()

	lastKeepAlive := time.Now()
	lastReconnect := time.Now()
	lastAnnounce := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(lastKeepAlive) >= h.cfg.KeepAliveInterval {
				h.keepAlivePeers(now)
				lastKeepAlive = now
			}
			if now.Sub(lastReconnect) >= h.cfg.ReconnectInterval {
				h.reconnectAllNodes(ctx)
				lastReconnect = now
			}
			if now.Sub(lastAnnounce) >= h.cfg.AnnouncementInterval {
				h.announce()
				lastAnnounce = now
			}
		}
	}
}

// keepAlivePeers implements SPEC_FULL.md §4.4.2's keep-alive tick.
func (h *Host) keepAlivePeers(now time.Time) {
	lastTick := time.Unix(0, h.lastPingTick.Load())
	h.lastPingTick.Store(now.UnixNano())

	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if s.State() != StateActive {
			continue
		}
		if s.lastReceivedAt().Before(lastTick) && now.Sub(lastTick) >= h.cfg.KeepAliveTimeout {
			s.Disconnect(ReasonPingTimeout)
			continue
		}
		_ = s.SendCustomMessage([]byte("ping"))
	}
}

// reconnectAllNodes implements SPEC_FULL.md §4.4.2's reconnect tick.
func (h *Host) reconnectAllNodes(ctx context.Context) {
	if h.connManager == nil {
		return
	}
	authorized, err := h.connManager.GetAllConnect()
	if err != nil {
		h.log.Debug("get authorized connect list failed", slog.Any("error", err))
		return
	}

	h.mu.RLock()
	live := make(map[string]Endpoint, len(h.peers))
	for name, p := range h.peers {
		live[name] = p.Endpoint
	}
	h.mu.RUnlock()

	for name, endpoint := range authorized {
		if _, ok := live[name]; ok {
			continue
		}
		go func(ep Endpoint) {
			if err := h.Connect(ctx, ep); err != nil {
				h.log.Debug("reconnect attempt failed", slog.String("endpoint", ep.Name()), slog.Any("error", err))
			}
		}(endpoint)
	}

	merged := make(map[string]Endpoint, len(authorized)+len(live))
	for name, ep := range authorized {
		merged[name] = ep
	}
	for name, ep := range live {
		merged[name] = ep
	}
	if err := h.connManager.UpdateAllConnect(merged); err != nil {
		h.log.Debug("publish merged connect list failed", slog.Any("error", err))
	}
}

// announce implements SPEC_FULL.md §4.4.2's announcement tick: an
// order-independent hash of the sorted endpoint-name set, plus up to 100
// randomly sampled peers, broadcast to every active session.
func (h *Host) announce() {
	h.mu.RLock()
	names := make([]string, 0, len(h.peers)+1)
	names = append(names, h.cfg.ListenEndpoint.Name())
	endpoints := make([]Endpoint, 0, len(h.peers))
	for _, name := range h.peerOrder {
		names = append(names, name)
		endpoints = append(endpoints, h.peers[name].Endpoint)
	}
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	digest := announcementHash(names)
	sample := shuffleSample(endpoints, maxAnnouncementSize, h.cfg.Rand)
	payload := encodeAnnouncement(digest, sample)

	for _, s := range sessions {
		_ = s.SendCustomMessage(payload)
	}
}

// announcementHash sorts names for order-independence, then Keccak256s
// their concatenation.
func announcementHash(names []string) [32]byte {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	h := sha3.NewLegacyKeccak256()
	for _, n := range sorted {
		h.Write([]byte(n))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// shuffleSample performs a Fisher-Yates shuffle and returns up to max
// entries.
func shuffleSample(endpoints []Endpoint, max int, rng *rand.Rand) []Endpoint {
	shuffled := append([]Endpoint(nil), endpoints...)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	if len(shuffled) > max {
		shuffled = shuffled[:max]
	}
	return shuffled
}

func encodeAnnouncement(digest [32]byte, peers []Endpoint) []byte {
	out := make([]byte, 1+32)
	out[0] = AnnouncementTag // disambiguated from disconnect (0xFF) and ping ("ping")
	copy(out[1:], digest[:])
	for _, ep := range peers {
		name := ep.Name()
		out = append(out, byte(len(name)))
		out = append(out, []byte(name)...)
	}
	return out
}

// AnnouncementTag prefixes an announce() broadcast within the custom
// message channel; DisconnectNoticeTag prefixes the frame sent by
// Session.Disconnect. Any other leading byte is channel-frame traffic
// bound for the Channel Router.
const (
	AnnouncementTag     byte = 0xA0
	DisconnectNoticeTag byte = 0xFF
)

// Announcement is the decoded form of an announce() broadcast: an
// order-independent digest of the sender's known-peer set, plus a sampled
// subset of its endpoints.
type Announcement struct {
	Digest [32]byte
	Peers  []Endpoint
}

// DecodeAnnouncement parses a payload produced by encodeAnnouncement.
func DecodeAnnouncement(payload []byte) (Announcement, error) {
	if len(payload) < 1+32 || payload[0] != AnnouncementTag {
		return Announcement{}, fmt.Errorf("p2p: not an announcement frame")
	}
	var out Announcement
	copy(out.Digest[:], payload[1:33])
	rest := payload[33:]
	for len(rest) > 0 {
		n := int(rest[0])
		rest = rest[1:]
		if n > len(rest) {
			return Announcement{}, fmt.Errorf("p2p: truncated announcement entry")
		}
		name := string(rest[:n])
		rest = rest[n:]
		host, portStr, err := net.SplitHostPort(name)
		if err != nil {
			return Announcement{}, fmt.Errorf("p2p: invalid announced endpoint %q: %w", name, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Announcement{}, fmt.Errorf("p2p: invalid announced port %q: %w", portStr, err)
		}
		out.Peers = append(out.Peers, Endpoint{Address: host, TCPPort: uint16(port)})
	}
	return out, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

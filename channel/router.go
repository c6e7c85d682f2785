package channel

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coreledger/meshnode/p2p"
)

const topicRequestTimeout = 5 * time.Second

// RandSource is the narrow randomness seam the Router consumes when
// selecting a candidate for topic routing; tests inject a seeded *rand.Rand
// for deterministic candidate order.
type RandSource interface {
	Intn(n int) int
}

// PeerSender is the subset of the Peer Host the Router uses to forward
// frames to a remote node over its custom-message path.
type PeerSender interface {
	SendCustomMessage(nodeID p2p.NodeId, payload []byte) error
}

// RPCDispatcher executes a locally-hosted RPC body (message type 0x12) and
// returns its response bytes.
type RPCDispatcher interface {
	Dispatch(body []byte) []byte
}

type amopPending struct {
	fromSessionID string
	createdAt     time.Time
}

type topicPending struct {
	topic           string
	sourceIsSession bool
	sourceSessionID string
	sourceNode      p2p.NodeId
	body            []byte
	failedSessions  map[string]struct{}
	failedNodes     map[p2p.NodeId]struct{}
	currentNode      p2p.NodeId
	currentSessionID string
	createdAt       time.Time
}

// Router is the Channel Router: it correlates request sequence numbers,
// tracks topic subscriptions for local ChannelSessions and known remote
// nodes, and applies the retry-with-exclusion policy for topic-routed
// messages.
type Router struct {
	mu            sync.RWMutex
	sessions      map[string]*ChannelSession
	topicSessions map[string]map[string]struct{}
	topicNodes    map[string]map[p2p.NodeId]struct{}

	pendingMu    sync.Mutex
	amopPending  map[string]*amopPending
	topicPending map[string]*topicPending

	sender     PeerSender
	dispatcher RPCDispatcher
	rand       RandSource
	log        *slog.Logger
	metrics    *routerMetrics
}

// NewRouter constructs a Router. sender delivers frames to remote peers;
// dispatcher executes local RPC bodies; rand drives topic candidate
// selection.
func NewRouter(sender PeerSender, dispatcher RPCDispatcher, rand RandSource, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		sessions:      make(map[string]*ChannelSession),
		topicSessions: make(map[string]map[string]struct{}),
		topicNodes:    make(map[string]map[p2p.NodeId]struct{}),
		amopPending:   make(map[string]*amopPending),
		topicPending:  make(map[string]*topicPending),
		sender:        sender,
		dispatcher:    dispatcher,
		rand:          rand,
		log:           log,
		metrics:       newRouterMetrics(),
	}
}

// RegisterSession makes s known to the router.
func (r *Router) RegisterSession(s *ChannelSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

// RemoveSession unregisters s and drops its topic memberships.
func (r *Router) RemoveSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	for topic, members := range r.topicSessions {
		delete(members, id)
		if len(members) == 0 {
			delete(r.topicSessions, topic)
		}
	}
}

// UpdateSessionTopics recomputes the topic->session index for id after a
// 0x32 subscription update, per updateHostTopics.
func (r *Router) UpdateSessionTopics(id string, topics []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, members := range r.topicSessions {
		delete(members, id)
		if len(members) == 0 {
			delete(r.topicSessions, topic)
		}
	}
	for _, topic := range topics {
		if r.topicSessions[topic] == nil {
			r.topicSessions[topic] = make(map[string]struct{})
		}
		r.topicSessions[topic][id] = struct{}{}
	}
}

// UpdateNodeTopics recomputes the topic->node index for a remote peer,
// invoked when its topic advertisement is bridged in from the Peer Host.
func (r *Router) UpdateNodeTopics(node p2p.NodeId, topics []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, members := range r.topicNodes {
		delete(members, node)
		if len(members) == 0 {
			delete(r.topicNodes, topic)
		}
	}
	for _, topic := range topics {
		if r.topicNodes[topic] == nil {
			r.topicNodes[topic] = make(map[p2p.NodeId]struct{})
		}
		r.topicNodes[topic][node] = struct{}{}
	}
}

func (r *Router) getSessionByTopic(topic string, exclude map[string]struct{}) (*ChannelSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.topicSessions[topic]
	candidates := make([]*ChannelSession, 0, len(members))
	for id := range members {
		if _, excluded := exclude[id]; excluded {
			continue
		}
		if s, ok := r.sessions[id]; ok {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })
	return candidates[r.rand.Intn(len(candidates))], true
}

func (r *Router) getNodeByTopic(topic string, exclude map[p2p.NodeId]struct{}) (p2p.NodeId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.topicNodes[topic]
	candidates := make([]p2p.NodeId, 0, len(members))
	for node := range members {
		if _, excluded := exclude[node]; excluded {
			continue
		}
		candidates = append(candidates, node)
	}
	if len(candidates) == 0 {
		return p2p.NodeId{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].String() < candidates[j].String() })
	return candidates[r.rand.Intn(len(candidates))], true
}

func (r *Router) anySession() (*ChannelSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		return s, true
	}
	return nil, false
}

// HandleFromSession processes a frame received from a local SDK connection.
func (r *Router) HandleFromSession(s *ChannelSession, f Frame) {
	switch f.Type {
	case TypeRPCRequest:
		r.handleRPCRequest(s, f)
	case TypeHeartbeat:
		r.handleHeartbeat(s, f)
	case TypeAMOPToNode:
		r.handleAMOPToNode(s, f)
	case TypeTopicRequest:
		r.handleTopicRequest(true, s.id, p2p.NodeId{}, f)
	case TypeTopicReply:
		r.handleTopicReply(f)
	case TypeTopicUpdate:
		r.handleTopicUpdate(s, f)
	default:
		r.log.Debug("unhandled channel message type from session", slog.Int("type", int(f.Type)))
	}
}

// HandleFromNode processes a channel frame bridged in from a remote peer's
// custom-message channel.
func (r *Router) HandleFromNode(node p2p.NodeId, f Frame) {
	switch f.Type {
	case TypeAMOPFromNode:
		r.handleAMOPFromNode(node, f)
	case TypeTopicRequest:
		r.handleTopicRequest(false, "", node, f)
	case TypeTopicReply:
		r.handleTopicReply(f)
	case TypeHeartbeat:
		// Absorbed; the Peer Host's own keep-alive already covers liveness.
	default:
		r.log.Debug("unhandled channel message type from node", slog.Int("type", int(f.Type)))
	}
}

func (r *Router) handleRPCRequest(s *ChannelSession, f Frame) {
	if r.dispatcher == nil {
		_ = s.Send(NewFrame(TypeRPCRequest, f.Seq, ResultRemoteClientPeerUnavailable, nil))
		return
	}
	response := r.dispatcher.Dispatch(f.Payload)
	_ = s.Send(NewFrame(TypeRPCRequest, f.Seq, ResultSuccess, response))
}

func (r *Router) handleHeartbeat(s *ChannelSession, f Frame) {
	if string(f.Payload) == "0" {
		_ = s.Send(NewFrame(TypeHeartbeat, f.Seq, ResultSuccess, []byte("1")))
	}
}

func (r *Router) handleAMOPToNode(s *ChannelSession, f Frame) {
	const nodeIDHexLen = 128
	if len(f.Payload) < nodeIDHexLen {
		_ = s.Send(NewFrame(TypeAMOPFromNode, f.Seq, ResultRemotePeerUnavailable, nil))
		return
	}
	target, err := p2p.ParseNodeID(string(f.Payload[:nodeIDHexLen]))
	if err != nil {
		_ = s.Send(NewFrame(TypeAMOPFromNode, f.Seq, ResultRemotePeerUnavailable, nil))
		return
	}
	body := f.Payload[nodeIDHexLen:]

	r.pendingMu.Lock()
	r.amopPending[f.Seq] = &amopPending{fromSessionID: s.id, createdAt: time.Now()}
	r.pendingMu.Unlock()

	forward := NewFrame(TypeAMOPToNode, f.Seq, ResultSuccess, body)
	raw, err := forward.Encode()
	if err != nil || r.sender == nil || r.sender.SendCustomMessage(target, raw) != nil {
		r.pendingMu.Lock()
		delete(r.amopPending, f.Seq)
		r.pendingMu.Unlock()
		_ = s.Send(NewFrame(TypeAMOPFromNode, f.Seq, ResultRemotePeerUnavailable, nil))
	}
}

func (r *Router) handleAMOPFromNode(from p2p.NodeId, f Frame) {
	r.pendingMu.Lock()
	pending, ok := r.amopPending[f.Seq]
	if ok {
		delete(r.amopPending, f.Seq)
	}
	r.pendingMu.Unlock()

	if ok {
		r.mu.RLock()
		session, sessionOK := r.sessions[pending.fromSessionID]
		r.mu.RUnlock()
		if sessionOK {
			_ = session.Send(NewFrame(TypeAMOPFromNode, f.Seq, f.Result, f.Payload))
			return
		}
	}

	if session, ok := r.anySession(); ok {
		_ = session.Send(NewFrame(TypeAMOPFromNode, f.Seq, f.Result, f.Payload))
		return
	}

	reply := NewFrame(TypeAMOPFromNode, f.Seq, ResultRemoteClientPeerUnavailable, nil)
	if raw, err := reply.Encode(); err == nil && r.sender != nil {
		_ = r.sender.SendCustomMessage(from, raw)
	}
}

func (r *Router) handleTopicUpdate(s *ChannelSession, f Frame) {
	var topics []string
	if err := json.Unmarshal(f.Payload, &topics); err != nil {
		r.log.Debug("invalid topic update payload", slog.Any("error", err))
		return
	}
	s.SetTopics(topics)
	r.UpdateSessionTopics(s.id, topics)
}

func (r *Router) handleTopicRequest(fromSession bool, sessionID string, fromNode p2p.NodeId, f Frame) {
	topic, body, err := decodeTopicHeader(f.Payload)
	if err != nil {
		r.log.Debug("malformed topic request", slog.Any("error", err))
		return
	}

	pending := &topicPending{
		topic:           topic,
		body:            body,
		sourceIsSession: fromSession,
		sourceSessionID: sessionID,
		sourceNode:      fromNode,
		failedSessions:  make(map[string]struct{}),
		failedNodes:     make(map[p2p.NodeId]struct{}),
		createdAt:       time.Now(),
	}
	r.pendingMu.Lock()
	r.topicPending[f.Seq] = pending
	r.pendingMu.Unlock()

	r.attemptTopicDelivery(f.Seq)
}

// attemptTopicDelivery picks the next non-excluded candidate for the
// pending request's origin (SDK-origin requests target peer nodes;
// peer-origin requests target local sessions) and forwards the original
// request body, recomputed from the stored pending state on every retry.
func (r *Router) attemptTopicDelivery(seq string) {
	r.pendingMu.Lock()
	pending, ok := r.topicPending[seq]
	r.pendingMu.Unlock()
	if !ok {
		return
	}
	wireBody := encodeTopicHeader(pending.topic, pending.body)

	if pending.sourceIsSession {
		node, found := r.getNodeByTopic(pending.topic, pending.failedNodes)
		if !found {
			r.finishTopicRequest(seq, ResultRemotePeerUnavailable, nil)
			return
		}
		frame := NewFrame(TypeTopicRequest, seq, ResultSuccess, wireBody)
		raw, err := frame.Encode()
		if err != nil || r.sender == nil || r.sender.SendCustomMessage(node, raw) != nil {
			r.markFailedNode(seq, node)
			r.attemptTopicDelivery(seq)
			return
		}
		r.setCurrentTarget(seq, node, "")
		r.metrics.recordTopicAttempt("to_node")
		return
	}

	session, found := r.getSessionByTopic(pending.topic, pending.failedSessions)
	if !found {
		r.finishTopicRequest(seq, ResultRemoteClientPeerUnavailable, nil)
		return
	}
	if err := session.Send(NewFrame(TypeTopicRequest, seq, ResultSuccess, wireBody)); err != nil {
		r.markFailedSession(seq, session.id)
		r.attemptTopicDelivery(seq)
		return
	}
	r.setCurrentTarget(seq, p2p.NodeId{}, session.id)
	r.metrics.recordTopicAttempt("to_session")
}

func (r *Router) setCurrentTarget(seq string, node p2p.NodeId, sessionID string) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if pending, ok := r.topicPending[seq]; ok {
		pending.currentNode = node
		pending.currentSessionID = sessionID
	}
}

func (r *Router) markFailedNode(seq string, node p2p.NodeId) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if pending, ok := r.topicPending[seq]; ok {
		pending.failedNodes[node] = struct{}{}
	}
}

func (r *Router) markFailedSession(seq string, sessionID string) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if pending, ok := r.topicPending[seq]; ok {
		pending.failedSessions[sessionID] = struct{}{}
	}
}

func (r *Router) handleTopicReply(f Frame) {
	r.pendingMu.Lock()
	pending, ok := r.topicPending[f.Seq]
	r.pendingMu.Unlock()
	if !ok {
		return
	}

	if f.Result == ResultSuccess {
		r.finishTopicRequest(f.Seq, ResultSuccess, f.Payload)
		return
	}

	// Retry with the target that just reported failure excluded.
	if pending.sourceIsSession {
		r.markFailedNode(f.Seq, pending.currentNode)
	} else {
		r.markFailedSession(f.Seq, pending.currentSessionID)
	}
	r.attemptTopicDelivery(f.Seq)
}

func (r *Router) finishTopicRequest(seq string, result uint32, payload []byte) {
	r.pendingMu.Lock()
	pending, ok := r.topicPending[seq]
	if ok {
		delete(r.topicPending, seq)
	}
	r.pendingMu.Unlock()
	if !ok {
		return
	}

	reply := NewFrame(TypeTopicReply, seq, result, payload)
	if pending.sourceIsSession {
		r.mu.RLock()
		session, found := r.sessions[pending.sourceSessionID]
		r.mu.RUnlock()
		if found {
			_ = session.Send(reply)
		}
		return
	}
	if raw, err := reply.Encode(); err == nil && r.sender != nil {
		_ = r.sender.SendCustomMessage(pending.sourceNode, raw)
	}
}

// PruneStaleTopicRequests removes pending topic requests older than
// topicRequestTimeout, replying with routing-unavailable to the origin.
func (r *Router) PruneStaleTopicRequests(now time.Time) {
	r.pendingMu.Lock()
	type staleEntry struct {
		seq             string
		sourceIsSession bool
	}
	stale := make([]staleEntry, 0)
	for seq, pending := range r.topicPending {
		if now.Sub(pending.createdAt) > topicRequestTimeout {
			stale = append(stale, staleEntry{seq: seq, sourceIsSession: pending.sourceIsSession})
		}
	}
	r.pendingMu.Unlock()

	for _, entry := range stale {
		if entry.sourceIsSession {
			r.finishTopicRequest(entry.seq, ResultRemotePeerUnavailable, nil)
			continue
		}
		r.finishTopicRequest(entry.seq, ResultRemoteClientPeerUnavailable, nil)
	}
}

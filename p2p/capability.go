package p2p

import "sync"

// CapabilityHandler is registered against a CapabilityDesc; new_peer is
// invoked once per Session that negotiates this capability, receiving the
// Session's non-owning handle, its assigned framing id, and the negotiated
// sub-protocol version.
type CapabilityHandler interface {
	MessageCount() int
	OnNewPeer(session *SessionHandle, framingID int, cap CapabilityDesc)
	OnMessage(session *SessionHandle, msgID int, payload []byte) error
}

// CapabilityRegistry maps a CapabilityDesc to its handler. The Host consults
// it during acceptance rule 3 and dispatch of peer frames.
type CapabilityRegistry struct {
	mu       sync.RWMutex
	handlers map[CapabilityDesc]CapabilityHandler
}

// NewCapabilityRegistry constructs an empty registry.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{handlers: make(map[CapabilityDesc]CapabilityHandler)}
}

// Register installs a handler for the given capability descriptor.
func (r *CapabilityRegistry) Register(desc CapabilityDesc, handler CapabilityHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[desc] = handler
}

// Local returns the flat list of locally registered capability descriptors,
// used as the local side of the intersection in acceptance rule 3.
func (r *CapabilityRegistry) Local() []CapabilityDesc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CapabilityDesc, 0, len(r.handlers))
	for desc := range r.handlers {
		out = append(out, desc)
	}
	return out
}

func (r *CapabilityRegistry) handler(desc CapabilityDesc) (CapabilityHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[desc]
	return h, ok
}

func (r *CapabilityRegistry) messageCount(desc CapabilityDesc) int {
	if h, ok := r.handler(desc); ok {
		return h.MessageCount()
	}
	return 0
}

package channel

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// defaultSessionRatePerSec and defaultSessionBurst bound how many inbound
// frames a single ChannelSession may submit to the Router per second,
// guarding the router's dispatch path against a single misbehaving SDK
// client.
const (
	defaultSessionRatePerSec = 200
	defaultSessionBurst      = 400
)

// ChannelSession is a single SDK connection accepted by the Channel Server:
// an id, a live socket, and a mutable topic-subscription set.
type ChannelSession struct {
	id     string
	conn   net.Conn
	remote string

	topicsMu sync.RWMutex
	topics   map[string]struct{}

	active    atomic.Bool
	writeCh   chan Frame
	closeCh   chan struct{}
	closeOnce sync.Once

	limiter *rate.Limiter
	log     *slog.Logger
}

// NewChannelSession wraps an accepted connection.
func NewChannelSession(id string, conn net.Conn, log *slog.Logger) *ChannelSession {
	s := &ChannelSession{
		id:      id,
		conn:    conn,
		remote:  conn.RemoteAddr().String(),
		topics:  make(map[string]struct{}),
		writeCh: make(chan Frame, 256),
		closeCh: make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(defaultSessionRatePerSec), defaultSessionBurst),
		log:     log.With(slog.String("channel_session", id)),
	}
	s.active.Store(true)
	return s
}

// ID returns the session's identifier.
func (s *ChannelSession) ID() string { return s.id }

// Topics returns a snapshot of the subscribed topic set.
func (s *ChannelSession) Topics() []string {
	s.topicsMu.RLock()
	defer s.topicsMu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// HasTopic reports whether the session subscribes to topic.
func (s *ChannelSession) HasTopic(topic string) bool {
	s.topicsMu.RLock()
	defer s.topicsMu.RUnlock()
	_, ok := s.topics[topic]
	return ok
}

// SetTopics replaces the subscription set wholesale, matching the 0x32
// semantics ("replaces the session's topic set").
func (s *ChannelSession) SetTopics(topics []string) {
	next := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		next[t] = struct{}{}
	}
	s.topicsMu.Lock()
	s.topics = next
	s.topicsMu.Unlock()
}

// Send enqueues a frame for the write loop, non-blocking: a full queue
// drops the frame and reports ErrTransport rather than stalling the
// router's dispatch goroutine.
func (s *ChannelSession) Send(f Frame) error {
	if !s.active.Load() {
		return ErrSessionClosed
	}
	select {
	case s.writeCh <- f:
		return nil
	default:
		return ErrTransport
	}
}

// Close tears the session down, idempotent.
func (s *ChannelSession) Close() {
	s.closeOnce.Do(func() {
		s.active.Store(false)
		close(s.closeCh)
		_ = s.conn.Close()
	})
}

// run drives the read and write loops until the connection closes. onFrame
// is invoked for every successfully decoded inbound frame; the Router
// supplies its HandleFromSession as onFrame.
func (s *ChannelSession) run(onFrame func(*ChannelSession, Frame)) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer wg.Done()
		s.readLoop(onFrame)
	}()
	wg.Wait()
}

func (s *ChannelSession) writeLoop() {
	for {
		select {
		case <-s.closeCh:
			return
		case f := <-s.writeCh:
			if err := WriteFrame(s.conn, f); err != nil {
				s.log.Debug("channel write failed", slog.Any("error", err))
				s.Close()
				return
			}
		}
	}
}

func (s *ChannelSession) readLoop(onFrame func(*ChannelSession, Frame)) {
	for {
		f, err := ReadFrame(s.conn)
		if err != nil {
			s.Close()
			return
		}
		if !s.limiter.Allow() {
			s.log.Debug("dropping frame over session rate limit", slog.String("seq", f.Seq))
			continue
		}
		onFrame(s, f)
	}
}

package channel

import "errors"

var (
	// ErrRoutingUnavailable indicates a topic request exhausted every
	// candidate session or node without a successful reply.
	ErrRoutingUnavailable = errors.New("channel: no route available")

	// ErrUnknownSeq indicates a response arrived for a seq with no pending
	// request.
	ErrUnknownSeq = errors.New("channel: unknown sequence id")

	ErrSessionClosed = errors.New("channel: session closed")
	ErrTransport     = errors.New("channel: transport error")
)

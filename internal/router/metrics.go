package router

// MetricsReporter receives routing events for export. The router never
// depends on a concrete metrics backend; the daemon wires in a Prometheus
// collector, tests and library users get the no-op reporter.
type MetricsReporter interface {
	// SessionOpened is called when a session completes its handshake in
	// the given role ("server" or "client").
	SessionOpened(role string)

	// SessionClosed is called when a session leaves the registry.
	SessionClosed(role string)

	// SessionSwitched is called when a server-capable session flips role.
	SessionSwitched(from, to string)

	// FanOut is called per mutation with the opcode name and the number
	// of peers the frame was forwarded to.
	FanOut(op string, peers int)

	// ReadDispatched is called when a GET or GETKEYS is sent to a peer.
	ReadDispatched(op string)

	// AnswerDelivered is called when a correlated reply completes a
	// pending call.
	AnswerDelivered()

	// AnswerDropped is called when a reply carries a request id with no
	// pending call (already answered, or the originator is gone).
	AnswerDropped()

	// ReadRedispatched is called when an outstanding read is moved to
	// another peer because the asked peer disconnected.
	ReadRedispatched()

	// HandshakeFailed is called when an inbound connection fails its
	// handshake, with a short reason label.
	HandshakeFailed(reason string)
}

// noopMetrics is the default MetricsReporter.
type noopMetrics struct{}

func (noopMetrics) SessionOpened(string)           {}
func (noopMetrics) SessionClosed(string)           {}
func (noopMetrics) SessionSwitched(string, string) {}
func (noopMetrics) FanOut(string, int)             {}
func (noopMetrics) ReadDispatched(string)          {}
func (noopMetrics) AnswerDelivered()               {}
func (noopMetrics) AnswerDropped()                 {}
func (noopMetrics) ReadRedispatched()              {}
func (noopMetrics) HandshakeFailed(string)         {}

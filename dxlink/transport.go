package dxlink

// Transport is the contract a physical transport driver must satisfy
// (spec.md §4.1): opening/closing the socket and JSON encode/decode live
// entirely on the transport's side of this boundary. Callbacks may be
// invoked from any goroutine; the Connection that owns a Transport
// serializes them onto its own single run loop, so Transport
// implementations need not synchronize callback delivery themselves.
type Transport interface {
	// Start begins connecting. It must not block on the network; dial
	// failures are reported through OnClose, not through Start's error
	// return (which is reserved for immediate, local setup failures).
	Start() error
	// Stop tears down the connection. Idempotent.
	Stop() error
	// Send transmits one message. The owning Connection only ever calls
	// Send from its run loop, one at a time, so concurrent-safety of
	// Send itself is not required.
	Send(Message) error
	// URL reports the address this transport was constructed for.
	URL() string

	SetOnOpen(func())
	SetOnMessage(func(Message))
	SetOnClose(func())
}

package dxlink

import "errors"

// ErrChannelNotReady is returned by Channel.Send when the channel's
// status is not OPENED.
var ErrChannelNotReady = errors.New("dxlink: channel is not open")

// ErrEmptyService is returned by Connection.OpenChannel for a blank
// service name; validated at this boundary since it is user input, not
// something the wire protocol can reject on the client's behalf.
var ErrEmptyService = errors.New("dxlink: service name must not be empty")

// errConnectFailed is delivered to a pending Connect completion when the
// connection state falls back to NotConnected before reaching CONNECTED.
var errConnectFailed = errors.New("dxlink: connection closed before it was established")

// ErrorKindTimeout is the error kind this client reports on the wire and
// to error listeners when a setup, auth, or peer-liveness deadline
// elapses.
const ErrorKindTimeout = "TIMEOUT"

// Error carries a connection- or channel-scoped protocol error (the wire
// ERROR message's "error"/"message" fields). It is delivered to error
// listeners as data rather than returned as a Go error, matching
// spec.md's ERROR message schema.
type Error struct {
	Kind    string
	Message string
}

func (e Error) Error() string { return e.Kind + ": " + e.Message }

package dxlink

import (
	"log/slog"
	"sync"
)

// ChannelStatus is the lifecycle status of a Channel.
type ChannelStatus int

const (
	ChannelRequested ChannelStatus = iota
	ChannelOpened
	ChannelClosed
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelRequested:
		return "REQUESTED"
	case ChannelOpened:
		return "OPENED"
	case ChannelClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Channel is one logical, multiplexed substream of a Connection,
// identified by an odd, monotonically allocated id. A Channel holds only
// an injected send/close closure — never a back-pointer to its owning
// Connection — so the engine drives channel lifecycle and channels never
// reach back into it (spec.md §9, "no cyclic ownership").
type Channel struct {
	id         int
	service    string
	parameters map[string]any
	logger     *slog.Logger

	sendFn  func(Message) error
	closeFn func()

	mu     sync.Mutex
	status ChannelStatus

	messageListeners *listenerSet[func(Message)]
	statusListeners  *listenerSet[func(ChannelStatus, ChannelStatus)]
	errorListeners   *listenerSet[func(Error)]
}

func newChannel(
	id int,
	service string,
	parameters map[string]any,
	logger *slog.Logger,
	send func(Message) error,
	closeCh func(),
) *Channel {
	return &Channel{
		id:               id,
		service:          service,
		parameters:       parameters,
		logger:           logger,
		sendFn:           send,
		closeFn:          closeCh,
		status:           ChannelRequested,
		messageListeners: newListenerSet[func(Message)](),
		statusListeners:  newListenerSet[func(ChannelStatus, ChannelStatus)](),
		errorListeners:   newListenerSet[func(Error)](),
	}
}

func (ch *Channel) ID() int                    { return ch.id }
func (ch *Channel) Service() string            { return ch.service }
func (ch *Channel) Parameters() map[string]any { return ch.parameters }

// Status returns the channel's current lifecycle status.
func (ch *Channel) Status() ChannelStatus {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.status
}

// Send forwards msg over the channel, stamping its Channel field with
// this channel's id. It fails with ErrChannelNotReady unless the channel
// is currently OPENED.
func (ch *Channel) Send(msg Message) error {
	return ch.sendFn(msg)
}

// Close cancels the channel: it sends CHANNEL_CANCEL, clears all
// listener sets, and transitions status to CLOSED. A second Close on an
// already-closed channel is a no-op.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.status == ChannelClosed {
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()
	ch.closeFn()
}

// Error publishes a local, channel-scoped error to this channel's error
// listeners. It never touches the wire — it is the caller's way to
// surface a channel-level problem (e.g. a malformed payload it received)
// through the same fan-out path the engine uses for server-reported
// channel errors.
func (ch *Channel) Error(kind, message string) {
	ch.publishError(Error{Kind: kind, Message: message})
}

func (ch *Channel) AddStatusListener(fn func(newStatus, oldStatus ChannelStatus)) {
	ch.statusListeners.add(fn)
}

func (ch *Channel) RemoveStatusListener(fn func(newStatus, oldStatus ChannelStatus)) {
	ch.statusListeners.remove(fn)
}

func (ch *Channel) AddMessageListener(fn func(Message)) { ch.messageListeners.add(fn) }

func (ch *Channel) RemoveMessageListener(fn func(Message)) { ch.messageListeners.remove(fn) }

func (ch *Channel) AddErrorListener(fn func(Error)) { ch.errorListeners.add(fn) }

func (ch *Channel) RemoveErrorListener(fn func(Error)) { ch.errorListeners.remove(fn) }

func (ch *Channel) setStatus(newStatus ChannelStatus) {
	ch.mu.Lock()
	old := ch.status
	if old == newStatus {
		ch.mu.Unlock()
		return
	}
	ch.status = newStatus
	ch.mu.Unlock()

	for _, l := range ch.statusListeners.snapshot() {
		l := l
		invokeSafely(func() { l(newStatus, old) }, ch.logger)
	}
}

func (ch *Channel) processStatusRequested() { ch.setStatus(ChannelRequested) }
func (ch *Channel) processStatusOpened()    { ch.setStatus(ChannelOpened) }

func (ch *Channel) processStatusClosed() {
	ch.setStatus(ChannelClosed)
	ch.messageListeners.clear()
	ch.statusListeners.clear()
	ch.errorListeners.clear()
}

func (ch *Channel) processPayloadMessage(msg Message) {
	for _, l := range ch.messageListeners.snapshot() {
		l := l
		invokeSafely(func() { l(msg) }, ch.logger)
	}
}

func (ch *Channel) processError(err Error) { ch.publishError(err) }

func (ch *Channel) publishError(err Error) {
	listeners := ch.errorListeners.snapshot()
	if len(listeners) == 0 {
		ch.logger.Error("dxlink: channel error", "channel", ch.id, "kind", err.Kind, "message", err.Message)
		return
	}
	for _, l := range listeners {
		l := l
		invokeSafely(func() { l(err) }, ch.logger)
	}
}

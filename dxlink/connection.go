package dxlink

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/levithomason/dxlink-go/internal/dxlinkdebug"
	"github.com/levithomason/dxlink-go/internal/timerwheel"
)

const (
	timerSetupTimeout     = "SETUP_TIMEOUT"
	timerAuthStateTimeout = "AUTH_STATE_TIMEOUT"
	timerKeepalive        = "KEEPALIVE"
	timerPeerTimeout      = "TIMEOUT"
	timerReconnect        = "RECONNECT"

	minPeerTimeoutDelay = 200 * time.Millisecond
)

// Connection orchestrates the setup handshake, authorization, keepalive,
// peer-liveness timeout, reconnect, and channel multiplexing for one
// transport connection (spec.md §4.4). All engine state is owned
// exclusively by a single run-loop goroutine; every public method that
// reads or changes it, and every transport/timer callback, funnels
// through that goroutine's command channel, giving the serialized
// delivery spec.md §5 requires. The listener sets are the exception:
// each carries its own mutex, and the Add/Remove listener methods update
// them directly from the caller's goroutine.
type Connection struct {
	cfg    Config
	logger *slog.Logger

	cmds chan func()

	transport Transport
	url       string

	connState ConnectionState
	authState AuthState

	details ConnectionDetails

	channels      map[int]*Channel
	nextChannelID int

	authToken        *string
	isFirstAuthState bool
	authRejected     bool

	reconnectAttempts int

	lastSent     time.Time
	lastReceived time.Time

	timers *timerwheel.Registry

	connStateListeners *listenerSet[func(ConnectionState, ConnectionState)]
	authStateListeners *listenerSet[func(AuthState, AuthState)]
	errorListeners     *listenerSet[func(Error)]

	connectWaiters []chan error
}

// NewConnection constructs a Connection and starts its run loop. The
// Connection is idle (NOT_CONNECTED) until Connect is called.
func NewConnection(cfg Config) *Connection {
	cfg = cfg.withDefaults()
	c := &Connection{
		cfg:              cfg,
		logger:           cfg.Logger,
		cmds:             make(chan func(), 64),
		channels:         make(map[int]*Channel),
		nextChannelID:    1,
		isFirstAuthState: true,
		timers:           timerwheel.New(),

		connStateListeners: newListenerSet[func(ConnectionState, ConnectionState)](),
		authStateListeners: newListenerSet[func(AuthState, AuthState)](),
		errorListeners:     newListenerSet[func(Error)](),

		details: ConnectionDetails{
			ProtocolVersion:        ProtocolVersion,
			ClientVersion:          cfg.ClientVersion,
			ClientKeepaliveTimeout: cfg.KeepaliveTimeout,
		},
	}
	go c.run()
	return c
}

func (c *Connection) run() {
	for cmd := range c.cmds {
		cmd()
	}
}

// do enqueues fn on the run loop and blocks until it has executed.
func (c *Connection) do(fn func()) {
	done := make(chan struct{})
	c.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// post enqueues fn on the run loop without waiting for it to execute.
// Used for events delivered from other goroutines (transport callbacks,
// timer fires).
func (c *Connection) post(fn func()) {
	c.cmds <- fn
}

// Connect begins connecting to url and returns a channel that receives
// nil when the connection reaches CONNECTED, or an error when it falls
// back to NOT_CONNECTED before doing so. If a transport already exists
// for this url, Connect is a no-op that reports immediate success
// (spec.md §4.4.1, and the connect(U);connect(U) idempotence law).
func (c *Connection) Connect(url string) <-chan error {
	result := make(chan error, 1)
	c.do(func() {
		if c.transport != nil && c.url == url {
			result <- nil
			return
		}
		c.disconnectLocked()
		c.url = url
		c.setConnStateLocked(Connecting)
		c.connectWaiters = append(c.connectWaiters, result)
		c.startTransportLocked(url)
	})
	return result
}

// Reconnect tears down the current transport and schedules a fresh dial
// with linear backoff (spec.md §4.4.7). No-op if already NOT_CONNECTED.
func (c *Connection) Reconnect() {
	c.do(func() { c.reconnectLocked() })
}

// Disconnect tears down the current transport and returns the engine to
// NOT_CONNECTED/UNAUTHORIZED. No-op if already NOT_CONNECTED.
func (c *Connection) Disconnect() {
	c.do(func() { c.disconnectLocked() })
}

// ConnectionDetails reports the negotiated handshake parameters.
func (c *Connection) ConnectionDetails() ConnectionDetails {
	var out ConnectionDetails
	c.do(func() { out = c.details })
	return out
}

// ConnectionState reports the current connection state.
func (c *Connection) ConnectionState() ConnectionState {
	var out ConnectionState
	c.do(func() { out = c.connState })
	return out
}

// AuthState reports the current authorization state.
func (c *Connection) AuthState() AuthState {
	var out AuthState
	c.do(func() { out = c.authState })
	return out
}

// SetAuthToken remembers token for this and future transport sessions.
// If currently CONNECTED, it sends AUTH{token} immediately.
func (c *Connection) SetAuthToken(token string) {
	c.do(func() {
		c.authToken = &token
		if c.connState == Connected {
			c.sendMessageLocked(newAuthMessage(token))
			c.setAuthStateLocked(Authorizing)
		}
	})
}

func (c *Connection) AddConnectionStateListener(fn func(newState, oldState ConnectionState)) {
	c.connStateListeners.add(fn)
}

func (c *Connection) RemoveConnectionStateListener(fn func(newState, oldState ConnectionState)) {
	c.connStateListeners.remove(fn)
}

func (c *Connection) AddAuthStateListener(fn func(newState, oldState AuthState)) {
	c.authStateListeners.add(fn)
}

func (c *Connection) RemoveAuthStateListener(fn func(newState, oldState AuthState)) {
	c.authStateListeners.remove(fn)
}

func (c *Connection) AddErrorListener(fn func(Error)) { c.errorListeners.add(fn) }

func (c *Connection) RemoveErrorListener(fn func(Error)) { c.errorListeners.remove(fn) }

// OpenChannel allocates a new client-initiated channel (odd, monotonic
// id) for service with the given parameters. If the connection is
// already CONNECTED, a CHANNEL_REQUEST is sent immediately; otherwise
// the channel is requested automatically the next time the connection
// reaches CONNECTED (spec.md §4.4.6).
func (c *Connection) OpenChannel(service string, parameters map[string]any) (*Channel, error) {
	if service == "" {
		return nil, ErrEmptyService
	}
	var ch *Channel
	c.do(func() {
		ch = c.openChannelLocked(service, parameters)
	})
	return ch, nil
}

func (c *Connection) openChannelLocked(service string, parameters map[string]any) *Channel {
	id := c.nextChannelID
	c.nextChannelID += 2

	ch := newChannel(id, service, parameters, c.logger,
		func(msg Message) error { return c.sendChannelMessage(id, msg) },
		func() { c.closeChannel(id) },
	)
	c.channels[id] = ch

	if c.connState == Connected {
		c.sendMessageLocked(newChannelRequestMessage(id, service, parameters))
	}
	return ch
}

func (c *Connection) sendChannelMessage(id int, msg Message) error {
	var sendErr error
	c.do(func() {
		ch, ok := c.channels[id]
		if !ok || ch.Status() != ChannelOpened {
			sendErr = ErrChannelNotReady
			return
		}
		msg.Channel = id
		sendErr = c.sendMessageLocked(msg)
	})
	return sendErr
}

func (c *Connection) closeChannel(id int) {
	c.do(func() {
		ch, ok := c.channels[id]
		if !ok || ch.Status() == ChannelClosed {
			return
		}
		c.sendMessageLocked(newChannelCancelMessage(id))
		ch.processStatusClosed()
	})
}

// requestActiveChannelsLocked prunes CLOSED channels from the table and
// resends CHANNEL_REQUEST (resetting status to REQUESTED) for the rest.
// Called whenever the connection (re)reaches CONNECTED, which covers
// both a channel opened before the connection was up and the
// channel-restoration-after-reauth scenario of spec.md §8 #6.
func (c *Connection) requestActiveChannelsLocked() {
	for id, ch := range c.channels {
		if ch.Status() == ChannelClosed {
			delete(c.channels, id)
			continue
		}
		ch.processStatusRequested()
		c.sendMessageLocked(newChannelRequestMessage(id, ch.Service(), ch.Parameters()))
	}
}

func (c *Connection) startTransportLocked(url string) {
	t := c.cfg.Dial(url)
	c.transport = t
	t.SetOnOpen(func() { c.post(func() { c.handleOpen() }) })
	t.SetOnMessage(func(msg Message) { c.post(func() { c.handleMessage(msg) }) })
	t.SetOnClose(func() { c.post(func() { c.handleClose() }) })
	if err := t.Start(); err != nil {
		c.post(func() { c.handleClose() })
	}
}

func (c *Connection) handleOpen() {
	c.sendMessageLocked(newSetupMessage(
		fmt.Sprintf("%s-%s", ProtocolVersion, c.cfg.ClientVersion),
		int(c.cfg.KeepaliveTimeout.Seconds()),
		int(c.cfg.AcceptKeepaliveTimeout.Seconds()),
	))

	c.timers.Schedule(timerSetupTimeout, c.cfg.ActionTimeout, func() {
		c.post(func() { c.handleActionTimeout("setup") })
	})

	if c.authToken != nil {
		c.sendMessageLocked(newAuthMessage(*c.authToken))
		c.setAuthStateLocked(Authorizing)
	}
}

func (c *Connection) handleActionTimeout(kind string) {
	msg := fmt.Sprintf("no %s response within configured action timeout", kind)
	c.sendMessageLocked(newErrorMessage(0, ErrorKindTimeout, msg))
	c.publishErrorLocked(Error{Kind: ErrorKindTimeout, Message: msg})
	c.disconnectLocked()
}

func (c *Connection) handleMessage(msg Message) {
	// Invariant: lastReceived updates strictly before any handler
	// observes this message's effects.
	c.lastReceived = time.Now()

	if !c.lastSent.IsZero() && time.Since(c.lastSent) >= c.cfg.KeepaliveInterval {
		c.sendMessageLocked(newKeepaliveMessage())
	}

	if IsConnectionMessage(msg) {
		c.handleConnectionMessage(msg)
		return
	}
	c.dispatchChannelMessage(msg)
}

func (c *Connection) handleConnectionMessage(msg Message) {
	switch msg.Type {
	case MsgSetup:
		c.handleSetupMessage(msg)
	case MsgAuthState:
		c.handleAuthStateMessage(msg)
	case MsgKeepalive:
		// lastReceived already updated above; nothing further to do.
	case MsgError:
		c.publishErrorLocked(Error{Kind: msg.stringField("error"), Message: msg.stringField("message")})
	default:
		c.logger.Warn("dxlink: unrecognized connection message", "type", msg.Type)
	}
}

func (c *Connection) handleSetupMessage(msg Message) {
	c.timers.Cancel(timerSetupTimeout)

	c.details.ServerVersion = msg.stringField("version")
	if kt := msg.intField("keepaliveTimeout"); kt > 0 {
		c.details.ServerKeepaliveTimeout = time.Duration(kt) * time.Second
	}

	c.reconnectAttempts = 0

	// CONNECTED is reached here only when no token was ever set; when a
	// token is remembered, CONNECTED waits for AUTH_STATE=AUTHORIZED
	// (handleAuthStateMessage), per spec.md §3's invariant on CONNECTED.
	if c.authToken == nil {
		c.setConnStateLocked(Connected)
	} else {
		c.timers.Schedule(timerAuthStateTimeout, c.cfg.ActionTimeout, func() {
			c.post(func() { c.handleActionTimeout("auth_state") })
		})
	}

	serverTimeout := c.details.ServerKeepaliveTimeout
	if serverTimeout <= 0 {
		serverTimeout = c.cfg.KeepaliveTimeout
	}
	c.schedulePeerTimeout(serverTimeout)
}

func (c *Connection) handleAuthStateMessage(msg Message) {
	c.timers.Cancel(timerAuthStateTimeout)

	state := parseAuthState(msg.stringField("state"))

	// The first AUTH_STATE per transport open is informational only: it
	// tells the client whether the server requires auth, and must never
	// forget a remembered token even if its value is UNAUTHORIZED. A
	// later UNAUTHORIZED is the server explicitly rejecting a submitted
	// token, which is the one condition that should stop reconnect
	// attempts (handleClose).
	wasFirst := c.isFirstAuthState
	c.isFirstAuthState = false
	if !wasFirst && state == Unauthorized {
		c.authToken = nil
		c.authRejected = true
	}

	if state == Authorized {
		c.setConnStateLocked(Connected)
	}

	c.setAuthStateLocked(state)
}

func (c *Connection) dispatchChannelMessage(msg Message) {
	ch, ok := c.channels[msg.Channel]
	if !ok {
		c.logger.Warn("dxlink: message for unknown channel", "channel", msg.Channel, "type", msg.Type)
		return
	}
	if !IsLifecycleMessage(msg) {
		ch.processPayloadMessage(msg)
		return
	}
	switch msg.Type {
	case MsgChannelOpened:
		ch.processStatusOpened()
	case MsgChannelClosed:
		ch.processStatusClosed()
	case MsgError:
		ch.processError(Error{Kind: msg.stringField("error"), Message: msg.stringField("message")})
	default:
		// CHANNEL_REQUEST and CHANNEL_CANCEL are client-to-server only;
		// a server never legitimately sends them back.
		c.logger.Warn("dxlink: unexpected lifecycle message from server", "channel", msg.Channel, "type", msg.Type)
	}
}

func (c *Connection) handleClose() {
	if c.authRejected {
		// The server explicitly rejected our token; don't loop forever
		// resubmitting it.
		c.disconnectLocked()
		return
	}
	c.reconnectLocked()
}

func (c *Connection) reconnectLocked() {
	if c.connState == NotConnected {
		return
	}
	if c.transport != nil {
		c.transport.Stop()
	}
	c.timers.CancelAll()

	c.resetTransientStateLocked()

	c.reconnectAttempts++
	c.setConnStateLocked(Connecting)

	delay := time.Duration(c.reconnectAttempts) * time.Second
	url := c.url
	c.timers.Schedule(timerReconnect, delay, func() {
		c.post(func() { c.startTransportLocked(url) })
	})
}

func (c *Connection) disconnectLocked() {
	if c.connState == NotConnected {
		return
	}
	if c.transport != nil {
		c.transport.Stop()
		c.transport = nil
	}
	c.timers.CancelAll()
	c.resetTransientStateLocked()
	c.reconnectAttempts = 0

	c.setConnStateLocked(NotConnected)
	c.setAuthStateLocked(Unauthorized)
}

func (c *Connection) resetTransientStateLocked() {
	c.details.ServerVersion = ""
	c.details.ServerKeepaliveTimeout = 0
	c.lastReceived = time.Time{}
	c.lastSent = time.Time{}
	c.isFirstAuthState = true
	c.authRejected = false
}

func (c *Connection) schedulePeerTimeout(serverTimeout time.Duration) {
	if dxlinkdebug.NoTimeout() {
		return
	}
	delay := serverTimeout
	if delay < minPeerTimeoutDelay {
		delay = minPeerTimeoutDelay
	}
	c.timers.Schedule(timerPeerTimeout, delay, func() {
		c.post(func() { c.handlePeerTimeoutFire(serverTimeout) })
	})
}

func (c *Connection) handlePeerTimeoutFire(serverTimeout time.Duration) {
	budget := serverTimeout
	if budget <= 0 {
		budget = c.cfg.KeepaliveTimeout
	}
	delta := time.Since(c.lastReceived)
	if delta >= budget {
		c.sendMessageLocked(newErrorMessage(0, ErrorKindTimeout, fmt.Sprintf("no keepalive received for %dms", delta.Milliseconds())))
		c.reconnectLocked()
		return
	}
	remaining := budget - delta
	if remaining < minPeerTimeoutDelay {
		remaining = minPeerTimeoutDelay
	}
	c.timers.Schedule(timerPeerTimeout, remaining, func() {
		c.post(func() { c.handlePeerTimeoutFire(serverTimeout) })
	})
}

// sendMessageLocked sends msg over the current transport and rearms the
// outbound keepalive timer. Must only be called from the run loop.
func (c *Connection) sendMessageLocked(msg Message) error {
	if c.transport == nil {
		return errors.New("dxlink: no active transport")
	}
	err := c.transport.Send(msg)
	c.lastSent = time.Now()
	c.rearmKeepaliveLocked()
	return err
}

func (c *Connection) rearmKeepaliveLocked() {
	c.timers.Schedule(timerKeepalive, c.cfg.KeepaliveInterval, func() {
		c.post(func() { c.handleKeepaliveFire() })
	})
}

func (c *Connection) handleKeepaliveFire() {
	c.sendMessageLocked(newKeepaliveMessage())
}

func (c *Connection) setConnStateLocked(newState ConnectionState) {
	old := c.connState
	if old == newState {
		return
	}
	c.connState = newState

	if newState == Connected {
		c.requestActiveChannelsLocked()
	}

	for _, l := range c.connStateListeners.snapshot() {
		l := l
		invokeSafely(func() { l(newState, old) }, c.logger)
	}

	switch newState {
	case Connected:
		c.resolveConnectWaitersLocked(nil)
	case NotConnected:
		c.resolveConnectWaitersLocked(errConnectFailed)
	}
}

func (c *Connection) resolveConnectWaitersLocked(err error) {
	waiters := c.connectWaiters
	c.connectWaiters = nil
	for _, w := range waiters {
		w <- err
	}
}

func (c *Connection) setAuthStateLocked(newState AuthState) {
	old := c.authState
	if old == newState {
		return
	}
	c.authState = newState
	for _, l := range c.authStateListeners.snapshot() {
		l := l
		invokeSafely(func() { l(newState, old) }, c.logger)
	}
}

func (c *Connection) publishErrorLocked(err Error) {
	listeners := c.errorListeners.snapshot()
	if len(listeners) == 0 {
		c.logger.Error("dxlink: protocol error", "kind", err.Kind, "message", err.Message)
		return
	}
	for _, l := range listeners {
		l := l
		invokeSafely(func() { l(err) }, c.logger)
	}
}

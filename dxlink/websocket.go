package dxlink

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketTransport is the default production Transport: DXLink
// messages as JSON text frames over a gorilla/websocket connection.
type WebSocketTransport struct {
	url    string
	Dialer *websocket.Dialer
	Header http.Header

	mu   sync.Mutex
	conn *websocket.Conn

	onOpen    func()
	onMessage func(Message)
	onClose   func()

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewWebSocketTransport returns a WebSocketTransport for url, using
// websocket.DefaultDialer until Dialer is overridden.
func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{
		url:     url,
		Dialer:  websocket.DefaultDialer,
		stopped: make(chan struct{}),
	}
}

func (t *WebSocketTransport) URL() string { return t.url }

func (t *WebSocketTransport) SetOnOpen(fn func())           { t.onOpen = fn }
func (t *WebSocketTransport) SetOnMessage(fn func(Message)) { t.onMessage = fn }
func (t *WebSocketTransport) SetOnClose(fn func())          { t.onClose = fn }

// Start kicks off the dial and read loop on their own goroutine and
// returns immediately; dial failures surface through OnClose.
func (t *WebSocketTransport) Start() error {
	go t.connectAndRead()
	return nil
}

func (t *WebSocketTransport) connectAndRead() {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.Dial(t.url, t.Header)
	if err != nil {
		select {
		case <-t.stopped:
			return
		default:
		}
		if t.onClose != nil {
			t.onClose()
		}
		return
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	if t.onOpen != nil {
		t.onOpen()
	}
	t.readLoop(conn)
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stopped:
				return
			default:
			}
			if t.onClose != nil {
				t.onClose()
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			continue // malformed frame; not a protocol concern of the transport
		}
		if t.onMessage != nil {
			t.onMessage(msg)
		}
	}
}

// Send encodes msg as JSON and writes it as a single text frame.
func (t *WebSocketTransport) Send(msg Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("dxlink: encode message: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("dxlink: transport not connected")
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Stop closes the underlying connection. Idempotent.
func (t *WebSocketTransport) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stopped)
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

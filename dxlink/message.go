package dxlink

import "encoding/json"

// ProtocolVersion is the DXLink protocol version this client speaks.
const ProtocolVersion = "0.1"

// Wire message type tags (spec.md §4.2).
const (
	MsgSetup          = "SETUP"
	MsgAuthState      = "AUTH_STATE"
	MsgAuth           = "AUTH"
	MsgKeepalive      = "KEEPALIVE"
	MsgError          = "ERROR"
	MsgChannelRequest = "CHANNEL_REQUEST"
	MsgChannelOpened  = "CHANNEL_OPENED"
	MsgChannelCancel  = "CHANNEL_CANCEL"
	MsgChannelClosed  = "CHANNEL_CLOSED"
)

// Message is the logical JSON-object envelope exchanged over the
// transport: a single flat object carrying "type", "channel", and
// whatever type-specific fields that type requires. The core never
// prescribes a concrete encoding beyond this shape (spec.md §1 Non-goal);
// EncodeMessage/DecodeMessage below supply the one encoding this module
// ships with, JSON, the way jsonrpc.EncodeMessage/DecodeMessage do for
// the teacher SDK's jsonrpc.Message.
type Message struct {
	Type    string
	Channel int
	Fields  map[string]any
}

// MarshalJSON flattens Fields alongside type/channel into one JSON object.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+2)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["type"] = m.Type
	out["channel"] = m.Channel
	return json.Marshal(out)
}

// UnmarshalJSON splits type/channel back out of the flat object, leaving
// everything else in Fields.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	typ, _ := raw["type"].(string)
	channel, _ := raw["channel"].(float64)
	delete(raw, "type")
	delete(raw, "channel")
	m.Type = typ
	m.Channel = int(channel)
	m.Fields = raw
	return nil
}

// EncodeMessage serializes msg to its wire form.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a wire frame into a Message.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// IsConnectionMessage reports whether msg targets channel 0, the
// reserved connection-level channel.
func IsConnectionMessage(msg Message) bool { return msg.Channel == 0 }

// IsChannelMessage reports whether msg targets a client- or
// server-allocated channel rather than the connection itself.
func IsChannelMessage(msg Message) bool { return msg.Channel != 0 }

// IsLifecycleMessage reports whether msg's type is one of the channel
// lifecycle types rather than an opaque payload type.
func IsLifecycleMessage(msg Message) bool {
	switch msg.Type {
	case MsgChannelRequest, MsgChannelOpened, MsgChannelCancel, MsgChannelClosed, MsgError:
		return true
	default:
		return false
	}
}

func (m Message) stringField(key string) string {
	s, _ := m.Fields[key].(string)
	return s
}

func (m Message) intField(key string) int {
	switch v := m.Fields[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (m Message) mapField(key string) map[string]any {
	v, _ := m.Fields[key].(map[string]any)
	return v
}

func newSetupMessage(version string, keepaliveTimeoutSec, acceptKeepaliveTimeoutSec int) Message {
	return Message{
		Type:    MsgSetup,
		Channel: 0,
		Fields: map[string]any{
			"version":                version,
			"keepaliveTimeout":       keepaliveTimeoutSec,
			"acceptKeepaliveTimeout": acceptKeepaliveTimeoutSec,
		},
	}
}

func newAuthMessage(token string) Message {
	return Message{
		Type:    MsgAuth,
		Channel: 0,
		Fields:  map[string]any{"token": token},
	}
}

func newErrorMessage(channel int, kind, message string) Message {
	return Message{
		Type:    MsgError,
		Channel: channel,
		Fields:  map[string]any{"error": kind, "message": message},
	}
}

func newChannelRequestMessage(id int, service string, parameters map[string]any) Message {
	return Message{
		Type:    MsgChannelRequest,
		Channel: id,
		Fields: map[string]any{
			"service":    service,
			"parameters": parameters,
		},
	}
}

func newChannelCancelMessage(id int) Message {
	return Message{Type: MsgChannelCancel, Channel: id}
}

func newKeepaliveMessage() Message {
	return Message{Type: MsgKeepalive, Channel: 0}
}

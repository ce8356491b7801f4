package signaling

import "encoding/json"

// ICEServer describes STUN/TURN servers advertised to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// InboundMessage is the payload clients send to the signaling service.
//
// "join" carries Room; "signal" carries Room, Data and optionally To for
// targeted delivery. Data is kept raw so relayed payloads are forwarded
// byte for byte.
type InboundMessage struct {
	Type string          `json:"type"`
	Room string          `json:"room,omitempty"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OutboundMessage is everything the service sends to a client: the
// welcome sent on connect, peer-joined/peer-left membership events,
// relayed signals, and the room-full error.
//
// Data is handed to the envelope encoder untouched, but encoding/json
// compacts it and escapes <, > and & when framing the envelope, so the
// bytes on the wire can differ in spelling from what the sender framed.
// The decoded payload value is identical.
type OutboundMessage struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	From       string          `json:"from,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	ICEServers []ICEServer     `json:"iceServers,omitempty"`
	ICEMode    string          `json:"iceMode,omitempty"`
}

// Outbound message types.
const (
	TypeWelcome    = "welcome"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypeSignal     = "signal"
	TypeError      = "error"
)

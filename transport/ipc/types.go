package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type OpCode uint32

const (
	OpHandshake OpCode = 0
	OpFrame     OpCode = 1
	OpClose     OpCode = 2
	OpPing      OpCode = 3
	OpPong      OpCode = 4
)

// ProtocolVersion is the only handshake version the service accepts.
const ProtocolVersion = 1

func (op OpCode) String() string {
	switch op {
	case OpHandshake:
		return "handshake"
	case OpFrame:
		return "frame"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("op(%d)", uint32(op))
	}
}

// Frame is one of Handshake, Data, Close, Ping or Pong. The set is closed:
// only this package can add variants.
type Frame interface {
	Op() OpCode
	Payload() []byte
	frame()
}

type Handshake struct{ Body []byte }
type Data struct{ Body []byte }
type Close struct{ Body []byte }
type Ping struct{ Body []byte }
type Pong struct{ Body []byte }

func (Handshake) Op() OpCode { return OpHandshake }
func (Data) Op() OpCode      { return OpFrame }
func (Close) Op() OpCode     { return OpClose }
func (Ping) Op() OpCode      { return OpPing }
func (Pong) Op() OpCode      { return OpPong }

func (f Handshake) Payload() []byte { return f.Body }
func (f Data) Payload() []byte      { return f.Body }
func (f Close) Payload() []byte     { return f.Body }
func (f Ping) Payload() []byte      { return f.Body }
func (f Pong) Payload() []byte      { return f.Body }

func (Handshake) frame() {}
func (Data) frame()      {}
func (Close) frame()     {}
func (Ping) frame()      {}
func (Pong) frame()      {}

// HandshakeParams is the JSON body of a Handshake frame.
type HandshakeParams struct {
	ClientID string `json:"client_id"`
	Version  int    `json:"v"`
	Nonce    string `json:"nonce"`
}

// NewHandshake builds the opening frame for clientID with a fresh nonce.
func NewHandshake(clientID string) Handshake {
	// A struct of three plain fields cannot fail to marshal.
	body, _ := json.Marshal(HandshakeParams{
		ClientID: clientID,
		Version:  ProtocolVersion,
		Nonce:    uuid.NewString(),
	})
	return Handshake{Body: body}
}

func (f Handshake) Params() (HandshakeParams, error) {
	var p HandshakeParams
	if err := json.Unmarshal(f.Body, &p); err != nil {
		return HandshakeParams{}, fmt.Errorf("decode handshake: %w", err)
	}
	return p, nil
}

// CloseReason is the body the service attaches to a Close frame, e.g.
// {"code":4000,"message":"Invalid Client ID"}.
type CloseReason struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (r CloseReason) String() string {
	if r.Message == "" {
		return fmt.Sprintf("code %d", r.Code)
	}
	return fmt.Sprintf("%s (code %d)", r.Message, r.Code)
}

// Reason parses the close body. An empty body yields the zero reason.
func (f Close) Reason() (CloseReason, error) {
	var r CloseReason
	if len(f.Body) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(f.Body, &r); err != nil {
		return CloseReason{}, fmt.Errorf("decode close reason: %w", err)
	}
	return r, nil
}

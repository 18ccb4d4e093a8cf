package client

import (
	"errors"
	"fmt"

	"github.com/ffx64/editor-presence/transport/ipc"
)

var (
	ErrHandshake     = errors.New("handshake failed")
	ErrClosed        = errors.New("client closed")
	ErrEmptyActivity = errors.New("activity has no content")
)

// HandshakeError means the service did not answer the handshake with a
// READY event. It matches ErrHandshake.
type HandshakeError struct {
	Op     ipc.OpCode // opcode of the response, when one was decoded
	Event  string     // evt of a Data response
	Reason string     // close reason or decode failure
	Err    error
}

func (e *HandshakeError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", ErrHandshake, e.Err)
	case e.Op == ipc.OpClose:
		return fmt.Sprintf("%v: service closed the connection: %s", ErrHandshake, e.Reason)
	case e.Op != ipc.OpFrame:
		return fmt.Sprintf("%v: unexpected %s response", ErrHandshake, e.Op)
	case e.Reason != "":
		return fmt.Sprintf("%v: %s", ErrHandshake, e.Reason)
	case e.Event == "":
		return fmt.Sprintf("%v: response carries no event", ErrHandshake)
	default:
		return fmt.Sprintf("%v: expected %s event, got %s", ErrHandshake, EventReady, e.Event)
	}
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeError) Is(target error) bool { return target == ErrHandshake }

// StartError reports the state in which Start gave up.
type StartError struct {
	State State
	Err   error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start presence client (%s): %v", e.State, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

package client

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ffx64/editor-presence/transport/ipc"
	"github.com/google/uuid"
)

const (
	CmdSetActivity = "SET_ACTIVITY"

	EventReady = "READY"
	EventError = "ERROR"
)

// Message is the JSON document carried by a Data frame.
type Message struct {
	Cmd   string          `json:"cmd"`
	Nonce string          `json:"nonce,omitempty"`
	Args  json.RawMessage `json:"args,omitempty"`
	Evt   string          `json:"evt,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type setActivityArgs struct {
	PID      int       `json:"pid"`
	Activity *Activity `json:"activity"`
}

// NewSetActivity builds a SET_ACTIVITY command for process pid. A nil
// activity clears the presence.
func NewSetActivity(pid int, act *Activity) Message {
	// Activity holds only strings, ints and bools.
	args, _ := json.Marshal(setActivityArgs{PID: pid, Activity: act})
	return Message{
		Cmd:   CmdSetActivity,
		Nonce: uuid.NewString(),
		Args:  args,
	}
}

// Profile fixes the process id and artwork used by the status helpers.
type Profile struct {
	PID    int
	Assets Assets
}

func DefaultProfile() Profile {
	return Profile{PID: os.Getpid(), Assets: DefaultAssets}
}

func (p Profile) Idle() Message {
	return p.status("Idling", "Idling")
}

func (p Profile) Editing(filename string) Message {
	return p.status("Editing "+filename, "Editing file")
}

func (p Profile) Status(text string) Message {
	return p.status(text, text)
}

func (p Profile) Cleared() Message {
	return NewSetActivity(p.PID, nil)
}

func (p Profile) status(state, largeText string) Message {
	return NewSetActivity(p.PID, &Activity{
		State:      state,
		Timestamps: Since(time.Now()),
		Instance:   true,
		Assets:     p.Assets.withLargeText(largeText),
	})
}

func Idle() Message                   { return DefaultProfile().Idle() }
func Editing(filename string) Message { return DefaultProfile().Editing(filename) }
func Status(text string) Message      { return DefaultProfile().Status(text) }
func Cleared() Message                { return DefaultProfile().Cleared() }

// MatchesEvent reports whether m carries the event name.
func (m Message) MatchesEvent(name string) bool {
	return m.Evt != "" && m.Evt == name
}

// Activity returns the activity of a SET_ACTIVITY command, nil when the
// command clears it.
func (m Message) Activity() (*Activity, error) {
	var args setActivityArgs
	if err := json.Unmarshal(m.Args, &args); err != nil {
		return nil, fmt.Errorf("decode activity args: %w", err)
	}
	return args.Activity, nil
}

func (m Message) Frame() (ipc.Data, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return ipc.Data{}, fmt.Errorf("encode %s message: %w", m.Cmd, err)
	}
	return ipc.Data{Body: b}, nil
}

// ParseMessage decodes a Data frame payload. It is used on arbitrary inbound
// frames, so callers treat failure as recoverable.
func ParseMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name,omitempty"`
}

// ReadyEvent is the data of the READY event.
type ReadyEvent struct {
	Version int  `json:"v"`
	User    User `json:"user"`
}

// ErrorData is the data of an ERROR event.
type ErrorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (m Message) ReadyData() (ReadyEvent, error) {
	var r ReadyEvent
	if err := json.Unmarshal(m.Data, &r); err != nil {
		return ReadyEvent{}, fmt.Errorf("decode ready data: %w", err)
	}
	return r, nil
}

func (m Message) ErrorData() (ErrorData, error) {
	var e ErrorData
	if err := json.Unmarshal(m.Data, &e); err != nil {
		return ErrorData{}, fmt.Errorf("decode error data: %w", err)
	}
	return e, nil
}

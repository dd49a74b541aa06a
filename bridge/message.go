package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Method names the request or reply carried by a message.
type Method string

const (
	MethodInit            Method = "init"
	MethodTest            Method = "test"
	MethodPay             Method = "pay"
	MethodProgressMessage Method = "progressmessage"
	MethodCancel          Method = "cancel"
	MethodExecuteCommand  Method = "executecommand"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownMethod    = errors.New("unknown method")
)

// Message is the JSON document exchanged over the bridge. Replies echo the ID
// of the request they answer.
type Message struct {
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     string          `json:"id,omitempty"`
}

func NewMessage(method Method, params any) (Message, error) {
	if params == nil {
		params = struct{}{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s params: %w", method, err)
	}
	return Message{Method: method, Params: raw}, nil
}

func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses data and normalizes the method name; method names are
// matched case-insensitively.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	msg.Method = Method(strings.ToLower(strings.TrimSpace(string(msg.Method))))
	if !msg.Method.valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMethod, msg.Method)
	}
	return msg, nil
}

// DecodeParams unmarshals the message params into v. Missing params leave v untouched.
func (m Message) DecodeParams(v any) error {
	if len(m.Params) == 0 || string(m.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return fmt.Errorf("decoding %s params: %w", m.Method, err)
	}
	return nil
}

func (m Method) valid() bool {
	switch m {
	case MethodInit, MethodTest, MethodPay, MethodProgressMessage, MethodCancel, MethodExecuteCommand:
		return true
	}
	return false
}

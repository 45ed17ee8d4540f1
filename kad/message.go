package kad

import (
	"encoding/hex"
	"encoding/json"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
)

// jsonRPCVersion is the only envelope version spoken on the overlay.
const jsonRPCVersion = "2.0"

// JSON-RPC error codes used on the message envelope. Application errors
// travel as CodeApplication with the error text in the message field.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeApplication    = -32603
)

// A Message is the JSON-RPC 2.0 envelope carried by the overlay transport
// and by tunnel RPC frames. A request has Method and Params set; a response
// has Result or Error set under the request's ID.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *MessageError   `json:"error,omitempty"`
}

// A MessageError is the error member of a response message.
type MessageError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface so transport code can surface a
// MessageError directly.
func (me *MessageError) Error() string {
	return me.Message
}

// NewMessageID returns a fresh random message identifier.
func NewMessageID() string {
	return hex.EncodeToString(fastrand.Bytes(20))
}

// NewRequest builds a request message with a fresh id.
func NewRequest(method string, params interface{}) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.AddContext(err, "unable to encode rpc params")
	}
	return &Message{
		JSONRPC: jsonRPCVersion,
		ID:      NewMessageID(),
		Method:  method,
		Params:  raw,
	}, nil
}

// NewResponse builds a success response to the request with the given id.
func NewResponse(id string, result interface{}) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, errors.AddContext(err, "unable to encode rpc result")
	}
	return &Message{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Result:  raw,
	}, nil
}

// NewErrorResponse builds an error response to the request with the given
// id.
func NewErrorResponse(id string, code int, message string) *Message {
	return &Message{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &MessageError{Code: code, Message: message},
	}
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// IsResponse reports whether the message is a response.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// Validate checks the envelope invariants.
func (m *Message) Validate() error {
	if m.JSONRPC != jsonRPCVersion {
		return errors.Extend(errors.New("wrong jsonrpc version"), ErrInvalidMessage)
	}
	if m.ID == "" {
		return errors.Extend(errors.New("empty message id"), ErrInvalidMessage)
	}
	if !m.IsRequest() && !m.IsResponse() {
		return errors.Extend(errors.New("neither request nor response"), ErrInvalidMessage)
	}
	return nil
}

// Bytes serializes the message.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage decodes and validates a message envelope.
func ParseMessage(data []byte) (*Message, error) {
	m := new(Message)
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Extend(errors.New("malformed rpc body"), ErrInvalidMessage)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

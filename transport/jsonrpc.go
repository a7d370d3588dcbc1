package transport

import (
	"encoding/json"
	"fmt"

	"github.com/vinayprograms/compreg/errors"
)

// Version is the only protocol version accepted.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request. Params is always a positional
// array; each element is one argument of the registry method.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Args splits the positional params into raw arguments.
func (r *Request) Args() ([]json.RawMessage, error) {
	if len(r.Params) == 0 || string(r.Params) == "null" {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(r.Params, &args); err != nil {
		return nil, &Error{Code: InvalidParams, Message: "Invalid params", Data: "params must be an array"}
	}
	return args, nil
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// RegistryError is a registry operation failure; Data holds the
	// structured error.
	RegistryError = -32000
)

// Notification represents a JSON-RPC 2.0 notification (no ID).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// FromError converts err into a JSON-RPC error. Data carries the
// structured error so the code survives the round trip.
func FromError(err error) *Error {
	se := errors.As(err)
	if se == nil {
		se = errors.Wrap(err, err.Error())
	}
	code := RegistryError
	switch se.Code() {
	case errors.ErrCodeMethodNotFound:
		code = MethodNotFound
	case errors.ErrCodeInvalidInput:
		code = InvalidParams
	case errors.ErrCodeInternal, errors.ErrCodePanic:
		code = InternalError
	}
	return &Error{Code: code, Message: se.Error(), Data: se}
}

// Err converts e back into a structured error. Protocol errors without
// structured data map onto the closest registry code.
func (e *Error) Err() error {
	if e.Data != nil {
		if data, err := json.Marshal(e.Data); err == nil {
			var se errors.Error
			if json.Unmarshal(data, &se) == nil && se.Code() != "" {
				return &se
			}
		}
	}
	switch e.Code {
	case MethodNotFound:
		return errors.New(errors.ErrCodeMethodNotFound, e.Message)
	case InvalidParams, InvalidRequest, ParseError:
		return errors.InvalidInput(e.Message)
	case RegistryError:
		return errors.New(errors.ErrCodeCallFailed, e.Message)
	}
	return errors.Internal(e.Message)
}

package transport

import (
	"encoding/json"
	"testing"

	"github.com/vinayprograms/compreg/errors"
)

// --- Unit Tests ---

func TestParseInbound_Classifies(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, "request"},
		{"notification", `{"jsonrpc":"2.0","method":"shutdown"}`, "notification"},
		{"null id is notification", `{"jsonrpc":"2.0","id":null,"method":"shutdown"}`, "notification"},
		{"result", `{"jsonrpc":"2.0","id":7,"result":true}`, "response"},
		{"error", `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"nope"}}`, "response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseInbound([]byte(tt.input))
			if err != nil {
				t.Fatalf("ParseInbound: %v", err)
			}
			got := ""
			switch {
			case msg.Request != nil:
				got = "request"
			case msg.Notification != nil:
				got = "notification"
			case msg.Response != nil:
				got = "response"
			}
			if got != tt.want {
				t.Errorf("classified as %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseInbound_Errors(t *testing.T) {
	_, err := ParseInbound([]byte("not json"))
	if rpcErr, ok := err.(*Error); !ok || rpcErr.Code != ParseError {
		t.Errorf("expected ParseError, got %v", err)
	}

	_, err = ParseInbound([]byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}`))
	if rpcErr, ok := err.(*Error); !ok || rpcErr.Code != InvalidRequest {
		t.Errorf("expected InvalidRequest, got %v", err)
	}
}

func TestRequest_Args(t *testing.T) {
	req := &Request{Params: json.RawMessage(`[{"type":"Foo","name":"A"}, "pw", true]`)}
	args, err := req.Args()
	if err != nil {
		t.Fatalf("Args: %v", err)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}
	if string(args[1]) != `"pw"` {
		t.Errorf("args[1] = %s", args[1])
	}

	empty := &Request{}
	if args, err := empty.Args(); err != nil || args != nil {
		t.Errorf("empty params: args=%v err=%v", args, err)
	}

	named := &Request{Params: json.RawMessage(`{"name":"A"}`)}
	_, err = named.Args()
	if rpcErr, ok := err.(*Error); !ok || rpcErr.Code != InvalidParams {
		t.Errorf("expected InvalidParams for named params, got %v", err)
	}
}

func TestFromError_PreservesCode(t *testing.T) {
	tests := []struct {
		err     error
		rpcCode int
		code    errors.ErrorCode
	}{
		{errors.NotFound("no Foo/A"), RegistryError, errors.ErrCodeNotFound},
		{errors.AlreadyExists("Foo/A taken"), RegistryError, errors.ErrCodeAlreadyExists},
		{errors.MethodNotFound("frob", "()"), MethodNotFound, errors.ErrCodeMethodNotFound},
		{errors.InvalidInput("empty type"), InvalidParams, errors.ErrCodeInvalidInput},
		{errors.Internal("boom"), InternalError, errors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			rpcErr := FromError(tt.err)
			if rpcErr.Code != tt.rpcCode {
				t.Errorf("rpc code = %d, want %d", rpcErr.Code, tt.rpcCode)
			}

			// Simulate the wire.
			data, err := json.Marshal(rpcErr)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var decoded Error
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}

			back := decoded.Err()
			if !errors.Is(back, tt.code) {
				t.Errorf("round trip code = %q, want %q", errors.Code(back), tt.code)
			}
		})
	}
}

func TestError_ErrWithoutData(t *testing.T) {
	e := &Error{Code: MethodNotFound, Message: "Method not found"}
	if !errors.Is(e.Err(), errors.ErrCodeMethodNotFound) {
		t.Errorf("got %v", e.Err())
	}

	e = &Error{Code: ParseError, Message: "Parse error", Data: "unexpected EOF"}
	if !errors.Is(e.Err(), errors.ErrCodeInvalidInput) {
		t.Errorf("got %v", e.Err())
	}
}

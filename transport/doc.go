// Package transport exposes the registry surface as JSON-RPC 2.0 over
// WebSocket, for clients that do not speak to the message bus.
//
// # Overview
//
// A WebSocketTransport moves JSON-RPC messages over one connection with a
// channel-based API. Server answers requests on accepted connections by
// calling a dispatch.Service; Client issues requests on a dialed
// connection and matches replies by ID.
//
// Method names are the registry surface ("register", "requestState", ...)
// and params are always a positional array holding the method's arguments:
//
//	{"jsonrpc":"2.0","id":1,"method":"requestState","params":["Foo","A"]}
//
// # Errors
//
// Registry errors travel as JSON-RPC errors whose data member is the
// structured error, so errors.Is(err, code) works on the client side.
// METHOD_NOT_FOUND and INVALID_INPUT also use the matching standard
// JSON-RPC codes.
//
// # Usage
//
//	srv := transport.NewServer(reg, transport.DefaultServerConfig())
//	http.Handle("/rpc", srv)
//
//	c, err := transport.Dial(ctx, "ws://registry:8470/rpc", transport.DefaultWebSocketConfig())
//	d := dispatch.New(c, registrar.NewMethodTable(), dispatch.DefaultConfig())
//
// # Thread Safety
//
// All transport methods are safe for concurrent use. The Recv() channel
// is closed when the transport shuts down.
package transport

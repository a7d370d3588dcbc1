// Package dispatch invokes methods on remote components and registries.
//
// A Handle is the opaque address of a remote object (a bus subject). Calls
// are resolved against a MethodTable built once from the known interface
// description, so an unknown method or argument shape fails before anything
// is sent.
//
// Timeout semantics for Call and CallConcurrent:
//
//   - 0 (Block): wait for the transport, bounded only by ctx
//   - >0: return a TIMEOUT error no later than the timeout; the outcome of
//     the remote side effect is unknown
//   - <0 (Detached): fire-and-forget; return immediately and log failures
//
// CallConcurrent sends the same call to every target in parallel and
// returns one Result per target in input order. A failing target never
// hides the others' results.
//
// The server side is an Endpoint: it serves a Service on a handle and
// replies with the result or a structured error whose code survives the
// trip back to the caller.
package dispatch

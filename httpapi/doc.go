// Package httpapi is the registry daemon's HTTP surface.
//
// Routes:
//
//	GET  /healthz                              liveness and table size
//	GET  /metrics                              Prometheus exposition
//	GET  /rpc                                  JSON-RPC over WebSocket
//	GET  /api/components                       local records, filterable
//	GET  /api/components/:type/:name/state     federated recovery state
//	GET  /api/peers                            federated peer registries
//	PUT  /api/log-level                        federation-wide log level
//
// Registry errors are rendered as {"error": {...}} with the structured
// error body and an HTTP status derived from its code.
package httpapi

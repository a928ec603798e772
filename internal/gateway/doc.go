// Package gateway wires the courier server together and exposes it over
// HTTP and gRPC.
//
// # Overview
//
// A Gateway owns the store, the event multiplexer, the coordinator and both
// servers. New opens the configured store; NewWithStore takes one directly,
// which is how tests run against store.MockStore.
//
// # HTTP API
//
// Every /api/ route passes through auth.Middleware, which resolves the
// caller from a bearer token or the X-Agent-ID header:
//
//	POST   /api/tasks                      assign a task (201)
//	GET    /api/tasks/pending              caller's pending and claimed tasks
//	GET    /api/tasks/assigned             tasks the caller handed out
//	GET    /api/tasks/{id}                 one task
//	POST   /api/tasks/{id}/claim           pending -> claimed
//	POST   /api/tasks/{id}/complete        claimed -> completed
//	POST   /api/tasks/{id}/complete-direct pending or claimed -> completed
//	POST   /api/tasks/{id}/fail            claimed -> failed
//	POST   /api/rpc                        blocking request/response
//	GET    /api/events                     server-sent event stream
//	GET    /api/agents, POST /api/agents   agent directory
//	GET    /api/mail, POST /api/mail       mailbox
//	POST   /api/mail/{id}/read, DELETE /api/mail/{id}
//
// /health and /health/ready are unauthenticated.
//
// # gRPC
//
// The coven.courier.v1.Coordinator service mirrors the HTTP routes with
// google.protobuf.Struct messages whose fields match the JSON bodies.
// Events is server-streaming and sends {"type", "data"} messages.
// The standard grpc health service is registered alongside.
//
// # Listeners
//
// Without tailscale the servers bind server.grpc_addr and server.http_addr.
// With tailscale enabled the gateway joins the tailnet through tsnet and
// listens on :50051 and :80, or :443 when tailscale.https is set.
package gateway

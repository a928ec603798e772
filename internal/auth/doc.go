// Package auth establishes who is calling.
//
// Authentication proper is handled outside this service; this package only
// turns request credentials into an agent identity for task attribution and
// event stream scoping.
//
// With a token secret configured, an "Authorization: Bearer <jwt>" header
// (or gRPC "authorization" metadata) carries an HS256 token whose sub claim
// is the agent ID. Without a secret, the X-Agent-ID header (gRPC
// "x-agent-id") is trusted directly. Requests with no credentials are
// anonymous and act as the master assigner.
//
//	ident := auth.NewIdentifier(auth.NewJWTVerifier(secret))
//	handler = auth.Middleware(ident, logger)(handler)
//	// in a handler:
//	caller := auth.AgentID(r.Context())
package auth

// Package mcp exposes the coordinator to LLM-driven agents as Model Context
// Protocol tools.
//
// # Protocol
//
// The server speaks JSON-RPC 2.0 over the Streamable HTTP transport at /mcp:
//
//   - POST /mcp   initialize, ping, tools/list, tools/call, notifications
//   - DELETE /mcp ends a session
//
// GET is rejected; agents that want pushed events use /api/events.
//
// # Sessions and identity
//
// The handler runs behind auth.Middleware. initialize binds the new session
// to the caller's agent (bearer token or X-Agent-ID, else the master
// identity) and returns its ID in the Mcp-Session-Id header. Later requests
// must carry that header, and a session opened by an agent only answers to
// that agent.
//
// # Tools
//
//	task_assign, task_pending, task_assigned, task_get, task_claim,
//	task_complete, task_complete_direct, task_fail, rpc_call,
//	agents_list, mail_send, mail_inbox, mail_read
//
// Tool output is the same JSON the HTTP API returns, carried as a single
// text content item. Caller mistakes such as a lost claim race come back as
// results with isError set; only protocol and internal failures are JSON-RPC
// errors.
//
// # Client configuration
//
//	{
//	  "mcpServers": {
//	    "courier": {
//	      "url": "http://localhost:8080/mcp",
//	      "headers": {"Authorization": "Bearer <token>"}
//	    }
//	  }
//	}
package mcp

// Package ws implements the WebSocket hub of powfeed.
//
// Hub keeps a set of connected browser clients and pushes the working-set
// snapshot to all of them: immediately on connect, on every interval tick,
// and whenever Notify is called (the binary calls it after each accepted
// note). Notifications that arrive while a push is pending are coalesced into
// one message.
//
// Message format sent to clients:
//
//	{
//	  "event": "snapshot",
//	  "data":  { /* same schema as GET /api/v1/snapshot */ }
//	}
//
// The endpoint is mounted at /ws/stream by the binary.
package ws

// Package nostr defines the relay wire types shared by every powfeed component:
// the Event record, subscription Filters, and the JSON-array frames exchanged
// with a relay over a WebSocket.
//
// Outbound frames:
//
//	["REQ", <sub-id>, <filter>...]
//	["CLOSE", <sub-id>]
//
// Inbound frames understood by ParseFrame:
//
//	["EVENT", <sub-id>, <event>]
//	["EOSE", <sub-id>]
//	["NOTICE", <message>]
//	["CLOSED", <sub-id>, <message>]
//	["OK", <event-id>, <accepted>, <message>]
//
// Signatures and event ids are carried as opaque strings; nothing in this
// package verifies them.
package nostr

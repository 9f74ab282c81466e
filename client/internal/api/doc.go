// Package api implements the read-only HTTP REST API of powfeed.
//
// New(src) returns a Handler whose Router serves:
//
//	GET /api/v1/notes           ranked notes; ?limit=N (default 50) and ?min_pow=N
//	GET /api/v1/notes/{id}      single note; 404 if unknown
//	GET /api/v1/relays          per-relay status
//	GET /api/v1/health          overall state (ok, degraded, starting, down) and counts
//	GET /api/v1/snapshot        top notes, relays, advisories and intake counters
//
// All endpoints respond with Content-Type: application/json, return 405 for
// non-GET methods and 400 for malformed query parameters. The handler only
// reads the working set; it never modifies it.
//
// BuildSnapshot is shared with the WebSocket hub so both surfaces send the
// same document.
package api

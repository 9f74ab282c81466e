// Package relay manages one WebSocket connection to a relay.
//
// A Conn moves through three states exactly once:
//
//	connecting -> open -> closed
//	connecting -> closed        (dial or handshake failure)
//
// There is no reconnection. Conn.Run dials, sends the REQ subscription frame,
// then reads frames until the socket fails or the context is cancelled. Every
// inbound frame goes through a single dispatch point: EVENT records are passed
// to Options.OnEvent, control frames (EOSE, NOTICE, CLOSED, OK) are logged, and
// malformed frames are logged and dropped.
//
// Close is a hard stop. The state flips to closed before the socket is torn
// down, and the read loop checks the state before dispatching, so no frame
// read after teardown begins reaches the handler.
//
// Status changes are reported through Options.OnStatus so a session can
// surface failures as advisories without affecting other relays.
package relay

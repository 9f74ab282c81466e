// Package store keeps the per-relay connection status shown to users: the
// current lifecycle state, how many events each relay delivered, and the last
// error. The error of a closed relay stays visible as an advisory for the
// rest of the session. Errors of relays that are not closed expire after the
// configured TTL; a background goroutine (Run) clears them.
package store

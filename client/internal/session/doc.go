// Package session runs one relay Conn per configured relay and feeds every
// delivered event into the intake pipeline through a single channel, so the
// pipeline's Run loop is the only writer of the working set.
//
// Kind-0 metadata events go to the profile Directory instead. When profile
// lookups are enabled, authors of newly accepted notes are queued on a
// profile.Resolver, which asks every open relay for their metadata in batches.
//
// A relay that fails is recorded in the status store and the others keep
// running. Cancelling the context passed to Run tears every connection down
// immediately; Run returns once all goroutines have exited.
package session

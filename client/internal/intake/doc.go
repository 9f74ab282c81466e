// Package intake owns the working set: the deduplicated, score-sorted
// collection of accepted text notes.
//
// Pipeline.Ingest filters a Candidate by kind, drops it if its id is missing
// or already present, scores the id once with pow.Score, and inserts the new
// Item at the position that keeps the set in descending-score order. Items
// with equal scores keep their arrival order. Nothing is ever evicted.
//
// Pipeline.Run is the single-consumer intake loop fed by the relay session
// through a channel. All methods are also safe for concurrent use, so readers
// (the REST API, the WebSocket hub, the renderer) can call Items, Top and Get
// at any time.
//
// Subscribe registers an observer that is called after each accepted insert.
package intake

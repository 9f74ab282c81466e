// Package render writes the working set as plain text.
//
// Each frame has a header with note and relay counts, an advisory line while
// any relay failure is recent, and the top N notes in descending PoW order
// with the author's display name, the relative and absolute creation time and
// the note content. Numbers in the header are formatted for the configured
// language with golang.org/x/text/message.
package render

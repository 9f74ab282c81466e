// Package pow scores event identifiers by proof-of-work difficulty.
//
// score.go provides the pure Score(id) function: the number of leading zero
// bits in the identifier's binary expansion, where every hex digit contributes
// exactly four bits. Score never guesses on bad input; a non-hex character
// yields ErrInvalidHex instead of a plausible-looking number.
package pow

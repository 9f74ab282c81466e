package pow

import (
	"errors"
	"fmt"
	"math/bits"
)

// bitsPerDigit is the width of one hex digit in the binary expansion.
const bitsPerDigit = 4

// ErrInvalidHex is returned when an identifier contains a non-hex character.
var ErrInvalidHex = errors.New("pow: invalid hex digit")

// Score returns the number of leading zero bits in the binary expansion of id.
//
// Digits are case-insensitive and always expand to four bits, MSB first, so
// "0f" scores 4 and "00" scores 8. Counting stops at the first 1 bit; an
// all-zero identifier scores 4*len(id). The returned score is meaningless when
// err is non-nil.
func Score(id string) (int, error) {
	score := 0
	for i := 0; i < len(id); i++ {
		v, ok := digit(id[i])
		if !ok {
			return 0, fmt.Errorf("%w: %q at offset %d", ErrInvalidHex, id[i], i)
		}
		if v == 0 {
			score += bitsPerDigit
			continue
		}
		// v fits in the low nibble, so LeadingZeros8 is at least 4.
		score += bits.LeadingZeros8(v) - bitsPerDigit
		// Validate the rest so a bad tail is never hidden behind a 1 bit.
		for j := i + 1; j < len(id); j++ {
			if _, ok := digit(id[j]); !ok {
				return 0, fmt.Errorf("%w: %q at offset %d", ErrInvalidHex, id[j], j)
			}
		}
		return score, nil
	}
	return score, nil
}

// MustScore is like Score but panics on invalid input. Intended for constant
// tables and tests.
func MustScore(id string) int {
	s, err := Score(id)
	if err != nil {
		panic(err)
	}
	return s
}

// MaxScore is the largest score an identifier of n hex digits can reach.
func MaxScore(n int) int {
	if n < 0 {
		return 0
	}
	return n * bitsPerDigit
}

// digit converts one hex character to its value.
func digit(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

package content

import (
	"fmt"
	"unicode/utf16"
)

// targetPathHash hashes the UTF-16 code unit sequence of name with a
// rotating 32-bit accumulator, h = (h << 7) + (h >>> 25) + ch, starting
// from h = 0, with wraparound arithmetic, then formats the result in
// lowercase hex.
//
// This is deliberately hand-rolled rather than sourced from any hashing
// library in the example pack (xxhash, blake3, ...): the exact bit pattern
// is a compatibility constraint with existing on-disk databases, and no
// general-purpose hash function matches it. Go strings
// are UTF-8, so the name is first re-encoded to UTF-16 code units (using
// unicode/utf16, which reproduces the surrogate-pair splitting behaviour a
// UTF-16-native language gets for free) before folding each code unit into
// the accumulator. uint32 is used throughout: addition and the left shift
// wrap bit-for-bit as signed 32-bit arithmetic does, and h >> 25 on a
// uint32 is the logical shift that ">>>" denotes. The result is formatted
// as the unsigned bit pattern, so a hash with the high bit set prints as
// eight hex digits with no minus sign.
func targetPathHash(name string) string {
	units := utf16.Encode([]rune(name))
	var h uint32
	for _, u := range units {
		h = (h << 7) + (h >> 25) + uint32(u)
	}
	return fmt.Sprintf("%x", h)
}

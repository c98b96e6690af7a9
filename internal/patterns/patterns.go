// Package patterns implements wildcard byte-sequence search, the primitive
// every signature lookup rests on. A pattern is a sequence of byte-or-
// wildcard tokens; matching is leftmost, unaligned, and exact apart from
// wildcard positions. There is no fuzzy or partial matching: a signature
// either identifies the feature or it does not.
package patterns

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/frostline-dev/sigil/api/schemas"
)

// Token is one position of a pattern: either a literal byte or a wildcard
// that matches anything.
type Token struct {
	Byte     byte
	Wildcard bool
}

// Pattern is a parsed byte pattern.
type Pattern []Token

// wildcardToken is the textual wildcard in the two-digit hex pattern format.
// "?" is accepted as a lenient alias seen in community cheat tables.
const wildcardToken = "??"

// Parse converts the textual pattern format ("8B 0D ?? ?? ?? ?? 85 C9") into
// a Pattern. Tokens are separated by whitespace; each is either a two-digit
// hex byte or a wildcard.
func Parse(s string) (Pattern, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty pattern")
	}

	pattern := make(Pattern, 0, len(fields))
	for i, field := range fields {
		if field == wildcardToken || field == "?" {
			pattern = append(pattern, Token{Wildcard: true})
			continue
		}
		if len(field) != 2 {
			return nil, fmt.Errorf("token %d (%q): expected two hex digits or %q", i, field, wildcardToken)
		}
		b, err := strconv.ParseUint(field, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("token %d (%q): %w", i, field, err)
		}
		pattern = append(pattern, Token{Byte: byte(b)})
	}
	return pattern, nil
}

// MustParse is Parse for compile-time-constant patterns; it panics on a
// malformed pattern.
func MustParse(s string) Pattern {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String renders the pattern back into the textual format.
func (p Pattern) String() string {
	var sb strings.Builder
	for i, tok := range p {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if tok.Wildcard {
			sb.WriteString(wildcardToken)
		} else {
			fmt.Fprintf(&sb, "%02X", tok.Byte)
		}
	}
	return sb.String()
}

// Find scans buffer for the leftmost occurrence of pattern and returns its
// absolute address, assuming buffer begins at baseAddress. It returns
// schemas.AddressNotFound when the pattern is empty, longer than the buffer,
// or simply absent. O(len(buffer) * len(pattern)) worst case, which is fine
// for the module-image sizes this engine scans.
func Find(buffer []byte, baseAddress schemas.Address, pattern Pattern) schemas.Address {
	n := len(pattern)
	if n == 0 || n > len(buffer) {
		return schemas.AddressNotFound
	}

	limit := len(buffer) - n
	for i := 0; i <= limit; i++ {
		if matchAt(buffer, i, pattern) {
			return baseAddress + schemas.Address(i)
		}
	}
	return schemas.AddressNotFound
}

func matchAt(buffer []byte, offset int, pattern Pattern) bool {
	for j, tok := range pattern {
		if tok.Wildcard {
			continue
		}
		if buffer[offset+j] != tok.Byte {
			return false
		}
	}
	return true
}

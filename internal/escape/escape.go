// Package escape implements the decimal escape used to move arbitrary bytes
// through the radio's line-oriented text console.
//
// Payload bytes always travel in the fixed-width form `\ddd` (a backslash and
// three zero-padded decimal digits), which is valid inside a console string
// literal and is what the device-side receive helper prints back. The console
// framing reserves '\r', '>' and the statement terminator, so no payload byte
// is ever sent or read unescaped.
package escape

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Width is the number of console characters one escaped byte occupies.
const Width = 4

// ErrEscape is returned when escaped text does not follow the `\ddd` form.
var ErrEscape = errors.New("escape: malformed decimal escape")

// Append appends the escaped form of src to dst and returns the result.
func Append(dst, src []byte) []byte {
	for _, b := range src {
		dst = append(dst, '\\', '0'+b/100, '0'+b/10%10, '0'+b%10)
	}
	return dst
}

// Encode returns the escaped form of src.
func Encode(src []byte) string {
	return string(Append(make([]byte, 0, EncodedLen(len(src))), src))
}

// EncodedLen returns the escaped length of n payload bytes.
func EncodedLen(n int) int { return n * Width }

// Chunks splits p into consecutive pieces whose escaped form fits in room
// console characters. At least one byte goes into every piece, so a room
// smaller than Width still makes progress.
func Chunks(p []byte, room int) [][]byte {
	per := room / Width
	if per < 1 {
		per = 1
	}
	chunks := make([][]byte, 0, (len(p)+per-1)/per)
	for len(p) > 0 {
		n := min(per, len(p))
		chunks = append(chunks, p[:n])
		p = p[n:]
	}
	return chunks
}

// ReadByte reads one escaped value from r.
//
// A '\r' ends the escaped text: ReadByte then reports end=true and no value.
// A backslash must be followed by exactly three decimal digits whose value
// fits in a byte. Anything else is an ErrEscape.
func ReadByte(r io.ByteReader) (b byte, end bool, err error) {
	c, err := r.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch c {
	case '\r':
		return 0, true, nil
	case '\\':
	default:
		return 0, false, fmt.Errorf("%w: unexpected byte %q", ErrEscape, c)
	}

	v := 0
	for i := 0; i < 3; i++ {
		d, err := r.ReadByte()
		if err != nil {
			return 0, false, err
		}
		if d < '0' || d > '9' {
			return 0, false, fmt.Errorf("%w: non-digit %q in escape", ErrEscape, d)
		}
		v = v*10 + int(d-'0')
	}
	if v > 255 {
		return 0, false, fmt.Errorf("%w: value %d out of range", ErrEscape, v)
	}
	return byte(v), false, nil
}

// Decode decodes escaped text that carries no terminator.
func Decode(s string) ([]byte, error) {
	r := strings.NewReader(s)
	out := make([]byte, 0, len(s)/Width)
	for r.Len() > 0 {
		b, end, err := ReadByte(r)
		if err == io.EOF {
			return nil, fmt.Errorf("%w: truncated escape", ErrEscape)
		}
		if err != nil {
			return nil, err
		}
		if end {
			return nil, fmt.Errorf("%w: unexpected terminator", ErrEscape)
		}
		out = append(out, b)
	}
	return out, nil
}

// Quote renders s as a single-quoted console string literal.
//
// Printable ASCII other than the quote and backslash passes through, every
// other byte becomes `\ddd`. The result is safe to splice into statement
// source whatever s contains.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x20 && c < 0x7f && c != '\'' && c != '\\' {
			b.WriteByte(c)
			continue
		}
		b.Write(Append(nil, []byte{c}))
	}
	b.WriteByte('\'')
	return b.String()
}

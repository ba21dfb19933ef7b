package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// RawBytes is a JSON string holding arbitrary bytes: identity tokens and raw
// kernel argument values. Decoding is byte-exact: unescaped bytes are kept as
// they are and \u00XX decodes to the single byte XX. Encoding escapes every
// byte outside printable ASCII as \u00XX, so the output is plain ASCII JSON.
type RawBytes []byte

var errNotString = errors.New("expected JSON string")

func (r *RawBytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = nil
		return nil
	}
	b, err := decodeRawString(data)
	if err != nil {
		return err
	}
	*r = b
	return nil
}

func (r RawBytes) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, len(r)+2)
	out = append(out, '"')
	for _, c := range r {
		switch {
		case c == '"':
			out = append(out, '\\', '"')
		case c == '\\':
			out = append(out, '\\', '\\')
		case c < 0x20 || c >= 0x7f:
			out = append(out, fmt.Sprintf(`\u%04x`, c)...)
		default:
			out = append(out, c)
		}
	}
	return append(out, '"'), nil
}

// Token reads the identity value stored in the first eight bytes.
func (r RawBytes) Token() (uint64, error) {
	if len(r) < 8 {
		return 0, fmt.Errorf("%w: token is %d bytes", ErrMissingToken, len(r))
	}
	return binary.LittleEndian.Uint64(r), nil
}

// TokenBytes encodes an identity value the way packages store it.
func TokenBytes(tok uint64) RawBytes {
	b := make(RawBytes, 8)
	binary.LittleEndian.PutUint64(b, tok)
	return b
}

func decodeRawString(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return nil, errNotString
	}
	s := data[1 : len(data)-1]
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(s) {
			return nil, fmt.Errorf("truncated escape")
		}
		switch s[i] {
		case '"', '\\', '/':
			out = append(out, s[i])
		case 'b':
			out = append(out, '\b')
		case 'f':
			out = append(out, '\f')
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case 'u':
			if i+4 >= len(s) {
				return nil, fmt.Errorf("truncated \\u escape")
			}
			v, err := strconv.ParseUint(string(s[i+1:i+5]), 16, 32)
			if err != nil {
				return nil, fmt.Errorf("bad \\u escape: %w", err)
			}
			i += 4
			if v <= 0xff {
				out = append(out, byte(v))
			} else {
				out = utf8.AppendRune(out, rune(v))
			}
		default:
			return nil, fmt.Errorf("bad escape \\%c", s[i])
		}
	}
	return out, nil
}

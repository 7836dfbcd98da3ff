// Package base45 implements the Base45 encoding used by QR-code friendly
// credential strings (RFC 9285).
package base45

import (
	"errors"
	"fmt"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ $%*+-./:"

// ErrInvalid is returned (wrapped in *Error) for any malformed input.
var ErrInvalid = errors.New("invalid base45 input")

// Error reports the offset at which decoding failed.
type Error struct {
	Offset int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("base45: %s at offset %d", e.Reason, e.Offset)
}

// Is lets callers match any decode failure with errors.Is(err, ErrInvalid).
func (e *Error) Is(target error) bool {
	return target == ErrInvalid
}

var decodeTable [256]int8

func init() {
	for i := range decodeTable {
		decodeTable[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		decodeTable[alphabet[i]] = int8(i)
	}
}

// EncodedLen returns the length of the encoding of n source bytes.
func EncodedLen(n int) int {
	return n/2*3 + n%2*2
}

// Encode returns the Base45 encoding of src.
func Encode(src []byte) string {
	dst := make([]byte, 0, EncodedLen(len(src)))
	for i := 0; i+1 < len(src); i += 2 {
		n := int(src[i])<<8 | int(src[i+1])
		dst = append(dst, alphabet[n%45], alphabet[(n/45)%45], alphabet[n/2025])
	}
	if len(src)%2 == 1 {
		n := int(src[len(src)-1])
		dst = append(dst, alphabet[n%45], alphabet[n/45])
	}
	return string(dst)
}

// DecodeString decodes a Base45 string.
func DecodeString(s string) ([]byte, error) {
	return Decode([]byte(s))
}

// Decode decodes Base45 symbols in groups of three into two bytes. A trailing
// group of two symbols yields a single byte. Symbols outside the alphabet and
// group values above the bound for their length are rejected.
func Decode(src []byte) ([]byte, error) {
	if len(src)%3 == 1 {
		return nil, &Error{Offset: len(src) - 1, Reason: "dangling symbol"}
	}
	dst := make([]byte, 0, len(src)/3*2+len(src)%3/2)
	for i := 0; i < len(src); i += 3 {
		group := src[i:min(i+3, len(src))]
		n := 0
		mul := 1
		for j, c := range group {
			v := decodeTable[c]
			if v < 0 {
				return nil, &Error{Offset: i + j, Reason: fmt.Sprintf("illegal symbol %q", c)}
			}
			n += int(v) * mul
			mul *= 45
		}
		if len(group) == 3 {
			if n > 0xFFFF {
				return nil, &Error{Offset: i, Reason: "group value out of range"}
			}
			dst = append(dst, byte(n>>8), byte(n))
			continue
		}
		if n > 0xFF {
			return nil, &Error{Offset: i, Reason: "trailing group value out of range"}
		}
		dst = append(dst, byte(n))
	}
	return dst, nil
}

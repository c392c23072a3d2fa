// Package ber implements the Basic Encoding Rules tag-length-value codec
// used by the ACSE layer (AARQ/AARE/RLRQ/RLRE). Only the definite short
// and long form lengths used on the wire by DLMS/COSEM are supported;
// indefinite length is rejected.
package ber

import (
	"fmt"

	"github.com/openmetering/dlms-go/protoerr"
)

// Tag is a single BER identifier octet. DLMS/COSEM never needs multi-byte
// (high-tag-number form) tags, so a byte is enough.
type Tag byte

// Standard universal/application tags referenced throughout ACSE encoding.
const (
	TagBoolean        Tag = 0x01
	TagInteger        Tag = 0x02
	TagBitString      Tag = 0x03
	TagOctetString    Tag = 0x04
	TagNull           Tag = 0x05
	TagObjectID       Tag = 0x06
	TagExternal       Tag = 0x08
	TagSequence       Tag = 0x30
	TagContext0       Tag = 0x80
	TagContext1       Tag = 0xA1
	TagContext2       Tag = 0xA2
	TagContext3       Tag = 0xA3
	TagApplication0   Tag = 0x60
	TagApplication1   Tag = 0x61
)

// EncodeLength appends the BER length octets for n to dst and returns the
// extended slice. Short form is used below 128; otherwise the minimal long
// form (0x8L followed by L big-endian bytes).
func EncodeLength(dst []byte, n int) []byte {
	if n < 0 {
		panic("ber: negative length")
	}
	switch {
	case n < 128:
		return append(dst, byte(n))
	case n < 256:
		return append(dst, 0x81, byte(n))
	case n < 65536:
		return append(dst, 0x82, byte(n>>8), byte(n))
	case n < 1<<24:
		return append(dst, 0x83, byte(n>>16), byte(n>>8), byte(n))
	default:
		return append(dst, 0x84, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
}

// Encode prepends tag and a BER length to data and returns the full TLV.
func Encode(tag Tag, data []byte) []byte {
	dst := make([]byte, 0, len(data)+6)
	dst = append(dst, byte(tag))
	dst = EncodeLength(dst, len(data))
	dst = append(dst, data...)
	return dst
}

// EncodeNested wraps data in an outer tag around an inner tag, matching
// the teacher's encodetag2 shape used for singly-wrapped context elements
// (e.g. an AARQ parameter that is itself a tagged choice).
func EncodeNested(outer, inner Tag, data []byte) []byte {
	innerLen := len(data)
	innerHeader := 1 + codedLengthSize(innerLen)
	dst := make([]byte, 0, innerHeader+innerLen+6)
	dst = append(dst, byte(outer))
	dst = EncodeLength(dst, innerHeader+innerLen)
	dst = append(dst, byte(inner))
	dst = EncodeLength(dst, innerLen)
	dst = append(dst, data...)
	return dst
}

func codedLengthSize(n int) int {
	switch {
	case n < 128:
		return 1
	case n < 256:
		return 2
	case n < 65536:
		return 3
	case n < 1<<24:
		return 4
	default:
		return 5
	}
}

// DecodeLength reads a BER length starting at src[0] and returns the
// decoded value and the number of octets consumed (including the initial
// length-of-length octet). Indefinite length (0x80) is rejected since the
// protocol never emits it.
func DecodeLength(src []byte) (n int, consumed int, err error) {
	if len(src) < 1 {
		return 0, 0, protoerr.NewMalformed("ber length", fmt.Errorf("no data available"))
	}
	b := src[0]
	if b < 128 {
		return int(b), 1, nil
	}
	if b == 128 {
		return 0, 0, protoerr.NewMalformed("ber length", fmt.Errorf("indefinite length not supported"))
	}
	c := int(b & 0x7f)
	if c > 4 {
		return 0, 0, protoerr.NewMalformed("ber length", fmt.Errorf("length-of-length %d too large", c))
	}
	if len(src) < 1+c {
		return 0, 0, protoerr.NewMalformed("ber length", fmt.Errorf("truncated length octets"))
	}
	r := 0
	for i := 0; i < c; i++ {
		r = (r << 8) | int(src[1+i])
	}
	return r, c + 1, nil
}

// Decode splits src into a tag, its declared-length value, and the number
// of bytes of src consumed. It fails with *protoerr.MalformedError if src
// is too short for the header or for the declared length.
func Decode(src []byte) (tag Tag, value []byte, consumed int, err error) {
	if len(src) < 2 {
		return 0, nil, 0, protoerr.NewMalformed("ber tlv", fmt.Errorf("need at least 2 bytes, got %d", len(src)))
	}
	tag = Tag(src[0])
	n, lenConsumed, err := DecodeLength(src[1:])
	if err != nil {
		return 0, nil, 0, err
	}
	total := 1 + lenConsumed + n
	if len(src) < total {
		return 0, nil, 0, protoerr.NewMalformed("ber tlv", fmt.Errorf("declared length %d exceeds available %d bytes", n, len(src)-1-lenConsumed))
	}
	value = src[1+lenConsumed : total]
	return tag, value, total, nil
}

// DecodeExpected behaves like Decode but additionally validates the tag
// matches want, returning a malformed error naming both tags otherwise.
func DecodeExpected(src []byte, want Tag) (value []byte, consumed int, err error) {
	tag, value, consumed, err := Decode(src)
	if err != nil {
		return nil, 0, err
	}
	if tag != want {
		return nil, 0, protoerr.NewMalformed("ber tlv", fmt.Errorf("expected tag 0x%02x, got 0x%02x", byte(want), byte(tag)))
	}
	return value, consumed, nil
}

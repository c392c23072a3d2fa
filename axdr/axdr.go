// Package axdr implements the DLMS-adapted External Data Representation
// used by xDLMS service APDUs (§4.2): a variable-length integer length
// prefix plus a declarative EncodingConf schema for composing/parsing the
// fixed/variable/optional/defaulted/choice/sequence attribute shapes the
// xDLMS PDUs are built from.
package axdr

import (
	"fmt"

	"github.com/openmetering/dlms-go/protoerr"
)

// EncodeLength appends the A-XDR variable-length prefix for n to dst.
// High bit 0 means the remaining 7 bits are the length itself; high bit 1
// means the remaining 7 bits name how many following big-endian bytes
// carry the length.
func EncodeLength(dst []byte, n int) []byte {
	if n < 0 {
		panic("axdr: negative length")
	}
	switch {
	case n < 0x80:
		return append(dst, byte(n))
	case n < 0x100:
		return append(dst, 0x81, byte(n))
	case n < 0x10000:
		return append(dst, 0x82, byte(n>>8), byte(n))
	case n < 0x1000000:
		return append(dst, 0x83, byte(n>>16), byte(n>>8), byte(n))
	default:
		return append(dst, 0x84, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
}

// DecodeLength reads an A-XDR length starting at src[0] and returns the
// decoded value and the number of bytes consumed.
func DecodeLength(src []byte) (n int, consumed int, err error) {
	if len(src) < 1 {
		return 0, 0, protoerr.NewMalformed("axdr length", fmt.Errorf("no data available"))
	}
	b := src[0]
	if b < 0x80 {
		return int(b), 1, nil
	}
	c := int(b & 0x7f)
	if c == 0 || c > 4 {
		return 0, 0, protoerr.NewMalformed("axdr length", fmt.Errorf("length-of-length %d out of range", c))
	}
	if len(src) < 1+c {
		return 0, 0, protoerr.NewMalformed("axdr length", fmt.Errorf("truncated length octets"))
	}
	r := 0
	for i := 0; i < c; i++ {
		r = (r << 8) | int(src[1+i])
	}
	return r, c + 1, nil
}

// AttrKind identifies what shape of attribute an EncodingConf entry reads.
type AttrKind int

const (
	// KindFixed reads exactly Size bytes.
	KindFixed AttrKind = iota
	// KindVariable reads an A-XDR length, then that many bytes.
	KindVariable
	// KindOptional reads a presence byte: 0x00 means the value is
	// absent (nil); 0x01 means the nested attribute follows.
	KindOptional
	// KindDefaulted reads a presence byte: 0x00 means the attribute
	// takes its baked-in Default; 0x01 means the nested attribute
	// follows.
	KindDefaulted
	// KindChoice reads one selector byte and recurses into Branches[selector].
	KindChoice
	// KindSequence consumes the remainder of the buffer as a
	// self-describing sequence of DLMS data values; the caller supplies
	// the element decoder via Elem.
	KindSequence
)

// Attr describes one attribute of an EncodingConf.
type Attr struct {
	Name     string
	Kind     AttrKind
	Size     int          // KindFixed: exact byte count
	Nested   *Attr        // KindOptional / KindDefaulted: the wrapped attribute
	Default  []byte       // KindDefaulted: value used when the presence byte is 0x00
	Branches map[byte]Attr // KindChoice: selector -> attribute
	Elem     func([]byte) (n int, err error) // KindSequence: validates/consumes one element, returns its length
}

// EncodingConf is an ordered list of attributes describing one APDU body.
type EncodingConf []Attr

// Field is one decoded attribute: Present is false only for an absent
// KindOptional attribute (Raw/Selector are then zero).
type Field struct {
	Name     string
	Raw      []byte
	Present  bool
	Selector byte
}

// Decode walks conf against src in order, returning one Field per
// attribute and the total number of bytes of src consumed. The last
// attribute may absorb the remainder of src (used for KindSequence).
func Decode(conf EncodingConf, src []byte) ([]Field, int, error) {
	fields := make([]Field, 0, len(conf))
	off := 0
	for i, a := range conf {
		isLast := i == len(conf)-1
		f, n, err := decodeAttr(a, src[off:], isLast)
		if err != nil {
			return nil, 0, err
		}
		f.Name = a.Name
		fields = append(fields, f)
		off += n
	}
	return fields, off, nil
}

func decodeAttr(a Attr, src []byte, isLast bool) (Field, int, error) {
	switch a.Kind {
	case KindFixed:
		if len(src) < a.Size {
			return Field{}, 0, protoerr.NewMalformed("axdr attr "+a.Name, fmt.Errorf("need %d bytes, have %d", a.Size, len(src)))
		}
		return Field{Raw: src[:a.Size], Present: true}, a.Size, nil

	case KindVariable:
		n, consumed, err := DecodeLength(src)
		if err != nil {
			return Field{}, 0, err
		}
		if len(src) < consumed+n {
			return Field{}, 0, protoerr.NewMalformed("axdr attr "+a.Name, fmt.Errorf("declared length %d exceeds available %d", n, len(src)-consumed))
		}
		return Field{Raw: src[consumed : consumed+n], Present: true}, consumed + n, nil

	case KindOptional:
		if len(src) < 1 {
			return Field{}, 0, protoerr.NewMalformed("axdr attr "+a.Name, fmt.Errorf("missing presence byte"))
		}
		if src[0] == 0x00 {
			return Field{Present: false}, 1, nil
		}
		if a.Nested == nil {
			return Field{}, 0, fmt.Errorf("axdr: optional attribute %q has no nested shape", a.Name)
		}
		inner, n, err := decodeAttr(*a.Nested, src[1:], isLast)
		if err != nil {
			return Field{}, 0, err
		}
		inner.Present = true
		return inner, 1 + n, nil

	case KindDefaulted:
		if len(src) < 1 {
			return Field{}, 0, protoerr.NewMalformed("axdr attr "+a.Name, fmt.Errorf("missing presence byte"))
		}
		if src[0] == 0x00 {
			return Field{Raw: a.Default, Present: true}, 1, nil
		}
		if a.Nested == nil {
			return Field{}, 0, fmt.Errorf("axdr: defaulted attribute %q has no nested shape", a.Name)
		}
		inner, n, err := decodeAttr(*a.Nested, src[1:], isLast)
		if err != nil {
			return Field{}, 0, err
		}
		inner.Present = true
		return inner, 1 + n, nil

	case KindChoice:
		if len(src) < 1 {
			return Field{}, 0, protoerr.NewMalformed("axdr attr "+a.Name, fmt.Errorf("missing choice selector"))
		}
		selector := src[0]
		branch, ok := a.Branches[selector]
		if !ok {
			return Field{}, 0, protoerr.NewMalformed("axdr attr "+a.Name, fmt.Errorf("unknown choice selector 0x%02x", selector))
		}
		inner, n, err := decodeAttr(branch, src[1:], isLast)
		if err != nil {
			return Field{}, 0, err
		}
		inner.Selector = selector
		inner.Present = true
		return inner, 1 + n, nil

	case KindSequence:
		if !isLast {
			return Field{}, 0, fmt.Errorf("axdr: sequence attribute %q must be the last in its EncodingConf", a.Name)
		}
		if a.Elem == nil {
			return Field{Raw: src, Present: true}, len(src), nil
		}
		off := 0
		for off < len(src) {
			n, err := a.Elem(src[off:])
			if err != nil {
				return Field{}, 0, err
			}
			if n <= 0 {
				return Field{}, 0, fmt.Errorf("axdr: sequence element decoder for %q made no progress", a.Name)
			}
			off += n
		}
		return Field{Raw: src, Present: true}, off, nil

	default:
		return Field{}, 0, fmt.Errorf("axdr: unknown attribute kind %d", a.Kind)
	}
}

// EncodeValue is the value Encode takes for one attribute of conf. Raw is
// the payload for a fixed or variable attribute; Present marks whether an
// optional/defaulted attribute is supplied; Selector picks the branch of
// a choice attribute.
type EncodeValue struct {
	Present  bool // optional/defaulted: whether the nested value is supplied
	Selector byte // choice: which branch
	Raw      []byte
}

// Encode serializes values against conf, returning the concatenated bytes.
func Encode(conf EncodingConf, values []EncodeValue) ([]byte, error) {
	if len(values) != len(conf) {
		return nil, fmt.Errorf("axdr: encode expects %d values, got %d", len(conf), len(values))
	}
	var out []byte
	for i, a := range conf {
		v := values[i]
		switch a.Kind {
		case KindFixed:
			if len(v.Raw) != a.Size {
				return nil, fmt.Errorf("axdr: attribute %q expects %d bytes, got %d", a.Name, a.Size, len(v.Raw))
			}
			out = append(out, v.Raw...)
		case KindVariable:
			out = EncodeLength(out, len(v.Raw))
			out = append(out, v.Raw...)
		case KindOptional:
			if !v.Present {
				out = append(out, 0x00)
				continue
			}
			out = append(out, 0x01)
			out = append(out, v.Raw...)
		case KindDefaulted:
			if !v.Present {
				out = append(out, 0x00)
				continue
			}
			out = append(out, 0x01)
			out = append(out, v.Raw...)
		case KindChoice:
			out = append(out, v.Selector)
			out = append(out, v.Raw...)
		case KindSequence:
			out = append(out, v.Raw...)
		default:
			return nil, fmt.Errorf("axdr: unknown attribute kind %d", a.Kind)
		}
	}
	return out, nil
}

// Package obis implements the 6-byte DLMS/COSEM object identification
// code (§3.1) and its textual forms.
package obis

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/openmetering/dlms-go/protoerr"
)

// Code is a 6-byte OBIS identifier (A-B:C.D.E.F).
type Code struct {
	A, B, C, D, E, F byte
}

// Layout selects how String formats a Code.
type Layout byte

const (
	LayoutStandard Layout = iota
	LayoutAsterisk
	LayoutDots
)

func (c Code) String() string {
	return c.Format(LayoutStandard)
}

// Format renders c according to layout.
func (c Code) Format(layout Layout) string {
	switch layout {
	case LayoutAsterisk:
		return fmt.Sprintf("%d-%d:%d.%d.%d*%d", c.A, c.B, c.C, c.D, c.E, c.F)
	case LayoutDots:
		return fmt.Sprintf("%d.%d.%d.%d.%d.%d", c.A, c.B, c.C, c.D, c.E, c.F)
	default:
		return fmt.Sprintf("%d-%d:%d.%d.%d.%d", c.A, c.B, c.C, c.D, c.E, c.F)
	}
}

// Bytes returns the 6-byte wire form.
func (c Code) Bytes() []byte {
	return []byte{c.A, c.B, c.C, c.D, c.E, c.F}
}

// Equal reports whether c and o name the same object.
func (c Code) Equal(o Code) bool {
	return c == o
}

// FromBytes decodes a 6-byte OBIS code.
func FromBytes(src []byte) (Code, error) {
	if len(src) != 6 {
		return Code{}, protoerr.NewMalformed("obis", fmt.Errorf("need 6 bytes, got %d", len(src)))
	}
	return Code{A: src[0], B: src[1], C: src[2], D: src[3], E: src[4], F: src[5]}, nil
}

var (
	standardRe = regexp.MustCompile(`^((\d+)-(\d+):)?(\d+)\.(\d+)(\.(\d+)([.*](\d+))?)?$`)
	dottedRe   = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)\.(\d+)\.(\d+)(\.(\d+))?$`)
)

func atoiByte(s string) (byte, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 255 {
		return 0, fmt.Errorf("value %d out of byte range", n)
	}
	return byte(n), nil
}

// Parse decodes an OBIS code from either the standard "A-B:C.D.E.F" form
// (group A-B optional) or the fully dotted "A.B.C.D.E.F" form.
func Parse(src string) (Code, error) {
	var a, b, c, d, e, f byte
	var err error

	if m := standardRe.FindStringSubmatch(src); m != nil {
		if m[1] != "" {
			if a, err = atoiByte(m[2]); err != nil {
				return Code{}, protoerr.NewMalformed("obis", err)
			}
			if b, err = atoiByte(m[3]); err != nil {
				return Code{}, protoerr.NewMalformed("obis", err)
			}
		}
		if c, err = atoiByte(m[4]); err != nil {
			return Code{}, protoerr.NewMalformed("obis", err)
		}
		if d, err = atoiByte(m[5]); err != nil {
			return Code{}, protoerr.NewMalformed("obis", err)
		}
		e, f = 255, 255
		if m[6] != "" {
			if e, err = atoiByte(m[7]); err != nil {
				return Code{}, protoerr.NewMalformed("obis", err)
			}
			if m[8] != "" {
				if f, err = atoiByte(m[9]); err != nil {
					return Code{}, protoerr.NewMalformed("obis", err)
				}
			}
		}
		return Code{A: a, B: b, C: c, D: d, E: e, F: f}, nil
	}

	if m := dottedRe.FindStringSubmatch(src); m != nil {
		if a, err = atoiByte(m[1]); err != nil {
			return Code{}, protoerr.NewMalformed("obis", err)
		}
		if b, err = atoiByte(m[2]); err != nil {
			return Code{}, protoerr.NewMalformed("obis", err)
		}
		if c, err = atoiByte(m[3]); err != nil {
			return Code{}, protoerr.NewMalformed("obis", err)
		}
		if d, err = atoiByte(m[4]); err != nil {
			return Code{}, protoerr.NewMalformed("obis", err)
		}
		f = 255
		if e, err = atoiByte(m[5]); err != nil {
			return Code{}, protoerr.NewMalformed("obis", err)
		}
		if m[6] != "" {
			if f, err = atoiByte(m[7]); err != nil {
				return Code{}, protoerr.NewMalformed("obis", err)
			}
		}
		return Code{A: a, B: b, C: c, D: d, E: e, F: f}, nil
	}

	return Code{}, protoerr.NewMalformed("obis", fmt.Errorf("invalid obis string %q", src))
}

// Package dlmsdata implements the DLMS tagged-union data value tree
// (§3.2) and the Date/Time/DateTime semantics of §3.4.
package dlmsdata

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/openmetering/dlms-go/axdr"
	"github.com/openmetering/dlms-go/protoerr"
)

// Tag identifies the type of a Value on the wire. The table is closed per
// spec.md §3.2; any other byte is a malformed-input error.
type Tag byte

const (
	TagNull               Tag = 0
	TagArray              Tag = 1
	TagStructure          Tag = 2
	TagBoolean            Tag = 3
	TagBitString          Tag = 4
	TagDoubleLong         Tag = 5
	TagDoubleLongUnsigned Tag = 6
	TagOctetString        Tag = 9
	TagVisibleString      Tag = 10
	TagUTF8String         Tag = 12
	TagBCD                Tag = 13
	TagInteger            Tag = 15
	TagLong               Tag = 16
	TagUnsigned           Tag = 17
	TagLongUnsigned       Tag = 18
	TagCompactArray       Tag = 19
	TagLong64             Tag = 20
	TagLong64Unsigned     Tag = 21
	TagEnum               Tag = 22
	TagFloat32            Tag = 23
	TagFloat64            Tag = 24
	TagDateTime           Tag = 25
	TagDate               Tag = 26
	TagTime               Tag = 27
	TagDontCare           Tag = 255
)

// Value is one node of the recursive DLMS data tree.
type Value struct {
	Tag      Tag
	Bool     bool
	Bytes    []byte // bit-string/octet-string/visible-string/utf8-string/BCD raw payload
	Int      int64  // integer/long/double-long/long64
	Uint     uint64 // unsigned/long-unsigned/double-long-unsigned/long64-unsigned/enum
	Float32  float32
	Float64  float64
	BitLen   int // TagBitString: number of significant bits in Bytes
	Elems    []Value
	Date     Date
	Time     Time
	DateTime DateTime
}

// Date is the DLMS date payload (§3.4): year 0xFFFF marks unspecified,
// month 0xFD/0xFE mark DST boundaries, day 0xFE means "last day of month".
type Date struct {
	Year      uint16
	Month     byte
	Day       byte
	DayOfWeek byte
}

// Time is the DLMS time payload; each field 0xFF means unspecified.
type Time struct {
	Hour       byte
	Minute     byte
	Second     byte
	Hundredths byte
}

// Clock status bits (§3.4). Invalid and Doubtful are mutually exclusive.
const (
	ClockInvalid         byte = 0x01
	ClockDoubtful        byte = 0x02
	ClockDifferentBase   byte = 0x04
	ClockInvalidStatus   byte = 0x08
	ClockDaylightSaving  byte = 0x80
	deviationUnspecified int16 = -32768 // 0x8000 reinterpreted as int16
)

// DateTime is date||time||deviation||clock-status (12 bytes on the wire).
// Deviation is stored in the Blue Book sense: minutes to ADD to local time
// to reach UTC (so UTC+1 encodes as -60). The negate parameter of
// UTCOffsetSeconds lets a caller
// whose meters report the opposite convention flip interpretation without
// touching the decoder (spec.md §9 Open Question).
type DateTime struct {
	Date      Date
	Time      Time
	Deviation int16
	Status    byte
}

// HasDeviation reports whether Deviation carries a real value.
func (dt DateTime) HasDeviation() bool {
	return dt.Deviation != deviationUnspecified
}

// UTCOffsetSeconds returns the tz offset to apply to the local wall-clock
// time to obtain UTC, in the conventional sense (positive = east of UTC),
// honoring negate for callers using the non-Blue-Book convention.
func (dt DateTime) UTCOffsetSeconds(negate bool) (int, bool) {
	if !dt.HasDeviation() {
		return 0, false
	}
	minutes := int(dt.Deviation)
	if !negate {
		minutes = -minutes
	}
	return minutes * 60, true
}

// DecodeValue parses one self-describing DLMS data value from src,
// returning the value and the number of bytes consumed.
func DecodeValue(src []byte) (Value, int, error) {
	if len(src) < 1 {
		return Value{}, 0, protoerr.NewMalformed("dlms data", fmt.Errorf("no data available"))
	}
	tag := Tag(src[0])
	rest := src[1:]

	switch tag {
	case TagNull:
		return Value{Tag: tag}, 1, nil

	case TagArray, TagStructure:
		n, lenConsumed, err := axdr.DecodeLength(rest)
		if err != nil {
			return Value{}, 0, err
		}
		off := lenConsumed
		elems := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			if off > len(rest) {
				return Value{}, 0, protoerr.NewMalformed("dlms data", fmt.Errorf("truncated %s element %d", tagName(tag), i))
			}
			v, c, err := DecodeValue(rest[off:])
			if err != nil {
				return Value{}, 0, err
			}
			elems = append(elems, v)
			off += c
		}
		return Value{Tag: tag, Elems: elems}, 1 + off, nil

	case TagBoolean:
		if len(rest) < 1 {
			return Value{}, 0, truncated(tag)
		}
		return Value{Tag: tag, Bool: rest[0] != 0}, 2, nil

	case TagBitString:
		nbits, lenConsumed, err := axdr.DecodeLength(rest)
		if err != nil {
			return Value{}, 0, err
		}
		nbytes := (nbits + 7) / 8
		if len(rest) < lenConsumed+nbytes {
			return Value{}, 0, truncated(tag)
		}
		b := append([]byte(nil), rest[lenConsumed:lenConsumed+nbytes]...)
		return Value{Tag: tag, Bytes: b, BitLen: nbits}, 1 + lenConsumed + nbytes, nil

	case TagDoubleLong:
		if len(rest) < 4 {
			return Value{}, 0, truncated(tag)
		}
		return Value{Tag: tag, Int: int64(int32(binary.BigEndian.Uint32(rest)))}, 5, nil

	case TagDoubleLongUnsigned:
		if len(rest) < 4 {
			return Value{}, 0, truncated(tag)
		}
		return Value{Tag: tag, Uint: uint64(binary.BigEndian.Uint32(rest))}, 5, nil

	case TagOctetString, TagVisibleString, TagUTF8String, TagBCD:
		n, lenConsumed, err := axdr.DecodeLength(rest)
		if err != nil {
			return Value{}, 0, err
		}
		if len(rest) < lenConsumed+n {
			return Value{}, 0, truncated(tag)
		}
		b := append([]byte(nil), rest[lenConsumed:lenConsumed+n]...)
		return Value{Tag: tag, Bytes: b}, 1 + lenConsumed + n, nil

	case TagInteger:
		if len(rest) < 1 {
			return Value{}, 0, truncated(tag)
		}
		return Value{Tag: tag, Int: int64(int8(rest[0]))}, 2, nil

	case TagLong:
		if len(rest) < 2 {
			return Value{}, 0, truncated(tag)
		}
		return Value{Tag: tag, Int: int64(int16(binary.BigEndian.Uint16(rest)))}, 3, nil

	case TagUnsigned:
		if len(rest) < 1 {
			return Value{}, 0, truncated(tag)
		}
		return Value{Tag: tag, Uint: uint64(rest[0])}, 2, nil

	case TagLongUnsigned:
		if len(rest) < 2 {
			return Value{}, 0, truncated(tag)
		}
		return Value{Tag: tag, Uint: uint64(binary.BigEndian.Uint16(rest))}, 3, nil

	case TagCompactArray:
		return Value{}, 0, protoerr.NewMalformed("dlms data", fmt.Errorf("compact-array decoding requires a type descriptor and is not handled by DecodeValue"))

	case TagLong64:
		if len(rest) < 8 {
			return Value{}, 0, truncated(tag)
		}
		return Value{Tag: tag, Int: int64(binary.BigEndian.Uint64(rest))}, 9, nil

	case TagLong64Unsigned:
		if len(rest) < 8 {
			return Value{}, 0, truncated(tag)
		}
		return Value{Tag: tag, Uint: binary.BigEndian.Uint64(rest)}, 9, nil

	case TagEnum:
		if len(rest) < 1 {
			return Value{}, 0, truncated(tag)
		}
		return Value{Tag: tag, Uint: uint64(rest[0])}, 2, nil

	case TagFloat32:
		if len(rest) < 4 {
			return Value{}, 0, truncated(tag)
		}
		return Value{Tag: tag, Float32: math.Float32frombits(binary.BigEndian.Uint32(rest))}, 5, nil

	case TagFloat64:
		if len(rest) < 8 {
			return Value{}, 0, truncated(tag)
		}
		return Value{Tag: tag, Float64: math.Float64frombits(binary.BigEndian.Uint64(rest))}, 9, nil

	case TagDateTime:
		if len(rest) < 12 {
			return Value{}, 0, truncated(tag)
		}
		dt := decodeDateTimeBytes(rest[:12])
		return Value{Tag: tag, DateTime: dt}, 13, nil

	case TagDate:
		if len(rest) < 5 {
			return Value{}, 0, truncated(tag)
		}
		d := Date{
			Year:      binary.BigEndian.Uint16(rest[0:2]),
			Month:     rest[2],
			Day:       rest[3],
			DayOfWeek: rest[4],
		}
		return Value{Tag: tag, Date: d}, 6, nil

	case TagTime:
		if len(rest) < 4 {
			return Value{}, 0, truncated(tag)
		}
		t := Time{Hour: rest[0], Minute: rest[1], Second: rest[2], Hundredths: rest[3]}
		return Value{Tag: tag, Time: t}, 5, nil

	case TagDontCare:
		return Value{Tag: tag}, 1, nil

	default:
		return Value{}, 0, protoerr.NewMalformed("dlms data", fmt.Errorf("unknown tag %d", tag))
	}
}

func decodeDateTimeBytes(b []byte) DateTime {
	return DateTime{
		Date: Date{
			Year:      binary.BigEndian.Uint16(b[0:2]),
			Month:     b[2],
			Day:       b[3],
			DayOfWeek: b[4],
		},
		Time: Time{Hour: b[5], Minute: b[6], Second: b[7], Hundredths: b[8]},
		Deviation: int16(binary.BigEndian.Uint16(b[9:11])),
		Status:    b[11],
	}
}

func truncated(tag Tag) error {
	return protoerr.NewMalformed("dlms data", fmt.Errorf("truncated %s payload", tagName(tag)))
}

func tagName(tag Tag) string {
	switch tag {
	case TagArray:
		return "array"
	case TagStructure:
		return "structure"
	default:
		return fmt.Sprintf("tag-%d", tag)
	}
}

// Encode serializes v back to its wire form.
func Encode(v Value) ([]byte, error) {
	switch v.Tag {
	case TagNull, TagDontCare:
		return []byte{byte(v.Tag)}, nil

	case TagArray, TagStructure:
		out := []byte{byte(v.Tag)}
		out = axdr.EncodeLength(out, len(v.Elems))
		for _, e := range v.Elems {
			b, err := Encode(e)
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
		return out, nil

	case TagBoolean:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		return []byte{byte(v.Tag), b}, nil

	case TagBitString:
		out := []byte{byte(v.Tag)}
		out = axdr.EncodeLength(out, v.BitLen)
		return append(out, v.Bytes...), nil

	case TagDoubleLong:
		out := make([]byte, 5)
		out[0] = byte(v.Tag)
		binary.BigEndian.PutUint32(out[1:], uint32(int32(v.Int)))
		return out, nil

	case TagDoubleLongUnsigned:
		out := make([]byte, 5)
		out[0] = byte(v.Tag)
		binary.BigEndian.PutUint32(out[1:], uint32(v.Uint))
		return out, nil

	case TagOctetString, TagVisibleString, TagUTF8String, TagBCD:
		out := []byte{byte(v.Tag)}
		out = axdr.EncodeLength(out, len(v.Bytes))
		return append(out, v.Bytes...), nil

	case TagInteger:
		return []byte{byte(v.Tag), byte(int8(v.Int))}, nil

	case TagLong:
		out := make([]byte, 3)
		out[0] = byte(v.Tag)
		binary.BigEndian.PutUint16(out[1:], uint16(int16(v.Int)))
		return out, nil

	case TagUnsigned:
		return []byte{byte(v.Tag), byte(v.Uint)}, nil

	case TagLongUnsigned:
		out := make([]byte, 3)
		out[0] = byte(v.Tag)
		binary.BigEndian.PutUint16(out[1:], uint16(v.Uint))
		return out, nil

	case TagLong64:
		out := make([]byte, 9)
		out[0] = byte(v.Tag)
		binary.BigEndian.PutUint64(out[1:], uint64(v.Int))
		return out, nil

	case TagLong64Unsigned:
		out := make([]byte, 9)
		out[0] = byte(v.Tag)
		binary.BigEndian.PutUint64(out[1:], v.Uint)
		return out, nil

	case TagEnum:
		return []byte{byte(v.Tag), byte(v.Uint)}, nil

	case TagFloat32:
		out := make([]byte, 5)
		out[0] = byte(v.Tag)
		binary.BigEndian.PutUint32(out[1:], math.Float32bits(v.Float32))
		return out, nil

	case TagFloat64:
		out := make([]byte, 9)
		out[0] = byte(v.Tag)
		binary.BigEndian.PutUint64(out[1:], math.Float64bits(v.Float64))
		return out, nil

	case TagDateTime:
		out := make([]byte, 13)
		out[0] = byte(v.Tag)
		binary.BigEndian.PutUint16(out[1:3], v.DateTime.Date.Year)
		out[3] = v.DateTime.Date.Month
		out[4] = v.DateTime.Date.Day
		out[5] = v.DateTime.Date.DayOfWeek
		out[6] = v.DateTime.Time.Hour
		out[7] = v.DateTime.Time.Minute
		out[8] = v.DateTime.Time.Second
		out[9] = v.DateTime.Time.Hundredths
		binary.BigEndian.PutUint16(out[10:12], uint16(v.DateTime.Deviation))
		out[12] = v.DateTime.Status
		return out, nil

	case TagDate:
		out := make([]byte, 6)
		out[0] = byte(v.Tag)
		binary.BigEndian.PutUint16(out[1:3], v.Date.Year)
		out[3] = v.Date.Month
		out[4] = v.Date.Day
		out[5] = v.Date.DayOfWeek
		return out, nil

	case TagTime:
		return []byte{byte(v.Tag), v.Time.Hour, v.Time.Minute, v.Time.Second, v.Time.Hundredths}, nil

	default:
		return nil, fmt.Errorf("dlmsdata: encode not supported for tag %d", v.Tag)
	}
}

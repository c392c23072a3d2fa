// Package cosem implements the Cosem-Attribute/Cosem-Method identifiers
// and the selective-access descriptors of spec.md §3.1/§3.3, plus the
// capture-object value type supplemented from
// original_source/dlms_cosem/cosem/profile_generic.py (SPEC_FULL §12.2).
package cosem

import (
	"encoding/binary"
	"fmt"

	"github.com/openmetering/dlms-go/dlmsdata"
	"github.com/openmetering/dlms-go/obis"
	"github.com/openmetering/dlms-go/protoerr"
)

// Attribute is a Cosem-Attribute: (interface-class-id, OBIS, attribute-id).
// Serialized length is fixed at 9 bytes.
type Attribute struct {
	ClassID     uint16
	Instance    obis.Code
	AttributeID int8
}

// Bytes returns the 9-byte wire form.
func (a Attribute) Bytes() []byte {
	out := make([]byte, 9)
	binary.BigEndian.PutUint16(out[0:2], a.ClassID)
	copy(out[2:8], a.Instance.Bytes())
	out[8] = byte(a.AttributeID)
	return out
}

// DecodeAttribute parses a 9-byte Cosem-Attribute.
func DecodeAttribute(src []byte) (Attribute, error) {
	if len(src) != 9 {
		return Attribute{}, protoerr.NewMalformed("cosem attribute", fmt.Errorf("need 9 bytes, got %d", len(src)))
	}
	inst, err := obis.FromBytes(src[2:8])
	if err != nil {
		return Attribute{}, err
	}
	return Attribute{
		ClassID:     binary.BigEndian.Uint16(src[0:2]),
		Instance:    inst,
		AttributeID: int8(src[8]),
	}, nil
}

// Method is a Cosem-Method: same shape as Attribute, last byte names a
// method instead of an attribute.
type Method struct {
	ClassID  uint16
	Instance obis.Code
	MethodID int8
}

// Bytes returns the 9-byte wire form.
func (m Method) Bytes() []byte {
	out := make([]byte, 9)
	binary.BigEndian.PutUint16(out[0:2], m.ClassID)
	copy(out[2:8], m.Instance.Bytes())
	out[8] = byte(m.MethodID)
	return out
}

// DecodeMethod parses a 9-byte Cosem-Method.
func DecodeMethod(src []byte) (Method, error) {
	if len(src) != 9 {
		return Method{}, protoerr.NewMalformed("cosem method", fmt.Errorf("need 9 bytes, got %d", len(src)))
	}
	inst, err := obis.FromBytes(src[2:8])
	if err != nil {
		return Method{}, err
	}
	return Method{
		ClassID:  binary.BigEndian.Uint16(src[0:2]),
		Instance: inst,
		MethodID: int8(src[8]),
	}, nil
}

// CaptureObject names one column of a profile-generic buffer: class id,
// OBIS instance, attribute, and data index (SPEC_FULL §12.2). Modeled
// after original_source/dlms_cosem/cosem/profile_generic.py; a
// RangeDescriptor's RestrictingObject is meaningless without one.
type CaptureObject struct {
	ClassID     uint16
	Instance    obis.Code
	AttributeID int8
	DataIndex   uint16
}

// AsValue encodes a CaptureObject as the 4-element DLMS structure the
// wire expects: {long-unsigned class-id, octet-string obis, integer
// attribute-id, long-unsigned data-index}.
func (c CaptureObject) AsValue() dlmsdata.Value {
	return dlmsdata.Value{
		Tag: dlmsdata.TagStructure,
		Elems: []dlmsdata.Value{
			{Tag: dlmsdata.TagLongUnsigned, Uint: uint64(c.ClassID)},
			{Tag: dlmsdata.TagOctetString, Bytes: c.Instance.Bytes()},
			{Tag: dlmsdata.TagInteger, Int: int64(c.AttributeID)},
			{Tag: dlmsdata.TagLongUnsigned, Uint: uint64(c.DataIndex)},
		},
	}
}

// CaptureObjectFromValue decodes the structure AsValue produces.
func CaptureObjectFromValue(v dlmsdata.Value) (CaptureObject, error) {
	if v.Tag != dlmsdata.TagStructure || len(v.Elems) != 4 {
		return CaptureObject{}, protoerr.NewMalformed("capture object", fmt.Errorf("expected 4-element structure"))
	}
	inst, err := obis.FromBytes(v.Elems[1].Bytes)
	if err != nil {
		return CaptureObject{}, err
	}
	return CaptureObject{
		ClassID:     uint16(v.Elems[0].Uint),
		Instance:    inst,
		AttributeID: int8(v.Elems[2].Int),
		DataIndex:   uint16(v.Elems[3].Uint),
	}, nil
}

// AccessSelector identifies which selective-access descriptor variant a
// Selection carries.
type AccessSelector byte

const (
	SelectorRange AccessSelector = 1
	SelectorEntry AccessSelector = 2
)

// RangeDescriptor (selector=1) restricts a profile read to a sub-range
// identified by a capture object's value, e.g. a time column (§3.3).
type RangeDescriptor struct {
	RestrictingObject CaptureObject
	From              dlmsdata.Value
	To                dlmsdata.Value
	SelectedValues    []CaptureObject // optional: empty means "all columns"
}

// AsValue encodes the RangeDescriptor as the 4-element structure DLMS
// expects after the selector byte.
func (r RangeDescriptor) AsValue() dlmsdata.Value {
	cols := make([]dlmsdata.Value, len(r.SelectedValues))
	for i, c := range r.SelectedValues {
		cols[i] = c.AsValue()
	}
	return dlmsdata.Value{
		Tag: dlmsdata.TagStructure,
		Elems: []dlmsdata.Value{
			r.RestrictingObject.AsValue(),
			r.From,
			r.To,
			{Tag: dlmsdata.TagArray, Elems: cols},
		},
	}
}

// EntryDescriptor (selector=2) restricts a profile read by entry index
// (§3.3). Zero in a "to" field means "maximum".
type EntryDescriptor struct {
	FromEntry         uint32
	ToEntry           uint32
	FromSelectedValue uint16
	ToSelectedValue   uint16
}

// ToEntryMax is the "maximum" sentinel for ToEntry.
const ToEntryMax uint32 = 0

// ToValueMax is the "maximum" sentinel for ToSelectedValue.
const ToValueMax uint16 = 0

// AsValue encodes the EntryDescriptor as its 4-element structure.
func (e EntryDescriptor) AsValue() dlmsdata.Value {
	return dlmsdata.Value{
		Tag: dlmsdata.TagStructure,
		Elems: []dlmsdata.Value{
			{Tag: dlmsdata.TagDoubleLongUnsigned, Uint: uint64(e.FromEntry)},
			{Tag: dlmsdata.TagDoubleLongUnsigned, Uint: uint64(e.ToEntry)},
			{Tag: dlmsdata.TagLongUnsigned, Uint: uint64(e.FromSelectedValue)},
			{Tag: dlmsdata.TagLongUnsigned, Uint: uint64(e.ToSelectedValue)},
		},
	}
}

// EntryDescriptorFromValue decodes the structure AsValue produces.
func EntryDescriptorFromValue(v dlmsdata.Value) (EntryDescriptor, error) {
	if v.Tag != dlmsdata.TagStructure || len(v.Elems) != 4 {
		return EntryDescriptor{}, protoerr.NewMalformed("entry descriptor", fmt.Errorf("expected 4-element structure"))
	}
	return EntryDescriptor{
		FromEntry:         uint32(v.Elems[0].Uint),
		ToEntry:           uint32(v.Elems[1].Uint),
		FromSelectedValue: uint16(v.Elems[2].Uint),
		ToSelectedValue:   uint16(v.Elems[3].Uint),
	}, nil
}

// AttributeWithSelection is a Cosem-Attribute plus an optional access
// selection.
type AttributeWithSelection struct {
	Attribute Attribute
	Selector  AccessSelector // zero value means "no selection"
	Range     *RangeDescriptor
	Entry     *EntryDescriptor
}

// HasSelection reports whether an access-selection is present.
func (a AttributeWithSelection) HasSelection() bool {
	return a.Selector != 0
}

// Package xdlms implements the xDLMS service APDUs (§4.4): tag dispatch,
// Initiate request/response, Get (Normal and Next requests, Normal and
// WithBlock responses), Set and Action Normal, ConfirmedServiceError,
// DataNotification, ExceptionResponse, and the GeneralGlobalCipher /
// GeneralCiphering wrapping APDUs. The WithList variants and the Set
// block-transfer variants have tag constants only; no encoder or decoder
// handles them.
package xdlms

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/openmetering/dlms-go/cosem"
	"github.com/openmetering/dlms-go/dlmsdata"
	"github.com/openmetering/dlms-go/protoerr"
)

// Tag is the xDLMS APDU tag, the first byte on the wire (§4.4).
type Tag byte

const (
	TagInitiateRequest         Tag = 1
	TagInitiateResponse        Tag = 8
	TagConfirmedServiceError   Tag = 14
	TagDataNotification        Tag = 15
	TagGlobalCipherInitiateRequest  Tag = 33
	TagGlobalCipherInitiateResponse Tag = 40
	TagGetRequest              Tag = 192
	TagSetRequest              Tag = 193
	TagActionRequest           Tag = 195
	TagGetResponse             Tag = 196
	TagSetResponse             Tag = 197
	TagActionResponse          Tag = 199
	TagExceptionResponse       Tag = 216
	TagGeneralGlobalCipher     Tag = 219
	TagGeneralCiphering        Tag = 221
)

// GetRequestTag / GetResponseTag etc. are the sub-type bytes named in
// §4.4's dispatch table.
type GetRequestTag byte

const (
	GetRequestNormal   GetRequestTag = 1
	GetRequestNext     GetRequestTag = 2
	GetRequestWithList GetRequestTag = 3
)

type GetResponseTag byte

const (
	GetResponseNormal   GetResponseTag = 1
	GetResponseWithBlock GetResponseTag = 2
	GetResponseWithList GetResponseTag = 3
)

type SetRequestTag byte

const (
	SetRequestNormal                SetRequestTag = 1
	SetRequestWithFirstBlock        SetRequestTag = 2
	SetRequestWithBlock             SetRequestTag = 3
	SetRequestWithList              SetRequestTag = 4
	SetRequestWithListAndFirstBlock SetRequestTag = 5
)

type SetResponseTag byte

const (
	SetResponseNormal                SetResponseTag = 1
	SetResponseWithBlock             SetResponseTag = 2
	SetResponseLastBlock             SetResponseTag = 3
	SetResponseLastBlockWithList     SetResponseTag = 4
	SetResponseWithList              SetResponseTag = 5
)

type ActionRequestTag byte

const (
	ActionRequestNormal ActionRequestTag = 1
)

type ActionResponseTag byte

const (
	ActionResponseNormal         ActionResponseTag = 1
	ActionResponseNormalWithData ActionResponseTag = 2
	ActionResponseNormalWithError ActionResponseTag = 3
)

// InvokeIDAndPriority is one byte: bits 0-3 invoke-id (1-15), bit 6
// confirmed, bit 7 high-priority.
type InvokeIDAndPriority byte

const (
	invokeIDMask     InvokeIDAndPriority = 0x0f
	confirmedBit     InvokeIDAndPriority = 1 << 6
	highPriorityBit  InvokeIDAndPriority = 1 << 7
)

func NewInvokeIDAndPriority(invokeID byte, confirmed, highPriority bool) InvokeIDAndPriority {
	v := InvokeIDAndPriority(invokeID & 0x0f)
	if confirmed {
		v |= confirmedBit
	}
	if highPriority {
		v |= highPriorityBit
	}
	return v
}

func (v InvokeIDAndPriority) InvokeID() byte    { return byte(v & invokeIDMask) }
func (v InvokeIDAndPriority) Confirmed() bool    { return v&confirmedBit != 0 }
func (v InvokeIDAndPriority) HighPriority() bool { return v&highPriorityBit != 0 }

// ---- InitiateRequest/Response ----

// InitiateRequest is the association-time xDLMS negotiation request.
// Mixed encoding: A-XDR fields with the conformance carried as a BER
// bit-string (§4.4).
type InitiateRequest struct {
	DedicatedKey      []byte // nil when not using dedicated-key ciphering
	ProposedConformance uint32 // raw 24-bit bitmap; see conformance.Block
	ClientMaxReceivePduSize uint16
}

// Encode serializes the InitiateRequest body (without the outer xDLMS tag
// dispatch, since GlobalCipherInitiateRequest wraps this same body).
func (r InitiateRequest) Encode() []byte {
	var out []byte
	out = append(out, byte(TagInitiateRequest))
	if r.DedicatedKey != nil {
		out = append(out, 0x01, byte(len(r.DedicatedKey)))
		out = append(out, r.DedicatedKey...)
	} else {
		out = append(out, 0x00)
	}
	out = append(out, 0x00) // response-allowed default true, no quality-of-service
	out = append(out, 0x00)
	out = append(out, 0x06, 0x5f, 0x1f, 0x04, 0x00)
	v := r.ProposedConformance << 8
	out = append(out, byte(v>>24), byte(v>>16), byte(v>>8))
	out = append(out, byte(r.ClientMaxReceivePduSize>>8), byte(r.ClientMaxReceivePduSize))
	return out
}

// DecodeInitiateRequest parses an InitiateRequest body (src starts at the
// tag byte).
func DecodeInitiateRequest(src []byte) (InitiateRequest, int, error) {
	if len(src) < 1 || Tag(src[0]) != TagInitiateRequest {
		return InitiateRequest{}, 0, protoerr.NewMalformed("xdlms initiate-request", fmt.Errorf("unexpected tag"))
	}
	off := 1
	var r InitiateRequest
	if off >= len(src) {
		return InitiateRequest{}, 0, truncated("initiate-request")
	}
	if src[off] == 0x01 {
		off++
		if off >= len(src) {
			return InitiateRequest{}, 0, truncated("initiate-request")
		}
		n := int(src[off])
		off++
		if len(src) < off+n {
			return InitiateRequest{}, 0, truncated("initiate-request")
		}
		r.DedicatedKey = append([]byte(nil), src[off:off+n]...)
		off += n
	} else {
		off++
	}
	if len(src) < off+10 {
		return InitiateRequest{}, 0, truncated("initiate-request")
	}
	off++ // response-allowed
	off++ // quality-of-service presence
	off += 5 // dlms version 0x06, conformance tag 0x5f 0x1f, length 0x04, unused-bits byte
	v := uint32(src[off])<<24 | uint32(src[off+1])<<16 | uint32(src[off+2])<<8
	r.ProposedConformance = v >> 8
	off += 3
	if len(src) < off+2 {
		return InitiateRequest{}, 0, truncated("initiate-request")
	}
	r.ClientMaxReceivePduSize = binary.BigEndian.Uint16(src[off:])
	off += 2
	return r, off, nil
}

// InitiateResponse is the meter's negotiation reply; the last two bytes
// are the fixed VAA-name 0x0007 (§4.4).
type InitiateResponse struct {
	NegotiatedQualityOfService byte
	NegotiatedConformance      uint32
	ServerMaxReceivePduSize    uint16
	VAAName                    uint16
}

// DecodeInitiateResponse parses an InitiateResponse body.
func DecodeInitiateResponse(src []byte) (InitiateResponse, int, error) {
	if len(src) < 1 || Tag(src[0]) != TagInitiateResponse {
		return InitiateResponse{}, 0, protoerr.NewMalformed("xdlms initiate-response", fmt.Errorf("unexpected tag"))
	}
	off := 1
	if off >= len(src) {
		return InitiateResponse{}, 0, truncated("initiate-response")
	}
	var r InitiateResponse
	if src[off] == 0x01 {
		off++
		if off >= len(src) {
			return InitiateResponse{}, 0, truncated("initiate-response")
		}
		r.NegotiatedQualityOfService = src[off]
		off++
	} else {
		off++
	}
	if len(src) < off+8 {
		return InitiateResponse{}, 0, truncated("initiate-response")
	}
	off += 5 // dlms version 0x06, conformance tag 0x5f 0x1f, length 0x04, unused-bits byte
	v := uint32(src[off])<<24 | uint32(src[off+1])<<16 | uint32(src[off+2])<<8
	r.NegotiatedConformance = v >> 8
	off += 3
	if len(src) < off+4 {
		return InitiateResponse{}, 0, truncated("initiate-response")
	}
	r.ServerMaxReceivePduSize = binary.BigEndian.Uint16(src[off:])
	off += 2
	r.VAAName = binary.BigEndian.Uint16(src[off:])
	off += 2
	return r, off, nil
}

func (r InitiateResponse) Encode() []byte {
	out := []byte{byte(TagInitiateResponse), 0x00, 0x06, 0x5f, 0x1f, 0x04, 0x00}
	v := r.NegotiatedConformance << 8
	out = append(out, byte(v>>24), byte(v>>16), byte(v>>8))
	out = append(out, byte(r.ServerMaxReceivePduSize>>8), byte(r.ServerMaxReceivePduSize))
	out = append(out, byte(r.VAAName>>8), byte(r.VAAName))
	return out
}

// ---- Get ----

// GetRequestNormalPDU is GetRequest.Normal: invoke-id, attribute with
// selection.
type GetRequestNormalPDU struct {
	InvokeIDAndPriority InvokeIDAndPriority
	Attribute           cosem.AttributeWithSelection
}

func (g GetRequestNormalPDU) Encode() []byte {
	out := []byte{byte(TagGetRequest), byte(GetRequestNormal), byte(g.InvokeIDAndPriority)}
	out = append(out, g.Attribute.Attribute.Bytes()...)
	if g.Attribute.HasSelection() {
		out = append(out, 0x01, byte(g.Attribute.Selector))
		var v dlmsdata.Value
		switch g.Attribute.Selector {
		case cosem.SelectorRange:
			v = g.Attribute.Range.AsValue()
		case cosem.SelectorEntry:
			v = g.Attribute.Entry.AsValue()
		}
		b, _ := dlmsdata.Encode(v)
		out = append(out, b...)
	} else {
		out = append(out, 0x00)
	}
	return out
}

// DecodeGetRequestNormal parses GetRequest.Normal (src starts after the
// tag and sub-type bytes).
func DecodeGetRequestNormal(src []byte) (GetRequestNormalPDU, int, error) {
	if len(src) < 1+9+1 {
		return GetRequestNormalPDU{}, 0, truncated("get-request-normal")
	}
	var g GetRequestNormalPDU
	g.InvokeIDAndPriority = InvokeIDAndPriority(src[0])
	attr, err := cosem.DecodeAttribute(src[1:10])
	if err != nil {
		return GetRequestNormalPDU{}, 0, err
	}
	off := 10
	hasSelection := src[off]
	off++
	g.Attribute.Attribute = attr
	if hasSelection == 0x01 {
		if off >= len(src) {
			return GetRequestNormalPDU{}, 0, truncated("get-request-normal")
		}
		sel := cosem.AccessSelector(src[off])
		off++
		v, n, err := dlmsdata.DecodeValue(src[off:])
		if err != nil {
			return GetRequestNormalPDU{}, 0, err
		}
		off += n
		g.Attribute.Selector = sel
		switch sel {
		case cosem.SelectorRange:
			rd, err := rangeDescriptorFromValue(v)
			if err != nil {
				return GetRequestNormalPDU{}, 0, err
			}
			g.Attribute.Range = &rd
		case cosem.SelectorEntry:
			ed, err := cosem.EntryDescriptorFromValue(v)
			if err != nil {
				return GetRequestNormalPDU{}, 0, err
			}
			g.Attribute.Entry = &ed
		}
	}
	return g, off, nil
}

func rangeDescriptorFromValue(v dlmsdata.Value) (cosem.RangeDescriptor, error) {
	if v.Tag != dlmsdata.TagStructure || len(v.Elems) != 4 {
		return cosem.RangeDescriptor{}, protoerr.NewMalformed("range descriptor", fmt.Errorf("expected 4-element structure"))
	}
	obj, err := cosem.CaptureObjectFromValue(v.Elems[0])
	if err != nil {
		return cosem.RangeDescriptor{}, err
	}
	var cols []cosem.CaptureObject
	for _, e := range v.Elems[3].Elems {
		c, err := cosem.CaptureObjectFromValue(e)
		if err != nil {
			return cosem.RangeDescriptor{}, err
		}
		cols = append(cols, c)
	}
	return cosem.RangeDescriptor{
		RestrictingObject: obj,
		From:              v.Elems[1],
		To:                v.Elems[2],
		SelectedValues:    cols,
	}, nil
}

// GetRequestNextPDU is GetRequest.Next: invoke-id, expected block number.
type GetRequestNextPDU struct {
	InvokeIDAndPriority InvokeIDAndPriority
	BlockNumber         uint32
}

func (g GetRequestNextPDU) Encode() []byte {
	out := []byte{byte(TagGetRequest), byte(GetRequestNext), byte(g.InvokeIDAndPriority), 0, 0, 0, 0}
	binary.BigEndian.PutUint32(out[3:], g.BlockNumber)
	return out
}

// GetResponseTag dispatch: Normal | WithBlock | WithList.

// GetResponseNormalPDU is the simple success/error reply.
type GetResponseNormalPDU struct {
	InvokeIDAndPriority InvokeIDAndPriority
	IsError             bool
	Result              dlmsdata.Value
	ErrorCode           byte
}

// DecodeGetResponseNormal parses GetResponse.Normal.
func DecodeGetResponseNormal(src []byte) (GetResponseNormalPDU, int, error) {
	if len(src) < 2 {
		return GetResponseNormalPDU{}, 0, truncated("get-response-normal")
	}
	var g GetResponseNormalPDU
	g.InvokeIDAndPriority = InvokeIDAndPriority(src[0])
	choice := src[1]
	off := 2
	if choice == 0x00 {
		v, n, err := dlmsdata.DecodeValue(src[off:])
		if err != nil {
			return GetResponseNormalPDU{}, 0, err
		}
		g.Result = v
		off += n
	} else {
		if off >= len(src) {
			return GetResponseNormalPDU{}, 0, truncated("get-response-normal")
		}
		g.IsError = true
		g.ErrorCode = src[off]
		off++
	}
	return g, off, nil
}

// GetResponseWithBlockPDU carries one partial block: block number, then
// an A-XDR-length-prefixed octet string of partial data (§4.4). LastBlock
// is a separate boolean field the wire encodes as the choice byte.
type GetResponseWithBlockPDU struct {
	InvokeIDAndPriority InvokeIDAndPriority
	LastBlock           bool
	BlockNumber         uint32
	IsError             bool
	ErrorCode           byte
	Data                []byte
}

// DecodeGetResponseWithBlock parses GetResponse.WithBlock / LastBlock.
func DecodeGetResponseWithBlock(src []byte, lastBlock bool) (GetResponseWithBlockPDU, int, error) {
	if len(src) < 1+1+4+1 {
		return GetResponseWithBlockPDU{}, 0, truncated("get-response-with-block")
	}
	var g GetResponseWithBlockPDU
	g.LastBlock = lastBlock
	g.InvokeIDAndPriority = InvokeIDAndPriority(src[0])
	g.LastBlock = lastBlock || src[1] != 0
	g.BlockNumber = binary.BigEndian.Uint32(src[2:6])
	off := 6
	choice := src[off]
	off++
	if choice != 0x00 {
		g.IsError = true
		if off >= len(src) {
			return GetResponseWithBlockPDU{}, 0, truncated("get-response-with-block")
		}
		g.ErrorCode = src[off]
		off++
		return g, off, nil
	}
	n, lenConsumed, err := decodeAXDRLength(src[off:])
	if err != nil {
		return GetResponseWithBlockPDU{}, 0, err
	}
	off += lenConsumed
	if len(src) < off+n {
		return GetResponseWithBlockPDU{}, 0, truncated("get-response-with-block")
	}
	g.Data = append([]byte(nil), src[off:off+n]...)
	off += n
	return g, off, nil
}

// ---- Set ----

// SetRequestNormalPDU is SetRequest.Normal.
type SetRequestNormalPDU struct {
	InvokeIDAndPriority InvokeIDAndPriority
	Attribute           cosem.AttributeWithSelection
	Value               dlmsdata.Value
}

func (s SetRequestNormalPDU) Encode() []byte {
	out := []byte{byte(TagSetRequest), byte(SetRequestNormal), byte(s.InvokeIDAndPriority)}
	out = append(out, s.Attribute.Attribute.Bytes()...)
	if s.Attribute.HasSelection() {
		out = append(out, 0x01, byte(s.Attribute.Selector))
	} else {
		out = append(out, 0x00)
	}
	b, _ := dlmsdata.Encode(s.Value)
	out = append(out, b...)
	return out
}

// SetResponseNormalPDU is SetResponse.Normal: invoke-id, result code.
type SetResponseNormalPDU struct {
	InvokeIDAndPriority InvokeIDAndPriority
	Result              byte
}

func DecodeSetResponseNormal(src []byte) (SetResponseNormalPDU, int, error) {
	if len(src) < 2 {
		return SetResponseNormalPDU{}, 0, truncated("set-response-normal")
	}
	return SetResponseNormalPDU{InvokeIDAndPriority: InvokeIDAndPriority(src[0]), Result: src[1]}, 2, nil
}

// ---- Action ----

// ActionRequestNormalPDU is ActionRequest.Normal: tag‖subtype‖invoke-id‖
// cosem-method‖presence-byte‖(parameters octet-string | ∅) (§4.4).
type ActionRequestNormalPDU struct {
	InvokeIDAndPriority InvokeIDAndPriority
	Method              cosem.Method
	Parameters          []byte // nil means no parameters
}

func (a ActionRequestNormalPDU) Encode() []byte {
	out := []byte{byte(TagActionRequest), byte(ActionRequestNormal), byte(a.InvokeIDAndPriority)}
	out = append(out, a.Method.Bytes()...)
	if a.Parameters == nil {
		out = append(out, 0x00)
		return out
	}
	out = append(out, 0x01)
	param := dlmsdata.Value{Tag: dlmsdata.TagOctetString, Bytes: a.Parameters}
	b, _ := dlmsdata.Encode(param)
	out = append(out, b...)
	return out
}

// DecodeActionRequestNormal parses ActionRequest.Normal.
func DecodeActionRequestNormal(src []byte) (ActionRequestNormalPDU, int, error) {
	if len(src) < 1+9+1 {
		return ActionRequestNormalPDU{}, 0, truncated("action-request-normal")
	}
	var a ActionRequestNormalPDU
	a.InvokeIDAndPriority = InvokeIDAndPriority(src[0])
	m, err := cosem.DecodeMethod(src[1:10])
	if err != nil {
		return ActionRequestNormalPDU{}, 0, err
	}
	a.Method = m
	off := 10
	presence := src[off]
	off++
	if presence == 0x01 {
		v, n, err := dlmsdata.DecodeValue(src[off:])
		if err != nil {
			return ActionRequestNormalPDU{}, 0, err
		}
		off += n
		a.Parameters = v.Bytes
	}
	return a, off, nil
}

// ActionResponseNormalPDU covers Normal / NormalWithData / NormalWithError.
type ActionResponseNormalPDU struct {
	InvokeIDAndPriority InvokeIDAndPriority
	Result              byte
	HasData             bool
	Data                dlmsdata.Value
	HasError            bool
	ErrorCode           byte
}

// DecodeActionResponseNormal parses ActionResponse.Normal and its
// WithData/WithError variants (the sub-type byte has already been
// stripped by the caller; this decodes invoke-id, result, and the
// optional data/error that follows).
func DecodeActionResponseNormal(src []byte) (ActionResponseNormalPDU, int, error) {
	if len(src) < 2 {
		return ActionResponseNormalPDU{}, 0, truncated("action-response-normal")
	}
	var a ActionResponseNormalPDU
	a.InvokeIDAndPriority = InvokeIDAndPriority(src[0])
	a.Result = src[1]
	off := 2
	if off >= len(src) {
		return a, off, nil
	}
	hasReturn := src[off]
	off++
	if hasReturn == 0x00 {
		return a, off, nil
	}
	if off >= len(src) {
		return ActionResponseNormalPDU{}, 0, truncated("action-response-normal")
	}
	choice := src[off]
	off++
	if choice == 0x00 {
		v, n, err := dlmsdata.DecodeValue(src[off:])
		if err != nil {
			return ActionResponseNormalPDU{}, 0, err
		}
		a.HasData = true
		a.Data = v
		off += n
	} else {
		if off >= len(src) {
			return ActionResponseNormalPDU{}, 0, truncated("action-response-normal")
		}
		a.HasError = true
		a.ErrorCode = src[off]
		off++
	}
	return a, off, nil
}

// ---- ConfirmedServiceError / ExceptionResponse ----

// ConfirmedServiceErrorTag / ServiceErrorTag per spec.md §7.
type ConfirmedServiceErrorTag byte

const (
	ErrInitiateError ConfirmedServiceErrorTag = 1
	ErrRead          ConfirmedServiceErrorTag = 5
	ErrWrite         ConfirmedServiceErrorTag = 6
)

type ServiceErrorTag byte

const (
	ErrApplicationReference ServiceErrorTag = 0
	ErrHardwareResource     ServiceErrorTag = 1
	ErrVdeStateError        ServiceErrorTag = 2
	ErrService              ServiceErrorTag = 3
	ErrDefinition           ServiceErrorTag = 4
	ErrAccess               ServiceErrorTag = 5
	ErrInitiate             ServiceErrorTag = 6
	ErrLoadDataSet          ServiceErrorTag = 7
	ErrTask                 ServiceErrorTag = 9
	ErrOtherError           ServiceErrorTag = 10
)

// ConfirmedServiceError is xDLMS tag 14 (§4.4, §7).
type ConfirmedServiceError struct {
	ConfirmedServiceError ConfirmedServiceErrorTag
	ServiceError           ServiceErrorTag
	Value                  byte
}

// DecodeConfirmedServiceError parses a ConfirmedServiceError body (src
// starts after the tag byte).
func DecodeConfirmedServiceError(src []byte) (ConfirmedServiceError, int, error) {
	if len(src) < 3 {
		return ConfirmedServiceError{}, 0, truncated("confirmed-service-error")
	}
	return ConfirmedServiceError{
		ConfirmedServiceError: ConfirmedServiceErrorTag(src[0]),
		ServiceError:           ServiceErrorTag(src[1]),
		Value:                  src[2],
	}, 3, nil
}

// ExceptionResponse is xDLMS tag 216: state-error + service-error, plus
// an optional invocation-counter for counter errors (§4.4).
type ExceptionResponse struct {
	StateError         byte
	ServiceError       byte
	InvocationCounter  *uint32
}

// DecodeExceptionResponse parses an ExceptionResponse body.
func DecodeExceptionResponse(src []byte) (ExceptionResponse, int, error) {
	if len(src) < 2 {
		return ExceptionResponse{}, 0, truncated("exception-response")
	}
	e := ExceptionResponse{StateError: src[0], ServiceError: src[1]}
	off := 2
	const serviceErrorInvocationCounter = 0x06
	if e.ServiceError == serviceErrorInvocationCounter && len(src) >= off+4 {
		ic := binary.BigEndian.Uint32(src[off:])
		e.InvocationCounter = &ic
		off += 4
	}
	return e, off, nil
}

// ---- DataNotification ----

// DataNotification is xDLMS tag 15: long-invoke-id-and-priority, optional
// datetime, body.
type DataNotification struct {
	LongInvokeIDAndPriority uint32
	Timestamp               *dlmsdata.DateTime
	Body                    dlmsdata.Value
}

// DecodeDataNotification parses a DataNotification body.
func DecodeDataNotification(src []byte) (DataNotification, int, error) {
	if len(src) < 4 {
		return DataNotification{}, 0, truncated("data-notification")
	}
	var d DataNotification
	d.LongInvokeIDAndPriority = binary.BigEndian.Uint32(src[:4])
	off := 4
	if off >= len(src) {
		return DataNotification{}, 0, truncated("data-notification")
	}
	if src[off] == 0x01 {
		off++
		v, n, err := dlmsdata.DecodeValue(src[off:])
		if err != nil {
			return DataNotification{}, 0, err
		}
		if v.Tag != dlmsdata.TagDateTime {
			return DataNotification{}, 0, protoerr.NewMalformed("data-notification", fmt.Errorf("expected date-time tag"))
		}
		d.Timestamp = &v.DateTime
		off += n
	} else {
		off++
	}
	v, n, err := dlmsdata.DecodeValue(src[off:])
	if err != nil {
		return DataNotification{}, 0, err
	}
	d.Body = v
	off += n
	return d, off, nil
}

// ---- GeneralGlobalCipher / GeneralCiphering ----

// GeneralGlobalCipher wraps an entire xDLMS APDU: tag ‖ octet-string
// (system-title) ‖ octet-string(security-header + ciphered-text); the
// security-header is (security-control-byte, invocation-counter) (§4.4).
type GeneralGlobalCipher struct {
	SystemTitle       []byte
	SecurityControl   byte
	InvocationCounter uint32
	CipheredText      []byte
}

// Encode serializes a GeneralGlobalCipher.
func (g GeneralGlobalCipher) Encode() []byte {
	header := make([]byte, 5+len(g.CipheredText))
	header[0] = g.SecurityControl
	binary.BigEndian.PutUint32(header[1:5], g.InvocationCounter)
	copy(header[5:], g.CipheredText)

	out := []byte{byte(TagGeneralGlobalCipher)}
	out = appendOctetString(out, g.SystemTitle)
	out = appendOctetString(out, header)
	return out
}

// DecodeGeneralGlobalCipher parses a GeneralGlobalCipher APDU (src starts
// at the tag byte).
func DecodeGeneralGlobalCipher(src []byte) (GeneralGlobalCipher, error) {
	if len(src) < 1 || Tag(src[0]) != TagGeneralGlobalCipher {
		return GeneralGlobalCipher{}, protoerr.NewMalformed("general-global-cipher", fmt.Errorf("unexpected tag"))
	}
	off := 1
	title, n, err := decodeOctetString(src[off:])
	if err != nil {
		return GeneralGlobalCipher{}, err
	}
	off += n
	header, n, err := decodeOctetString(src[off:])
	if err != nil {
		return GeneralGlobalCipher{}, err
	}
	if len(header) < 5 {
		return GeneralGlobalCipher{}, protoerr.NewMalformed("general-global-cipher", fmt.Errorf("security header too short"))
	}
	return GeneralGlobalCipher{
		SystemTitle:       title,
		SecurityControl:   header[0],
		InvocationCounter: binary.BigEndian.Uint32(header[1:5]),
		CipheredText:      header[5:],
	}, nil
}

// GeneralCiphering is the extended ciphering APDU (tag 221): a
// transaction-id (populated with a UUID per SPEC_FULL §11/§12),
// originator/recipient system titles, date-time, other-info, optional
// key-info, and a protected payload.
type GeneralCiphering struct {
	TransactionID       []byte // correlates request/response; filled with uuid.New() bytes by callers
	OriginatorSystemTitle []byte
	RecipientSystemTitle  []byte
	DateTime              *dlmsdata.DateTime
	OtherInformation      []byte
	KeyInfo               *KeyInfo
	CipheredText          []byte
}

// KeyInfoKind selects which key-info CHOICE is present.
type KeyInfoKind byte

const (
	KeyInfoAgreed     KeyInfoKind = 0
	KeyInfoIdentified KeyInfoKind = 1
	KeyInfoWrapped    KeyInfoKind = 2
)

// KeyInfo is GeneralCiphering's optional key-info CHOICE.
type KeyInfo struct {
	Kind KeyInfoKind
	Data []byte
}

// NewTransactionID returns a fresh 16-byte transaction id for correlating
// a GeneralCiphering request/response exchange.
func NewTransactionID() []byte {
	id := uuid.New()
	return id[:]
}

// Encode serializes a GeneralCiphering APDU.
func (g GeneralCiphering) Encode() []byte {
	out := []byte{byte(TagGeneralCiphering)}
	out = appendOctetString(out, g.TransactionID)
	out = appendOctetString(out, g.OriginatorSystemTitle)
	out = appendOctetString(out, g.RecipientSystemTitle)
	if g.DateTime != nil {
		out = append(out, 0x01)
		v := dlmsdata.Value{Tag: dlmsdata.TagDateTime, DateTime: *g.DateTime}
		b, _ := dlmsdata.Encode(v)
		out = append(out, b...)
	} else {
		out = append(out, 0x00)
	}
	out = appendOctetString(out, g.OtherInformation)
	if g.KeyInfo != nil {
		out = append(out, 0x01, byte(g.KeyInfo.Kind))
		out = appendOctetString(out, g.KeyInfo.Data)
	} else {
		out = append(out, 0x00)
	}
	out = appendOctetString(out, g.CipheredText)
	return out
}

// DecodeGeneralCiphering parses a GeneralCiphering APDU.
func DecodeGeneralCiphering(src []byte) (GeneralCiphering, error) {
	if len(src) < 1 || Tag(src[0]) != TagGeneralCiphering {
		return GeneralCiphering{}, protoerr.NewMalformed("general-ciphering", fmt.Errorf("unexpected tag"))
	}
	off := 1
	var g GeneralCiphering
	var n int
	var err error
	if g.TransactionID, n, err = decodeOctetString(src[off:]); err != nil {
		return GeneralCiphering{}, err
	}
	off += n
	if g.OriginatorSystemTitle, n, err = decodeOctetString(src[off:]); err != nil {
		return GeneralCiphering{}, err
	}
	off += n
	if g.RecipientSystemTitle, n, err = decodeOctetString(src[off:]); err != nil {
		return GeneralCiphering{}, err
	}
	off += n
	if off >= len(src) {
		return GeneralCiphering{}, truncated("general-ciphering")
	}
	if src[off] == 0x01 {
		off++
		v, n, err := dlmsdata.DecodeValue(src[off:])
		if err != nil {
			return GeneralCiphering{}, err
		}
		g.DateTime = &v.DateTime
		off += n
	} else {
		off++
	}
	if g.OtherInformation, n, err = decodeOctetString(src[off:]); err != nil {
		return GeneralCiphering{}, err
	}
	off += n
	if off >= len(src) {
		return GeneralCiphering{}, truncated("general-ciphering")
	}
	if src[off] == 0x01 {
		off++
		if off >= len(src) {
			return GeneralCiphering{}, truncated("general-ciphering")
		}
		kind := KeyInfoKind(src[off])
		off++
		data, n, err := decodeOctetString(src[off:])
		if err != nil {
			return GeneralCiphering{}, err
		}
		g.KeyInfo = &KeyInfo{Kind: kind, Data: data}
		off += n
	} else {
		off++
	}
	if g.CipheredText, n, err = decodeOctetString(src[off:]); err != nil {
		return GeneralCiphering{}, err
	}
	off += n
	return g, nil
}

func appendOctetString(dst, data []byte) []byte {
	dst = appendAXDRLength(dst, len(data))
	return append(dst, data...)
}

func appendAXDRLength(dst []byte, n int) []byte {
	if n < 0x80 {
		return append(dst, byte(n))
	}
	if n < 0x100 {
		return append(dst, 0x81, byte(n))
	}
	return append(dst, 0x82, byte(n>>8), byte(n))
}

func decodeAXDRLength(src []byte) (n int, consumed int, err error) {
	if len(src) < 1 {
		return 0, 0, truncated("axdr-length")
	}
	b := src[0]
	if b < 0x80 {
		return int(b), 1, nil
	}
	c := int(b & 0x7f)
	if c == 0 || c > 4 || len(src) < 1+c {
		return 0, 0, truncated("axdr-length")
	}
	r := 0
	for i := 0; i < c; i++ {
		r = (r << 8) | int(src[1+i])
	}
	return r, c + 1, nil
}

func decodeOctetString(src []byte) ([]byte, int, error) {
	n, lenConsumed, err := decodeAXDRLength(src)
	if err != nil {
		return nil, 0, err
	}
	if len(src) < lenConsumed+n {
		return nil, 0, truncated("octet-string")
	}
	return append([]byte(nil), src[lenConsumed:lenConsumed+n]...), lenConsumed + n, nil
}

func truncated(context string) error {
	return protoerr.NewMalformed(context, fmt.Errorf("truncated payload"))
}


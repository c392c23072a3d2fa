package xdlms

import (
	"encoding/hex"
	"testing"

	"github.com/openmetering/dlms-go/cosem"
	"github.com/openmetering/dlms-go/dlmsdata"
	"github.com/openmetering/dlms-go/obis"
	"github.com/stretchr/testify/require"
)

func testAttribute() cosem.Attribute {
	code, err := obis.Parse("1.0.1.8.0.255")
	if err != nil {
		panic(err)
	}
	return cosem.Attribute{ClassID: 3, Instance: code, AttributeID: 2}
}

func TestInvokeIDAndPriority(t *testing.T) {
	v := NewInvokeIDAndPriority(5, true, true)
	require.Equal(t, byte(5), v.InvokeID())
	require.True(t, v.Confirmed())
	require.True(t, v.HighPriority())

	v2 := NewInvokeIDAndPriority(1, false, false)
	require.False(t, v2.Confirmed())
	require.False(t, v2.HighPriority())
}

func TestInitiateRequestEncodeDecodeRoundTrip(t *testing.T) {
	r := InitiateRequest{ProposedConformance: 0x1f0170, ClientMaxReceivePduSize: 0xfe00}
	encoded := r.Encode()
	decoded, n, err := DecodeInitiateRequest(encoded)
	require.NoError(t, err)
	require.Equal(t, len(encoded), n)
	require.Equal(t, r.ProposedConformance, decoded.ProposedConformance)
	require.Equal(t, r.ClientMaxReceivePduSize, decoded.ClientMaxReceivePduSize)
	require.Nil(t, decoded.DedicatedKey)
}

func TestInitiateRequestWithDedicatedKey(t *testing.T) {
	r := InitiateRequest{
		DedicatedKey:            []byte{1, 2, 3, 4},
		ProposedConformance:     0x001f1c,
		ClientMaxReceivePduSize: 0x0200,
	}
	encoded := r.Encode()
	decoded, _, err := DecodeInitiateRequest(encoded)
	require.NoError(t, err)
	require.Equal(t, r.DedicatedKey, decoded.DedicatedKey)
	require.Equal(t, r.ProposedConformance, decoded.ProposedConformance)
}

func TestInitiateRequestWrongTag(t *testing.T) {
	_, _, err := DecodeInitiateRequest([]byte{0x02, 0x00})
	require.Error(t, err)
}

func TestInitiateResponseEncodeDecodeRoundTrip(t *testing.T) {
	r := InitiateResponse{
		NegotiatedConformance:   0x1f0170,
		ServerMaxReceivePduSize: 0x0200,
		VAAName:                 0x0007,
	}
	encoded := r.Encode()
	decoded, n, err := DecodeInitiateResponse(encoded)
	require.NoError(t, err)
	require.Equal(t, len(encoded), n)
	require.Equal(t, r.NegotiatedConformance, decoded.NegotiatedConformance)
	require.Equal(t, r.ServerMaxReceivePduSize, decoded.ServerMaxReceivePduSize)
	require.Equal(t, r.VAAName, decoded.VAAName)
}

func TestGetRequestNormalEncodeDecodeRoundTripNoSelection(t *testing.T) {
	g := GetRequestNormalPDU{
		InvokeIDAndPriority: NewInvokeIDAndPriority(1, true, false),
		Attribute:           cosem.AttributeWithSelection{Attribute: testAttribute()},
	}
	encoded := g.Encode()
	require.Equal(t, byte(TagGetRequest), encoded[0])
	require.Equal(t, byte(GetRequestNormal), encoded[1])

	decoded, n, err := DecodeGetRequestNormal(encoded[2:])
	require.NoError(t, err)
	require.Equal(t, len(encoded)-2, n)
	require.Equal(t, g.InvokeIDAndPriority, decoded.InvokeIDAndPriority)
	require.Equal(t, g.Attribute.Attribute, decoded.Attribute.Attribute)
	require.False(t, decoded.Attribute.HasSelection())
}

func TestGetRequestNormalEncodeDecodeRoundTripWithEntrySelection(t *testing.T) {
	entry := cosem.EntryDescriptor{FromEntry: 1, ToEntry: 10, FromSelectedValue: 0, ToSelectedValue: 0}
	g := GetRequestNormalPDU{
		InvokeIDAndPriority: NewInvokeIDAndPriority(1, true, false),
		Attribute: cosem.AttributeWithSelection{
			Attribute: testAttribute(),
			Selector:  cosem.SelectorEntry,
			Entry:     &entry,
		},
	}
	encoded := g.Encode()
	decoded, _, err := DecodeGetRequestNormal(encoded[2:])
	require.NoError(t, err)
	require.True(t, decoded.Attribute.HasSelection())
	require.Equal(t, cosem.SelectorEntry, decoded.Attribute.Selector)
	require.Equal(t, entry, *decoded.Attribute.Entry)
}

func TestGetRequestNextEncode(t *testing.T) {
	g := GetRequestNextPDU{InvokeIDAndPriority: NewInvokeIDAndPriority(2, true, false), BlockNumber: 42}
	encoded := g.Encode()
	require.Equal(t, byte(TagGetRequest), encoded[0])
	require.Equal(t, byte(GetRequestNext), encoded[1])
	require.Len(t, encoded, 7)
}

func TestGetResponseNormalDecodeSuccess(t *testing.T) {
	v := dlmsdata.Value{Tag: dlmsdata.TagLongUnsigned, Uint: 1234}
	encodedVal, err := dlmsdata.Encode(v)
	require.NoError(t, err)

	src := append([]byte{0x01, 0x00}, encodedVal...)
	decoded, n, err := DecodeGetResponseNormal(src)
	require.NoError(t, err)
	require.Equal(t, len(src), n)
	require.False(t, decoded.IsError)
	require.Equal(t, v, decoded.Result)
}

func TestGetResponseNormalDecodeError(t *testing.T) {
	src := []byte{0x01, 0x01, 0x03}
	decoded, n, err := DecodeGetResponseNormal(src)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.True(t, decoded.IsError)
	require.Equal(t, byte(3), decoded.ErrorCode)
}

func TestGetResponseWithBlockDecode(t *testing.T) {
	src := []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x05, 0x00, 0x03, 0xAA, 0xBB, 0xCC}
	decoded, n, err := DecodeGetResponseWithBlock(src, false)
	require.NoError(t, err)
	require.Equal(t, len(src), n)
	require.False(t, decoded.LastBlock)
	require.Equal(t, uint32(5), decoded.BlockNumber)
	require.False(t, decoded.IsError)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC}, decoded.Data)
}

func TestGetResponseWithBlockDecodeError(t *testing.T) {
	src := []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x07, 0x01, 0x09}
	decoded, _, err := DecodeGetResponseWithBlock(src, true)
	require.NoError(t, err)
	require.True(t, decoded.LastBlock)
	require.True(t, decoded.IsError)
	require.Equal(t, byte(9), decoded.ErrorCode)
}

func TestSetRequestNormalEncode(t *testing.T) {
	s := SetRequestNormalPDU{
		InvokeIDAndPriority: NewInvokeIDAndPriority(1, true, false),
		Attribute:           cosem.AttributeWithSelection{Attribute: testAttribute()},
		Value:               dlmsdata.Value{Tag: dlmsdata.TagLongUnsigned, Uint: 7},
	}
	encoded := s.Encode()
	require.Equal(t, byte(TagSetRequest), encoded[0])
	require.Equal(t, byte(SetRequestNormal), encoded[1])
}

func TestSetResponseNormalDecode(t *testing.T) {
	src := []byte{0x01, 0x00}
	decoded, n, err := DecodeSetResponseNormal(src)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, byte(0), decoded.Result)
}

func TestActionRequestNormalEncodeDecodeRoundTripNoParams(t *testing.T) {
	a := ActionRequestNormalPDU{
		InvokeIDAndPriority: NewInvokeIDAndPriority(1, true, false),
		Method:              cosem.Method{ClassID: 1, Instance: testAttribute().Instance, MethodID: 1},
	}
	encoded := a.Encode()
	decoded, n, err := DecodeActionRequestNormal(encoded[2:])
	require.NoError(t, err)
	require.Equal(t, len(encoded)-2, n)
	require.Equal(t, a.Method, decoded.Method)
	require.Nil(t, decoded.Parameters)
}

func TestActionRequestNormalEncodeDecodeRoundTripWithParams(t *testing.T) {
	a := ActionRequestNormalPDU{
		InvokeIDAndPriority: NewInvokeIDAndPriority(1, true, false),
		Method:              cosem.Method{ClassID: 1, Instance: testAttribute().Instance, MethodID: 1},
		Parameters:          []byte{0xde, 0xad},
	}
	encoded := a.Encode()
	decoded, _, err := DecodeActionRequestNormal(encoded[2:])
	require.NoError(t, err)
	require.Equal(t, a.Parameters, decoded.Parameters)
}

func TestActionResponseNormalDecodeNoData(t *testing.T) {
	src := []byte{0x01, 0x00, 0x00}
	decoded, n, err := DecodeActionResponseNormal(src)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.False(t, decoded.HasData)
	require.False(t, decoded.HasError)
}

func TestActionResponseNormalDecodeWithData(t *testing.T) {
	v := dlmsdata.Value{Tag: dlmsdata.TagInteger, Int: -5}
	encodedVal, err := dlmsdata.Encode(v)
	require.NoError(t, err)
	src := append([]byte{0x01, 0x00, 0x01, 0x00}, encodedVal...)
	decoded, _, err := DecodeActionResponseNormal(src)
	require.NoError(t, err)
	require.True(t, decoded.HasData)
	require.Equal(t, v, decoded.Data)
}

func TestActionResponseNormalDecodeWithError(t *testing.T) {
	src := []byte{0x01, 0x03, 0x01, 0x01, 0x05}
	decoded, n, err := DecodeActionResponseNormal(src)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.True(t, decoded.HasError)
	require.Equal(t, byte(5), decoded.ErrorCode)
}

func TestDecodeConfirmedServiceError(t *testing.T) {
	src := []byte{byte(ErrRead), byte(ErrAccess), 3}
	decoded, n, err := DecodeConfirmedServiceError(src)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, ErrRead, decoded.ConfirmedServiceError)
	require.Equal(t, ErrAccess, decoded.ServiceError)
	require.Equal(t, byte(3), decoded.Value)
}

func TestDecodeExceptionResponseWithoutCounter(t *testing.T) {
	src := []byte{1, 2}
	decoded, n, err := DecodeExceptionResponse(src)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Nil(t, decoded.InvocationCounter)
}

func TestDecodeExceptionResponseWithCounter(t *testing.T) {
	src := []byte{1, 0x06, 0x00, 0x00, 0x00, 0x2A}
	decoded, n, err := DecodeExceptionResponse(src)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.NotNil(t, decoded.InvocationCounter)
	require.Equal(t, uint32(42), *decoded.InvocationCounter)
}

func TestDecodeDataNotificationWithoutTimestamp(t *testing.T) {
	body := dlmsdata.Value{Tag: dlmsdata.TagLongUnsigned, Uint: 99}
	encodedBody, err := dlmsdata.Encode(body)
	require.NoError(t, err)

	src := append([]byte{0x00, 0x00, 0x00, 0x01, 0x00}, encodedBody...)
	decoded, n, err := DecodeDataNotification(src)
	require.NoError(t, err)
	require.Equal(t, len(src), n)
	require.Equal(t, uint32(1), decoded.LongInvokeIDAndPriority)
	require.Nil(t, decoded.Timestamp)
	require.Equal(t, body, decoded.Body)
}

func TestDecodeDataNotificationWithTimestamp(t *testing.T) {
	ts := dlmsdata.Value{Tag: dlmsdata.TagDateTime, DateTime: dlmsdata.DateTime{
		Date: dlmsdata.Date{Year: 2024, Month: 1, Day: 1, DayOfWeek: 1},
		Time: dlmsdata.Time{Hour: 12},
	}}
	encodedTS, err := dlmsdata.Encode(ts)
	require.NoError(t, err)
	body := dlmsdata.Value{Tag: dlmsdata.TagBoolean, Bool: true}
	encodedBody, err := dlmsdata.Encode(body)
	require.NoError(t, err)

	src := []byte{0x00, 0x00, 0x00, 0x02, 0x01}
	src = append(src, encodedTS...)
	src = append(src, encodedBody...)

	decoded, _, err := DecodeDataNotification(src)
	require.NoError(t, err)
	require.NotNil(t, decoded.Timestamp)
	require.Equal(t, ts.DateTime, *decoded.Timestamp)
	require.Equal(t, body, decoded.Body)
}

func TestGeneralGlobalCipherEncodeDecodeRoundTrip(t *testing.T) {
	g := GeneralGlobalCipher{
		SystemTitle:       []byte{1, 2, 3, 4, 5, 6, 7, 8},
		SecurityControl:   0x30,
		InvocationCounter: 123456,
		CipheredText:      []byte{0xde, 0xad, 0xbe, 0xef},
	}
	encoded := g.Encode()
	require.Equal(t, byte(TagGeneralGlobalCipher), encoded[0])

	decoded, err := DecodeGeneralGlobalCipher(encoded)
	require.NoError(t, err)
	require.Equal(t, g.SystemTitle, decoded.SystemTitle)
	require.Equal(t, g.SecurityControl, decoded.SecurityControl)
	require.Equal(t, g.InvocationCounter, decoded.InvocationCounter)
	require.Equal(t, g.CipheredText, decoded.CipheredText)
}

func TestDecodeGeneralGlobalCipherWrongTag(t *testing.T) {
	_, err := DecodeGeneralGlobalCipher([]byte{0x01, 0x00})
	require.Error(t, err)
}

func TestGeneralCipheringEncodeDecodeRoundTripMinimal(t *testing.T) {
	g := GeneralCiphering{
		TransactionID:         NewTransactionID(),
		OriginatorSystemTitle: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		RecipientSystemTitle:  []byte{8, 7, 6, 5, 4, 3, 2, 1},
		OtherInformation:      nil,
		CipheredText:          []byte{0xaa, 0xbb},
	}
	encoded := g.Encode()
	require.Equal(t, byte(TagGeneralCiphering), encoded[0])

	decoded, err := DecodeGeneralCiphering(encoded)
	require.NoError(t, err)
	require.Equal(t, g.TransactionID, decoded.TransactionID)
	require.Len(t, decoded.TransactionID, 16)
	require.Equal(t, g.OriginatorSystemTitle, decoded.OriginatorSystemTitle)
	require.Equal(t, g.RecipientSystemTitle, decoded.RecipientSystemTitle)
	require.Nil(t, decoded.DateTime)
	require.Nil(t, decoded.KeyInfo)
	require.Equal(t, g.CipheredText, decoded.CipheredText)
}

func TestGeneralCipheringEncodeDecodeRoundTripWithKeyInfo(t *testing.T) {
	g := GeneralCiphering{
		TransactionID:         NewTransactionID(),
		OriginatorSystemTitle: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		RecipientSystemTitle:  []byte{8, 7, 6, 5, 4, 3, 2, 1},
		KeyInfo:               &KeyInfo{Kind: KeyInfoWrapped, Data: []byte{0x11, 0x22, 0x33, 0x44}},
		CipheredText:          []byte{0xaa, 0xbb, 0xcc},
	}
	encoded := g.Encode()
	decoded, err := DecodeGeneralCiphering(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded.KeyInfo)
	require.Equal(t, *g.KeyInfo, *decoded.KeyInfo)
}

func TestDecodeGeneralCipheringWrongTag(t *testing.T) {
	_, err := DecodeGeneralCiphering([]byte{0x02, 0x00})
	require.Error(t, err)
}

func TestNewTransactionIDIsUnique(t *testing.T) {
	a := NewTransactionID()
	b := NewTransactionID()
	require.Len(t, a, 16)
	require.NotEqual(t, a, b)
}

// golden vectors taken from Green Book examples (spec's Testable Properties)

func TestGetRequestNormalGoldenVector(t *testing.T) {
	raw, err := hex.DecodeString("C001C1000100002B0100FF0200")
	require.NoError(t, err)

	require.Equal(t, byte(TagGetRequest), raw[0])
	require.Equal(t, byte(GetRequestNormal), raw[1])

	g, n, err := DecodeGetRequestNormal(raw[2:])
	require.NoError(t, err)
	require.Equal(t, len(raw)-2, n)

	require.Equal(t, byte(1), g.InvokeIDAndPriority.InvokeID())
	require.True(t, g.InvokeIDAndPriority.Confirmed())
	require.True(t, g.InvokeIDAndPriority.HighPriority())
	require.False(t, g.Attribute.HasSelection())

	code, err := obis.Parse("0.0.43.1.0.255")
	require.NoError(t, err)
	require.Equal(t, uint16(1), g.Attribute.Attribute.ClassID)
	require.Equal(t, code, g.Attribute.Attribute.Instance)
	require.Equal(t, int8(2), g.Attribute.Attribute.AttributeID)

	want := GetRequestNormalPDU{
		InvokeIDAndPriority: NewInvokeIDAndPriority(1, true, true),
		Attribute:           cosem.AttributeWithSelection{Attribute: cosem.Attribute{ClassID: 1, Instance: code, AttributeID: 2}},
	}
	require.Equal(t, raw, want.Encode())
}

func TestGetResponseNormalGoldenVector(t *testing.T) {
	raw, err := hex.DecodeString("C401C1000600001391")
	require.NoError(t, err)

	require.Equal(t, byte(TagGetResponse), raw[0])
	require.Equal(t, byte(GetResponseNormal), raw[1])

	g, n, err := DecodeGetResponseNormal(raw[2:])
	require.NoError(t, err)
	require.Equal(t, len(raw)-2, n)

	require.False(t, g.IsError)
	require.Equal(t, dlmsdata.TagDoubleLongUnsigned, g.Result.Tag)
	require.Equal(t, uint64(5009), g.Result.Uint)
}

package acse

import (
	"encoding/hex"
	"testing"

	"github.com/openmetering/dlms-go/conformance"
	"github.com/openmetering/dlms-go/xdlms"
	"github.com/stretchr/testify/require"
)

func TestAARQEncodeDecodeRoundTripNoAuth(t *testing.T) {
	a := AARQ{
		ApplicationContext: ContextLNNoCiphering,
		UserInformation:    []byte{0x01, 0x00, 0x00, 0x00, 0x06, 0x5f, 0x1f, 0x04, 0x00, 0x00, 0x18, 0x1d, 0xff, 0xff},
	}
	encoded := a.Encode()
	require.Equal(t, byte(tagAARQ), encoded[0])

	decoded, err := DecodeAARQ(encoded)
	require.NoError(t, err)
	require.Equal(t, a.ApplicationContext, decoded.ApplicationContext)
	require.Equal(t, AuthNone, decoded.Mechanism)
	require.Equal(t, a.UserInformation, decoded.UserInformation)
}

func TestAARQEncodeDecodeRoundTripWithLLS(t *testing.T) {
	a := AARQ{
		ApplicationContext:  ContextLNNoCiphering,
		Mechanism:           AuthLow,
		AuthenticationValue: []byte("password"),
		UserInformation:     []byte{0x01, 0x00, 0x00, 0x00, 0x06, 0x5f, 0x1f, 0x04, 0x00, 0x00, 0x18, 0x1d, 0xff, 0xff},
	}
	encoded := a.Encode()
	decoded, err := DecodeAARQ(encoded)
	require.NoError(t, err)
	require.Equal(t, AuthLow, decoded.Mechanism)
	require.Equal(t, a.AuthenticationValue, decoded.AuthenticationValue)
	require.Equal(t, a.UserInformation, decoded.UserInformation)
}

func TestAARQEncodeDecodeRoundTripWithCallingSystemTitle(t *testing.T) {
	a := AARQ{
		ApplicationContext:  ContextLNCiphering,
		CallingSystemTitle:  []byte{1, 2, 3, 4, 5, 6, 7, 8},
		Mechanism:           AuthHighGMAC,
		AuthenticationValue: []byte{0x11, 0x22, 0x33, 0x44},
		UserInformation:     []byte{0xde, 0xad, 0xbe, 0xef},
	}
	encoded := a.Encode()
	decoded, err := DecodeAARQ(encoded)
	require.NoError(t, err)
	require.Equal(t, a.ApplicationContext, decoded.ApplicationContext)
	require.Equal(t, a.CallingSystemTitle, decoded.CallingSystemTitle)
	require.Equal(t, a.Mechanism, decoded.Mechanism)
	require.Equal(t, a.AuthenticationValue, decoded.AuthenticationValue)
	require.Equal(t, a.UserInformation, decoded.UserInformation)
}

func TestDecodeAARQWrongTag(t *testing.T) {
	_, err := DecodeAARQ([]byte{0x61, 0x00})
	require.Error(t, err)
}

func TestDecodeAARQTruncated(t *testing.T) {
	_, err := DecodeAARQ([]byte{0x60, 0x10, 0x01})
	require.Error(t, err)
}

func TestAAREEncodeDecodeRoundTripAccepted(t *testing.T) {
	a := AARE{
		ApplicationContext: ContextLNNoCiphering,
		Result:             ResultAccepted,
		SourceDiagnostic:   DiagnosticNone,
		UserInformation:    []byte{0x08, 0x00, 0x00, 0x00, 0x06, 0x5f, 0x1f, 0x04, 0x00, 0x00, 0x18, 0x1d, 0xff, 0xff},
	}
	encoded := a.Encode()
	require.Equal(t, byte(tagAARE), encoded[0])

	decoded, err := DecodeAARE(encoded)
	require.NoError(t, err)
	require.Equal(t, a.ApplicationContext, decoded.ApplicationContext)
	require.Equal(t, a.Result, decoded.Result)
	require.Equal(t, a.SourceDiagnostic, decoded.SourceDiagnostic)
	require.Equal(t, a.UserInformation, decoded.UserInformation)
}

func TestAAREEncodeDecodeRoundTripRejectedWithSystemTitle(t *testing.T) {
	a := AARE{
		ApplicationContext:    ContextLNCiphering,
		Result:                ResultPermanentRejected,
		SourceDiagnostic:      DiagnosticAuthenticationFailure,
		RespondingSystemTitle: []byte{8, 7, 6, 5, 4, 3, 2, 1},
		UserInformation:       []byte{0xca, 0xfe},
	}
	encoded := a.Encode()
	decoded, err := DecodeAARE(encoded)
	require.NoError(t, err)
	require.Equal(t, a.Result, decoded.Result)
	require.Equal(t, a.SourceDiagnostic, decoded.SourceDiagnostic)
	require.Equal(t, a.RespondingSystemTitle, decoded.RespondingSystemTitle)
	require.Equal(t, a.UserInformation, decoded.UserInformation)
}

func TestDecodeAAREWrongTag(t *testing.T) {
	_, err := DecodeAARE([]byte{0x60, 0x00})
	require.Error(t, err)
}

func TestDecodeAAREInvalidResultLength(t *testing.T) {
	// tagAARE wrapping a tagResult whose inner INTEGER has length 2, not 1.
	body := []byte{byte(tagResult), 0x04, 0x02, 0x02, 0x00, 0x01}
	src := append([]byte{byte(tagAARE), byte(len(body))}, body...)
	_, err := DecodeAARE(src)
	require.Error(t, err)
}

func TestRLRQEncodeNoReason(t *testing.T) {
	r := RLRQ{}
	encoded := r.Encode()
	require.Equal(t, []byte{byte(tagRLRQ), 0x00}, encoded)
}

func TestRLRQEncodeWithReasonAndUserInformation(t *testing.T) {
	reason := ReleaseNormal
	r := RLRQ{Reason: &reason, UserInformation: []byte{0x01, 0x02}}
	encoded := r.Encode()
	require.Equal(t, byte(tagRLRQ), encoded[0])
	require.Contains(t, string(encoded), string([]byte{0x80, 0x01, byte(ReleaseNormal)}))
}

func TestRLREDecodeRoundTripNoReason(t *testing.T) {
	src := []byte{byte(tagRLRE), 0x00}
	decoded, err := DecodeRLRE(src)
	require.NoError(t, err)
	require.Nil(t, decoded.Reason)
	require.Nil(t, decoded.UserInformation)
}

func TestRLREDecodeRoundTripWithReasonAndUserInformation(t *testing.T) {
	body := []byte{0x80, 0x01, byte(ReleaseUrgent)}
	body = append(body, 0xBE, 0x04, 0x04, 0x02, 0xAB, 0xCD)
	src := append([]byte{byte(tagRLRE), byte(len(body))}, body...)

	decoded, err := DecodeRLRE(src)
	require.NoError(t, err)
	require.NotNil(t, decoded.Reason)
	require.Equal(t, ReleaseUrgent, *decoded.Reason)
	require.Equal(t, []byte{0xAB, 0xCD}, decoded.UserInformation)
}

func TestRLREDecodeWrongTag(t *testing.T) {
	_, err := DecodeRLRE([]byte{byte(tagRLRQ), 0x00})
	require.Error(t, err)
}

func TestRLREDecodeInvalidReasonLength(t *testing.T) {
	body := []byte{0x80, 0x02, 0x00, 0x01}
	src := append([]byte{byte(tagRLRE), byte(len(body))}, body...)
	_, err := DecodeRLRE(src)
	require.Error(t, err)
}

// golden vectors taken from Green Book examples (spec's Testable Properties)

func TestAARQGoldenVectorLNNoCipher(t *testing.T) {
	raw, err := hex.DecodeString("601DA109060760857405080101BE10040E01000000065F1F0400001E1DFFFF")
	require.NoError(t, err)

	decoded, err := DecodeAARQ(raw)
	require.NoError(t, err)
	require.Equal(t, ContextLNNoCiphering, decoded.ApplicationContext)
	require.Equal(t, AuthNone, decoded.Mechanism)

	initiate, n, err := xdlms.DecodeInitiateRequest(decoded.UserInformation)
	require.NoError(t, err)
	require.Equal(t, len(decoded.UserInformation), n)
	require.Nil(t, initiate.DedicatedKey)
	require.Equal(t, uint16(0xffff), initiate.ClientMaxReceivePduSize)

	proposed := conformance.Block(initiate.ProposedConformance)
	for _, bit := range []conformance.Block{
		conformance.BlockTransferWithGet, conformance.BlockTransferWithSet, conformance.BlockTransferWithAction,
		conformance.MultipleReferences, conformance.Get, conformance.Set, conformance.SelectiveAccess, conformance.Action,
	} {
		require.True(t, proposed.Has(bit), "missing conformance bit %#x", uint32(bit))
	}

	require.Equal(t, raw, decoded.Encode())
}

func TestAAREGoldenVectorAccepted(t *testing.T) {
	raw, err := hex.DecodeString("6129A109060760857405080101A203020100A305A103020100BE10040E0800065F1F040000501F01F40007")
	require.NoError(t, err)

	decoded, err := DecodeAARE(raw)
	require.NoError(t, err)
	require.Equal(t, ContextLNNoCiphering, decoded.ApplicationContext)
	require.Equal(t, ResultAccepted, decoded.Result)
	require.Equal(t, DiagnosticNone, decoded.SourceDiagnostic)

	resp, n, err := xdlms.DecodeInitiateResponse(decoded.UserInformation)
	require.NoError(t, err)
	require.Equal(t, len(decoded.UserInformation), n)
	require.Equal(t, uint16(500), resp.ServerMaxReceivePduSize)

	negotiated := conformance.Block(resp.NegotiatedConformance)
	for _, bit := range []conformance.Block{
		conformance.Get, conformance.Set, conformance.SelectiveAccess, conformance.EventNotification,
		conformance.Action, conformance.PriorityManagement, conformance.BlockTransferWithGet,
	} {
		require.True(t, negotiated.Has(bit), "missing conformance bit %#x", uint32(bit))
	}
}

// Package acse implements the Association Control Service Element BER
// APDUs: AARQ, AARE, RLRQ, RLRE (§4.5).
package acse

import (
	"bytes"
	"fmt"

	"github.com/openmetering/dlms-go/ber"
	"github.com/openmetering/dlms-go/protoerr"
)

// ApplicationContext names the fixed DLMS object identifier prefix's last
// byte (§4.5): the engine only implements LN contexts (1, 3).
type ApplicationContext byte

const (
	ContextLNNoCiphering ApplicationContext = 1
	ContextSNNoCiphering ApplicationContext = 2
	ContextLNCiphering   ApplicationContext = 3
	ContextSNCiphering   ApplicationContext = 4
)

// AuthenticationMechanism is the authentication enum carried in the
// mechanism-name OID's last byte.
type AuthenticationMechanism byte

const (
	AuthNone      AuthenticationMechanism = 0
	AuthLow       AuthenticationMechanism = 1
	AuthHigh      AuthenticationMechanism = 2
	AuthHighMD5   AuthenticationMechanism = 3
	AuthHighSHA1  AuthenticationMechanism = 4
	AuthHighGMAC  AuthenticationMechanism = 5
	AuthHighSHA256 AuthenticationMechanism = 6
	AuthHighECDSA AuthenticationMechanism = 7
)

// AssociationResult mirrors base.AssociationResult (spec.md §4.5/GLOSSARY).
type AssociationResult byte

const (
	ResultAccepted          AssociationResult = 0
	ResultPermanentRejected AssociationResult = 1
	ResultTransientRejected AssociationResult = 2
)

// SourceDiagnostic mirrors the AARE result-source-diagnostic enum.
type SourceDiagnostic byte

const (
	DiagnosticNone                  SourceDiagnostic = 0
	DiagnosticNoReasonGiven         SourceDiagnostic = 1
	DiagnosticAuthenticationFailure SourceDiagnostic = 13
	DiagnosticAuthenticationRequired SourceDiagnostic = 14
)

var applicationContextPrefix = []byte{0x06, 0x07, 0x60, 0x85, 0x74, 0x05, 0x08, 0x01}
var mechanismNamePrefix = []byte{0x07, 0x60, 0x85, 0x74, 0x05, 0x08, 0x02}

// BER tags from spec.md §4.5.
const (
	tagApplicationContextName = 0xA1
	tagResult                 = 0xA2
	tagResultSourceDiagnostic = 0xA3
	tagAPTitle                = 0xA4
	tagCallingAPTitle         = 0xA6
	tagSenderACSERequirements = 0x8A
	tagMechanismName          = 0x8B
	tagAuthenticationValue    = 0xAC
	tagUserInformation        = 0xBE

	tagAARQ = 0x60
	tagAARE = 0x61
	tagRLRQ = 0x62
	tagRLRE = 0x63
)

// AARQ is the association request (§4.5).
type AARQ struct {
	ApplicationContext ApplicationContext
	CallingSystemTitle []byte // present only for HLS-GMAC/SHA256/ECDSA
	Mechanism          AuthenticationMechanism
	AuthenticationValue []byte // LLS password or HLS challenge, nil if AuthNone
	UserInformation    []byte // BER-wrapped xDLMS InitiateRequest/GlobalCipherInitiateRequest
}

// Encode serializes the AARQ. UserInformation is written as given;
// Encode never ciphers it.
func (a AARQ) Encode() []byte {
	var content bytes.Buffer

	acBody := append(append([]byte{}, applicationContextPrefix...), byte(a.ApplicationContext))
	content.Write(ber.Encode(tagApplicationContextName, acBody))

	if len(a.CallingSystemTitle) > 0 {
		content.Write(ber.EncodeNested(tagCallingAPTitle, 0x04, a.CallingSystemTitle))
	}

	if a.Mechanism != AuthNone {
		content.Write(ber.Encode(tagSenderACSERequirements, []byte{0x07, 0x80}))
		mechBody := append(append([]byte{}, mechanismNamePrefix...), byte(a.Mechanism))
		content.Write(ber.Encode(tagMechanismName, mechBody))
		content.Write(ber.EncodeNested(tagAuthenticationValue, 0x80, a.AuthenticationValue))
	}

	content.Write(ber.EncodeNested(tagUserInformation, 0x04, a.UserInformation))

	return ber.Encode(tagAARQ, content.Bytes())
}

// DecodeAARQ parses an AARQ APDU (for completeness / testing symmetry;
// the engine is a client and never receives one in normal operation).
func DecodeAARQ(src []byte) (AARQ, error) {
	body, _, err := ber.DecodeExpected(src, tagAARQ)
	if err != nil {
		return AARQ{}, err
	}
	var out AARQ
	off := 0
	for off < len(body) {
		tag, value, n, err := ber.Decode(body[off:])
		if err != nil {
			return AARQ{}, err
		}
		switch byte(tag) {
		case tagApplicationContextName:
			if len(value) != 9 {
				return AARQ{}, protoerr.NewMalformed("aarq", fmt.Errorf("invalid application-context-name length"))
			}
			out.ApplicationContext = ApplicationContext(value[8])
		case tagCallingAPTitle:
			innerValue, _, err := ber.DecodeExpected(value, 0x04)
			if err != nil {
				return AARQ{}, err
			}
			out.CallingSystemTitle = innerValue
		case tagMechanismName:
			if len(value) != 8 {
				return AARQ{}, protoerr.NewMalformed("aarq", fmt.Errorf("invalid mechanism-name length"))
			}
			out.Mechanism = AuthenticationMechanism(value[7])
		case tagAuthenticationValue:
			innerValue, _, err := ber.DecodeExpected(value, 0x80)
			if err != nil {
				return AARQ{}, err
			}
			out.AuthenticationValue = innerValue
		case tagUserInformation:
			innerValue, _, err := ber.DecodeExpected(value, 0x04)
			if err != nil {
				return AARQ{}, err
			}
			out.UserInformation = innerValue
		}
		off += n
	}
	return out, nil
}

// AARE is the association response (§4.5).
type AARE struct {
	ApplicationContext ApplicationContext
	Result             AssociationResult
	SourceDiagnostic   SourceDiagnostic
	RespondingSystemTitle []byte // sender system title when ciphered
	Mechanism          AuthenticationMechanism
	AuthenticationValue []byte
	UserInformation    []byte
}

// DecodeAARE parses an AARE APDU.
func DecodeAARE(src []byte) (AARE, error) {
	body, _, err := ber.DecodeExpected(src, tagAARE)
	if err != nil {
		return AARE{}, err
	}
	var out AARE
	off := 0
	for off < len(body) {
		tag, value, n, err := ber.Decode(body[off:])
		if err != nil {
			return AARE{}, err
		}
		switch byte(tag) {
		case tagApplicationContextName:
			if len(value) != 9 {
				return AARE{}, protoerr.NewMalformed("aare", fmt.Errorf("invalid application-context-name length"))
			}
			out.ApplicationContext = ApplicationContext(value[8])
		case tagResult:
			inner, _, err := ber.DecodeExpected(value, 0x02)
			if err != nil {
				return AARE{}, err
			}
			if len(inner) != 1 {
				return AARE{}, protoerr.NewMalformed("aare", fmt.Errorf("invalid result length"))
			}
			out.Result = AssociationResult(inner[0])
		case tagResultSourceDiagnostic:
			_, choiceValue, _, err := ber.Decode(value)
			if err != nil {
				return AARE{}, err
			}
			innerValue, _, err := ber.DecodeExpected(choiceValue, 0x02)
			if err != nil {
				return AARE{}, err
			}
			if len(innerValue) != 1 {
				return AARE{}, protoerr.NewMalformed("aare", fmt.Errorf("invalid source-diagnostic length"))
			}
			out.SourceDiagnostic = SourceDiagnostic(innerValue[0])
		case tagAPTitle:
			innerValue, _, err := ber.DecodeExpected(value, 0x04)
			if err != nil {
				return AARE{}, err
			}
			out.RespondingSystemTitle = innerValue
		case tagMechanismName:
			if len(value) != 8 {
				return AARE{}, protoerr.NewMalformed("aare", fmt.Errorf("invalid mechanism-name length"))
			}
			out.Mechanism = AuthenticationMechanism(value[7])
		case tagAuthenticationValue:
			innerValue, _, err := ber.DecodeExpected(value, 0x80)
			if err != nil {
				return AARE{}, err
			}
			out.AuthenticationValue = innerValue
		case tagUserInformation:
			innerValue, _, err := ber.DecodeExpected(value, 0x04)
			if err != nil {
				return AARE{}, err
			}
			out.UserInformation = innerValue
		}
		off += n
	}
	return out, nil
}

// Encode serializes the AARE (used by tests exercising the round trip;
// the engine itself never sends one).
func (a AARE) Encode() []byte {
	var content bytes.Buffer
	acBody := append(append([]byte{}, applicationContextPrefix...), byte(a.ApplicationContext))
	content.Write(ber.Encode(tagApplicationContextName, acBody))
	content.Write(ber.EncodeNested(tagResult, 0x02, []byte{byte(a.Result)}))
	content.Write(ber.Encode(tagResultSourceDiagnostic, ber.EncodeNested(0xA1, 0x02, []byte{byte(a.SourceDiagnostic)})))
	if len(a.RespondingSystemTitle) > 0 {
		content.Write(ber.EncodeNested(tagAPTitle, 0x04, a.RespondingSystemTitle))
	}
	content.Write(ber.EncodeNested(tagUserInformation, 0x04, a.UserInformation))
	return ber.Encode(tagAARE, content.Bytes())
}

// ReleaseReason is the RLRQ/RLRE reason enum (§4.5).
type ReleaseReason byte

const (
	ReleaseNormal       ReleaseReason = 0
	ReleaseUrgent       ReleaseReason = 1
	ReleaseUserDefined  ReleaseReason = 30
)

// RLRQ is the release request.
type RLRQ struct {
	Reason          *ReleaseReason
	UserInformation []byte // ciphered InitiateRequest when the association is ciphered
}

// Encode serializes the RLRQ.
func (r RLRQ) Encode() []byte {
	var content bytes.Buffer
	if r.Reason != nil {
		content.Write(ber.Encode(0x80, []byte{byte(*r.Reason)}))
	}
	if len(r.UserInformation) > 0 {
		content.Write(ber.EncodeNested(tagUserInformation, 0x04, r.UserInformation))
	}
	return ber.Encode(tagRLRQ, content.Bytes())
}

// RLRE is the release response.
type RLRE struct {
	Reason          *ReleaseReason
	UserInformation []byte // cleartext InitiateResponse when the association is ciphered
}

// DecodeRLRE parses an RLRE APDU.
func DecodeRLRE(src []byte) (RLRE, error) {
	body, _, err := ber.DecodeExpected(src, tagRLRE)
	if err != nil {
		return RLRE{}, err
	}
	var out RLRE
	off := 0
	for off < len(body) {
		tag, value, n, err := ber.Decode(body[off:])
		if err != nil {
			return RLRE{}, err
		}
		switch byte(tag) {
		case 0x80:
			if len(value) != 1 {
				return RLRE{}, protoerr.NewMalformed("rlre", fmt.Errorf("invalid reason length"))
			}
			r := ReleaseReason(value[0])
			out.Reason = &r
		case tagUserInformation:
			innerValue, _, err := ber.DecodeExpected(value, 0x04)
			if err != nil {
				return RLRE{}, err
			}
			out.UserInformation = innerValue
		}
		off += n
	}
	return out, nil
}

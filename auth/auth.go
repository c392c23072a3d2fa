// Package auth implements the DLMS authentication mechanisms (§3.6,
// §4.3's HLS-GMAC flow): None, LLS, and the HLS family (MD5, SHA1, GMAC,
// SHA256, ECDSA). Grounded on the teacher's ciphering.Hash/Verify switch
// and dlmslnauth.go.
package auth

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/openmetering/dlms-go/protoerr"
	"github.com/openmetering/dlms-go/security"
)

// Mechanism is the authentication mechanism enum (spec.md §4.3/GLOSSARY).
type Mechanism byte

const (
	MechanismNone      Mechanism = 0
	MechanismLow       Mechanism = 1
	MechanismHigh      Mechanism = 2
	MechanismHighMD5   Mechanism = 3
	MechanismHighSHA1  Mechanism = 4
	MechanismHighGMAC  Mechanism = 5
	MechanismHighSHA256 Mechanism = 6
	MechanismHighECDSA Mechanism = 7
)

// GenerateChallenge produces a random challenge of n bytes (8-64 per
// spec.md §4.3).
func GenerateChallenge(n int) ([]byte, error) {
	if n < 8 || n > 64 {
		return nil, fmt.Errorf("auth: challenge length %d out of range [8,64]", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// LowLevelCompare implements LLS: plain byte comparison of the received
// password against the expected one.
func LowLevelCompare(expected, received []byte) bool {
	return bytes.Equal(expected, received)
}

// HighLevelParams bundles the fields a high-level authenticator needs.
type HighLevelParams struct {
	Mechanism         Mechanism
	Password          []byte // HLS-MD5/SHA1: shared secret appended to the challenge
	ClientSystemTitle []byte
	ServerSystemTitle []byte
	ClientToServer    []byte // challenge the client generated
	ServerToClient    []byte // challenge the meter generated
	EncryptionKey     []byte // HLS-GMAC
	AuthenticationKey []byte // HLS-GMAC
	ClientInvocation  uint32 // HLS-GMAC
	PrivateKey        *ecdsa.PrivateKey // HLS-ECDSA
	PeerPublicKey     *ecdsa.PublicKey  // HLS-ECDSA
}

// ComputeClientReply computes the value the client sends back for the
// given mechanism, authenticating the server's challenge (ServerToClient).
func ComputeClientReply(p HighLevelParams) ([]byte, error) {
	switch p.Mechanism {
	case MechanismHighMD5:
		h := md5.Sum(concat(p.ServerToClient, p.Password))
		return h[:], nil
	case MechanismHighSHA1:
		h := sha1.Sum(concat(p.ServerToClient, p.Password))
		return h[:], nil
	case MechanismHighSHA256:
		h := sha256.Sum256(concat(p.Password, p.ClientSystemTitle, p.ServerSystemTitle, p.ServerToClient, p.ClientToServer))
		return h[:], nil
	case MechanismHighGMAC:
		control := security.Control(0).WithSuite(0) | security.ControlAuthenticated
		tag, err := security.GMAC(control, p.EncryptionKey, p.AuthenticationKey, p.ClientSystemTitle, p.ClientInvocation, p.ServerToClient)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 5+len(tag))
		out[0] = byte(control)
		putUint32(out[1:5], p.ClientInvocation)
		copy(out[5:], tag)
		return out, nil
	case MechanismHighECDSA:
		if p.PrivateKey == nil {
			return nil, protoerr.NewProtection("ecdsa private key not set, required for ecdsa authentication")
		}
		h := sha256.Sum256(concat(p.ClientSystemTitle, p.ServerSystemTitle, p.ServerToClient, p.ClientToServer))
		r, s, err := ecdsa.Sign(rand.Reader, p.PrivateKey, h[:])
		if err != nil {
			return nil, err
		}
		return append(fixedWidthBytes(r, p.PrivateKey.Curve), fixedWidthBytes(s, p.PrivateKey.Curve)...), nil
	case MechanismHigh:
		return nil, fmt.Errorf("auth: plain HLS (mechanism 2) is manufacturer-specific, not implemented")
	default:
		return nil, fmt.Errorf("auth: mechanism %d does not support a client reply", p.Mechanism)
	}
}

// VerifyServerReply verifies the mirror of ComputeClientReply the meter
// sends back, authenticating ClientToServer.
func VerifyServerReply(p HighLevelParams, reply []byte) error {
	switch p.Mechanism {
	case MechanismHighGMAC:
		if len(reply) < 5 {
			return protoerr.NewMalformed("hls-gmac reply", fmt.Errorf("need at least 5 bytes, got %d", len(reply)))
		}
		control := security.Control(reply[0])
		counter := getUint32(reply[1:5])
		tag := reply[5:]
		return security.VerifyGMAC(control, p.EncryptionKey, p.AuthenticationKey, p.ServerSystemTitle, counter, p.ClientToServer, tag)
	case MechanismHighMD5:
		h := md5.Sum(concat(p.ClientToServer, p.Password))
		if !bytes.Equal(h[:], reply) {
			return protoerr.NewDecryption(fmt.Errorf("hls-md5 mismatch"))
		}
		return nil
	case MechanismHighSHA1:
		h := sha1.Sum(concat(p.ClientToServer, p.Password))
		if !bytes.Equal(h[:], reply) {
			return protoerr.NewDecryption(fmt.Errorf("hls-sha1 mismatch"))
		}
		return nil
	case MechanismHighSHA256:
		h := sha256.Sum256(concat(p.Password, p.ServerSystemTitle, p.ClientSystemTitle, p.ClientToServer, p.ServerToClient))
		if !bytes.Equal(h[:], reply) {
			return protoerr.NewDecryption(fmt.Errorf("hls-sha256 mismatch"))
		}
		return nil
	case MechanismHighECDSA:
		if p.PeerPublicKey == nil {
			return protoerr.NewProtection("ecdsa public key not set, required for ecdsa verification")
		}
		h := sha256.Sum256(concat(p.ServerSystemTitle, p.ClientSystemTitle, p.ClientToServer, p.ServerToClient))
		half := len(reply) / 2
		r := new(big.Int).SetBytes(reply[:half])
		s := new(big.Int).SetBytes(reply[half:])
		if !ecdsa.Verify(p.PeerPublicKey, h[:], r, s) {
			return protoerr.NewDecryption(fmt.Errorf("hls-ecdsa signature verification failed"))
		}
		return nil
	default:
		return fmt.Errorf("auth: mechanism %d does not support server reply verification", p.Mechanism)
	}
}

// fixedWidthBytes encodes n zero-padded to curve's coordinate size, so an
// ECDSA signature's r‖s split at the midpoint is unambiguous regardless of
// how many leading zero bytes either component happens to have.
func fixedWidthBytes(n *big.Int, curve elliptic.Curve) []byte {
	size := (curve.Params().BitSize + 7) / 8
	out := make([]byte, size)
	n.FillBytes(out)
	return out
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func putUint32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

func getUint32(src []byte) uint32 {
	return uint32(src[0])<<24 | uint32(src[1])<<16 | uint32(src[2])<<8 | uint32(src[3])
}

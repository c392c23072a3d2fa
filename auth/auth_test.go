package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateChallengeLengthBounds(t *testing.T) {
	_, err := GenerateChallenge(4)
	require.Error(t, err)
	_, err = GenerateChallenge(100)
	require.Error(t, err)

	c, err := GenerateChallenge(16)
	require.NoError(t, err)
	require.Len(t, c, 16)
}

func TestGenerateChallengeIsRandom(t *testing.T) {
	a, err := GenerateChallenge(16)
	require.NoError(t, err)
	b, err := GenerateChallenge(16)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestLowLevelCompare(t *testing.T) {
	require.True(t, LowLevelCompare([]byte("secret"), []byte("secret")))
	require.False(t, LowLevelCompare([]byte("secret"), []byte("wrong")))
}

// mirrorParams swaps the client and server sides of p, so that
// ComputeClientReply(mirrorParams(p)) yields the reply the meter sends back
// and VerifyServerReply(p, ...) checks.
func mirrorParams(p HighLevelParams) HighLevelParams {
	m := p
	m.ClientSystemTitle, m.ServerSystemTitle = p.ServerSystemTitle, p.ClientSystemTitle
	m.ServerToClient, m.ClientToServer = p.ClientToServer, p.ServerToClient
	return m
}

func TestHLSMD5RoundTrip(t *testing.T) {
	p := HighLevelParams{
		Mechanism:      MechanismHighMD5,
		Password:       []byte("shared-secret"),
		ServerToClient: []byte{1, 2, 3, 4},
		ClientToServer: []byte{5, 6, 7, 8},
	}
	_, err := ComputeClientReply(p)
	require.NoError(t, err)
	meterReply, err := ComputeClientReply(mirrorParams(p))
	require.NoError(t, err)
	require.NoError(t, VerifyServerReply(p, meterReply))
}

func TestHLSMD5MismatchFails(t *testing.T) {
	p := HighLevelParams{
		Mechanism:      MechanismHighMD5,
		Password:       []byte("shared-secret"),
		ServerToClient: []byte{1, 2, 3, 4},
		ClientToServer: []byte{5, 6, 7, 8},
	}
	reply, err := ComputeClientReply(mirrorParams(p))
	require.NoError(t, err)
	require.NoError(t, VerifyServerReply(p, reply))
	reply[0] ^= 0xff
	require.Error(t, VerifyServerReply(p, reply))
}

func TestHLSSHA1RoundTrip(t *testing.T) {
	p := HighLevelParams{
		Mechanism:      MechanismHighSHA1,
		Password:       []byte("shared-secret"),
		ServerToClient: []byte{1, 2, 3, 4},
		ClientToServer: []byte{5, 6, 7, 8},
	}
	_, err := ComputeClientReply(p)
	require.NoError(t, err)
	meterReply, err := ComputeClientReply(mirrorParams(p))
	require.NoError(t, err)
	require.NoError(t, VerifyServerReply(p, meterReply))
}

func TestHLSSHA256RoundTrip(t *testing.T) {
	p := HighLevelParams{
		Mechanism:         MechanismHighSHA256,
		Password:          []byte("shared-secret"),
		ClientSystemTitle: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		ServerSystemTitle: []byte{8, 7, 6, 5, 4, 3, 2, 1},
		ServerToClient:    []byte{1, 2, 3, 4},
		ClientToServer:    []byte{5, 6, 7, 8},
	}
	_, err := ComputeClientReply(p)
	require.NoError(t, err)
	meterReply, err := ComputeClientReply(mirrorParams(p))
	require.NoError(t, err)
	require.NoError(t, VerifyServerReply(p, meterReply))
}

func TestHLSGMACRoundTrip(t *testing.T) {
	p := HighLevelParams{
		Mechanism:         MechanismHighGMAC,
		ClientSystemTitle: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		ServerSystemTitle: []byte{8, 7, 6, 5, 4, 3, 2, 1},
		ServerToClient:    []byte{1, 2, 3, 4, 5, 6, 7, 8},
		ClientToServer:    []byte{8, 7, 6, 5, 4, 3, 2, 1},
		EncryptionKey:     make([]byte, 16),
		AuthenticationKey: []byte{0xaa, 0xbb},
		ClientInvocation:  7,
	}
	_, err := ComputeClientReply(p)
	require.NoError(t, err)

	// The meter mirrors back over the client's own challenge with its own
	// invocation counter; simulate that by reusing the same keys against
	// ClientToServer, as VerifyServerReply expects.
	meterReply, err := ComputeMirroredGMACReply(p, 9)
	require.NoError(t, err)
	require.NoError(t, VerifyServerReply(p, meterReply))
}

// ComputeMirroredGMACReply builds the GMAC reply shape a meter would send
// back (SC‖IC‖tag over ClientToServer), exercising the same wire format
// ComputeClientReply/VerifyServerReply agree on for MechanismHighGMAC.
func ComputeMirroredGMACReply(p HighLevelParams, meterInvocation uint32) ([]byte, error) {
	return ComputeClientReply(HighLevelParams{
		Mechanism:         MechanismHighGMAC,
		ClientSystemTitle: p.ServerSystemTitle,
		ServerToClient:    p.ClientToServer,
		EncryptionKey:     p.EncryptionKey,
		AuthenticationKey: p.AuthenticationKey,
		ClientInvocation:  meterInvocation,
	})
}

func TestHLSGMACTamperedFails(t *testing.T) {
	p := HighLevelParams{
		Mechanism:         MechanismHighGMAC,
		ClientSystemTitle: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		ServerSystemTitle: []byte{8, 7, 6, 5, 4, 3, 2, 1},
		ClientToServer:    []byte{8, 7, 6, 5, 4, 3, 2, 1},
		EncryptionKey:     make([]byte, 16),
		AuthenticationKey: []byte{0xaa, 0xbb},
	}
	reply, err := ComputeMirroredGMACReply(p, 9)
	require.NoError(t, err)
	reply[len(reply)-1] ^= 0xff
	require.Error(t, VerifyServerReply(p, reply))
}

func TestHLSECDSARoundTrip(t *testing.T) {
	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	clientSystemTitle := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	serverSystemTitle := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	serverToClient := []byte{1, 2, 3, 4}
	clientToServer := []byte{5, 6, 7, 8}

	p := HighLevelParams{
		Mechanism:         MechanismHighECDSA,
		PrivateKey:        clientKey,
		ClientSystemTitle: clientSystemTitle,
		ServerSystemTitle: serverSystemTitle,
		ServerToClient:    serverToClient,
		ClientToServer:    clientToServer,
	}
	sig, err := ComputeClientReply(p)
	require.NoError(t, err)

	h := sha256.Sum256(concat(clientSystemTitle, serverSystemTitle, serverToClient, clientToServer))
	require.Len(t, sig, 64) // P-256: two 32-byte fixed-width coordinates
	half := len(sig) / 2
	r := new(big.Int).SetBytes(sig[:half])
	s := new(big.Int).SetBytes(sig[half:])
	require.True(t, ecdsa.Verify(&clientKey.PublicKey, h[:], r, s))
}

func TestHLSECDSAServerVerify(t *testing.T) {
	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	clientSystemTitle := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	serverSystemTitle := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	serverToClient := []byte{1, 2, 3, 4}
	clientToServer := []byte{5, 6, 7, 8}

	h := sha256.Sum256(concat(serverSystemTitle, clientSystemTitle, clientToServer, serverToClient))
	r, s, err := ecdsa.Sign(rand.Reader, serverKey, h[:])
	require.NoError(t, err)
	reply := append(fixedWidthBytes(r, elliptic.P256()), fixedWidthBytes(s, elliptic.P256())...)

	p := HighLevelParams{
		Mechanism:         MechanismHighECDSA,
		PeerPublicKey:     &serverKey.PublicKey,
		ClientSystemTitle: clientSystemTitle,
		ServerSystemTitle: serverSystemTitle,
		ServerToClient:    serverToClient,
		ClientToServer:    clientToServer,
	}
	require.NoError(t, VerifyServerReply(p, reply))
}

func TestHLSECDSAMissingPrivateKey(t *testing.T) {
	_, err := ComputeClientReply(HighLevelParams{Mechanism: MechanismHighECDSA})
	require.Error(t, err)
}

func TestHLSECDSAMissingPublicKey(t *testing.T) {
	err := VerifyServerReply(HighLevelParams{Mechanism: MechanismHighECDSA}, []byte{1, 2})
	require.Error(t, err)
}

func TestMechanismHighPlainUnsupported(t *testing.T) {
	_, err := ComputeClientReply(HighLevelParams{Mechanism: MechanismHigh})
	require.Error(t, err)
}

func TestUnknownMechanismRejected(t *testing.T) {
	_, err := ComputeClientReply(HighLevelParams{Mechanism: MechanismNone})
	require.Error(t, err)
	err = VerifyServerReply(HighLevelParams{Mechanism: MechanismNone}, nil)
	require.Error(t, err)
}

package security

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKeys() (encKey, authKey, sysTitle []byte) {
	encKey = bytes.Repeat([]byte{0x11}, 16)
	authKey = []byte{0xaa, 0xbb, 0xcc, 0xdd}
	sysTitle = []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	return
}

func TestControlByteAccessors(t *testing.T) {
	c := Control(0).WithSuite(1) | ControlAuthenticated | ControlEncrypted
	require.Equal(t, 1, c.Suite())
	require.True(t, c.Authenticated())
	require.True(t, c.Encrypted())
	require.False(t, c.Broadcast())
	require.False(t, c.Compressed())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	encKey, authKey, sysTitle := testKeys()
	control := ControlAuthenticated | ControlEncrypted
	plaintext := []byte("GetRequest body goes here")

	cipher, err := Encrypt(control, encKey, authKey, sysTitle, 1, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, cipher)

	decrypted, err := Decrypt(control, encKey, authKey, sysTitle, 1, cipher)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestEncryptDecryptAuthenticatedOnly(t *testing.T) {
	encKey, authKey, sysTitle := testKeys()
	control := ControlAuthenticated
	plaintext := []byte("cleartext but authenticated")

	out, err := Encrypt(control, encKey, authKey, sysTitle, 5, plaintext)
	require.NoError(t, err)

	full := append(append([]byte(nil), plaintext...), out...)
	decrypted, err := Decrypt(control, encKey, authKey, sysTitle, 5, full)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	encKey, authKey, sysTitle := testKeys()
	control := ControlAuthenticated | ControlEncrypted
	cipher, err := Encrypt(control, encKey, authKey, sysTitle, 1, []byte("hello meter"))
	require.NoError(t, err)
	cipher[0] ^= 0xff
	_, err = Decrypt(control, encKey, authKey, sysTitle, 1, cipher)
	require.Error(t, err)
}

func TestDecryptWrongInvocationCounterFails(t *testing.T) {
	encKey, authKey, sysTitle := testKeys()
	control := ControlAuthenticated | ControlEncrypted
	cipher, err := Encrypt(control, encKey, authKey, sysTitle, 1, []byte("hello meter"))
	require.NoError(t, err)
	_, err = Decrypt(control, encKey, authKey, sysTitle, 2, cipher)
	require.Error(t, err)
}

func TestEncryptRejectsCompressedBit(t *testing.T) {
	encKey, authKey, sysTitle := testKeys()
	control := ControlAuthenticated | ControlEncrypted | ControlCompressed
	_, err := Encrypt(control, encKey, authKey, sysTitle, 1, []byte("hello meter"))
	require.Error(t, err)
}

func TestDecryptRejectsCompressedBit(t *testing.T) {
	encKey, authKey, sysTitle := testKeys()
	control := ControlAuthenticated | ControlEncrypted
	cipher, err := Encrypt(control, encKey, authKey, sysTitle, 1, []byte("hello meter"))
	require.NoError(t, err)

	_, err = Decrypt(control|ControlCompressed, encKey, authKey, sysTitle, 1, cipher)
	require.Error(t, err)
}

func TestGMACRoundTrip(t *testing.T) {
	encKey, authKey, sysTitle := testKeys()
	challenge := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	control := ControlAuthenticated

	tag, err := GMAC(control, encKey, authKey, sysTitle, 9, challenge)
	require.NoError(t, err)
	require.Len(t, tag, 12)

	err = VerifyGMAC(control, encKey, authKey, sysTitle, 9, challenge, tag)
	require.NoError(t, err)
}

func TestVerifyGMACTamperedTagFails(t *testing.T) {
	encKey, authKey, sysTitle := testKeys()
	challenge := []byte{1, 2, 3, 4}
	control := ControlAuthenticated

	tag, err := GMAC(control, encKey, authKey, sysTitle, 9, challenge)
	require.NoError(t, err)
	tag[0] ^= 0xff
	err = VerifyGMAC(control, encKey, authKey, sysTitle, 9, challenge, tag)
	require.Error(t, err)
}

func TestValidateKeyLength(t *testing.T) {
	require.NoError(t, ValidateKeyLength(0, make([]byte, 16)))
	require.NoError(t, ValidateKeyLength(1, make([]byte, 16)))
	require.NoError(t, ValidateKeyLength(2, make([]byte, 32)))
	require.Error(t, ValidateKeyLength(0, make([]byte, 32)))
	require.Error(t, ValidateKeyLength(3, make([]byte, 16)))
}

func TestWrapUnwrapKeyRoundTrip(t *testing.T) {
	kek := bytes.Repeat([]byte{0x22}, 16)
	plaintextKey := bytes.Repeat([]byte{0x33}, 16)

	wrapped, err := WrapKey(kek, plaintextKey)
	require.NoError(t, err)
	require.Len(t, wrapped, len(plaintextKey)+8)

	unwrapped, err := UnwrapKey(kek, wrapped)
	require.NoError(t, err)
	require.Equal(t, plaintextKey, unwrapped)
}

func TestUnwrapKeyTamperedFails(t *testing.T) {
	kek := bytes.Repeat([]byte{0x22}, 16)
	plaintextKey := bytes.Repeat([]byte{0x33}, 16)

	wrapped, err := WrapKey(kek, plaintextKey)
	require.NoError(t, err)
	wrapped[0] ^= 0xff

	_, err = UnwrapKey(kek, wrapped)
	require.Error(t, err)
}

func TestWrapKeyRejectsShortInput(t *testing.T) {
	kek := bytes.Repeat([]byte{0x22}, 16)
	_, err := WrapKey(kek, []byte{1, 2, 3})
	require.Error(t, err)
}

// TestEncryptGoldenVector checks against a Green Book AES-GCM example
// (spec's Testable Properties): authenticated+encrypted, suite 0.
func TestEncryptGoldenVector(t *testing.T) {
	encKey, err := hex.DecodeString("000102030405060708090A0B0C0D0E0F")
	require.NoError(t, err)
	authKey, err := hex.DecodeString("D0D1D2D3D4D5D6D7D8D9DADBDCDDDEDF")
	require.NoError(t, err)
	sysTitle, err := hex.DecodeString("4D4D4D0000BC614E")
	require.NoError(t, err)
	plaintext, err := hex.DecodeString("C0010000080000010000FF0200")
	require.NoError(t, err)
	want, err := hex.DecodeString("411312FF935A47566827C467BC7D825C3BE4A77C3FCC056B6B")
	require.NoError(t, err)

	control := ControlAuthenticated | ControlEncrypted
	got, err := Encrypt(control, encKey, authKey, sysTitle, 0x01234567, plaintext)
	require.NoError(t, err)
	require.Equal(t, want, got)

	decrypted, err := Decrypt(control, encKey, authKey, sysTitle, 0x01234567, want)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

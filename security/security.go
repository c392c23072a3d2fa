// Package security implements the AES-GCM authenticated encryption, GMAC,
// and AES key-wrap primitives of spec.md §4.6, dispatched on the
// security-control byte.
//
// The GCM core uses stdlib crypto/cipher.NewGCMWithTagSize rather than
// porting the teacher's hand-rolled bit-sliced GHASH/GCTR tables — see
// DESIGN.md for the justification. Wire behavior (IV layout, AAD
// composition, 12-byte truncated tag) is preserved exactly.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/openmetering/dlms-go/protoerr"
)

// Control is the security-control byte (§4.6).
type Control byte

const (
	controlSuiteMask  Control = 0x0f
	ControlAuthenticated Control = 1 << 4
	ControlEncrypted     Control = 1 << 5
	ControlBroadcastKey  Control = 1 << 6
	ControlCompressed    Control = 1 << 7
)

// Suite returns the low nibble's security-suite id (0, 1, or 2).
func (c Control) Suite() int { return int(c & controlSuiteMask) }

// WithSuite returns c with its suite nibble replaced.
func (c Control) WithSuite(suite int) Control {
	return (c &^ controlSuiteMask) | Control(suite&0x0f)
}

func (c Control) Authenticated() bool { return c&ControlAuthenticated != 0 }
func (c Control) Encrypted() bool     { return c&ControlEncrypted != 0 }
func (c Control) Broadcast() bool     { return c&ControlBroadcastKey != 0 }
func (c Control) Compressed() bool    { return c&ControlCompressed != 0 }

// rejectCompressed reports an error when control's compressed bit is
// set: the compression flag is defined by the security-control byte
// but general compression is out of scope (spec's Non-goals), so a
// meter actually using it is a hard protocol error rather than
// something to silently pass through.
func rejectCompressed(control Control) error {
	if control.Compressed() {
		return protoerr.NewProtection("security-control compressed bit set but compression is not supported")
	}
	return nil
}

const tagSize = 12

// buildIV concatenates the 8-byte system title and 4-byte big-endian
// invocation counter into the 12-byte GCM IV (§4.6).
func buildIV(systemTitle []byte, invocationCounter uint32) ([]byte, error) {
	if len(systemTitle) != 8 {
		return nil, protoerr.NewProtection(fmt.Sprintf("system title must be 8 bytes, got %d", len(systemTitle)))
	}
	iv := make([]byte, 12)
	copy(iv, systemTitle)
	binary.BigEndian.PutUint32(iv[8:], invocationCounter)
	return iv, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, protoerr.NewProtection(fmt.Sprintf("invalid AES key: %v", err))
	}
	aead, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, protoerr.NewProtection(fmt.Sprintf("unable to construct GCM: %v", err))
	}
	return aead, nil
}

// Encrypt applies AES-GCM per the control byte's authenticated/encrypted
// bits. When Encrypted is set, plaintext is the data to cipher; when only
// Authenticated is set, plaintext is passed as part of the AAD and the
// returned ciphertext is empty (caller appends the tag to the cleartext
// themselves; Decrypt accepts that cleartext‖tag shape). Output is
// ciphertext‖12-byte tag.
func Encrypt(control Control, encryptionKey, authKey, systemTitle []byte, invocationCounter uint32, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(encryptionKey)
	if err != nil {
		return nil, err
	}
	iv, err := buildIV(systemTitle, invocationCounter)
	if err != nil {
		return nil, err
	}
	if err := rejectCompressed(control); err != nil {
		return nil, err
	}
	aad := buildAAD(control, authKey, plaintext, control.Encrypted())
	var toEncrypt []byte
	if control.Encrypted() {
		toEncrypt = plaintext
	}
	return aead.Seal(nil, iv, toEncrypt, aad), nil
}

// Decrypt reverses Encrypt and verifies the tag. A tag mismatch is always
// a fatal *protoerr.DecryptionError, never a data-result error.
func Decrypt(control Control, encryptionKey, authKey, systemTitle []byte, invocationCounter uint32, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(encryptionKey)
	if err != nil {
		return nil, err
	}
	iv, err := buildIV(systemTitle, invocationCounter)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < tagSize {
		return nil, protoerr.NewDecryption(fmt.Errorf("ciphertext shorter than tag size"))
	}
	if err := rejectCompressed(control); err != nil {
		return nil, err
	}
	// The control byte selects the shape: encrypted data is opened with
	// an AAD that carries no data; for authenticated-only data the
	// cleartext precedes the tag and is itself part of the AAD.
	if control.Encrypted() {
		aad := buildAAD(control, authKey, nil, true)
		plain, err := aead.Open(nil, iv, ciphertext, aad)
		if err != nil {
			return nil, protoerr.NewDecryption(err)
		}
		return plain, nil
	}
	// authenticated-only: ciphertext is actually cleartext‖tag.
	body := ciphertext[:len(ciphertext)-tagSize]
	aad := buildAAD(control, authKey, body, false)
	if _, err := aead.Open(nil, iv, ciphertext[len(ciphertext)-tagSize:], aad); err != nil {
		return nil, protoerr.NewDecryption(err)
	}
	return body, nil
}

func buildAAD(control Control, authKey, plaintext []byte, encrypted bool) []byte {
	aad := make([]byte, 0, 1+len(authKey)+len(plaintext))
	aad = append(aad, byte(control))
	aad = append(aad, authKey...)
	if !encrypted {
		aad = append(aad, plaintext...)
	}
	return aad
}

// GMAC computes the 12-byte authentication tag used by the HLS-GMAC
// handshake: GCM with empty plaintext, AAD = control‖authKey‖challenge.
func GMAC(control Control, encryptionKey, authKey, systemTitle []byte, invocationCounter uint32, challenge []byte) ([]byte, error) {
	aead, err := newAEAD(encryptionKey)
	if err != nil {
		return nil, err
	}
	iv, err := buildIV(systemTitle, invocationCounter)
	if err != nil {
		return nil, err
	}
	aad := make([]byte, 0, 1+len(authKey)+len(challenge))
	aad = append(aad, byte(control))
	aad = append(aad, authKey...)
	aad = append(aad, challenge...)
	tag := aead.Seal(nil, iv, nil, aad)
	return tag, nil
}

// VerifyGMAC recomputes the tag and compares in constant time via the
// AEAD's own Open, returning a *protoerr.DecryptionError on mismatch.
func VerifyGMAC(control Control, encryptionKey, authKey, systemTitle []byte, invocationCounter uint32, challenge, tag []byte) error {
	aead, err := newAEAD(encryptionKey)
	if err != nil {
		return err
	}
	iv, err := buildIV(systemTitle, invocationCounter)
	if err != nil {
		return err
	}
	aad := make([]byte, 0, 1+len(authKey)+len(challenge))
	aad = append(aad, byte(control))
	aad = append(aad, authKey...)
	aad = append(aad, challenge...)
	if _, err := aead.Open(nil, iv, tag, aad); err != nil {
		return protoerr.NewDecryption(err)
	}
	return nil
}

// ValidateKeyLength checks key is a valid length for suite (0 and 1 use
// 128-bit AES keys; suite 2, the ECDSA suite, uses 256-bit keys).
func ValidateKeyLength(suite int, key []byte) error {
	switch suite {
	case 0, 1:
		if len(key) != 16 {
			return protoerr.NewProtection(fmt.Sprintf("suite %d requires a 16-byte key, got %d", suite, len(key)))
		}
	case 2:
		if len(key) != 32 {
			return protoerr.NewProtection(fmt.Sprintf("suite %d requires a 32-byte key, got %d", suite, len(key)))
		}
	default:
		return protoerr.NewProtection(fmt.Sprintf("unknown security suite %d", suite))
	}
	return nil
}

// rfc3394IV is the default initial value defined by RFC 3394 §2.2.3.1.
var rfc3394IV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// WrapKey wraps plaintextKey (a multiple of 8 bytes, at least 16) under
// kek using AES Key Wrap (RFC 3394), for key-transport on the meter
// (§4.6). Stdlib has no RFC 3394 implementation; this is built directly
// on crypto/aes block primitives.
func WrapKey(kek, plaintextKey []byte) ([]byte, error) {
	if len(plaintextKey)%8 != 0 || len(plaintextKey) < 16 {
		return nil, protoerr.NewProtection("key to wrap must be a multiple of 8 bytes, at least 16")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, protoerr.NewProtection(fmt.Sprintf("invalid KEK: %v", err))
	}
	n := len(plaintextKey) / 8
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], plaintextKey[i*8:(i+1)*8])
	}
	a := rfc3394IV

	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a[:])
			copy(buf[8:], r[i-1][:])
			block.Encrypt(buf, buf)
			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			for k := 0; k < 8; k++ {
				a[k] = buf[k] ^ tb[k]
			}
			copy(r[i-1][:], buf[8:])
		}
	}

	out := make([]byte, 8+len(plaintextKey))
	copy(out[:8], a[:])
	for i := 0; i < n; i++ {
		copy(out[8+i*8:], r[i][:])
	}
	return out, nil
}

// UnwrapKey reverses WrapKey, returning a *protoerr.DecryptionError if the
// integrity check value does not match rfc3394IV.
func UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 24 {
		return nil, protoerr.NewProtection("wrapped key must be a multiple of 8 bytes, at least 24")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, protoerr.NewProtection(fmt.Sprintf("invalid KEK: %v", err))
	}
	n := len(wrapped)/8 - 1
	var a [8]byte
	copy(a[:], wrapped[:8])
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], wrapped[8+i*8:8+(i+1)*8])
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			var xored [8]byte
			for k := 0; k < 8; k++ {
				xored[k] = a[k] ^ tb[k]
			}
			copy(buf[:8], xored[:])
			copy(buf[8:], r[i-1][:])
			block.Decrypt(buf, buf)
			copy(a[:], buf[:8])
			copy(r[i-1][:], buf[8:])
		}
	}

	if a != rfc3394IV {
		return nil, protoerr.NewDecryption(fmt.Errorf("key unwrap integrity check failed"))
	}
	out := make([]byte, n*8)
	for i := 0; i < n; i++ {
		copy(out[i*8:], r[i][:])
	}
	return out, nil
}

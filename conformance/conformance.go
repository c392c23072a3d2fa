// Package conformance implements the 24-bit conformance bitmap (§3.5)
// negotiated at association and its BER bit-string wire form.
package conformance

import (
	"fmt"

	"github.com/openmetering/dlms-go/protoerr"
)

// Block is the 24-bit conformance bitmap, bit positions as in spec.md
// §3.5 (MSB-first within the 24 bits).
type Block uint32

const (
	GeneralProtection        Block = 1 << 22
	GeneralBlockTransfer     Block = 1 << 21
	DeltaValueEncoding       Block = 1 << 17
	Attribute0SupportedSet   Block = 1 << 15
	PriorityManagement       Block = 1 << 14
	Attribute0SupportedGet   Block = 1 << 13
	BlockTransferWithGet     Block = 1 << 12
	BlockTransferWithSet     Block = 1 << 11
	BlockTransferWithAction  Block = 1 << 10
	MultipleReferences       Block = 1 << 9
	DataNotification         Block = 1 << 7
	Access                   Block = 1 << 6
	Get                      Block = 1 << 4
	Set                      Block = 1 << 3
	SelectiveAccess          Block = 1 << 2
	EventNotification        Block = 1 << 1
	Action                   Block = 1 << 0
)

// Has reports whether every bit in want is set in b.
func (b Block) Has(want Block) bool {
	return b&want == want
}

// ToBERBitString serializes b as the 4-byte BER bit-string the AARQ/AARE
// InitiateRequest/Response carry: 1 byte of unused-bit count (always 1,
// since only bits 0-22 of a 3-byte/24-bit field are meaningful and bit 23
// is padding) followed by the 3 big-endian data bytes.
func (b Block) ToBERBitString() []byte {
	v := uint32(b) << 8 // left-align the 24 significant bits into 32 bits
	return []byte{1, byte(v >> 24), byte(v >> 16), byte(v >> 8)}
}

// FromBERBitString decodes the 4-byte BER bit-string form back into a
// Block.
func FromBERBitString(src []byte) (Block, error) {
	if len(src) != 4 {
		return 0, protoerr.NewMalformed("conformance", fmt.Errorf("need 4 bytes, got %d", len(src)))
	}
	v := uint32(src[1])<<24 | uint32(src[2])<<16 | uint32(src[3])<<8
	return Block(v >> 8), nil
}

// Validate returns a *protoerr.ConformanceError naming service if it is
// not within negotiated.
func Validate(negotiated Block, service string, want Block) error {
	if !negotiated.Has(want) {
		return protoerr.NewConformance(service)
	}
	return nil
}

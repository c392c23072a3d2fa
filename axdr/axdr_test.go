package axdr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLengthRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 0x7f, 0x80, 0xff, 0x100, 0xffff, 0x10000} {
		encoded := EncodeLength(nil, n)
		decoded, consumed, err := DecodeLength(encoded)
		require.NoError(t, err)
		require.Equal(t, n, decoded)
		require.Equal(t, len(encoded), consumed)
	}
}

func TestEncodeLengthNegativePanics(t *testing.T) {
	require.Panics(t, func() { EncodeLength(nil, -1) })
}

func TestDecodeLengthZeroLengthOfLengthRejected(t *testing.T) {
	_, _, err := DecodeLength([]byte{0x80})
	require.Error(t, err)
}

func TestFixedAttr(t *testing.T) {
	conf := EncodingConf{{Name: "tag", Kind: KindFixed, Size: 1}}
	fields, n, err := Decode(conf, []byte{0x09, 0xaa})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, fields[0].Present)
	require.Equal(t, []byte{0x09}, fields[0].Raw)
}

func TestFixedAttrTooShort(t *testing.T) {
	conf := EncodingConf{{Name: "tag", Kind: KindFixed, Size: 4}}
	_, _, err := Decode(conf, []byte{0x01, 0x02})
	require.Error(t, err)
}

func TestVariableAttrRoundTrip(t *testing.T) {
	conf := EncodingConf{{Name: "body", Kind: KindVariable}}
	payload := []byte{1, 2, 3, 4, 5}
	encoded, err := Encode(conf, []EncodeValue{{Raw: payload}})
	require.NoError(t, err)

	fields, n, err := Decode(conf, encoded)
	require.NoError(t, err)
	require.Equal(t, len(encoded), n)
	require.Equal(t, payload, fields[0].Raw)
}

func TestOptionalAttrAbsent(t *testing.T) {
	conf := EncodingConf{{Name: "opt", Kind: KindOptional, Nested: &Attr{Kind: KindFixed, Size: 2}}}
	fields, n, err := Decode(conf, []byte{0x00, 0xff})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, fields[0].Present)
}

func TestOptionalAttrPresent(t *testing.T) {
	conf := EncodingConf{{Name: "opt", Kind: KindOptional, Nested: &Attr{Kind: KindFixed, Size: 2}}}
	fields, n, err := Decode(conf, []byte{0x01, 0xaa, 0xbb})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.True(t, fields[0].Present)
	require.Equal(t, []byte{0xaa, 0xbb}, fields[0].Raw)
}

func TestDefaultedAttrUsesDefault(t *testing.T) {
	conf := EncodingConf{{
		Name:    "def",
		Kind:    KindDefaulted,
		Default: []byte{0x00, 0x01},
		Nested:  &Attr{Kind: KindFixed, Size: 2},
	}}
	fields, n, err := Decode(conf, []byte{0x00})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, fields[0].Present)
	require.Equal(t, []byte{0x00, 0x01}, fields[0].Raw)
}

func TestChoiceAttrUnknownSelector(t *testing.T) {
	conf := EncodingConf{{
		Name:     "choice",
		Kind:     KindChoice,
		Branches: map[byte]Attr{0x01: {Kind: KindFixed, Size: 1}},
	}}
	_, _, err := Decode(conf, []byte{0x02, 0xaa})
	require.Error(t, err)
}

func TestChoiceAttrKnownSelector(t *testing.T) {
	conf := EncodingConf{{
		Name:     "choice",
		Kind:     KindChoice,
		Branches: map[byte]Attr{0x01: {Kind: KindFixed, Size: 1}},
	}}
	fields, n, err := Decode(conf, []byte{0x01, 0xaa})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, byte(0x01), fields[0].Selector)
	require.Equal(t, []byte{0xaa}, fields[0].Raw)
}

func TestSequenceMustBeLast(t *testing.T) {
	conf := EncodingConf{
		{Name: "seq", Kind: KindSequence},
		{Name: "tail", Kind: KindFixed, Size: 1},
	}
	_, _, err := Decode(conf, []byte{0x01, 0x02})
	require.Error(t, err)
}

func TestSequenceWithElementDecoder(t *testing.T) {
	conf := EncodingConf{{
		Name: "seq",
		Kind: KindSequence,
		Elem: func(src []byte) (int, error) {
			return 2, nil
		},
	}}
	fields, n, err := Decode(conf, []byte{0x01, 0x02, 0x03, 0x04})
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.True(t, fields[0].Present)
}

func TestEncodeValueCountMismatch(t *testing.T) {
	conf := EncodingConf{{Name: "a", Kind: KindFixed, Size: 1}}
	_, err := Encode(conf, nil)
	require.Error(t, err)
}

func TestEncodeFixedWrongSize(t *testing.T) {
	conf := EncodingConf{{Name: "a", Kind: KindFixed, Size: 2}}
	_, err := Encode(conf, []EncodeValue{{Raw: []byte{0x01}}})
	require.Error(t, err)
}

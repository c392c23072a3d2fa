package wrapper

import (
	"io"
	"testing"
	"time"

	"github.com/openmetering/dlms-go/base"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStream is a minimal base.Stream backed by an in-memory read queue and
// a record of everything written to it.
type fakeStream struct {
	written [][]byte
	toRead  []byte
}

func (f *fakeStream) Read(p []byte) (int, error) {
	if len(f.toRead) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.toRead)
	f.toRead = f.toRead[n:]
	return n, nil
}
func (f *fakeStream) Close() error                 { return nil }
func (f *fakeStream) Open() error                  { return nil }
func (f *fakeStream) Disconnect() error             { return nil }
func (f *fakeStream) SetLogger(*zap.SugaredLogger) {}
func (f *fakeStream) SetDeadline(time.Time)        {}
func (f *fakeStream) SetTimeout(time.Duration)     {}
func (f *fakeStream) SetMaxReceivedBytes(int64)    {}
func (f *fakeStream) Write(src []byte) error {
	f.written = append(f.written, append([]byte(nil), src...))
	return nil
}
func (f *fakeStream) GetRxTxBytes() (int64, int64) { return 0, 0 }

var _ base.Stream = (*fakeStream)(nil)

func TestWriteBuffersUntilRead(t *testing.T) {
	transport := &fakeStream{}
	s, err := New(transport, 1, 1)
	require.NoError(t, err)

	require.NoError(t, s.Write([]byte{0xAA, 0xBB, 0xCC}))
	require.Empty(t, transport.written) // nothing flushed to the wire yet
}

func TestWriteFlushesOnReadWithCorrectHeader(t *testing.T) {
	transport := &fakeStream{
		toRead: []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x01, 0x00, 0x02, 0xDE, 0xAD},
	}
	s, err := New(transport, 1, 1)
	require.NoError(t, err)

	require.NoError(t, s.Write([]byte{0x01, 0x02, 0x03}))

	p := make([]byte, 10)
	n, err := s.Read(p)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte{0xDE, 0xAD}, p[:n])

	require.Len(t, transport.written, 1)
	sent := transport.written[0]
	require.Equal(t, []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x01, 0x00, 0x03}, sent[:8])
	require.Equal(t, []byte{0x01, 0x02, 0x03}, sent[8:])
}

func TestReadRejectsWrongVersion(t *testing.T) {
	transport := &fakeStream{
		toRead: []byte{0x00, 0x02, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00},
	}
	s, err := New(transport, 1, 1)
	require.NoError(t, err)
	require.NoError(t, s.Write([]byte{0x01}))

	_, err = s.Read(make([]byte, 10))
	require.Error(t, err)
}

func TestReadRejectsWrongAddresses(t *testing.T) {
	transport := &fakeStream{
		toRead: []byte{0x00, 0x01, 0x00, 0x02, 0x00, 0x01, 0x00, 0x00},
	}
	s, err := New(transport, 1, 1)
	require.NoError(t, err)
	require.NoError(t, s.Write([]byte{0x01}))

	_, err = s.Read(make([]byte, 10))
	require.Error(t, err)
}

func TestReadEOFWhenRemainingIsZero(t *testing.T) {
	transport := &fakeStream{
		toRead: []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00},
	}
	s, err := New(transport, 1, 1)
	require.NoError(t, err)
	require.NoError(t, s.Write([]byte{0x01}))

	_, err = s.Read(make([]byte, 10))
	require.ErrorIs(t, err, io.EOF)
}

func TestReadSplitsAcrossMultipleCalls(t *testing.T) {
	transport := &fakeStream{
		toRead: []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x01, 0x00, 0x04, 0x01, 0x02, 0x03, 0x04},
	}
	s, err := New(transport, 1, 1)
	require.NoError(t, err)
	require.NoError(t, s.Write([]byte{0xFF}))

	p := make([]byte, 2)
	n, err := s.Read(p)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte{0x01, 0x02}, p)

	n, err = s.Read(p)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte{0x03, 0x04}, p)
}

func TestWriteRejectsOversizedPacket(t *testing.T) {
	s, err := New(&fakeStream{}, 1, 1)
	require.NoError(t, err)
	err = s.Write(make([]byte, 65536+8))
	require.Error(t, err)
}

func TestWriteNilIsNoop(t *testing.T) {
	transport := &fakeStream{}
	s, err := New(transport, 1, 1)
	require.NoError(t, err)
	require.NoError(t, s.Write(nil))
	require.Empty(t, transport.written)
}

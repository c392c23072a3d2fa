//go:build linux

package serial

import (
	"testing"
	"time"

	"github.com/openmetering/dlms-go/base"
	"github.com/stretchr/testify/require"
)

func validSettings() base.SerialStreamSettings {
	return base.SerialStreamSettings{
		BaudRate: 9600, DataBits: base.Serial8DataBits,
		Parity: base.SerialNoParity, StopBits: base.SerialOneStopBit,
		FlowControl: base.SerialNoFlowControl,
	}
}

func TestValidateSettingsAcceptsKnownCombination(t *testing.T) {
	require.NoError(t, validateSettings(validSettings()))
}

func TestValidateSettingsRejectsUnknownBaud(t *testing.T) {
	s := validSettings()
	s.BaudRate = 1234
	require.Error(t, validateSettings(s))
}

func TestValidateSettingsRejectsUnknownDataBits(t *testing.T) {
	s := validSettings()
	s.DataBits = 9
	require.Error(t, validateSettings(s))
}

func TestValidateSettingsRejectsUnknownParity(t *testing.T) {
	s := validSettings()
	s.Parity = 99
	require.Error(t, validateSettings(s))
}

func TestValidateSettingsRejectsUnknownStopBits(t *testing.T) {
	s := validSettings()
	s.StopBits = 99
	require.Error(t, validateSettings(s))
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	s := validSettings()
	s.BaudRate = 1234
	_, err := New("/dev/ttyUSB0", s)
	require.Error(t, err)
}

func TestOperationsRequireOpenFirst(t *testing.T) {
	tt := &tty{fd: -1}
	_, err := tt.Read(make([]byte, 1))
	require.ErrorIs(t, err, base.ErrNotOpened)
	require.ErrorIs(t, tt.Write([]byte{1}), base.ErrNotOpened)
	require.ErrorIs(t, tt.SetSpeed(9600, base.Serial8DataBits, base.SerialNoParity, base.SerialOneStopBit), base.ErrNotOpened)
	require.ErrorIs(t, tt.SetFlowControl(base.SerialHWFlowControl), base.ErrNotOpened)
	require.ErrorIs(t, tt.SetDTR(true), base.ErrNotOpened)
}

func TestReadEmptyBufferErrors(t *testing.T) {
	tt := &tty{fd: -1, isopen: true}
	_, err := tt.Read(nil)
	require.ErrorIs(t, err, base.ErrNothingToRead)
}

func TestReadDeadlinePrefersExplicitDeadlineOverTimeout(t *testing.T) {
	deadline := time.Now().Add(time.Hour)
	tt := &tty{deadline: deadline, timeout: time.Second}
	require.Equal(t, deadline, tt.readDeadline())
}

func TestReadDeadlineFallsBackToTimeout(t *testing.T) {
	tt := &tty{timeout: 5 * time.Second}
	d := tt.readDeadline()
	require.False(t, d.IsZero())
	require.True(t, d.After(time.Now()))
}

func TestReadDeadlineZeroWhenNeitherSet(t *testing.T) {
	tt := &tty{}
	require.True(t, tt.readDeadline().IsZero())
}

func TestCloseIsNoop(t *testing.T) {
	tt := &tty{fd: -1}
	require.NoError(t, tt.Close())
}

func TestDisconnectWithoutOpenIsNoop(t *testing.T) {
	tt := &tty{fd: -1}
	require.NoError(t, tt.Disconnect())
}

func TestSetMaxReceivedBytesResetsCounter(t *testing.T) {
	tt := &tty{currx: 100}
	tt.SetMaxReceivedBytes(50)
	require.EqualValues(t, 0, tt.currx)
	require.EqualValues(t, 50, tt.maxrx)
}

func TestGetRxTxBytesReportsTotals(t *testing.T) {
	tt := &tty{totalrx: 10, totaltx: 20}
	rx, tx := tt.GetRxTxBytes()
	require.EqualValues(t, 10, rx)
	require.EqualValues(t, 20, tx)
}

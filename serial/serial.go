//go:build linux

// Package serial implements base.SerialStream directly against a local
// tty device using raw termios ioctls (golang.org/x/sys/unix), rather than
// shelling out to an external stty call or relying on a tty already
// configured outside the process. This is the "direct serial" leg of
// SPEC_FULL §11's domain stack — directserial/directserial.go instead wraps
// an already-open base.Stream (e.g. a tty proxied over TCP) and ignores
// settings, which is the right shape when something else owns the device;
// this package is for owning the device itself.
package serial

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openmetering/dlms-go/base"
	"go.uber.org/zap"
)

type tty struct {
	device   string
	fd       int
	isopen   bool
	settings base.SerialStreamSettings

	logger   *zap.SugaredLogger
	deadline time.Time
	timeout  time.Duration

	totalrx, totaltx int64
	currx, maxrx      int64
}

// New opens device (e.g. "/dev/ttyUSB0") lazily; the fd is acquired on
// Open, matching base.Stream's open/close lifecycle.
func New(device string, settings base.SerialStreamSettings) (base.SerialStream, error) {
	if err := validateSettings(settings); err != nil {
		return nil, err
	}
	return &tty{device: device, fd: -1, settings: settings}, nil
}

func validateSettings(s base.SerialStreamSettings) error {
	switch s.DataBits {
	case base.Serial5DataBits, base.Serial6DataBits, base.Serial7DataBits, base.Serial8DataBits:
	default:
		return fmt.Errorf("serial: unsupported data bits %d", s.DataBits)
	}
	switch s.Parity {
	case base.SerialNoParity, base.SerialOddParity, base.SerialEvenParity, base.SerialMarkParity, base.SerialSpaceParity:
	default:
		return fmt.Errorf("serial: unsupported parity %d", s.Parity)
	}
	switch s.StopBits {
	case base.SerialOneStopBit, base.SerialTwoStopBits, base.SerialOneAndHalfStopBits:
	default:
		return fmt.Errorf("serial: unsupported stop bits %d", s.StopBits)
	}
	if _, ok := baudToUnix[s.BaudRate]; !ok {
		return fmt.Errorf("serial: unsupported baud rate %d", s.BaudRate)
	}
	return nil
}

var baudToUnix = map[int]uint32{
	50: unix.B50, 75: unix.B75, 110: unix.B110, 134: unix.B134, 150: unix.B150,
	200: unix.B200, 300: unix.B300, 600: unix.B600, 1200: unix.B1200,
	1800: unix.B1800, 2400: unix.B2400, 4800: unix.B4800, 9600: unix.B9600,
	19200: unix.B19200, 38400: unix.B38400, 57600: unix.B57600,
	115200: unix.B115200, 230400: unix.B230400,
}

func (t *tty) logf(format string, v ...any) {
	if t.logger != nil {
		t.logger.Infof(format, v...)
	}
}

func (t *tty) applyTermios() error {
	var tio unix.Termios
	tio.Iflag = unix.IGNPAR
	tio.Cflag = unix.CREAD | unix.CLOCAL

	tio.Cflag |= baudToUnix[t.settings.BaudRate]
	switch t.settings.DataBits {
	case base.Serial5DataBits:
		tio.Cflag |= unix.CS5
	case base.Serial6DataBits:
		tio.Cflag |= unix.CS6
	case base.Serial7DataBits:
		tio.Cflag |= unix.CS7
	default:
		tio.Cflag |= unix.CS8
	}
	switch t.settings.Parity {
	case base.SerialOddParity:
		tio.Cflag |= unix.PARENB | unix.PARODD
	case base.SerialEvenParity:
		tio.Cflag |= unix.PARENB
	}
	if t.settings.StopBits == base.SerialTwoStopBits {
		tio.Cflag |= unix.CSTOPB
	}
	switch t.settings.FlowControl {
	case base.SerialHWFlowControl:
		tio.Cflag |= unix.CRTSCTS
	case base.SerialSWFlowControl:
		tio.Iflag |= unix.IXON | unix.IXOFF
	}

	tio.Cc[unix.VMIN] = 0
	tio.Cc[unix.VTIME] = 1 // tenths of a second; Read enforces SetTimeout/SetDeadline in its own polling loop

	return unix.IoctlSetTermios(t.fd, unix.TCSETS, &tio)
}

func (t *tty) Open() error {
	if t.isopen {
		return nil
	}
	fd, err := unix.Open(t.device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("serial: open %s: %w", t.device, err)
	}
	t.fd = fd
	if err := t.applyTermios(); err != nil {
		_ = unix.Close(fd)
		t.fd = -1
		return fmt.Errorf("serial: configure %s: %w", t.device, err)
	}
	t.isopen = true
	t.logf("opened %s", t.device)
	return nil
}

func (t *tty) Close() error {
	return nil // mirrors directserial/tcp: Close is a deliberate no-op, Disconnect tears down the fd
}

func (t *tty) Disconnect() error {
	if !t.isopen {
		return nil
	}
	t.isopen = false
	fd := t.fd
	t.fd = -1
	return unix.Close(fd)
}

func (t *tty) Read(p []byte) (n int, err error) {
	if !t.isopen {
		return 0, base.ErrNotOpened
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}
	deadline := t.readDeadline()
	for {
		n, err = unix.Read(t.fd, p)
		if err != nil {
			return 0, fmt.Errorf("serial: read: %w", err)
		}
		if n > 0 {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, base.ErrCommunicationTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.totalrx += int64(n)
	t.currx += int64(n)
	if t.maxrx > 0 && t.currx > t.maxrx {
		return 0, fmt.Errorf("serial: received more than allowed")
	}
	if t.logger != nil {
		t.logger.Debugf("%s", base.LogHex(fmt.Sprintf("RX (%s)", t.device), p[:n]))
	}
	return n, nil
}

func (t *tty) readDeadline() time.Time {
	if !t.deadline.IsZero() {
		return t.deadline
	}
	if t.timeout > 0 {
		return time.Now().Add(t.timeout)
	}
	return time.Time{}
}

func (t *tty) Write(src []byte) error {
	if !t.isopen {
		return base.ErrNotOpened
	}
	for len(src) > 0 {
		n, err := unix.Write(t.fd, src)
		if err != nil {
			return fmt.Errorf("serial: write: %w", err)
		}
		t.totaltx += int64(n)
		src = src[n:]
	}
	if t.logger != nil {
		t.logger.Debugf("%s", base.LogHex(fmt.Sprintf("TX (%s)", t.device), src))
	}
	return nil
}

func (t *tty) SetLogger(logger *zap.SugaredLogger) { t.logger = logger }
func (t *tty) SetDeadline(d time.Time)             { t.deadline = d }
func (t *tty) SetTimeout(to time.Duration)         { t.timeout = to }

func (t *tty) SetMaxReceivedBytes(m int64) {
	t.currx = 0
	t.maxrx = m
}

func (t *tty) GetRxTxBytes() (int64, int64) { return t.totalrx, t.totaltx }

func (t *tty) SetSpeed(baudRate, dataBits, parity, stopBits int) error {
	if !t.isopen {
		return base.ErrNotOpened
	}
	s := base.SerialStreamSettings{BaudRate: baudRate, DataBits: dataBits, Parity: parity, StopBits: stopBits, FlowControl: t.settings.FlowControl}
	if err := validateSettings(s); err != nil {
		return err
	}
	t.settings = s
	return t.applyTermios()
}

func (t *tty) SetFlowControl(flowControl int) error {
	if !t.isopen {
		return base.ErrNotOpened
	}
	t.settings.FlowControl = flowControl
	return t.applyTermios()
}

func (t *tty) SetDTR(dtr bool) error {
	if !t.isopen {
		return base.ErrNotOpened
	}
	bits := unix.TIOCM_DTR
	if dtr {
		return unix.IoctlSetPointerInt(t.fd, unix.TIOCMBIS, bits)
	}
	return unix.IoctlSetPointerInt(t.fd, unix.TIOCMBIC, bits)
}

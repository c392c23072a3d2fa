// Package hdlc implements the HDLC link layer used to carry DLMS APDUs
// over a serial or serial-like transport (§4.9). Framing, sequencing
// and state live in Layer (sans-I/O, frame.go/layer.go); Conn is the
// thin blocking-I/O loop that feeds bytes read from the transport into
// a Layer and writes back whatever the Layer builds.
package hdlc

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openmetering/dlms-go/base"
	"go.uber.org/zap"
)

const (
	maxBytesBefore7e = 100
	maxLength        = 2050
	maxPackets       = 20
	initpacketlength = 2000
	maxRRframecycles = 10
	maxEmptycycles   = 10
	maxReadoutBytes  = 1000000
)

// Conn adapts a Layer to base.Stream over a blocking transport.
type Conn struct {
	transport base.Stream
	layer     *Layer
	logger    *zap.SugaredLogger

	isopen      bool
	readScratch [maxLength]byte

	state          int // 0 - start, 1 - writing, 2 - reading
	tosend         int
	toberead       []macpacket
	tobereadpacket *macpacket
	emptyframes    int
}

func New(transport base.Stream, settings *Settings) (base.Stream, error) {
	layer, err := newLayer(settings)
	if err != nil {
		return nil, err
	}
	return &Conn{transport: transport, layer: layer}, nil
}

func (c *Conn) logf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Infof(format, v...)
	}
}

func (c *Conn) Close() error {
	if !c.isopen {
		return nil
	}
	if err := c.readout(); err != nil {
		return err
	}
	// try to send RR just like that? ;), put that behind some configuration maybe
	if err := c.sendRR(); err != nil {
		return err
	}
	if err := c.processRRresp(); err != nil {
		return err
	}

	// send even disconnect
	out, err := c.layer.BuildDisconnect()
	if err != nil {
		return fmt.Errorf("unable to create disconnect packet")
	}
	if err := c.transport.Write(out); err != nil {
		return err
	}
	if _, err := c.readpackets(); err != nil { // just ignoring whatever returns
		return err
	}

	c.isopen = false
	return c.transport.Close()
}

func (c *Conn) Open() error {
	if c.isopen {
		return nil
	}
	if err := c.transport.Open(); err != nil {
		return err
	}
	out, err := c.layer.BuildSNRM()
	if err != nil {
		return err
	}
	if err := c.transport.Write(out); err != nil {
		return err
	}
	// receive and parse snrm response
	r, err := c.readpackets()
	if err != nil {
		return err
	}
	if len(r) == 0 {
		return fmt.Errorf("no packet received, EOF?")
	}
	if len(r) > 1 {
		return fmt.Errorf("more than one packet received, expecting only one as snrm answer")
	}
	if r[0].control != 0x63 {
		return fmt.Errorf("invalid snrm answer, expected UA, got %x", r[0].control)
	}
	if err := c.layer.ApplyUA(r[0].info); err != nil {
		return err
	}
	c.logf("snrm completed, having maxsnd: %v, maxrcv: %v", c.layer.MaxSend(), c.layer.MaxReceive())

	c.isopen = true
	return nil
}

func (c *Conn) Disconnect() error {
	c.isopen = false // just hardcore
	return c.transport.Disconnect()
}

func (c *Conn) getnextI() (*macpacket, error) {
	return c.layer.GetNextI(&c.toberead)
}

func (c *Conn) sendRR() error {
	out, err := c.layer.BuildRR()
	if err != nil {
		return err
	}
	return c.transport.Write(out)
}

func (c *Conn) Read(p []byte) (n int, err error) {
	if !c.isopen {
		return 0, base.ErrNotOpened
	}
	if c.state == 0 {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}
	if err = c.writeout(); err != nil {
		return 0, err
	}
	// check if there is something to readout
	if c.tobereadpacket != nil { // something in last packet, readout that...
		if len(c.tobereadpacket.info) == 0 { // readout everything, decide according to segmentation what to do next
			c.emptyframes--
			if c.emptyframes <= 0 {
				return 0, fmt.Errorf("too many empty frames")
			}
			next, err := c.getnextI()
			if err != nil {
				return 0, err
			}
			if next == nil { // check segmentation, otherwise set state and return EOF
				if c.tobereadpacket.segmented { // ask for another packets
					if err = c.sendRR(); err != nil {
						return 0, err
					}
					c.tobereadpacket = nil
				} else {
					c.state = 0
					c.tobereadpacket = nil
					return 0, io.EOF
				}
			} else {
				c.tobereadpacket = next
				return c.Read(p) // recursion, hooray, max window size, so this is ok (max received packets is 20 anyway, or something like that)
			}
		} else {
			c.emptyframes = maxEmptycycles
			n = copy(p, c.tobereadpacket.info)
			c.tobereadpacket.info = c.tobereadpacket.info[n:]
			return n, nil
		}
	}

	for bcnt := maxRRframecycles; bcnt > 0; bcnt-- {
		c.toberead, err = c.readpackets()
		if err != nil {
			return 0, err
		}
		c.tobereadpacket, err = c.getnextI()
		if err != nil {
			return 0, err
		}
		if c.tobereadpacket != nil {
			return c.Read(p)
		}
		if err = c.sendRR(); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("too many RR received")
}

func (c *Conn) processRRresp() error {
	r, err := c.readpackets()
	if err != nil {
		return err
	}
	// at least some RR is expected, and ONLY RR, because inside segmented I frame there should be only RR (i hope)
	return c.layer.ValidateRRResponse(r)
}

func (c *Conn) Write(src []byte) error {
	if !c.isopen {
		return base.ErrNotOpened
	}
	if len(src) == 0 {
		return nil
	}
	// readout pending things, use general Read till eof, no other way damn it
	if err := c.readout(); err != nil {
		return err
	}
	// as write is supposed to process everything, this has to be a cycle
	for len(src) > 0 {
		l := len(src)
		s := false
		if c.tosend+l > int(c.layer.MaxSend()) {
			l = int(c.layer.MaxSend()) - c.tosend
			s = true
		}
		c.layer.stage(c.tosend, src[:l])
		c.tosend += l
		if s { // send partial packet with segment bit
			out, err := c.layer.BuildData(c.tosend, true)
			if err != nil {
				return err
			}
			if err := c.transport.Write(out); err != nil {
				return err
			}
			// expecting RR after final bit but during segmented transfer
			if err := c.processRRresp(); err != nil {
				return err
			}
			c.tosend = 0
		}
		src = src[l:]
	}
	return nil
}

func (c *Conn) writeout() error {
	if c.tosend > 0 { // last packet wasn't sent, so send it
		out, err := c.layer.BuildData(c.tosend, false)
		if err != nil {
			return err
		}
		if err := c.transport.Write(out); err != nil {
			return err
		}
		c.tosend = 0
	}
	if c.state != 2 {
		c.toberead = nil
		c.tobereadpacket = nil
		c.emptyframes = maxEmptycycles
		c.state = 2
	}
	return nil
}

func (c *Conn) readout() error {
	switch c.state {
	case 0: // at the very beginning, do nothing
		c.tosend = 0
		c.state = 1
		return nil
	case 1: // in the middle of writing, do nothing
		return nil
	}
	var scratch [maxLength]byte
	bcnt := maxReadoutBytes
	for {
		n, err := c.Read(scratch[:])
		bcnt -= n
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.tosend = 0
				c.state = 1
				return nil
			}
			return err
		}
		if bcnt <= 0 {
			return fmt.Errorf("too many bytes read")
		}
	}
}

func (c *Conn) SetMaxReceivedBytes(m int64) {
	c.transport.SetMaxReceivedBytes(m)
}

func (c *Conn) SetDeadline(t time.Time) {
	c.transport.SetDeadline(t)
}

func (c *Conn) SetTimeout(to time.Duration) {
	c.transport.SetTimeout(to)
}

func (c *Conn) SetLogger(logger *zap.SugaredLogger) {
	c.logger = logger
	c.transport.SetLogger(logger)
}

func (c *Conn) GetRxTxBytes() (int64, int64) {
	return c.transport.GetRxTxBytes()
}

// readpackets reads whole mac packets from the transport (no other way,
// given segmented TCP streaming) until a final-bit frame arrives.
func (c *Conn) readpackets() ([]macpacket, error) {
	if c.layer.CanWrite() {
		return nil, fmt.Errorf("cannot read packets, write is expected")
	}

	var out []macpacket
	for {
		if len(out) >= maxPackets {
			return nil, fmt.Errorf("too many packets received")
		}
		pck, final, err := c.nextFrame()
		if err != nil {
			return nil, err
		}
		out = append(out, pck)
		if final {
			break
		}
	}
	return out, nil // everything is received, final is set, our turn now
}

// nextFrame reads from the transport until the layer has accumulated a
// complete frame.
func (c *Conn) nextFrame() (macpacket, bool, error) {
	for {
		pck, final, err := c.layer.NextFrame()
		if err == nil {
			return pck, final, nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return macpacket{}, false, err
		}
		n, rerr := c.transport.Read(c.readScratch[:])
		if rerr != nil {
			return macpacket{}, false, rerr
		}
		c.layer.Feed(c.readScratch[:n])
	}
}

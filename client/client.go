// Package client is the synchronous façade over dlmsconn.Connection: it
// drives the sans-I/O state machine against a base.Stream transport and
// exposes a blocking Open/Get/Set/Action/Close API, the surface
// dlmsal.DlmsClient exposed in the teacher repo restructured around the
// new protocol core instead of doing BER/A-XDR parsing and I/O inline.
package client

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/openmetering/dlms-go/auth"
	"github.com/openmetering/dlms-go/base"
	"github.com/openmetering/dlms-go/conformance"
	"github.com/openmetering/dlms-go/cosem"
	"github.com/openmetering/dlms-go/dlmsconn"
	"github.com/openmetering/dlms-go/dlmsdata"
	"github.com/openmetering/dlms-go/hdlc"
	"github.com/openmetering/dlms-go/obis"
	"github.com/openmetering/dlms-go/wrapper"
)

// LinkLayer selects the framing placed under the xDLMS/ACSE byte stream
// (spec.md §4.9); HDLC and the IP wrapper are the two the protocol
// defines, LinkNone is for a transport that already delivers framed APDUs
// (e.g. a pre-existing TCP session with no wrapper header).
type LinkLayer int

const (
	LinkNone LinkLayer = iota
	LinkHDLC
	LinkWrapper
)

// Config bundles everything needed to build a Client: the physical
// transport, the link-layer framing on top of it, and the connection
// settings dlmsconn.Connection needs for the association (§4.3, §4.6).
type Config struct {
	Transport base.Stream

	Link          LinkLayer
	HDLC          *hdlc.Settings // required when Link == LinkHDLC
	WrapperSource uint16         // required when Link == LinkWrapper
	WrapperDest   uint16         // required when Link == LinkWrapper

	Conn dlmsconn.Settings

	// ReadBufferSize sizes the chunk read from the transport per Read call
	// while driving the state machine; 0 defaults to 2048.
	ReadBufferSize int
}

// associationLNReplyToHLS is the Association-LN object's
// reply_to_hls_authentication method (class 15, OBIS 0.0.40.0.0.255,
// method 1) used to answer a server's high-level-security challenge.
var associationLNReplyToHLS = cosem.Method{
	ClassID:  15,
	Instance: obis.Code{A: 0, B: 0, C: 40, D: 0, E: 0, F: 255},
	MethodID: 1,
}

// Client is the blocking DLMS/COSEM application-layer client.
type Client struct {
	stream base.Stream
	conn   *dlmsconn.Connection
	logger *zap.SugaredLogger

	isopen  bool
	readBuf []byte
}

// New assembles the link layer (if any) on top of cfg.Transport and
// builds the sans-I/O connection from cfg.Conn.
func New(cfg Config) (*Client, error) {
	stream := cfg.Transport
	switch cfg.Link {
	case LinkHDLC:
		if cfg.HDLC == nil {
			return nil, fmt.Errorf("client: HDLC settings required for LinkHDLC")
		}
		s, err := hdlc.New(stream, cfg.HDLC)
		if err != nil {
			return nil, err
		}
		stream = s
	case LinkWrapper:
		s, err := wrapper.New(stream, cfg.WrapperSource, cfg.WrapperDest)
		if err != nil {
			return nil, err
		}
		stream = s
	}

	bufSize := cfg.ReadBufferSize
	if bufSize <= 0 {
		bufSize = 2048
	}

	return &Client{
		stream:  stream,
		conn:    dlmsconn.New(cfg.Conn),
		readBuf: make([]byte, bufSize),
	}, nil
}

// SetLogger installs a structured logger on both the connection and the
// transport stack beneath it (teacher idiom, dlmsal.go's SetLogger).
func (c *Client) SetLogger(logger *zap.SugaredLogger) {
	c.logger = logger
	c.conn.SetLogger(logger)
	c.stream.SetLogger(logger)
}

func (c *Client) logf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Infof(format, v...)
	}
}

// logstate suppresses transport-level logging for the duration of the
// AARQ when LLS authentication embeds the password in clear, mirroring
// dlmsal.go's logstate/dlogf pair. Returns true if it suppressed (and
// thus must be un-suppressed afterward).
func (c *Client) logstate(restore bool) bool {
	if c.conn.Mechanism() != auth.MechanismLow {
		return false
	}
	if restore {
		c.stream.SetLogger(c.logger)
	} else {
		c.logf("temporarily suppressing transport logs for confidential AARQ content")
		c.stream.SetLogger(nil)
	}
	return true
}

func (c *Client) writeFull(b []byte) error {
	return c.stream.Write(b)
}

// drive reads from the transport, feeding bytes into the connection,
// until NextEvent returns a real indication (or a fatal error).
func (c *Client) drive() (dlmsconn.Indication, error) {
	for {
		ind, err := c.conn.NextEvent()
		if err == nil {
			return ind, nil
		}
		if !errors.Is(err, dlmsconn.ErrNeedMoreData) {
			return dlmsconn.Indication{}, err
		}
		n, rerr := c.stream.Read(c.readBuf)
		if n > 0 {
			c.conn.Feed(c.readBuf[:n])
		}
		if rerr != nil {
			return dlmsconn.Indication{}, rerr
		}
	}
}

// Open negotiates the association: AARQ/AARE, followed by the HLS
// challenge/response exchange when the configured mechanism requires one
// (§4.3). A PreEstablished connection opens only the transport.
func (c *Client) Open() error {
	if c.isopen {
		return nil
	}
	if err := c.stream.Open(); err != nil {
		return err
	}
	if c.conn.State() == dlmsconn.StateReady {
		c.isopen = true
		return nil
	}

	out, err := c.conn.OpenAssociation()
	if err != nil {
		_ = c.stream.Disconnect()
		return err
	}
	suppressed := c.logstate(false)
	err = c.writeFull(out)
	if suppressed {
		c.logstate(true)
	}
	if err != nil {
		_ = c.stream.Disconnect()
		return err
	}

	ind, err := c.drive()
	if err != nil {
		_ = c.stream.Disconnect()
		return err
	}

	switch ind.Kind {
	case dlmsconn.IndAssociationAccepted:
		c.isopen = true
		return nil
	case dlmsconn.IndHLSChallenge:
		return c.performHLS()
	case dlmsconn.IndAssociationRejected:
		_ = c.stream.Disconnect()
		return fmt.Errorf("client: association rejected: result=%v diagnostic=%v", ind.AssociationResult, ind.Diagnostic)
	default:
		_ = c.stream.Disconnect()
		return fmt.Errorf("client: unexpected indication %v while opening association", ind.Kind)
	}
}

func (c *Client) performHLS() error {
	out, err := c.conn.SendHLSChallengeResult(associationLNReplyToHLS)
	if err != nil {
		_ = c.stream.Disconnect()
		return err
	}
	if err := c.writeFull(out); err != nil {
		_ = c.stream.Disconnect()
		return err
	}
	ind, err := c.drive()
	if err != nil {
		_ = c.stream.Disconnect()
		return err
	}
	if ind.Kind != dlmsconn.IndHLSVerified {
		_ = c.stream.Disconnect()
		return fmt.Errorf("client: high-level authentication failed")
	}
	c.isopen = true
	return nil
}

// Get fetches one Cosem attribute, transparently acknowledging and
// reassembling block transfer responses (§4.5's BlockTransferWithGet).
func (c *Client) Get(attr cosem.AttributeWithSelection) (dlmsdata.Value, error) {
	if !c.isopen {
		return dlmsdata.Value{}, base.ErrNotOpened
	}
	out, err := c.conn.Get(attr)
	if err != nil {
		return dlmsdata.Value{}, err
	}
	if err := c.writeFull(out); err != nil {
		return dlmsdata.Value{}, err
	}

	var blocks []byte
	for {
		ind, err := c.drive()
		if err != nil {
			return dlmsdata.Value{}, err
		}
		switch ind.Kind {
		case dlmsconn.IndGetResult:
			if ind.GetIsError {
				return dlmsdata.Value{}, fmt.Errorf("client: get failed, data-access-result=%d", ind.GetErrorCode)
			}
			return ind.GetResult, nil
		case dlmsconn.IndGetBlock:
			if ind.GetIsError {
				return dlmsdata.Value{}, fmt.Errorf("client: get block failed, data-access-result=%d", ind.GetErrorCode)
			}
			blocks = append(blocks, ind.GetBlockData...)
			if ind.GetBlockLast {
				v, _, err := dlmsdata.DecodeValue(blocks)
				return v, err
			}
			next, err := c.conn.GetNext(ind.GetBlockNumber + 1)
			if err != nil {
				return dlmsdata.Value{}, err
			}
			if err := c.writeFull(next); err != nil {
				return dlmsdata.Value{}, err
			}
		case dlmsconn.IndException:
			return dlmsdata.Value{}, fmt.Errorf("client: exception response during get: state=%d service=%d", ind.Exception.StateError, ind.Exception.ServiceError)
		default:
			return dlmsdata.Value{}, fmt.Errorf("client: unexpected indication %v during get", ind.Kind)
		}
	}
}

// Set writes one Cosem attribute, returning the data-access-result byte
// the meter reported.
func (c *Client) Set(attr cosem.AttributeWithSelection, value dlmsdata.Value) (byte, error) {
	if !c.isopen {
		return 0, base.ErrNotOpened
	}
	out, err := c.conn.Set(attr, value)
	if err != nil {
		return 0, err
	}
	if err := c.writeFull(out); err != nil {
		return 0, err
	}
	ind, err := c.drive()
	if err != nil {
		return 0, err
	}
	switch ind.Kind {
	case dlmsconn.IndSetResult:
		return ind.SetResult, nil
	case dlmsconn.IndException:
		return 0, fmt.Errorf("client: exception response during set: state=%d service=%d", ind.Exception.StateError, ind.Exception.ServiceError)
	default:
		return 0, fmt.Errorf("client: unexpected indication %v during set", ind.Kind)
	}
}

// Action invokes a Cosem method, returning the optional response data
// when the meter included it.
func (c *Client) Action(method cosem.Method, parameters dlmsdata.Value) (result byte, data dlmsdata.Value, hasData bool, err error) {
	if !c.isopen {
		return 0, dlmsdata.Value{}, false, base.ErrNotOpened
	}
	encoded, err := dlmsdata.Encode(parameters)
	if err != nil {
		return 0, dlmsdata.Value{}, false, err
	}
	out, err := c.conn.Action(method, encoded)
	if err != nil {
		return 0, dlmsdata.Value{}, false, err
	}
	if err := c.writeFull(out); err != nil {
		return 0, dlmsdata.Value{}, false, err
	}
	ind, err := c.drive()
	if err != nil {
		return 0, dlmsdata.Value{}, false, err
	}
	switch ind.Kind {
	case dlmsconn.IndActionResult:
		if ind.HasActionError {
			return ind.ActionResult, dlmsdata.Value{}, false, fmt.Errorf("client: action failed, data-access-result=%d", ind.ActionErrorCode)
		}
		return ind.ActionResult, ind.ActionData, ind.HasActionData, nil
	case dlmsconn.IndException:
		return 0, dlmsdata.Value{}, false, fmt.Errorf("client: exception response during action: state=%d service=%d", ind.Exception.StateError, ind.Exception.ServiceError)
	default:
		return 0, dlmsdata.Value{}, false, fmt.Errorf("client: unexpected indication %v during action", ind.Kind)
	}
}

// WaitNotification blocks until an unsolicited DataNotification arrives
// (§4.4), for a client polling a meter configured to push readings.
func (c *Client) WaitNotification() (dlmsconn.Indication, error) {
	if !c.isopen {
		return dlmsconn.Indication{}, base.ErrNotOpened
	}
	return c.drive()
}

// Close releases the association (RLRQ/RLRE) and closes the transport,
// combining any errors from both steps.
func (c *Client) Close() error {
	if !c.isopen {
		return c.stream.Close()
	}
	c.isopen = false

	out, err := c.conn.Release()
	if err != nil {
		return multierr.Combine(err, c.stream.Disconnect())
	}
	if err := c.writeFull(out); err != nil {
		return multierr.Combine(err, c.stream.Disconnect())
	}
	_, releaseErr := c.drive()
	return multierr.Combine(releaseErr, c.stream.Close())
}

// Disconnect tears down the transport immediately without attempting an
// orderly release, for abnormal termination.
func (c *Client) Disconnect() error {
	c.isopen = false
	return c.stream.Disconnect()
}

// ClientInvocationCounter and MeterInvocationCounter expose the
// underlying connection's frame-counter bookkeeping (SPEC_FULL §12.4),
// useful for persisting across a future reconnect.
func (c *Client) ClientInvocationCounter() uint32 { return c.conn.ClientInvocationCounter() }
func (c *Client) MeterInvocationCounter() uint32  { return c.conn.MeterInvocationCounter() }

// NegotiatedConformance returns the conformance bitmap negotiated at
// association time (zero before Open completes).
func (c *Client) NegotiatedConformance() conformance.Block { return c.conn.NegotiatedConformance() }

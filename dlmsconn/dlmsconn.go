package dlmsconn

import (
	"crypto/ecdsa"
	"fmt"

	"go.uber.org/zap"

	"github.com/openmetering/dlms-go/acse"
	"github.com/openmetering/dlms-go/auth"
	"github.com/openmetering/dlms-go/conformance"
	"github.com/openmetering/dlms-go/cosem"
	"github.com/openmetering/dlms-go/dlmsdata"
	"github.com/openmetering/dlms-go/protoerr"
	"github.com/openmetering/dlms-go/security"
	"github.com/openmetering/dlms-go/xdlms"
)

// ErrNeedMoreData is returned by NextEvent when the receive buffer does
// not yet hold a complete APDU; the caller should Feed more bytes and
// retry (§5's sans-I/O contract).
var ErrNeedMoreData = fmt.Errorf("dlmsconn: need more data")

// Settings bundles the fixed per-association configuration negotiated
// out of band (§3.6, §4.3, §4.6).
type Settings struct {
	ClientSystemTitle []byte // 8 bytes; required when Ciphered
	MeterSystemTitle  []byte // 8 bytes; required when Ciphered, may be learned from AARE

	Ciphered          bool
	SecuritySuite     int // 0, 1, or 2 (§4.6)
	EncryptionKey     []byte
	AuthenticationKey []byte
	DedicatedKey      []byte

	Mechanism  auth.Mechanism
	Password   []byte // LLS password, or HLS-MD5/SHA1/SHA256 shared secret
	PrivateKey *ecdsa.PrivateKey // HLS-ECDSA
	PeerPublicKey *ecdsa.PublicKey // HLS-ECDSA

	ProposedConformance conformance.Block
	ClientMaxPduSize    uint16

	// ClientInvocationStart seeds the client's monotonic invocation
	// counter (SPEC_FULL §12.4); 0 is a valid start.
	ClientInvocationStart uint32

	// PreEstablished, when true, builds a Connection that starts in
	// StateReady (§4.3's pre-established association variant):
	// OpenAssociation fails, and Release builds an RLRQ as for any ready
	// association.
	PreEstablished bool
}

// defaultLNConformance is the conformance block proposed by every LN
// constructor below: get/set/action plus their block-transfer variants,
// selective access and multiple references.
const defaultLNConformance = conformance.BlockTransferWithGet | conformance.BlockTransferWithSet |
	conformance.BlockTransferWithAction | conformance.Action | conformance.Get | conformance.Set |
	conformance.SelectiveAccess | conformance.MultipleReferences

// NewSettingsWithNoAuthenticationLN builds Settings for Logical Name
// referencing without authentication.
func NewSettingsWithNoAuthenticationLN() (*Settings, error) {
	return &Settings{
		Mechanism:           auth.MechanismNone,
		ProposedConformance: defaultLNConformance,
		ClientMaxPduSize:    0xffff,
	}, nil
}

// NewSettingsWithLowAuthenticationLN builds Settings for Logical Name
// referencing with LLS (password) authentication, validating eagerly
// that a password was actually supplied.
func NewSettingsWithLowAuthenticationLN(password string) (*Settings, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("dlmsconn: low-level authentication password must not be empty")
	}
	return &Settings{
		Mechanism:           auth.MechanismLow,
		Password:            []byte(password),
		ProposedConformance: defaultLNConformance,
		ClientMaxPduSize:    0xffff,
	}, nil
}

// NewSettingsWithCipheringLN builds Settings for Logical Name referencing
// with ciphered, authenticated communication (§4.6). clientSystemTitle
// and encryptionKey/authenticationKey are validated eagerly so that a
// misconfigured association fails before the first byte goes on the
// wire instead of surfacing as an opaque AARE or decrypt failure later.
func NewSettingsWithCipheringLN(clientSystemTitle []byte, securitySuite int, encryptionKey, authenticationKey []byte, mechanism auth.Mechanism) (*Settings, error) {
	if len(clientSystemTitle) != 8 {
		return nil, fmt.Errorf("dlmsconn: client system title must be 8 bytes, got %d", len(clientSystemTitle))
	}
	if err := security.ValidateKeyLength(securitySuite, encryptionKey); err != nil {
		return nil, err
	}
	if len(authenticationKey) == 0 {
		return nil, fmt.Errorf("dlmsconn: authentication key must not be empty")
	}
	return &Settings{
		ClientSystemTitle:   append([]byte(nil), clientSystemTitle...),
		Ciphered:            true,
		SecuritySuite:       securitySuite,
		EncryptionKey:       append([]byte(nil), encryptionKey...),
		AuthenticationKey:   append([]byte(nil), authenticationKey...),
		Mechanism:           mechanism,
		ProposedConformance: defaultLNConformance | conformance.GeneralProtection,
		ClientMaxPduSize:    0xffff,
	}, nil
}

// IndicationKind labels the payload carried by an Indication.
type IndicationKind int

const (
	IndAssociationAccepted IndicationKind = iota
	IndAssociationRejected
	IndHLSChallenge
	IndHLSVerified
	IndHLSFailed
	IndGetResult
	IndGetBlock
	IndSetResult
	IndActionResult
	IndReleased
	IndDataNotification
	IndException
)

// Indication is what NextEvent returns once a complete, state-validated
// APDU has been parsed out of the receive buffer.
type Indication struct {
	Kind IndicationKind

	AssociationResult acse.AssociationResult
	Diagnostic        acse.SourceDiagnostic
	NegotiatedConformance conformance.Block
	ServerMaxPduSize  uint16

	HLSChallenge []byte // server-to-client challenge to answer (IndHLSChallenge)

	GetIsError  bool
	GetResult   dlmsdata.Value
	GetErrorCode byte
	GetBlockLast bool
	GetBlockData []byte
	GetBlockNumber uint32

	SetResult byte

	ActionResult  byte
	HasActionData bool
	ActionData    dlmsdata.Value
	HasActionError bool
	ActionErrorCode byte

	Notification xdlms.DataNotification
	Exception    xdlms.ExceptionResponse
}

// Connection is the sans-I/O DLMS application-layer connection (§4.3,
// §5): the request builders (OpenAssociation, Get, Set, Action, Release,
// ...) produce bytes to write to the transport, Feed
// ingests bytes read from it, and NextEvent drains fully-buffered
// indications. Connection never performs I/O itself.
type Connection struct {
	settings Settings
	logger   *zap.SugaredLogger

	state State

	clientInvocation uint32
	meterInvocation  uint32

	negotiatedConformance conformance.Block
	maxPduSize            uint16

	recvBuf []byte

	clientChallenge []byte
	serverChallenge []byte

	invokeID byte
}

// New builds a Connection in StateNoAssociation (or StateReady when
// settings.PreEstablished is set).
func New(settings Settings) *Connection {
	c := &Connection{
		settings:         settings,
		state:            StateNoAssociation,
		clientInvocation: settings.ClientInvocationStart,
		logger:           zap.NewNop().Sugar(),
	}
	if settings.PreEstablished {
		c.state = StateReady
		c.negotiatedConformance = settings.ProposedConformance
		c.maxPduSize = settings.ClientMaxPduSize
	}
	return c
}

// SetLogger installs a structured logger (teacher idiom, dlmsal.go's
// SetLogger); nil restores the no-op logger.
func (c *Connection) SetLogger(l *zap.SugaredLogger) {
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	c.logger = l
}

// State returns the connection's current state.
func (c *Connection) State() State { return c.state }

// ClientInvocationCounter returns the client's current monotonic
// invocation counter (SPEC_FULL §12.4).
func (c *Connection) ClientInvocationCounter() uint32 { return c.clientInvocation }

// MeterInvocationCounter returns the last invocation counter accepted
// from the meter.
func (c *Connection) MeterInvocationCounter() uint32 { return c.meterInvocation }

// NegotiatedConformance returns the conformance bitmap negotiated at
// association time (zero before StateReady is first reached).
func (c *Connection) NegotiatedConformance() conformance.Block { return c.negotiatedConformance }

// Mechanism returns the configured authentication mechanism (§4.3).
func (c *Connection) Mechanism() auth.Mechanism { return c.settings.Mechanism }

func (c *Connection) transition(event Event) error {
	dst, err := next(c.state, event)
	if err != nil {
		c.logger.Errorw("rejected event", "state", c.state, "event", event)
		return err
	}
	c.logger.Debugw("transition", "from", c.state, "to", dst, "event", event)
	c.state = dst
	return nil
}

func (c *Connection) nextInvokeID() byte {
	c.invokeID = (c.invokeID + 1) & 0x0f
	if c.invokeID == 0 {
		c.invokeID = 1
	}
	return c.invokeID
}

// newInvokeIDAndPriority builds the InvokeIDAndPriority byte for a fresh
// confirmed, normal-priority request.
func (c *Connection) newInvokeIDAndPriority() xdlms.InvokeIDAndPriority {
	return xdlms.NewInvokeIDAndPriority(c.nextInvokeID(), true, false)
}

// --- protection ---

// protect wraps body in a GeneralGlobalCipher APDU when the association
// is ciphered, advancing the client invocation counter; otherwise it
// returns body unchanged (§4.6).
func (c *Connection) protect(body []byte) ([]byte, error) {
	if !c.settings.Ciphered {
		return body, nil
	}
	if len(c.settings.ClientSystemTitle) != 8 {
		return nil, protoerr.NewProtection("client system title must be 8 bytes for a ciphered association")
	}
	control := security.Control(0).WithSuite(c.settings.SecuritySuite) | security.ControlAuthenticated | security.ControlEncrypted
	ic := c.clientInvocation
	cipher, err := security.Encrypt(control, c.settings.EncryptionKey, c.settings.AuthenticationKey, c.settings.ClientSystemTitle, ic, body)
	if err != nil {
		return nil, err
	}
	c.clientInvocation++
	g := xdlms.GeneralGlobalCipher{
		SystemTitle:       c.settings.ClientSystemTitle,
		SecurityControl:   byte(control),
		InvocationCounter: ic,
		CipheredText:      cipher,
	}
	return g.Encode(), nil
}

// unprotect reverses protect, enforcing strict invocation-counter
// monotonicity (§4.6, §8 "Counter monotonicity"): the meter's counter
// must be strictly greater than the last one accepted.
func (c *Connection) unprotect(apdu []byte) ([]byte, error) {
	if len(apdu) == 0 || xdlms.Tag(apdu[0]) != xdlms.TagGeneralGlobalCipher {
		return apdu, nil
	}
	g, err := xdlms.DecodeGeneralGlobalCipher(apdu)
	if err != nil {
		return nil, err
	}
	if g.InvocationCounter <= c.meterInvocation && c.meterInvocation != 0 {
		return nil, protoerr.NewDecryption(fmt.Errorf("invocation counter %d is not greater than last accepted %d", g.InvocationCounter, c.meterInvocation))
	}
	control := security.Control(g.SecurityControl)
	plain, err := security.Decrypt(control, c.settings.EncryptionKey, c.settings.AuthenticationKey, g.SystemTitle, g.InvocationCounter, g.CipheredText)
	if err != nil {
		return nil, err
	}
	c.meterInvocation = g.InvocationCounter
	return plain, nil
}

// --- association ---

// validateCipherConsistency rejects settings where the ciphered flag
// disagrees with the presence of an encryption key or with the
// general-protection conformance bit, grounded on the equivalent check
// in the reference connection's association setup.
func (c *Connection) validateCipherConsistency() error {
	hasKey := len(c.settings.EncryptionKey) > 0
	if hasKey && !c.settings.Ciphered {
		return protoerr.NewLocalProtocol(c.state.String(), "aarq: encryption key set but ciphered=false")
	}
	if c.settings.Ciphered && !hasKey {
		return protoerr.NewLocalProtocol(c.state.String(), "aarq: ciphered=true but no encryption key configured")
	}
	if c.settings.Ciphered != c.settings.ProposedConformance.Has(conformance.GeneralProtection) {
		return protoerr.NewLocalProtocol(c.state.String(), "aarq: general-protection conformance bit disagrees with ciphered")
	}
	return nil
}

// cipheredContext reports whether an application context implies
// ciphering is in effect for this association.
func cipheredContext(ctx acse.ApplicationContext) bool {
	return ctx == acse.ContextLNCiphering || ctx == acse.ContextSNCiphering
}

// OpenAssociation builds the AARQ and moves the state machine to
// StateAwaitingAssociationResponse. The InitiateRequest in its
// user-information is sent in clear, also on a ciphered association; it
// is not wrapped in a GlobalCipherInitiateRequest.
func (c *Connection) OpenAssociation() ([]byte, error) {
	if err := c.validateCipherConsistency(); err != nil {
		return nil, err
	}
	if err := c.transition(EventSendAARQ); err != nil {
		return nil, err
	}
	initiate := xdlms.InitiateRequest{
		DedicatedKey:            c.settings.DedicatedKey,
		ProposedConformance:     uint32(c.settings.ProposedConformance),
		ClientMaxReceivePduSize: c.settings.ClientMaxPduSize,
	}
	userInfo := initiate.Encode()

	appContext := acse.ContextLNNoCiphering
	if c.settings.Ciphered {
		appContext = acse.ContextLNCiphering
	}

	req := acse.AARQ{
		ApplicationContext: appContext,
		UserInformation:    userInfo,
	}

	switch c.settings.Mechanism {
	case auth.MechanismNone:
		req.Mechanism = acse.AuthNone
	case auth.MechanismLow:
		req.Mechanism = acse.AuthLow
		req.AuthenticationValue = c.settings.Password
	default:
		req.Mechanism = acse.AuthenticationMechanism(c.settings.Mechanism)
		challenge, err := auth.GenerateChallenge(16)
		if err != nil {
			return nil, err
		}
		c.clientChallenge = challenge
		req.AuthenticationValue = challenge
		req.CallingSystemTitle = c.settings.ClientSystemTitle
	}

	return req.Encode(), nil
}

// Release builds the RLRQ and moves to StateAwaitingReleaseResponse.
func (c *Connection) Release() ([]byte, error) {
	if err := c.transition(EventSendRLRQ); err != nil {
		return nil, err
	}
	reason := acse.ReleaseNormal
	r := acse.RLRQ{Reason: &reason}
	return r.Encode(), nil
}

// --- requests ---

// Get builds GetRequest.Normal and moves to StateAwaitingGetResponse.
func (c *Connection) Get(attr cosem.AttributeWithSelection) ([]byte, error) {
	if err := conformance.Validate(c.negotiatedConformance, "get", conformance.Get); err != nil {
		return nil, err
	}
	if attr.HasSelection() {
		if err := conformance.Validate(c.negotiatedConformance, "get-selective-access", conformance.SelectiveAccess); err != nil {
			return nil, err
		}
	}
	if err := c.transition(EventSendGetNormalOrList); err != nil {
		return nil, err
	}
	req := xdlms.GetRequestNormalPDU{InvokeIDAndPriority: c.newInvokeIDAndPriority(), Attribute: attr}
	return c.protect(req.Encode())
}

// GetNext acknowledges the last received block and requests the next
// one, moving to StateAwaitingGetBlockResponse.
func (c *Connection) GetNext(blockNumber uint32) ([]byte, error) {
	if err := conformance.Validate(c.negotiatedConformance, "get", conformance.Get); err != nil {
		return nil, err
	}
	if err := c.transition(EventSendGetNext); err != nil {
		return nil, err
	}
	req := xdlms.GetRequestNextPDU{InvokeIDAndPriority: c.newInvokeIDAndPriority(), BlockNumber: blockNumber}
	return c.protect(req.Encode())
}

// Set builds SetRequest.Normal and moves to StateAwaitingSetResponse.
func (c *Connection) Set(attr cosem.AttributeWithSelection, value dlmsdata.Value) ([]byte, error) {
	if err := conformance.Validate(c.negotiatedConformance, "set", conformance.Set); err != nil {
		return nil, err
	}
	if attr.HasSelection() {
		if err := conformance.Validate(c.negotiatedConformance, "set-selective-access", conformance.SelectiveAccess); err != nil {
			return nil, err
		}
	}
	if err := c.transition(EventSendSetNormal); err != nil {
		return nil, err
	}
	req := xdlms.SetRequestNormalPDU{InvokeIDAndPriority: c.newInvokeIDAndPriority(), Attribute: attr, Value: value}
	return c.protect(req.Encode())
}

// Action builds ActionRequest.Normal and moves to
// StateAwaitingActionResponse.
func (c *Connection) Action(method cosem.Method, parameters []byte) ([]byte, error) {
	if err := conformance.Validate(c.negotiatedConformance, "action", conformance.Action); err != nil {
		return nil, err
	}
	if err := c.transition(EventSendActionNormal); err != nil {
		return nil, err
	}
	req := xdlms.ActionRequestNormalPDU{InvokeIDAndPriority: c.newInvokeIDAndPriority(), Method: method, Parameters: parameters}
	return c.protect(req.Encode())
}

// SendHLSChallengeResult answers the server's HLS challenge with
// ActionRequest.Normal against the Association-LN's reply-to-HLS-
// authentication method (§4.3's SHOULD_SEND_HLS_CHALLENGE_RESULT state).
func (c *Connection) SendHLSChallengeResult(method cosem.Method) ([]byte, error) {
	if err := c.transition(EventSendHLSChallengeResult); err != nil {
		return nil, err
	}
	params := HighLevelParams(c)
	params.ServerToClient = c.serverChallenge
	reply, err := auth.ComputeClientReply(params)
	if err != nil {
		return nil, err
	}
	req := xdlms.ActionRequestNormalPDU{InvokeIDAndPriority: c.newInvokeIDAndPriority(), Method: method, Parameters: reply}
	return c.protect(req.Encode())
}

// HighLevelParams builds the auth.HighLevelParams shared by the client-
// reply and server-verification steps of HLS (exported for tests that
// need to recompute the expected value independently).
func HighLevelParams(c *Connection) auth.HighLevelParams {
	return auth.HighLevelParams{
		Mechanism:         c.settings.Mechanism,
		Password:          c.settings.Password,
		ClientSystemTitle: c.settings.ClientSystemTitle,
		ServerSystemTitle: c.settings.MeterSystemTitle,
		ClientToServer:    c.clientChallenge,
		ServerToClient:    c.serverChallenge,
		EncryptionKey:     c.settings.EncryptionKey,
		AuthenticationKey: c.settings.AuthenticationKey,
		ClientInvocation:  c.clientInvocation,
		PrivateKey:        c.settings.PrivateKey,
		PeerPublicKey:     c.settings.PeerPublicKey,
	}
}

// --- receive ---

// Feed appends newly-read transport bytes to the receive buffer.
func (c *Connection) Feed(data []byte) {
	c.recvBuf = append(c.recvBuf, data...)
}

// NextEvent attempts to parse and state-validate one complete APDU out
// of the receive buffer. It returns ErrNeedMoreData (not wrapped in any
// protoerr type) when the buffer is a valid prefix of an incomplete
// APDU; the caller should Feed more bytes and retry.
func (c *Connection) NextEvent() (Indication, error) {
	if len(c.recvBuf) == 0 {
		return Indication{}, ErrNeedMoreData
	}

	apdu, err := c.unprotect(c.recvBuf)
	if err != nil {
		return Indication{}, err
	}
	consumedAll := len(apdu) > 0

	switch c.state {
	case StateAwaitingAssociationResponse:
		return c.handleAARE(apdu, consumedAll)
	case StateAwaitingGetResponse, StateAwaitingGetBlockResponse:
		return c.handleGetResponse(apdu, consumedAll)
	case StateAwaitingSetResponse:
		return c.handleSetResponse(apdu, consumedAll)
	case StateAwaitingActionResponse:
		return c.handleActionResponse(apdu, consumedAll)
	case StateAwaitingHLSClientChallengeResult:
		return c.handleHLSChallengeResponse(apdu, consumedAll)
	case StateAwaitingReleaseResponse:
		return c.handleRLRE(apdu, consumedAll)
	case StateReady:
		return c.handleReadyIndication(apdu, consumedAll)
	default:
		return Indication{}, protoerr.NewLocalProtocol(c.state.String(), "recv-apdu")
	}
}

func (c *Connection) consume() { c.recvBuf = nil }

func (c *Connection) handleAARE(apdu []byte, _ bool) (Indication, error) {
	aare, err := acse.DecodeAARE(apdu)
	if err != nil {
		return Indication{}, err
	}
	c.consume()

	if aare.Result != acse.ResultAccepted {
		if err := c.transition(EventRecvAARERejectedOrException); err != nil {
			return Indication{}, err
		}
		return Indication{Kind: IndAssociationRejected, AssociationResult: aare.Result, Diagnostic: aare.SourceDiagnostic}, nil
	}

	if c.settings.Ciphered != cipheredContext(aare.ApplicationContext) {
		return Indication{}, protoerr.NewLocalProtocol(c.state.String(), "aare: application context ciphering disagrees with configured ciphered")
	}

	if len(aare.RespondingSystemTitle) > 0 {
		c.settings.MeterSystemTitle = aare.RespondingSystemTitle
	}

	initResp, _, err := xdlms.DecodeInitiateResponse(aare.UserInformation)
	if err != nil {
		return Indication{}, err
	}
	c.negotiatedConformance = conformance.Block(initResp.NegotiatedConformance)
	c.maxPduSize = initResp.ServerMaxReceivePduSize

	if c.settings.Ciphered != c.negotiatedConformance.Has(conformance.GeneralProtection) {
		return Indication{}, protoerr.NewLocalProtocol(c.state.String(), "aare: negotiated general-protection bit disagrees with configured ciphered")
	}

	ind := Indication{
		Kind:                  IndAssociationAccepted,
		AssociationResult:     aare.Result,
		NegotiatedConformance: c.negotiatedConformance,
		ServerMaxPduSize:      c.maxPduSize,
	}

	switch c.settings.Mechanism {
	case auth.MechanismHighGMAC, auth.MechanismHighMD5, auth.MechanismHighSHA1, auth.MechanismHighSHA256, auth.MechanismHighECDSA:
		if err := c.transition(EventRecvAAREAcceptedHLSGMAC); err != nil {
			return Indication{}, err
		}
		c.serverChallenge = aare.AuthenticationValue
		if err := c.transition(EventHLSBegin); err != nil {
			return Indication{}, err
		}
		ind.Kind = IndHLSChallenge
		ind.HLSChallenge = c.serverChallenge
		return ind, nil
	default:
		if err := c.transition(EventRecvAAREAcceptedNonHLS); err != nil {
			return Indication{}, err
		}
		return ind, nil
	}
}

func (c *Connection) handleHLSChallengeResponse(apdu []byte, _ bool) (Indication, error) {
	if len(apdu) < 1 {
		return Indication{}, ErrNeedMoreData
	}
	switch xdlms.Tag(apdu[0]) {
	case xdlms.TagActionResponse:
		if len(apdu) < 2 {
			return Indication{}, ErrNeedMoreData
		}
		tag := xdlms.ActionResponseTag(apdu[1])
		resp, _, err := xdlms.DecodeActionResponseNormal(apdu[2:])
		if err != nil {
			return Indication{}, err
		}
		c.consume()
		if tag == xdlms.ActionResponseNormalWithData && resp.HasData {
			if err := c.transition(EventRecvActionRespWithData); err != nil {
				return Indication{}, err
			}
			params := HighLevelParams(c)
			verr := auth.VerifyServerReply(params, resp.Data.Bytes)
			if verr != nil {
				if err := c.transition(EventHLSFails); err != nil {
					return Indication{}, err
				}
				return Indication{Kind: IndHLSFailed}, verr
			}
			if err := c.transition(EventHLSVerifiesOK); err != nil {
				return Indication{}, err
			}
			return Indication{Kind: IndHLSVerified}, nil
		}
		if err := c.transition(EventRecvActionRespPlainOrError); err != nil {
			return Indication{}, err
		}
		return Indication{Kind: IndHLSFailed}, fmt.Errorf("dlmsconn: hls challenge result rejected, result=%d", resp.Result)
	default:
		return Indication{}, protoerr.NewMalformed("hls-challenge-response", fmt.Errorf("unexpected xdlms tag %d", apdu[0]))
	}
}

func (c *Connection) handleGetResponse(apdu []byte, _ bool) (Indication, error) {
	if len(apdu) < 2 {
		return Indication{}, ErrNeedMoreData
	}
	if xdlms.Tag(apdu[0]) == xdlms.TagExceptionResponse {
		exc, _, err := xdlms.DecodeExceptionResponse(apdu[1:])
		if err != nil {
			return Indication{}, err
		}
		c.consume()
		if err := c.transition(EventRecvGetRespLastBlockOrErrorOrException); err != nil {
			return Indication{}, err
		}
		return Indication{Kind: IndException, Exception: exc}, nil
	}
	if xdlms.Tag(apdu[0]) != xdlms.TagGetResponse {
		return Indication{}, protoerr.NewMalformed("get-response", fmt.Errorf("unexpected xdlms tag %d", apdu[0]))
	}
	switch xdlms.GetResponseTag(apdu[1]) {
	case xdlms.GetResponseNormal:
		resp, _, err := xdlms.DecodeGetResponseNormal(apdu[2:])
		if err != nil {
			return Indication{}, err
		}
		c.consume()
		if err := c.transition(EventRecvGetRespNormalOrList); err != nil {
			return Indication{}, err
		}
		return Indication{Kind: IndGetResult, GetIsError: resp.IsError, GetResult: resp.Result, GetErrorCode: resp.ErrorCode}, nil
	case xdlms.GetResponseWithBlock:
		resp, _, err := xdlms.DecodeGetResponseWithBlock(apdu[2:], false)
		if err != nil {
			return Indication{}, err
		}
		c.consume()
		if resp.LastBlock {
			if err := c.transition(EventRecvGetRespLastBlockOrErrorOrException); err != nil {
				return Indication{}, err
			}
		} else {
			if err := c.transition(EventRecvGetRespWithBlockNotLast); err != nil {
				return Indication{}, err
			}
		}
		return Indication{
			Kind:           IndGetBlock,
			GetIsError:     resp.IsError,
			GetErrorCode:   resp.ErrorCode,
			GetBlockLast:   resp.LastBlock,
			GetBlockData:   resp.Data,
			GetBlockNumber: resp.BlockNumber,
		}, nil
	default:
		return Indication{}, protoerr.NewMalformed("get-response", fmt.Errorf("unsupported get-response sub-type %d", apdu[1]))
	}
}

func (c *Connection) handleSetResponse(apdu []byte, _ bool) (Indication, error) {
	if len(apdu) < 2 {
		return Indication{}, ErrNeedMoreData
	}
	if xdlms.Tag(apdu[0]) != xdlms.TagSetResponse || xdlms.SetResponseTag(apdu[1]) != xdlms.SetResponseNormal {
		return Indication{}, protoerr.NewMalformed("set-response", fmt.Errorf("unsupported set-response"))
	}
	resp, _, err := xdlms.DecodeSetResponseNormal(apdu[2:])
	if err != nil {
		return Indication{}, err
	}
	c.consume()
	if err := c.transition(EventRecvSetRespNormal); err != nil {
		return Indication{}, err
	}
	return Indication{Kind: IndSetResult, SetResult: resp.Result}, nil
}

func (c *Connection) handleActionResponse(apdu []byte, _ bool) (Indication, error) {
	if len(apdu) < 2 {
		return Indication{}, ErrNeedMoreData
	}
	if xdlms.Tag(apdu[0]) != xdlms.TagActionResponse {
		return Indication{}, protoerr.NewMalformed("action-response", fmt.Errorf("unexpected xdlms tag %d", apdu[0]))
	}
	resp, _, err := xdlms.DecodeActionResponseNormal(apdu[2:])
	if err != nil {
		return Indication{}, err
	}
	c.consume()
	if err := c.transition(EventRecvActionRespNormalWithDataOrError); err != nil {
		return Indication{}, err
	}
	return Indication{
		Kind:            IndActionResult,
		ActionResult:    resp.Result,
		HasActionData:   resp.HasData,
		ActionData:      resp.Data,
		HasActionError:  resp.HasError,
		ActionErrorCode: resp.ErrorCode,
	}, nil
}

// handleRLRE expects either a plain ACSE RLRE (tag 0x63) or, on a
// rejected release, an xDLMS ExceptionResponse (tag 216) in its place.
func (c *Connection) handleRLRE(apdu []byte, _ bool) (Indication, error) {
	if len(apdu) < 1 {
		return Indication{}, ErrNeedMoreData
	}
	if apdu[0] != tagRLREWire {
		if xdlms.Tag(apdu[0]) != xdlms.TagExceptionResponse {
			return Indication{}, protoerr.NewMalformed("release-response", fmt.Errorf("unexpected apdu tag %d", apdu[0]))
		}
		exc, _, err := xdlms.DecodeExceptionResponse(apdu[1:])
		if err != nil {
			return Indication{}, err
		}
		c.consume()
		if err := c.transition(EventRecvExceptionResponseDuringRelease); err != nil {
			return Indication{}, err
		}
		return Indication{Kind: IndException, Exception: exc}, nil
	}

	if _, err := acse.DecodeRLRE(apdu); err != nil {
		return Indication{}, err
	}
	c.consume()
	if err := c.transition(EventRecvRLRE); err != nil {
		return Indication{}, err
	}
	return Indication{Kind: IndReleased}, nil
}

// tagRLRE is unexported in package acse; duplicate the BER tag byte here
// for the dispatch check above.
const tagRLREWire = 0x63

func (c *Connection) handleReadyIndication(apdu []byte, _ bool) (Indication, error) {
	if len(apdu) < 1 {
		return Indication{}, ErrNeedMoreData
	}
	if xdlms.Tag(apdu[0]) != xdlms.TagDataNotification {
		return Indication{}, protoerr.NewMalformed("ready-indication", fmt.Errorf("unexpected unsolicited xdlms tag %d", apdu[0]))
	}
	notif, _, err := xdlms.DecodeDataNotification(apdu[1:])
	if err != nil {
		return Indication{}, err
	}
	c.consume()
	if err := c.transition(EventRecvDataNotification); err != nil {
		return Indication{}, err
	}
	return Indication{Kind: IndDataNotification, Notification: notif}, nil
}

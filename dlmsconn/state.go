// Package dlmsconn implements the sans-I/O DLMS connection state machine
// (§4.3): association, GET/SET/ACTION request pipelines including block
// transfer, release, and HLS-GMAC authentication. Grounded on
// original_source/dlms_cosem/state.py for the transition table shape and
// dlmsal/dlmsal.go for the Go field layout and logging idiom.
package dlmsconn

import "github.com/openmetering/dlms-go/protoerr"

// State is one node of the connection's state machine (§4.3).
type State int

const (
	StateNoAssociation State = iota
	StateAwaitingAssociationResponse
	StateReady
	StateShouldSendHLSChallengeResult
	StateAwaitingHLSClientChallengeResult
	StateHLSDone
	StateAwaitingGetResponse
	StateShouldAckLastGetBlock
	StateAwaitingGetBlockResponse
	StateAwaitingSetResponse
	StateAwaitingActionResponse
	StateAwaitingReleaseResponse
)

func (s State) String() string {
	switch s {
	case StateNoAssociation:
		return "NO_ASSOCIATION"
	case StateAwaitingAssociationResponse:
		return "AWAITING_ASSOCIATION_RESPONSE"
	case StateReady:
		return "READY"
	case StateShouldSendHLSChallengeResult:
		return "SHOULD_SEND_HLS_CHALLENGE_RESULT"
	case StateAwaitingHLSClientChallengeResult:
		return "AWAITING_HLS_CLIENT_CHALLENGE_RESULT"
	case StateHLSDone:
		return "HLS_DONE"
	case StateAwaitingGetResponse:
		return "AWAITING_GET_RESPONSE"
	case StateShouldAckLastGetBlock:
		return "SHOULD_ACK_LAST_GET_BLOCK"
	case StateAwaitingGetBlockResponse:
		return "AWAITING_GET_BLOCK_RESPONSE"
	case StateAwaitingSetResponse:
		return "AWAITING_SET_RESPONSE"
	case StateAwaitingActionResponse:
		return "AWAITING_ACTION_RESPONSE"
	case StateAwaitingReleaseResponse:
		return "AWAITING_RELEASE_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// Event names one transition-triggering occurrence, client- or
// server-initiated (§4.3).
type Event int

const (
	EventSendAARQ Event = iota
	EventSendRLRQ
	EventSendGetNormalOrList
	EventSendGetNext
	EventSendSetNormal
	EventSendActionNormal
	EventHLSBegin
	EventSendHLSChallengeResult

	EventRecvAAREAcceptedNonHLS
	EventRecvAAREAcceptedHLSGMAC
	EventRecvAARERejectedOrException
	EventRecvDataNotification
	EventRecvActionRespWithData
	EventRecvActionRespPlainOrError
	EventRecvGetRespNormalOrList
	EventRecvGetRespWithBlockNotLast
	EventRecvGetRespLastBlockOrErrorOrException
	EventRecvSetRespNormal
	EventRecvActionRespNormalWithDataOrError
	EventRecvRLRE
	EventRecvExceptionResponseDuringRelease
	EventHLSVerifiesOK
	EventHLSFails
)

func (e Event) String() string {
	names := map[Event]string{
		EventSendAARQ:                                "send-AARQ",
		EventSendRLRQ:                                "send-RLRQ",
		EventSendGetNormalOrList:                      "send-GetReq(.Normal|.WithList)",
		EventSendGetNext:                              "send-GetReq(.Next)",
		EventSendSetNormal:                            "send-SetReq(.Normal)",
		EventSendActionNormal:                         "send-ActionReq(.Normal)",
		EventHLSBegin:                                 "HLS-begin",
		EventSendHLSChallengeResult:                   "send-ActionReq(.Normal for HLS reply)",
		EventRecvAAREAcceptedNonHLS:                   "recv-AARE(accepted, non-HLS)",
		EventRecvAAREAcceptedHLSGMAC:                  "recv-AARE(accepted, HLS_GMAC)",
		EventRecvAARERejectedOrException:              "recv-AARE(rejected)/ExceptionResponse",
		EventRecvDataNotification:                     "recv-DataNotification",
		EventRecvActionRespWithData:                   "recv-ActionResp(with data)",
		EventRecvActionRespPlainOrError:                "recv-ActionResp(plain or error)",
		EventRecvGetRespNormalOrList:                   "recv-GetResp(.Normal|.WithList)",
		EventRecvGetRespWithBlockNotLast:               "recv-GetResp(.WithBlock, not last)",
		EventRecvGetRespLastBlockOrErrorOrException:    "recv-GetResp(.LastBlock|error)/ExceptionResponse",
		EventRecvSetRespNormal:                         "recv-SetResp(.Normal)",
		EventRecvActionRespNormalWithDataOrError:       "recv-ActionResp(Normal|WithData|WithError)",
		EventRecvRLRE:                                  "recv-RLRE",
		EventRecvExceptionResponseDuringRelease:        "recv-ExceptionResponse",
		EventHLSVerifiesOK:                             "HLS-verifies-ok",
		EventHLSFails:                                  "HLS-fails",
	}
	if n, ok := names[e]; ok {
		return n
	}
	return "unknown-event"
}

// transitions is the closed state-transition table from spec.md §4.3.
// Any (state, event) pair absent from this table is a local protocol
// error.
var transitions = map[State]map[Event]State{
	StateNoAssociation: {
		EventSendAARQ: StateAwaitingAssociationResponse,
	},
	StateAwaitingAssociationResponse: {
		EventRecvAAREAcceptedNonHLS:      StateReady,
		EventRecvAAREAcceptedHLSGMAC:     StateReady,
		EventRecvAARERejectedOrException: StateNoAssociation,
	},
	StateReady: {
		EventSendRLRQ:                StateAwaitingReleaseResponse,
		EventSendGetNormalOrList:     StateAwaitingGetResponse,
		EventSendSetNormal:           StateAwaitingSetResponse,
		EventSendActionNormal:        StateAwaitingActionResponse,
		EventHLSBegin:                StateShouldSendHLSChallengeResult,
		EventRecvDataNotification:    StateReady,
	},
	StateShouldSendHLSChallengeResult: {
		EventSendHLSChallengeResult: StateAwaitingHLSClientChallengeResult,
	},
	StateAwaitingHLSClientChallengeResult: {
		EventRecvActionRespWithData:      StateHLSDone,
		EventRecvActionRespPlainOrError:  StateNoAssociation,
	},
	StateHLSDone: {
		EventHLSVerifiesOK: StateReady,
		EventHLSFails:      StateNoAssociation,
	},
	StateAwaitingGetResponse: {
		EventRecvGetRespNormalOrList:                StateReady,
		EventRecvGetRespWithBlockNotLast:             StateShouldAckLastGetBlock,
		EventRecvGetRespLastBlockOrErrorOrException:  StateReady,
	},
	StateShouldAckLastGetBlock: {
		EventSendGetNext: StateAwaitingGetBlockResponse,
	},
	StateAwaitingGetBlockResponse: {
		EventRecvGetRespNormalOrList:                StateReady,
		EventRecvGetRespWithBlockNotLast:             StateShouldAckLastGetBlock,
		EventRecvGetRespLastBlockOrErrorOrException:  StateReady,
	},
	StateAwaitingSetResponse: {
		EventRecvSetRespNormal: StateReady,
	},
	StateAwaitingActionResponse: {
		EventRecvActionRespNormalWithDataOrError: StateReady,
	},
	StateAwaitingReleaseResponse: {
		EventRecvRLRE:                           StateNoAssociation,
		EventRecvExceptionResponseDuringRelease: StateReady,
	},
}

// next returns the state reached by applying event from current, or a
// *protoerr.LocalProtocolError if the transition is not in the table.
func next(current State, event Event) (State, error) {
	if byEvent, ok := transitions[current]; ok {
		if dst, ok := byEvent[event]; ok {
			return dst, nil
		}
	}
	return current, protoerr.NewLocalProtocol(current.String(), event.String())
}

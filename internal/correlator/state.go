package correlator

import (
	"time"

	"github.com/sweeney/voicebridge/internal/registry"
)

// CallIDVariable is set on every originated channel so the switch reports
// the call id back in a VarSet event before the call is answered.
const CallIDVariable = "VOICEBRIDGE_CALL_ID"

// Update is emitted when events reveal something new about a tracked call.
type Update struct {
	CallID   string
	UniqueID string
	Channel  string

	// Status is empty when the update only carries a learned channel.
	Status    registry.Status
	Timestamp time.Time

	// Failure and hangup fields
	Cause            string
	CauseDescription string
	CauseCode        int
}

type cause struct {
	Name        string
	Description string
}

// HangupCause maps Asterisk hangup cause codes to names and descriptions.
var HangupCause = map[int]cause{
	0:   {"unknown", "Unknown or no cause provided"},
	16:  {"normal_clearing", "The call was hung up normally by one of the parties"},
	17:  {"user_busy", "The destination was busy"},
	18:  {"no_answer", "The destination did not answer"},
	19:  {"no_answer", "The destination did not answer within the timeout"},
	21:  {"call_rejected", "The call was rejected by the destination"},
	31:  {"normal_unspecified", "Normal call clearing, unspecified cause"},
	34:  {"congestion", "All circuits are busy or no circuit is available"},
	127: {"interworking", "An interworking error occurred"},
}

// OriginateReason maps the Reason header of a failed OriginateResponse.
var OriginateReason = map[int]cause{
	0: {"failed", "The channel could not be created"},
	1: {"hangup", "The remote end hung up before answering"},
	3: {"no_answer", "The destination rang but did not answer"},
	5: {"user_busy", "The destination was busy"},
	8: {"congestion", "The network was congested"},
}

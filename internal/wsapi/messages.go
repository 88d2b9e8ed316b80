// Package wsapi implements the WebSocket framer/router: the HTTP upgrade
// handler, the fixed JSON message taxonomy (spec.md §6.1), payload
// validation, and the per-connection reader/writer loops that dispatch to
// the auth layer and meet actors.
package wsapi

import "encoding/json"

// Envelope is the outer frame shape. This rewrite adopts the nested
// discriminator form exclusively (SPEC_FULL.md's resolution of spec.md
// §9's "message discriminator inconsistency" open question) — a flat
// msgType form is never accepted.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client -> server payloads.

type CreateMeetPayload struct {
	Password     string             `json:"password" validate:"required"`
	LocationName string             `json:"location_name" validate:"required,min=1,max=64,printablenocontrol"`
	Priority     int                `json:"priority" validate:"min=0"`
	Locations    []LocationPriority `json:"locations" validate:"dive"`
}

type LocationPriority struct {
	LocationName string `json:"location_name" validate:"required,min=1,max=64,printablenocontrol"`
	Priority     int    `json:"priority" validate:"min=0"`
}

type JoinMeetPayload struct {
	MeetID       string `json:"meet_id" validate:"required"`
	Password     string `json:"password" validate:"required"`
	LocationName string `json:"location_name" validate:"required,min=1,max=64,printablenocontrol"`
	Priority     int    `json:"priority" validate:"min=0"`
}

type UpdateInitPayload struct {
	MeetID       string        `json:"meet_id" validate:"required"`
	SessionToken string        `json:"session_token" validate:"required"`
	Updates      []UpdateEntry `json:"updates" validate:"required,dive"`
}

type UpdateEntry struct {
	Location       string          `json:"location" validate:"required,max=512"`
	Value          json.RawMessage `json:"value" validate:"required"`
	LocalSeq       int64           `json:"local_seq" validate:"min=0"`
	AfterServerSeq int64           `json:"after_server_seq" validate:"min=0"`
	Timestamp      int64           `json:"timestamp"`
}

type ClientPullPayload struct {
	MeetID        string `json:"meet_id" validate:"required"`
	SessionToken  string `json:"session_token" validate:"required"`
	LastServerSeq int64  `json:"last_server_seq" validate:"min=0"`
}

type RotateSessionPayload struct {
	MeetID       string `json:"meet_id" validate:"required"`
	SessionToken string `json:"session_token" validate:"required"`
}

type PublishMeetPayload struct {
	MeetID       string `json:"meet_id" validate:"required"`
	SessionToken string `json:"session_token" validate:"required"`
	ReturnEmail  string `json:"return_email" validate:"required,email,max=320"`
	OPLCSV       string `json:"opl_csv" validate:"required,max=4194304"`
}

// Server -> client payloads.

type MeetCreatedPayload struct {
	MeetID       string `json:"meet_id"`
	SessionToken string `json:"session_token"`
	CSRFToken    string `json:"csrf_token"`
}

type MeetJoinedPayload struct {
	SessionToken string `json:"session_token"`
	CSRFToken    string `json:"csrf_token"`
}

type JoinRejectedPayload struct {
	Reason string `json:"reason"`
}

const (
	RejectInvalidCredentials = "invalid_credentials"
	RejectInvalidLocation    = "invalid_location"
	RejectRateLimited        = "rate_limited"
)

type UpdateAckPayload struct {
	Acks []AckEntry `json:"acks"`
}

type AckEntry struct {
	LocalSeq  int64 `json:"local_seq"`
	ServerSeq int64 `json:"server_seq"`
	Replaced  bool  `json:"replaced"`
}

type UpdateRejectedPayload struct {
	Rejects []RejectEntry `json:"rejects"`
}

type RejectEntry struct {
	LocalSeq int64  `json:"local_seq"`
	Conflict bool   `json:"conflict"`
	Reason   string `json:"reason"`
}

type UpdateRelayPayload struct {
	Relays []RelayEntry `json:"relays"`
}

type RelayEntry struct {
	ServerSeq           int64           `json:"server_seq"`
	Location            string          `json:"location"`
	Value               json.RawMessage `json:"value"`
	OriginatingLocation string          `json:"originating_location"`
}

type ServerPullPayload struct {
	Updates       []RelayEntry `json:"updates"`
	LastServerSeq int64        `json:"last_server_seq"`
}

type PublishAckPayload struct {
	MeetID string `json:"meet_id"`
}

type SessionRotatedPayload struct {
	SessionToken string `json:"session_token"`
	CSRFToken    string `json:"csrf_token"`
}

type MalformedMessagePayload struct {
	ErrMsg string `json:"err_msg"`
}

type UnknownMessageTypePayload struct {
	MsgType string `json:"msg_type"`
}

type InvalidSessionPayload struct {
	SessionToken string `json:"session_token"`
}

// Message type discriminators, client -> server.
const (
	TypeCreateMeet    = "CreateMeet"
	TypeJoinMeet      = "JoinMeet"
	TypeUpdateInit    = "UpdateInit"
	TypeClientPull    = "ClientPull"
	TypePublishMeet   = "PublishMeet"
	TypeRotateSession = "RotateSession"
)

// Message type discriminators, server -> client.
const (
	TypeMeetCreated        = "MeetCreated"
	TypeMeetJoined         = "MeetJoined"
	TypeJoinRejected       = "JoinRejected"
	TypeUpdateAck          = "UpdateAck"
	TypeUpdateRejected     = "UpdateRejected"
	TypeUpdateRelay        = "UpdateRelay"
	TypeServerPull         = "ServerPull"
	TypePublishAck         = "PublishAck"
	TypeMalformedMessage   = "MalformedMessage"
	TypeUnknownMessageType = "UnknownMessageType"
	TypeInvalidSession     = "InvalidSession"
	TypeSessionRotated     = "SessionRotated"
)

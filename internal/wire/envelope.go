package wire

import "encoding/json"

// Type is the discriminator carried by every frame on the persistent
// socket (spec §6). Exactly one of the typed payload fields on Envelope
// is populated for a given Type.
type Type string

const (
	TypeAuth            Type = "auth"
	TypeAuthOK          Type = "auth-ok"
	TypeSubscribe       Type = "subscribe"
	TypeUpdate          Type = "update"
	TypeUpdateAck       Type = "update-ack"
	TypeUpdateReject    Type = "update-reject"
	TypeEphemeral       Type = "ephemeral"
	TypeRPCCall         Type = "rpc-call"
	TypeRPCResponse     Type = "rpc-response"
	TypeRPCError        Type = "rpc-error"
	TypeRPCRegister     Type = "rpc-register"
	TypeRPCUnregister   Type = "rpc-unregister"
	TypeHeartbeat       Type = "heartbeat"
	TypeResyncRequired  Type = "resync-required"
)

// RejectReason enumerates why a publishUpdate call was refused.
type RejectReason string

const (
	RejectVersionMismatch RejectReason = "version-mismatch"
	RejectAuth            RejectReason = "auth"
	RejectRateLimit       RejectReason = "rate-limit"
)

// RPCErrorReason enumerates the terminal failure outcomes of an RPC call.
type RPCErrorReason string

const (
	RPCNoHandler  RPCErrorReason = "no-handler"
	RPCTimeout    RPCErrorReason = "timeout"
	RPCTransport  RPCErrorReason = "transport"
)

// Envelope is the single wire frame type exchanged over the persistent
// socket. Cleartext fields are always populated for the frame's Type;
// Body/Payload/Request/Response/ErrorBody/CurrentBody hold ciphertext
// (see crypto.go) and are opaque to the Relay Core.
type Envelope struct {
	Type Type `json:"type"`

	// auth (C->S)
	Token          string         `json:"token,omitempty"`
	ConnectionKind ConnectionKind `json:"connectionKind,omitempty"`
	ScopeRef       *Scope         `json:"scopeRef,omitempty"`

	// auth-ok (S->C)
	ConnectionID string `json:"connectionId,omitempty"`
	AccountID    string `json:"accountId,omitempty"`
	ServerTime   int64  `json:"serverTime,omitempty"`

	// subscribe (C->S)
	Scope    *Scope `json:"scope,omitempty"`
	SinceSeq int64  `json:"sinceSeq,omitempty"`

	// update (S->C / C->S)
	EntityRef       *EntityRef `json:"entityRef,omitempty"`
	Version         int64      `json:"version,omitempty"`
	ExpectedVersion int64      `json:"expectedVersion,omitempty"`
	Seq             int64      `json:"seq,omitempty"`
	Producer        string     `json:"producer,omitempty"`
	LocalID         string     `json:"localId,omitempty"`
	Body            []byte     `json:"body,omitempty"`

	// update-ack (S->C)
	NewVersion int64 `json:"newVersion,omitempty"`

	// update-reject (S->C)
	Reason         RejectReason `json:"reason,omitempty"`
	CurrentVersion int64        `json:"currentVersion,omitempty"`
	CurrentBody    []byte       `json:"currentBody,omitempty"`

	// ephemeral (C<->S)
	Kind    string `json:"kind,omitempty"`
	TS      int64  `json:"ts,omitempty"`
	Payload []byte `json:"payload,omitempty"`

	// rpc-call (C<->S)
	CallID      string `json:"callId,omitempty"`
	TargetScope *Scope `json:"targetScope,omitempty"`
	Method      string `json:"method,omitempty"`
	TimeoutMs   int64  `json:"timeoutMs,omitempty"`
	Request     []byte `json:"request,omitempty"`

	// rpc-response (C<->S)
	OK        bool   `json:"ok,omitempty"`
	Response  []byte `json:"response,omitempty"`
	ErrorBody []byte `json:"errorBody,omitempty"`

	// rpc-error (S->C)
	RPCErrorReason RPCErrorReason `json:"rpcErrorReason,omitempty"`

	// resync-required (S->C)
	MinSeq int64 `json:"minSeq,omitempty"`
}

// Marshal serializes the envelope to the JSON-object wire form.
func (e *Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

// Unmarshal parses a JSON-object frame into an envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

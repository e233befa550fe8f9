// Package wire defines the JSON envelope schemas and scope/entity
// reference types shared by the Relay Core and the Sync Client.
package wire

// EntityKind identifies which table a reference or update belongs to.
type EntityKind string

const (
	EntityAccount EntityKind = "account"
	EntityMachine EntityKind = "machine"
	EntitySession EntityKind = "session"
)

// EntityRef identifies a single versioned entity.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// Scope is a routing key a connection subscribes to. It shares the same
// shape as EntityRef (spec §3: "Scope tags are {kind, id}") but is kept
// as a distinct type so call sites don't confuse "the thing this update
// is about" with "who gets told about it".
type Scope struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

func (s Scope) String() string { return string(s.Kind) + ":" + s.ID }

// ConnectionKind is the initial scope a connection auto-subscribes to,
// and bounds what it may additionally subscribe to.
type ConnectionKind string

const (
	ConnUserScoped    ConnectionKind = "user-scoped"
	ConnSessionScoped ConnectionKind = "session-scoped"
	ConnMachineScoped ConnectionKind = "machine-scoped"
)

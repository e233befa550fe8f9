package store

import "time"

// Account is an authenticated identity principal (spec §3).
type Account struct {
	ID          string
	AuthToken   string
	WrappedKey  []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DaemonState is the lifecycle of a Machine's CLI daemon.
type DaemonState string

const (
	DaemonOnline   DaemonState = "online"
	DaemonOffline  DaemonState = "offline"
	DaemonShutdown DaemonState = "shutdown"
)

// Machine is a physical host running the CLI (spec §3).
type Machine struct {
	ID             string
	AccountID      string
	Hostname       string
	HomeDir        string
	OS             string
	DaemonState    DaemonState
	ActiveSessions int
	Version        int64
	LastHeartbeat  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SessionLifecycle is the lifecycle of a Session.
type SessionLifecycle string

const (
	SessionRunning  SessionLifecycle = "running"
	SessionArchived SessionLifecycle = "archived"
)

// Session is a single assistant conversation (spec §3). Body is a
// single opaque ciphertext blob covering both static metadata (working
// dir, flavor, permissions, model) and mutable agent state (thinking,
// controlledByUser, currentModel); the relay never parses it, only
// moves it atomically alongside version (spec §4.1: "knows nothing of
// user-content semantics").
type Session struct {
	ID        string
	Tag       string
	AccountID string
	MachineID string
	Lifecycle SessionLifecycle
	Body      []byte // ciphertext
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageKind discriminates the tagged union of message variants (spec §3, §9).
type MessageKind string

const (
	MessageUserText  MessageKind = "user-text"
	MessageAgentText MessageKind = "agent-text"
	MessageToolCall  MessageKind = "tool-call"
	MessageAgentEvent MessageKind = "agent-event"
)

// Message is one envelope on a session's append-only log (spec §3).
type Message struct {
	ID        string
	SessionID string
	LocalID   string
	Seq       int64
	Kind      MessageKind
	ParentID  string // non-empty for tool-call children
	Body      []byte // ciphertext
	CreatedAt time.Time
}

// Update is a versioned delta persisted to the per-account log (spec §3).
type Update struct {
	Seq        int64
	AccountID  string
	EntityKind string
	EntityID   string
	Version    int64
	LocalID    string
	Producer   string
	Body       []byte // ciphertext
	CreatedAt  time.Time
}

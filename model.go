package atomix

import (
	"net"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// MemberId opaquely identifies a server. Equality is required; a total
// order is not.
type MemberId string

// MemberRole is one of the three roles a Member may hold in a ClusterView.
type MemberRole int

const (
	RoleActive MemberRole = iota
	RolePassive
	RoleReserve
)

func (r MemberRole) String() string {
	switch r {
	case RoleActive:
		return "active"
	case RolePassive:
		return "passive"
	case RoleReserve:
		return "reserve"
	default:
		return "unknown"
	}
}

// Member is one server in a ClusterView.
type Member struct {
	Id       MemberId
	Host     string
	Port     int
	Role     MemberRole
}

// Endpoint returns the host:port dial target for this member.
func (m Member) Endpoint() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// MarshalLogObject lets Member be logged structurally, mirroring the
// teacher's pb.Peer.MarshalLogObject.
func (m Member) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("id", string(m.Id))
	e.AddString("endpoint", m.Endpoint())
	e.AddString("role", m.Role.String())
	return nil
}

type memberArray []Member

func (a memberArray) MarshalLogArray(e zapcore.ArrayEncoder) error {
	for _, m := range a {
		if err := e.AppendObject(m); err != nil {
			return err
		}
	}
	return nil
}

// ClusterView is an insertion-ordered list of Members plus an optional
// leader and the current term. Invariant: if Leader is set, it names a
// member present in Members.
type ClusterView struct {
	Members []Member
	Leader  *MemberId
	Term    uint64
}

// MemberByID returns the member with the given id, or false if absent.
func (c ClusterView) MemberByID(id MemberId) (Member, bool) {
	for _, m := range c.Members {
		if m.Id == id {
			return m, true
		}
	}
	return Member{}, false
}

func (c ClusterView) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if c.Leader != nil {
		e.AddString("leader", string(*c.Leader))
	}
	e.AddUint64("term", c.Term)
	return e.AddArray("members", memberArray(c.Members))
}

// SessionId is assigned as the log index of the OpenSession entry that
// created the session, guaranteeing cluster-wide uniqueness without extra
// coordination.
type SessionId uint64

// ClientId opaquely identifies a client process; generated once and held
// for its lifetime.
type ClientId string

// ReadConsistency decides which members may serve a Query and whether the
// serving member must reconfirm leadership before answering.
type ReadConsistency int

const (
	Sequential ReadConsistency = iota
	LinearizableLease
	Linearizable
)

// LogEntryKind enumerates the kinds of entries the Apply Engine handles.
// Query is deliberately absent: queries never traverse the replicated log
// (spec section 3).
type LogEntryKind int

const (
	EntryInitialize LogEntryKind = iota
	EntryConfiguration
	EntryOpenSession
	EntryKeepAlive
	EntryCloseSession
	EntryCommand
	EntryMetadata
)

func (k LogEntryKind) String() string {
	switch k {
	case EntryInitialize:
		return "Initialize"
	case EntryConfiguration:
		return "Configuration"
	case EntryOpenSession:
		return "OpenSession"
	case EntryKeepAlive:
		return "KeepAlive"
	case EntryCloseSession:
		return "CloseSession"
	case EntryCommand:
		return "Command"
	case EntryMetadata:
		return "Metadata"
	default:
		return "Unknown"
	}
}

// LogEntry is a single committed log record. Timestamp is leader-assigned
// and monotonic across committed entries; timestamppb.Timestamp is reused
// as-is rather than hand-rolling a wire type for it.
type LogEntry struct {
	Index     uint64
	Term      uint64
	Timestamp *timestamppb.Timestamp
	Kind      LogEntryKind
	Body      EntryBody
}

// Ts returns the entry's timestamp as a time.Time.
func (e *LogEntry) Ts() time.Time {
	if e == nil || e.Timestamp == nil {
		return time.Time{}
	}
	return e.Timestamp.AsTime()
}

// EntryBody is the per-kind payload of a LogEntry. Concrete types below.
type EntryBody interface{ isEntryBody() }

type OpenSessionBody struct {
	ServiceName     string
	ServiceType     string
	ReadConsistency ReadConsistency
	TimeoutMs       int64
	ClientId        ClientId
}

func (OpenSessionBody) isEntryBody() {}

type KeepAliveBody struct {
	SessionIds     []SessionId
	CommandSeqs    []uint64
	EventIndexes   []uint64
}

func (KeepAliveBody) isEntryBody() {}

type CloseSessionBody struct {
	SessionId SessionId
}

func (CloseSessionBody) isEntryBody() {}

type CommandBody struct {
	SessionId SessionId
	Sequence  uint64
	Op        Operation
}

func (CommandBody) isEntryBody() {}

type ConfigurationBody struct {
	View ClusterView
}

func (ConfigurationBody) isEntryBody() {}

type MetadataBody struct {
	SessionId SessionId // 0 means cluster-wide
}

func (MetadataBody) isEntryBody() {}

// emptyBody backs Initialize entries, which carry no payload.
type emptyBody struct{}

func (emptyBody) isEntryBody() {}

// OperationKind distinguishes mutating Commands from read-only Queries.
type OperationKind int

const (
	OpCommand OperationKind = iota
	OpQuery
)

// OperationId names an operation within a service: (name, kind).
type OperationId struct {
	Name string
	Kind OperationKind
}

// Operation is a single client-issued unit of work against a service.
type Operation struct {
	Id      OperationId
	Payload []byte
}

// OperationResult is what the Apply Engine produces for a Command or Query.
// EventIndex is the index at which the last event the caller should observe
// before this result was produced; Value/Err are mutually exclusive.
type OperationResult struct {
	Index      uint64
	EventIndex uint64
	Value      []byte
	Err        error
}

// Event is a side effect published by a service during command execution,
// queued for delivery to one or more sessions in the order it was produced.
type Event struct {
	Index   uint64
	Payload []byte
}

// Indexed pairs a log index with whatever the log yields at that index.
// Nothing in this package takes or returns one: LogCursor.Entry returns a
// *LogEntry, whose own Index field carries the index.
type Indexed[T any] struct {
	Index uint64
	Value T
}

package atomix

import "context"

// RegisterRequest opens a new session against a service, identical in
// purpose to the log's OpenSessionBody but expressed as a client→server
// wire message: the leader turns an accepted RegisterRequest into a
// committed OpenSession entry and replies once the Apply Engine resolves
// it.
type RegisterRequest struct {
	ClientId        ClientId
	ServiceName     string
	ServiceType     string
	ReadConsistency ReadConsistency
	TimeoutMs       int64
}

type RegisterReply struct {
	SessionId SessionId
	Leader    *MemberId
	View      ClusterView
}

type KeepAliveRequest struct {
	SessionIds   []SessionId
	CommandSeqs  []uint64
	EventIndexes []uint64
}

type KeepAliveReply struct {
	LiveSessionIds []SessionId
	Leader         *MemberId
}

type CloseSessionRequest struct {
	SessionId SessionId
}

type CloseSessionReply struct{}

type CommandRequest struct {
	SessionId SessionId
	Sequence  uint64
	Version   uint64
	Op        Operation
}

type CommandReply struct {
	Result OperationResult
	Events []Event
	Leader *MemberId
}

type QueryRequest struct {
	SessionId SessionId
	Version   uint64
	Op        Operation
}

type QueryReply struct {
	Value []byte
}

type MetadataRequest struct {
	SessionId SessionId
}

type MetadataReply struct {
	Sessions []SessionSummary
	View     ClusterView
}

// Transport is the client-facing RPC surface the Client Dispatcher drives
// against whichever Member is currently believed to be leader. Consensus
// RPCs (AppendEntries/RequestVote/InstallSnapshot) are out of scope here —
// they belong to the external collaborator behind LogCursor.
type Transport interface {
	Register(ctx context.Context, target Member, req *RegisterRequest) (*RegisterReply, error)
	KeepAlive(ctx context.Context, target Member, req *KeepAliveRequest) (*KeepAliveReply, error)
	CloseSession(ctx context.Context, target Member, req *CloseSessionRequest) (*CloseSessionReply, error)
	Command(ctx context.Context, target Member, req *CommandRequest) (*CommandReply, error)
	Query(ctx context.Context, target Member, req *QueryRequest) (*QueryReply, error)
	Metadata(ctx context.Context, target Member, req *MetadataRequest) (*MetadataReply, error)
}

// TransportCloser is implemented by transports that hold resources
// (connection pools, listeners) worth releasing explicitly, mirroring the
// teacher's own TransportCloser interface.
type TransportCloser interface {
	Close() error
}

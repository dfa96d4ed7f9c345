package atomix

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Proposer appends entries to the replicated log and returns them with
// their assigned indexes filled in. In a real deployment this is the
// consensus layer's own proposal path; InMemoryLog satisfies it directly
// since it commits locally with nothing to replicate.
type Proposer interface {
	Append(bodies []LogEntry) []*LogEntry
}

// RuntimeServer is the server side of the client-facing RPC surface: it
// turns each Transport request into a log entry (or, for Query, a direct
// ApplyEngine.Query call that bypasses the log entirely per spec section
// 3) and waits for the Apply Engine to resolve it before replying. This is
// the piece sumimakito/raft's own apiService played against its FSM,
// generalized from "replicate a raw command" to "replicate a session
// operation".
type RuntimeServer struct {
	engine   *ApplyEngine
	proposer Proposer
	view     func() ClusterView
	logger   *zap.SugaredLogger
}

// NewRuntimeServer builds a RuntimeServer. viewFn supplies the leader
// stamped on Register, KeepAlive and Command replies; the ClusterView
// carried by Register and Metadata replies comes from the Apply Engine's
// result for the entry, not from viewFn.
func NewRuntimeServer(engine *ApplyEngine, proposer Proposer, viewFn func() ClusterView, logger *zap.SugaredLogger) *RuntimeServer {
	return &RuntimeServer{engine: engine, proposer: proposer, view: viewFn, logger: logger.With("component", "runtime-server")}
}

func (s *RuntimeServer) propose(kind LogEntryKind, body EntryBody) *LogEntry {
	entries := s.proposer.Append([]LogEntry{{
		Timestamp: timestamppb.Now(),
		Kind:      kind,
		Body:      body,
	}})
	return entries[0]
}

func (s *RuntimeServer) leader() *MemberId {
	v := s.view()
	return v.Leader
}

func (s *RuntimeServer) Register(ctx context.Context, req *RegisterRequest) (*RegisterReply, error) {
	entry := s.propose(EntryOpenSession, OpenSessionBody{
		ServiceName:     req.ServiceName,
		ServiceType:     req.ServiceType,
		ReadConsistency: req.ReadConsistency,
		TimeoutMs:       req.TimeoutMs,
		ClientId:        req.ClientId,
	})
	s.engine.Notify(entry.Index)
	result, err := s.engine.WaitApplied(ctx, entry.Index)
	if err != nil {
		return nil, err
	}
	return &RegisterReply{SessionId: result.SessionId, Leader: s.leader(), View: result.ClusterView}, nil
}

func (s *RuntimeServer) KeepAlive(ctx context.Context, req *KeepAliveRequest) (*KeepAliveReply, error) {
	entry := s.propose(EntryKeepAlive, KeepAliveBody{
		SessionIds:   req.SessionIds,
		CommandSeqs:  req.CommandSeqs,
		EventIndexes: req.EventIndexes,
	})
	s.engine.Notify(entry.Index)
	result, err := s.engine.WaitApplied(ctx, entry.Index)
	if err != nil {
		return nil, err
	}
	return &KeepAliveReply{LiveSessionIds: result.LiveSessionIds, Leader: s.leader()}, nil
}

func (s *RuntimeServer) CloseSession(ctx context.Context, req *CloseSessionRequest) (*CloseSessionReply, error) {
	entry := s.propose(EntryCloseSession, CloseSessionBody{SessionId: req.SessionId})
	s.engine.Notify(entry.Index)
	if _, err := s.engine.WaitApplied(ctx, entry.Index); err != nil {
		return nil, err
	}
	return &CloseSessionReply{}, nil
}

func (s *RuntimeServer) Command(ctx context.Context, req *CommandRequest) (*CommandReply, error) {
	entry := s.propose(EntryCommand, CommandBody{
		SessionId: req.SessionId,
		Sequence:  req.Sequence,
		Op:        req.Op,
	})
	s.engine.Notify(entry.Index)
	result, err := s.engine.WaitApplied(ctx, entry.Index)
	if err != nil {
		return nil, err
	}
	return &CommandReply{Result: result.OperationResult, Events: result.Events, Leader: s.leader()}, nil
}

func (s *RuntimeServer) Query(ctx context.Context, req *QueryRequest) (*QueryReply, error) {
	value, err := s.engine.Query(req.SessionId, req.Op)
	if err != nil {
		return nil, err
	}
	return &QueryReply{Value: value}, nil
}

func (s *RuntimeServer) Metadata(ctx context.Context, req *MetadataRequest) (*MetadataReply, error) {
	entry := s.propose(EntryMetadata, MetadataBody{SessionId: req.SessionId})
	s.engine.Notify(entry.Index)
	result, err := s.engine.WaitApplied(ctx, entry.Index)
	if err != nil {
		return nil, err
	}
	return &MetadataReply{Sessions: result.Sessions, View: result.ClusterView}, nil
}

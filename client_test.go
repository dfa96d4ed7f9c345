package atomix

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// fakeTransport lets each test wire in just the RPC behavior it cares
// about; every method not overridden returns a zero-value success so
// tests stay focused on the one call path under test.
type fakeTransport struct {
	registerFn func(ctx context.Context, target Member, req *RegisterRequest) (*RegisterReply, error)
	keepAliveFn func(ctx context.Context, target Member, req *KeepAliveRequest) (*KeepAliveReply, error)
	closeFn     func(ctx context.Context, target Member, req *CloseSessionRequest) (*CloseSessionReply, error)
	commandFn   func(ctx context.Context, target Member, req *CommandRequest) (*CommandReply, error)
	queryFn     func(ctx context.Context, target Member, req *QueryRequest) (*QueryReply, error)
	metadataFn  func(ctx context.Context, target Member, req *MetadataRequest) (*MetadataReply, error)
}

func (f *fakeTransport) Register(ctx context.Context, target Member, req *RegisterRequest) (*RegisterReply, error) {
	if f.registerFn != nil {
		return f.registerFn(ctx, target, req)
	}
	return &RegisterReply{SessionId: 1}, nil
}

func (f *fakeTransport) KeepAlive(ctx context.Context, target Member, req *KeepAliveRequest) (*KeepAliveReply, error) {
	if f.keepAliveFn != nil {
		return f.keepAliveFn(ctx, target, req)
	}
	return &KeepAliveReply{}, nil
}

func (f *fakeTransport) CloseSession(ctx context.Context, target Member, req *CloseSessionRequest) (*CloseSessionReply, error) {
	if f.closeFn != nil {
		return f.closeFn(ctx, target, req)
	}
	return &CloseSessionReply{}, nil
}

func (f *fakeTransport) Command(ctx context.Context, target Member, req *CommandRequest) (*CommandReply, error) {
	if f.commandFn != nil {
		return f.commandFn(ctx, target, req)
	}
	return &CommandReply{}, nil
}

func (f *fakeTransport) Query(ctx context.Context, target Member, req *QueryRequest) (*QueryReply, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, target, req)
	}
	return &QueryReply{}, nil
}

func (f *fakeTransport) Metadata(ctx context.Context, target Member, req *MetadataRequest) (*MetadataReply, error) {
	if f.metadataFn != nil {
		return f.metadataFn(ctx, target, req)
	}
	return &MetadataReply{}, nil
}

var testMembers = []Member{{Id: "m1", Host: "localhost", Port: 1}}

func TestClientContextOpenRegistersSession(t *testing.T) {
	transport := &fakeTransport{
		registerFn: func(ctx context.Context, target Member, req *RegisterRequest) (*RegisterReply, error) {
			return &RegisterReply{SessionId: 42}, nil
		},
	}
	c := NewClientContext(testMembers, transport, testLogger(), WithService("kv", "kv"), WithClock(clockwork.NewFakeClock()))
	require.NoError(t, c.Open(context.Background()))
	defer c.Close(context.Background())
	require.Equal(t, SessionId(42), c.sessionId)
}

func TestClientContextSubmitRetriesOnTransportError(t *testing.T) {
	var calls int32
	transport := &fakeTransport{
		commandFn: func(ctx context.Context, target Member, req *CommandRequest) (*CommandReply, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return nil, errTransport(context.DeadlineExceeded)
			}
			return &CommandReply{Result: OperationResult{Value: []byte("ok")}}, nil
		},
	}
	c := NewClientContext(testMembers, transport, testLogger(), WithService("kv", "kv"), WithClock(clockwork.NewFakeClock()))
	require.NoError(t, c.Open(context.Background()))
	defer c.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	value, err := c.Submit(ctx, "set", nil)
	require.NoError(t, err)
	require.Equal(t, "ok", string(value))
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestClientContextSubmitReregistersOnUnknownSession(t *testing.T) {
	var registerCalls, commandCalls int32
	transport := &fakeTransport{
		registerFn: func(ctx context.Context, target Member, req *RegisterRequest) (*RegisterReply, error) {
			atomic.AddInt32(&registerCalls, 1)
			return &RegisterReply{SessionId: SessionId(registerCalls)}, nil
		},
		commandFn: func(ctx context.Context, target Member, req *CommandRequest) (*CommandReply, error) {
			if atomic.AddInt32(&commandCalls, 1) == 1 {
				return nil, errUnknownSession(req.SessionId)
			}
			return &CommandReply{Result: OperationResult{Value: []byte("ok")}}, nil
		},
	}
	c := NewClientContext(testMembers, transport, testLogger(), WithService("kv", "kv"), WithClock(clockwork.NewFakeClock()))
	require.NoError(t, c.Open(context.Background()))
	defer c.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	value, err := c.Submit(ctx, "set", nil)
	require.NoError(t, err)
	require.Equal(t, "ok", string(value))
	require.EqualValues(t, 2, atomic.LoadInt32(&registerCalls))
	require.Equal(t, SessionId(2), c.sessionId)
}

func TestClientContextDispatchFailsOnApplicationError(t *testing.T) {
	transport := &fakeTransport{
		commandFn: func(ctx context.Context, target Member, req *CommandRequest) (*CommandReply, error) {
			return nil, errApplication(context.Canceled)
		},
	}
	c := NewClientContext(testMembers, transport, testLogger(), WithService("kv", "kv"), WithClock(clockwork.NewFakeClock()))
	require.NoError(t, c.Open(context.Background()))
	defer c.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Submit(ctx, "set", nil)
	require.Equal(t, KindApplicationError, KindOf(err))
}

func TestClientContextSubmitDeliversEventsAndAdvancesVersion(t *testing.T) {
	transport := &fakeTransport{
		commandFn: func(ctx context.Context, target Member, req *CommandRequest) (*CommandReply, error) {
			require.EqualValues(t, 0, req.Version)
			return &CommandReply{
				Result: OperationResult{Value: []byte("ok")},
				Events: []Event{{Index: 7, Payload: []byte("evt")}},
			}, nil
		},
	}
	c := NewClientContext(testMembers, transport, testLogger(), WithService("kv", "kv"), WithClock(clockwork.NewFakeClock()))
	require.NoError(t, c.Open(context.Background()))
	defer c.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Submit(ctx, "set", nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, c.version)

	select {
	case evt := <-c.Events():
		require.EqualValues(t, 7, evt.Index)
		require.Equal(t, "evt", string(evt.Payload))
	case <-time.After(time.Second):
		t.Fatal("expected a delivered event")
	}
}

func TestClientContextQueryDoesNotAdvanceVersion(t *testing.T) {
	var gotVersion uint64
	transport := &fakeTransport{
		commandFn: func(ctx context.Context, target Member, req *CommandRequest) (*CommandReply, error) {
			return &CommandReply{Result: OperationResult{Value: []byte("ok")}}, nil
		},
		queryFn: func(ctx context.Context, target Member, req *QueryRequest) (*QueryReply, error) {
			gotVersion = req.Version
			return &QueryReply{Value: []byte("v")}, nil
		},
	}
	c := NewClientContext(testMembers, transport, testLogger(), WithService("kv", "kv"), WithClock(clockwork.NewFakeClock()))
	require.NoError(t, c.Open(context.Background()))
	defer c.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Submit(ctx, "set", nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, c.version)

	_, err = c.Query(ctx, "get", nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, gotVersion)
	require.EqualValues(t, 1, c.version)
}

func TestClientContextSequentialQuerySpreadsAcrossMembers(t *testing.T) {
	members := []Member{{Id: "m1", Host: "localhost", Port: 1}, {Id: "m2", Host: "localhost", Port: 2}}
	seen := map[MemberId]bool{}
	transport := &fakeTransport{
		queryFn: func(ctx context.Context, target Member, req *QueryRequest) (*QueryReply, error) {
			seen[target.Id] = true
			return &QueryReply{}, nil
		},
	}
	c := NewClientContext(members, transport, testLogger(), WithService("kv", "kv"),
		WithReadConsistency(Sequential), WithClock(clockwork.NewFakeClock()))
	require.NoError(t, c.Open(context.Background()))
	defer c.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 40 && len(seen) < 2; i++ {
		_, err := c.Query(ctx, "get", nil)
		require.NoError(t, err)
	}
	require.Len(t, seen, 2)
}

func TestClientContextAdoptsLeaderFromReply(t *testing.T) {
	leaderId := MemberId("m1")
	view := ClusterView{Members: testMembers, Leader: &leaderId}
	transport := &fakeTransport{
		registerFn: func(ctx context.Context, target Member, req *RegisterRequest) (*RegisterReply, error) {
			return &RegisterReply{SessionId: 1, Leader: &leaderId, View: view}, nil
		},
	}
	c := NewClientContext(testMembers, transport, testLogger(), WithService("kv", "kv"), WithClock(clockwork.NewFakeClock()))
	require.NoError(t, c.Open(context.Background()))
	defer c.Close(context.Background())
	require.NotNil(t, c.sticky)
	require.Equal(t, leaderId, c.sticky.Id)
}

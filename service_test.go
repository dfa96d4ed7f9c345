package atomix

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingService counts how many times Apply has actually executed,
// distinguishing a genuine apply from a replayed result.
type countingService struct {
	applies int
	state   map[string]int
}

func newCountingService() *countingService {
	return &countingService{state: map[string]int{}}
}

func (s *countingService) OpenSession(*SessionState) error  { return nil }
func (s *countingService) CloseSession(*SessionState) error { return nil }
func (s *countingService) OnExpire(*SessionState) []Event   { return nil }

func (s *countingService) Apply(session *SessionState, op Operation) ([]byte, []Event, error) {
	s.applies++
	s.state[op.Id.Name]++
	return []byte(op.Id.Name), []Event{{Payload: op.Payload}}, nil
}

func (s *countingService) Query(op Operation) ([]byte, error) {
	return []byte("query"), nil
}

func (s *countingService) Snapshot() (Snapshot, error) {
	return countingSnapshot{applies: s.applies}, nil
}

func (s *countingService) Restore(r io.Reader) error {
	return nil
}

type countingSnapshot struct{ applies int }

func (s countingSnapshot) Write(w io.Writer) error {
	_, err := w.Write([]byte{byte(s.applies)})
	return err
}

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func TestServiceContextCommandAppliesOnceAndReplays(t *testing.T) {
	impl := newCountingService()
	sc := newServiceContext(1, "kv", "kv", impl, testLogger())
	defer sc.stop()

	session := &SessionState{Id: 1, Status: SessionOpen}
	require.NoError(t, sc.OpenSession(1, 100, session))

	op := Operation{Id: OperationId{Name: "set", Kind: OpCommand}}
	value, _, replayed, err := sc.Command(2, 200, session, 1, op)
	require.NoError(t, err)
	require.False(t, replayed)
	require.Equal(t, "set", string(value))
	require.Equal(t, 1, impl.applies)

	// Re-delivering the same sequence must replay the cached result, not
	// re-invoke Apply.
	value2, _, replayed2, err := sc.Command(2, 200, session, 1, op)
	require.NoError(t, err)
	require.True(t, replayed2)
	require.Equal(t, value, value2)
	require.Equal(t, 1, impl.applies)
}

func TestServiceContextCommandRejectsOutOfOrderSequence(t *testing.T) {
	impl := newCountingService()
	sc := newServiceContext(1, "kv", "kv", impl, testLogger())
	defer sc.stop()

	session := &SessionState{Id: 1, Status: SessionOpen}
	require.NoError(t, sc.OpenSession(1, 100, session))

	op := Operation{Id: OperationId{Name: "set", Kind: OpCommand}}
	_, _, _, err := sc.Command(2, 200, session, 2, op)
	require.Error(t, err)
	require.Equal(t, KindProtocolError, KindOf(err))
}

func TestServiceContextKeepAliveTrimsCaches(t *testing.T) {
	impl := newCountingService()
	sc := newServiceContext(1, "kv", "kv", impl, testLogger())
	defer sc.stop()

	session := &SessionState{Id: 1, Status: SessionOpen}
	require.NoError(t, sc.OpenSession(1, 100, session))

	op := Operation{Id: OperationId{Name: "set", Kind: OpCommand}}
	_, _, _, err := sc.Command(2, 200, session, 1, op)
	require.NoError(t, err)

	live, err := sc.KeepAlive(3, 300, session, 1, 2)
	require.NoError(t, err)
	require.Equal(t, []SessionId{1}, live)
	require.Empty(t, sc.commandCaches[session.Id].seqs)
	require.Empty(t, sc.pendingEvents[session.Id].pending())
}

func TestServiceContextCompleteKeepAliveExpiresStaleSessions(t *testing.T) {
	impl := newCountingService()
	sc := newServiceContext(1, "kv", "kv", impl, testLogger())
	defer sc.stop()

	session := &SessionState{Id: 1, Status: SessionOpen, TimeoutMs: 1000, LastHeartbeatTs: 0}
	require.NoError(t, sc.OpenSession(1, 0, session))

	events, err := sc.CompleteKeepAlive(2, 5000, []*SessionState{session})
	require.NoError(t, err)
	require.Equal(t, SessionExpired, session.Status)
	require.Len(t, events, 0)
}

func TestServiceContextDestroyable(t *testing.T) {
	impl := newCountingService()
	sc := newServiceContext(1, "kv", "kv", impl, testLogger())
	defer sc.stop()

	session := &SessionState{Id: 1, Status: SessionOpen}
	require.NoError(t, sc.OpenSession(1, 0, session))

	sessions := NewSessionTable()
	sessions.Insert(session)
	require.False(t, sc.destroyable(sessions))

	session.Status = SessionClosed
	sc.completeSnapshot(sc.LastAppliedIndex())
	require.True(t, sc.destroyable(sessions))
}

func TestServiceContextSnapshotRoundTrip(t *testing.T) {
	impl := newCountingService()
	sc := newServiceContext(1, "kv", "kv", impl, testLogger())
	defer sc.stop()

	snap, err := sc.TakeSnapshot()
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, snap.Write(&buf))
	require.NoError(t, sc.RestoreFrom(&buf))
}

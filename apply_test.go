package atomix

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*ApplyEngine, *InMemoryLog) {
	t.Helper()
	log := NewInMemoryLog()
	registry := NewServiceRegistry()
	registry.Register("kv", func(string) (Service, error) { return newCountingService(), nil })
	engine := NewApplyEngine(log, registry, testLogger())
	go engine.Run()
	t.Cleanup(engine.Stop)
	return engine, log
}

func waitApplied(t *testing.T, engine *ApplyEngine, index uint64) EntryResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := engine.WaitApplied(ctx, index)
	require.NoError(t, err)
	return result
}

func TestApplyEngineOpenSessionThenCommand(t *testing.T) {
	engine, log := newTestEngine(t)

	entries := log.Append([]LogEntry{{Kind: EntryOpenSession, Body: OpenSessionBody{ServiceName: "svc", ServiceType: "kv"}}})
	engine.Notify(entries[0].Index)
	openResult := waitApplied(t, engine, entries[0].Index)
	require.Equal(t, EntryOpenSession, openResult.Kind)
	sessionId := openResult.SessionId
	require.NotZero(t, sessionId)

	entries = log.Append([]LogEntry{{Kind: EntryCommand, Body: CommandBody{
		SessionId: sessionId, Sequence: 1,
		Op: Operation{Id: OperationId{Name: "set", Kind: OpCommand}},
	}}})
	engine.Notify(entries[0].Index)
	cmdResult := waitApplied(t, engine, entries[0].Index)
	require.Equal(t, EntryCommand, cmdResult.Kind)
	require.NoError(t, cmdResult.OperationResult.Err)
	require.Equal(t, "set", string(cmdResult.OperationResult.Value))
	require.Len(t, cmdResult.Events, 1)
}

func TestApplyEngineCommandAgainstUnknownSessionFails(t *testing.T) {
	engine, log := newTestEngine(t)

	entries := log.Append([]LogEntry{{Kind: EntryCommand, Body: CommandBody{
		SessionId: 999, Sequence: 1,
		Op: Operation{Id: OperationId{Name: "set", Kind: OpCommand}},
	}}})
	engine.Notify(entries[0].Index)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := engine.WaitApplied(ctx, entries[0].Index)
	require.Equal(t, KindUnknownSession, KindOf(err))
}

func TestApplyEngineApplyRejectsNonSequentialAndDuplicate(t *testing.T) {
	engine, log := newTestEngine(t)
	log.Append([]LogEntry{{Kind: EntryInitialize}, {Kind: EntryInitialize}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := engine.Apply(ctx, 2)
	require.Equal(t, KindNonSequential, KindOf(err))

	_, err = engine.Apply(ctx, 1)
	require.NoError(t, err)

	_, err = engine.Apply(ctx, 1)
	require.Equal(t, KindDuplicateApply, KindOf(err))
}

func TestApplyEngineQueryBypassesLog(t *testing.T) {
	engine, log := newTestEngine(t)

	entries := log.Append([]LogEntry{{Kind: EntryOpenSession, Body: OpenSessionBody{ServiceName: "svc", ServiceType: "kv"}}})
	engine.Notify(entries[0].Index)
	openResult := waitApplied(t, engine, entries[0].Index)

	lastBeforeQuery := log.LastIndex()
	value, err := engine.Query(openResult.SessionId, Operation{Id: OperationId{Name: "get", Kind: OpQuery}})
	require.NoError(t, err)
	require.Equal(t, "query", string(value))
	require.Equal(t, lastBeforeQuery, log.LastIndex())
}

func TestApplyEngineKeepAliveFansOutAcrossServices(t *testing.T) {
	engine, log := newTestEngine(t)

	openA := log.Append([]LogEntry{{Kind: EntryOpenSession, Body: OpenSessionBody{ServiceName: "a", ServiceType: "kv"}}})
	engine.Notify(openA[0].Index)
	resA := waitApplied(t, engine, openA[0].Index)

	openB := log.Append([]LogEntry{{Kind: EntryOpenSession, Body: OpenSessionBody{ServiceName: "b", ServiceType: "kv"}}})
	engine.Notify(openB[0].Index)
	resB := waitApplied(t, engine, openB[0].Index)

	ka := log.Append([]LogEntry{{Kind: EntryKeepAlive, Body: KeepAliveBody{
		SessionIds:   []SessionId{resA.SessionId, resB.SessionId},
		CommandSeqs:  []uint64{0, 0},
		EventIndexes: []uint64{0, 0},
	}}})
	engine.Notify(ka[0].Index)
	result := waitApplied(t, engine, ka[0].Index)
	require.ElementsMatch(t, []SessionId{resA.SessionId, resB.SessionId}, result.LiveSessionIds)
}

func TestApplyEngineDestroyableAndRemoveService(t *testing.T) {
	engine, log := newTestEngine(t)

	open := log.Append([]LogEntry{{Kind: EntryOpenSession, Body: OpenSessionBody{ServiceName: "svc", ServiceType: "kv"}}})
	engine.Notify(open[0].Index)
	res := waitApplied(t, engine, open[0].Index)

	closeEntries := log.Append([]LogEntry{{Kind: EntryCloseSession, Body: CloseSessionBody{SessionId: res.SessionId}}})
	engine.Notify(closeEntries[0].Index)
	waitApplied(t, engine, closeEntries[0].Index)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, snap, err := engine.TakeServiceSnapshot(ctx, "svc")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.NoError(t, engine.CompleteServiceSnapshot(ctx, "svc", closeEntries[0].Index))

	names, err := engine.DestroyableServices(ctx)
	require.NoError(t, err)
	require.Contains(t, names, "svc")

	require.NoError(t, engine.RemoveService(ctx, "svc"))
	remaining, err := engine.ServiceNames(ctx)
	require.NoError(t, err)
	require.NotContains(t, remaining, "svc")
}

package atomix

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompactorSnapshotsAndTruncates(t *testing.T) {
	engine, log := newTestEngine(t)

	open := log.Append([]LogEntry{{Kind: EntryOpenSession, Body: OpenSessionBody{ServiceName: "svc", ServiceType: "kv"}}})
	engine.Notify(open[0].Index)
	res := waitApplied(t, engine, open[0].Index)

	cmd := log.Append([]LogEntry{{Kind: EntryCommand, Body: CommandBody{
		SessionId: res.SessionId, Sequence: 1,
		Op: Operation{Id: OperationId{Name: "set", Kind: OpCommand}},
	}}})
	engine.Notify(cmd[0].Index)
	waitApplied(t, engine, cmd[0].Index)

	compactor := NewCompactor(engine, log, time.Hour, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	compactor.runOnce(ctx)

	// The service's own snapshot index now gates truncation; the log
	// should have been truncated up to (at least) the open-session entry.
	_, err := log.Entry(ctx, open[0].Index)
	require.Error(t, err)
}

func TestCompactorRemovesDestroyableServices(t *testing.T) {
	engine, log := newTestEngine(t)

	open := log.Append([]LogEntry{{Kind: EntryOpenSession, Body: OpenSessionBody{ServiceName: "svc", ServiceType: "kv"}}})
	engine.Notify(open[0].Index)
	res := waitApplied(t, engine, open[0].Index)

	closeEntries := log.Append([]LogEntry{{Kind: EntryCloseSession, Body: CloseSessionBody{SessionId: res.SessionId}}})
	engine.Notify(closeEntries[0].Index)
	waitApplied(t, engine, closeEntries[0].Index)

	compactor := NewCompactor(engine, log, time.Hour, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	compactor.runOnce(ctx)

	names, err := engine.ServiceNames(ctx)
	require.NoError(t, err)
	require.NotContains(t, names, "svc")
}

func TestCompactorRunsDoNotOverlap(t *testing.T) {
	engine, log := newTestEngine(t)
	compactor := NewCompactor(engine, log, time.Hour, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		compactor.runOnce(ctx)
		close(done)
	}()
	compactor.runOnce(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second runOnce never completed")
	}
}

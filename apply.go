package atomix

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// EntryResult is whatever a single applied LogEntry produces, keyed by the
// entry's Kind. Only the field matching Kind is meaningful.
type EntryResult struct {
	Kind            LogEntryKind
	SessionId       SessionId
	OperationResult OperationResult
	Events          []Event
	LiveSessionIds  []SessionId
	ClusterView     ClusterView
	Sessions        []SessionSummary
}

type queryRequest struct {
	sessionId SessionId
	op        Operation
	result    *FutureTask[[]byte]
}

type compactionRequest struct {
	result *FutureTask[[]string]
}

type removeServiceRequest struct {
	name   string
	result *FutureTask[struct{}]
}

type listServicesRequest struct {
	result *FutureTask[[]string]
}

type snapshotHandle struct {
	index    uint64
	snapshot Snapshot
}

type snapshotRequest struct {
	name   string
	result *FutureTask[snapshotHandle]
}

type completeSnapshotRequest struct {
	name   string
	index  uint64
	result *FutureTask[struct{}]
}

// ApplyEngine owns the SessionTable and every ServiceContext, applying
// committed LogEntry values to them in order. All of its own state
// (sessions, services, clusterView) is touched only from run(), its
// single logical goroutine — the same discipline as ServiceContext,
// applied one level up (spec section 4.2).
type ApplyEngine struct {
	log      LogCursor
	registry *ServiceRegistry
	logger   *zap.SugaredLogger

	sessions    *SessionTable
	services    map[string]*ServiceContext
	clusterView ClusterView

	lastApplied atomic.Uint64

	commitCh           chan uint64
	queryCh            chan *queryRequest
	compactCh          chan *compactionRequest
	removeCh           chan *removeServiceRequest
	listCh             chan *listServicesRequest
	snapshotCh         chan *snapshotRequest
	completeSnapshotCh chan *completeSnapshotRequest
	stopCh             chan struct{}
	stopOnce           sync.Once

	futuresMu sync.Mutex
	futures   map[uint64]*FutureTask[EntryResult]
}

// NewApplyEngine constructs an engine bound to log and registry. Call Run
// to start its goroutine before feeding it commit notifications.
func NewApplyEngine(log LogCursor, registry *ServiceRegistry, logger *zap.SugaredLogger) *ApplyEngine {
	return &ApplyEngine{
		log:      log,
		registry: registry,
		logger:   logger,
		sessions: NewSessionTable(),
		services: make(map[string]*ServiceContext),
		commitCh:           make(chan uint64, 64),
		queryCh:            make(chan *queryRequest, 64),
		compactCh:          make(chan *compactionRequest, 4),
		removeCh:           make(chan *removeServiceRequest, 4),
		listCh:             make(chan *listServicesRequest, 4),
		snapshotCh:         make(chan *snapshotRequest, 8),
		completeSnapshotCh: make(chan *completeSnapshotRequest, 8),
		stopCh:             make(chan struct{}),
		futures:            make(map[uint64]*FutureTask[EntryResult]),
	}
}

// Run starts the engine's goroutine. It returns once Stop is called.
func (e *ApplyEngine) Run() {
	for {
		select {
		case index := <-e.commitCh:
			e.applyAll(context.Background(), index)
		case req := <-e.queryCh:
			value, err := e.handleQueryRequest(req)
			req.result.setResult(value, err)
		case req := <-e.compactCh:
			req.result.setResult(e.destroyableServices(), nil)
		case req := <-e.removeCh:
			e.removeService(req.name)
			req.result.setResult(struct{}{}, nil)
		case req := <-e.listCh:
			req.result.setResult(e.serviceNames(), nil)
		case req := <-e.snapshotCh:
			h, err := e.takeServiceSnapshot(req.name)
			req.result.setResult(h, err)
		case req := <-e.completeSnapshotCh:
			err := e.completeServiceSnapshot(req.name, req.index)
			req.result.setResult(struct{}{}, err)
		case <-e.stopCh:
			return
		}
	}
}

// Stop terminates the engine's goroutine.
func (e *ApplyEngine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Notify tells the engine the log has committed up to index. It never
// blocks the caller beyond the channel buffer; commitCh is sized so a
// fast-committing log does not stall the notifier.
func (e *ApplyEngine) Notify(index uint64) {
	select {
	case e.commitCh <- index:
	case <-e.stopCh:
	}
}

// LastApplied returns the highest log index applied so far.
func (e *ApplyEngine) LastApplied() uint64 { return e.lastApplied.Load() }

// WaitApplied blocks until index has been applied (or ctx is done) and
// returns what applying it produced. Callers normally call this right
// after proposing an entry, so the future usually already exists by the
// time applyOne resolves it.
func (e *ApplyEngine) WaitApplied(ctx context.Context, index uint64) (EntryResult, error) {
	f := e.futureFor(index)
	select {
	case <-f.Done():
		e.forgetFuture(index)
		return f.Result()
	case <-ctx.Done():
		return EntryResult{}, ctx.Err()
	}
}

// Apply validates index against strict log-order (spec section 7's
// NonSequential/DuplicateApply kinds) and applies it if it is exactly the
// engine's next expected index. Internal commit-driven application uses
// applyAll instead, which never produces these errors because it always
// requests last+1 itself; Apply exists for callers that want to drive
// indices one at a time and observe the ordering invariant directly.
func (e *ApplyEngine) Apply(ctx context.Context, index uint64) (EntryResult, error) {
	last := e.lastApplied.Load()
	if index <= last {
		return EntryResult{}, errDuplicateApply(index, last)
	}
	if index != last+1 {
		return EntryResult{}, errNonSequential(index, last)
	}
	e.Notify(index)
	return e.WaitApplied(ctx, index)
}

// Query executes a read-only Operation directly against a service,
// bypassing the log entirely (spec section 3: queries never traverse the
// replicated log). It is routed through the engine's own goroutine so it
// observes a consistent view of sessions/services.
func (e *ApplyEngine) Query(sessionId SessionId, op Operation) ([]byte, error) {
	req := &queryRequest{sessionId: sessionId, op: op, result: NewFutureTask[[]byte]()}
	select {
	case e.queryCh <- req:
	case <-e.stopCh:
		return nil, errNotOpen()
	}
	return req.result.Result()
}

func (e *ApplyEngine) handleQueryRequest(req *queryRequest) ([]byte, error) {
	session, ok := e.sessions.Open(req.sessionId)
	if !ok {
		return nil, errUnknownSession(req.sessionId)
	}
	sc, ok := e.services[session.ServiceName]
	if !ok {
		return nil, errUnknownService(session.ServiceName)
	}
	return sc.Query(req.op)
}

// applyAll drives the engine forward to upTo (clamped to the log's last
// committed index), applying exactly one entry at a time in order.
func (e *ApplyEngine) applyAll(ctx context.Context, upTo uint64) {
	if last := e.log.LastIndex(); upTo > last {
		upTo = last
	}
	for {
		next := e.lastApplied.Load() + 1
		if next > upTo {
			return
		}
		entry, err := e.log.Entry(ctx, next)
		if err != nil {
			e.logger.Errorw("failed reading committed entry", "index", next, "error", err)
			return
		}
		if entry == nil {
			return
		}
		result, applyErr := e.applyOne(entry)
		e.lastApplied.Store(next)
		if f := e.futureFor(next); true {
			f.setResult(result, applyErr)
		}
	}
}

func (e *ApplyEngine) applyOne(entry *LogEntry) (EntryResult, error) {
	ts := entry.Ts().UnixMilli()
	switch body := entry.Body.(type) {
	case emptyBody, nil:
		return EntryResult{Kind: EntryInitialize}, nil

	case ConfigurationBody:
		e.clusterView = body.View
		return EntryResult{Kind: EntryConfiguration, ClusterView: body.View}, nil

	case OpenSessionBody:
		return e.applyOpenSession(entry.Index, ts, body)

	case KeepAliveBody:
		live := e.handleKeepAliveEntry(entry.Index, ts, body)
		return EntryResult{Kind: EntryKeepAlive, LiveSessionIds: live}, nil

	case CloseSessionBody:
		return e.applyCloseSession(entry.Index, ts, body)

	case CommandBody:
		return e.applyCommand(entry.Index, ts, body)

	case MetadataBody:
		return e.applyMetadata(body), nil

	default:
		return EntryResult{}, errProtocol("unrecognized log entry body")
	}
}

func (e *ApplyEngine) applyOpenSession(index uint64, ts int64, body OpenSessionBody) (EntryResult, error) {
	sc, err := e.serviceFor(body.ServiceName, body.ServiceType, index)
	if err != nil {
		return EntryResult{Kind: EntryOpenSession}, err
	}
	session := &SessionState{
		Id:              SessionId(index),
		ClientId:        body.ClientId,
		ServiceName:     body.ServiceName,
		ServiceType:     body.ServiceType,
		ReadConsistency: body.ReadConsistency,
		TimeoutMs:       body.TimeoutMs,
		LastHeartbeatTs: ts,
		Status:          SessionOpen,
	}
	openErr := sc.OpenSession(index, ts, session)
	e.sessions.Insert(session)
	return EntryResult{Kind: EntryOpenSession, SessionId: session.Id}, openErr
}

func (e *ApplyEngine) applyCloseSession(index uint64, ts int64, body CloseSessionBody) (EntryResult, error) {
	session, ok := e.sessions.Get(body.SessionId)
	if !ok {
		return EntryResult{Kind: EntryCloseSession}, errUnknownSession(body.SessionId)
	}
	if session.Status != SessionOpen {
		return EntryResult{Kind: EntryCloseSession}, nil
	}
	session.Status = SessionClosed
	var err error
	if sc, ok := e.services[session.ServiceName]; ok {
		err = sc.CloseSession(index, ts, session)
	}
	return EntryResult{Kind: EntryCloseSession}, err
}

func (e *ApplyEngine) applyCommand(index uint64, ts int64, body CommandBody) (EntryResult, error) {
	session, ok := e.sessions.Open(body.SessionId)
	if !ok {
		return EntryResult{Kind: EntryCommand}, errUnknownSession(body.SessionId)
	}
	sc, ok := e.services[session.ServiceName]
	if !ok {
		return EntryResult{Kind: EntryCommand}, errUnknownService(session.ServiceName)
	}
	value, events, _, cmdErr := sc.Command(index, ts, session, body.Sequence, body.Op)
	result := OperationResult{Index: index, EventIndex: session.EventIndex, Value: value, Err: cmdErr}
	return EntryResult{Kind: EntryCommand, OperationResult: result, Events: events}, nil
}

func (e *ApplyEngine) applyMetadata(body MetadataBody) EntryResult {
	result := EntryResult{Kind: EntryMetadata, ClusterView: e.clusterView}
	if body.SessionId != 0 {
		if s, ok := e.sessions.Get(body.SessionId); ok {
			result.Sessions = []SessionSummary{s.Summary()}
		}
		return result
	}
	e.sessions.Range(func(s *SessionState) {
		result.Sessions = append(result.Sessions, s.Summary())
	})
	return result
}

func (e *ApplyEngine) serviceFor(name, serviceType string, index uint64) (*ServiceContext, error) {
	if sc, ok := e.services[name]; ok {
		return sc, nil
	}
	impl, err := e.registry.create(serviceType)
	if err != nil {
		return nil, err
	}
	sc := newServiceContext(index, name, serviceType, impl, e.logger)
	e.services[name] = sc
	return sc, nil
}

// keepAliveAccumulator collects the live-session results of fanning a
// single KeepAlive entry out across every service it touches. The
// per-session goroutines handleKeepAliveEntry spawns write into it
// concurrently, so the slice is guarded by a mutex rather than left to the
// caller's single goroutine.
type keepAliveAccumulator struct {
	mu   sync.Mutex
	live []SessionId
}

func (a *keepAliveAccumulator) addLive(ids []SessionId) {
	a.mu.Lock()
	a.live = append(a.live, ids...)
	a.mu.Unlock()
}

func (a *keepAliveAccumulator) liveIds() []SessionId {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SessionId(nil), a.live...)
}

// handleKeepAliveEntry dispatches a KeepAlive entry's per-session
// acknowledgements to whichever services own those sessions, concurrently
// across services, then sweeps every service touched for session expiry
// using the entry's own timestamp (spec section 4.3: expiry is driven by
// committed entry timestamps, never wall-clock).
func (e *ApplyEngine) handleKeepAliveEntry(index uint64, ts int64, body KeepAliveBody) []SessionId {
	acc := &keepAliveAccumulator{}
	touched := make(map[string]struct{})

	var ackWg sync.WaitGroup
	for i, sid := range body.SessionIds {
		session, ok := e.sessions.Get(sid)
		if !ok {
			continue
		}
		sc, ok := e.services[session.ServiceName]
		if !ok {
			continue
		}
		touched[session.ServiceName] = struct{}{}
		seq, evtIdx := body.CommandSeqs[i], body.EventIndexes[i]
		ackWg.Add(1)
		go func(sc *ServiceContext, session *SessionState, seq, evtIdx uint64) {
			defer ackWg.Done()
			live, err := sc.KeepAlive(index, ts, session, seq, evtIdx)
			if err == nil {
				acc.addLive(live)
			}
		}(sc, session, seq, evtIdx)
	}
	ackWg.Wait()

	var sweepWg sync.WaitGroup
	for name := range touched {
		sc := e.services[name]
		var owned []*SessionState
		e.sessions.ForService(name, func(s *SessionState) { owned = append(owned, s) })
		sweepWg.Add(1)
		go func(sc *ServiceContext, owned []*SessionState) {
			defer sweepWg.Done()
			if _, err := sc.CompleteKeepAlive(index, ts, owned); err != nil {
				e.logger.Warnw("CompleteKeepAlive failed", "service", sc.name, "error", err)
			}
		}(sc, owned)
	}
	sweepWg.Wait()

	return acc.liveIds()
}

func (e *ApplyEngine) futureFor(index uint64) *FutureTask[EntryResult] {
	e.futuresMu.Lock()
	defer e.futuresMu.Unlock()
	if f, ok := e.futures[index]; ok {
		return f
	}
	f := NewFutureTask[EntryResult]()
	e.futures[index] = f
	return f
}

func (e *ApplyEngine) forgetFuture(index uint64) {
	e.futuresMu.Lock()
	delete(e.futures, index)
	e.futuresMu.Unlock()
}

// destroyableServices reports the names of every ServiceContext the
// Compactor may stop and remove: every session it ever owned is terminal
// and every one of its operations has been compacted. Runs on the
// engine's own goroutine; callers reach it via DestroyableServices.
func (e *ApplyEngine) destroyableServices() []string {
	var names []string
	for name, sc := range e.services {
		if sc.destroyable(e.sessions) {
			names = append(names, name)
		}
	}
	return names
}

// removeService stops and forgets a destroyable service, and removes its
// now-terminal sessions from the table. Runs on the engine's own
// goroutine; callers reach it via RemoveService.
func (e *ApplyEngine) removeService(name string) {
	sc, ok := e.services[name]
	if !ok {
		return
	}
	sc.stop()
	delete(e.services, name)
	var ids []SessionId
	e.sessions.ForService(name, func(s *SessionState) { ids = append(ids, s.Id) })
	for _, id := range ids {
		e.sessions.Remove(id)
	}
}

func (e *ApplyEngine) serviceNames() []string {
	names := make([]string, 0, len(e.services))
	for name := range e.services {
		names = append(names, name)
	}
	return names
}

func (e *ApplyEngine) takeServiceSnapshot(name string) (snapshotHandle, error) {
	sc, ok := e.services[name]
	if !ok {
		return snapshotHandle{}, errUnknownService(name)
	}
	snap, err := sc.TakeSnapshot()
	if err != nil {
		return snapshotHandle{}, err
	}
	return snapshotHandle{index: sc.LastAppliedIndex(), snapshot: snap}, nil
}

func (e *ApplyEngine) completeServiceSnapshot(name string, index uint64) error {
	sc, ok := e.services[name]
	if !ok {
		return errUnknownService(name)
	}
	sc.completeSnapshot(index)
	return nil
}

// DestroyableServices is the Compactor's entry point for finding services
// it may stop and remove. It round-trips through the engine's single
// goroutine so the check sees a consistent view of sessions/services.
func (e *ApplyEngine) DestroyableServices(ctx context.Context) ([]string, error) {
	req := &compactionRequest{result: NewFutureTask[[]string]()}
	select {
	case e.compactCh <- req:
	case <-e.stopCh:
		return nil, errNotOpen()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case <-req.result.Done():
		return req.result.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RemoveService is the Compactor's entry point for tearing down a
// destroyable service once its snapshot has been durably written.
func (e *ApplyEngine) RemoveService(ctx context.Context, name string) error {
	req := &removeServiceRequest{name: name, result: NewFutureTask[struct{}]()}
	select {
	case e.removeCh <- req:
	case <-e.stopCh:
		return errNotOpen()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.result.Done():
		_, err := req.result.Result()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServiceNames returns the names of every currently live service, routed
// through the engine's goroutine for a consistent snapshot. Used by the
// Compactor to decide which services to ask for a snapshot.
func (e *ApplyEngine) ServiceNames(ctx context.Context) ([]string, error) {
	req := &listServicesRequest{result: NewFutureTask[[]string]()}
	select {
	case e.listCh <- req:
	case <-e.stopCh:
		return nil, errNotOpen()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case <-req.result.Done():
		return req.result.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TakeServiceSnapshot asks one service for a Snapshot, routed through the
// engine's goroutine to obtain a consistent *ServiceContext handle, then
// performed on the ServiceContext's own goroutine (TakeSnapshot already
// round-trips there).
func (e *ApplyEngine) TakeServiceSnapshot(ctx context.Context, name string) (uint64, Snapshot, error) {
	req := &snapshotRequest{name: name, result: NewFutureTask[snapshotHandle]()}
	select {
	case e.snapshotCh <- req:
	case <-e.stopCh:
		return 0, nil, errNotOpen()
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
	select {
	case <-req.result.Done():
		h, err := req.result.Result()
		return h.index, h.snapshot, err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// CompleteServiceSnapshot records a durably-written snapshot as complete
// for the named service, unblocking log truncation beneath index.
func (e *ApplyEngine) CompleteServiceSnapshot(ctx context.Context, name string, index uint64) error {
	req := &completeSnapshotRequest{name: name, index: index, result: NewFutureTask[struct{}]()}
	select {
	case e.completeSnapshotCh <- req:
	case <-e.stopCh:
		return errNotOpen()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.result.Done():
		_, err := req.result.Result()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

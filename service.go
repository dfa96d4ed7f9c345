package atomix

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Service is the user-supplied deterministic state machine behind one
// named service. Every method executes on the ServiceContext's single
// logical goroutine, so implementations need no internal locking.
type Service interface {
	// OpenSession is invoked once a new session is registered against
	// this service.
	OpenSession(session *SessionState) error
	// CloseSession is invoked when a session closes deliberately.
	CloseSession(session *SessionState) error
	// OnExpire is invoked when a session is declared Expired. It may
	// return events to publish to other sessions (e.g. "peer left").
	OnExpire(session *SessionState) []Event
	// Apply executes a Command against the service, returning a result
	// payload and any events generated as a side effect.
	Apply(session *SessionState, op Operation) ([]byte, []Event, error)
	// Query executes a read-only Operation against the current state.
	Query(op Operation) ([]byte, error)
	// Snapshot captures the complete service state as of the last
	// applied operation.
	Snapshot() (Snapshot, error)
	// Restore replaces the service's state with the contents of a
	// previously written Snapshot.
	Restore(r io.Reader) error
}

// Snapshot is an opaque, service-produced record capturing all state at
// or below an index, enabling log truncation below that index.
type Snapshot interface {
	Write(w io.Writer) error
}

// ServiceFactory constructs a fresh Service instance for a newly
// discovered service name.
type ServiceFactory func(serviceType string) (Service, error)

// ServiceRegistry maps service types to factories. OpenSession entries
// naming a service type with no registered factory fail with
// UnknownService.
type ServiceRegistry struct {
	mu        sync.RWMutex
	factories map[string]ServiceFactory
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{factories: make(map[string]ServiceFactory)}
}

// Register associates serviceType with a factory. Registering the same
// type twice replaces the previous factory.
func (r *ServiceRegistry) Register(serviceType string, factory ServiceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[serviceType] = factory
}

func (r *ServiceRegistry) create(serviceType string) (Service, error) {
	r.mu.RLock()
	factory, ok := r.factories[serviceType]
	r.mu.RUnlock()
	if !ok {
		return nil, errUnknownService(serviceType)
	}
	return factory(serviceType)
}

// commandCache retains one OperationResult per committed command sequence
// for a single session, in ascending-sequence order, until a KeepAlive
// acknowledges it or the session closes.
type commandCache struct {
	seqs    []uint64
	results map[uint64]OperationResult
}

func newCommandCache() *commandCache {
	return &commandCache{results: make(map[uint64]OperationResult)}
}

func (c *commandCache) put(seq uint64, r OperationResult) {
	if _, exists := c.results[seq]; !exists {
		c.seqs = append(c.seqs, seq)
	}
	c.results[seq] = r
}

func (c *commandCache) get(seq uint64) (OperationResult, bool) {
	r, ok := c.results[seq]
	return r, ok
}

// trimUpTo drops every cached result at or below seq. Sequences are
// appended in increasing order so the prefix of c.seqs is always the set
// to drop.
func (c *commandCache) trimUpTo(seq uint64) {
	i := 0
	for i < len(c.seqs) && c.seqs[i] <= seq {
		delete(c.results, c.seqs[i])
		i++
	}
	c.seqs = c.seqs[i:]
}

// eventQueue holds a session's undelivered events in ascending index
// order.
type eventQueue struct {
	events []Event
}

func (q *eventQueue) push(e Event) {
	q.events = append(q.events, e)
}

// trimUpTo drops every event at or below index — the client has
// acknowledged observing them.
func (q *eventQueue) trimUpTo(index uint64) {
	i := 0
	for i < len(q.events) && q.events[i].Index <= index {
		i++
	}
	q.events = q.events[i:]
}

func (q *eventQueue) pending() []Event {
	return append([]Event(nil), q.events...)
}

// serviceOpKind enumerates the work a ServiceContext's single goroutine
// can be asked to perform.
type serviceOpKind int

const (
	opOpenSession serviceOpKind = iota
	opKeepAlive
	opCompleteKeepAlive
	opCloseSession
	opCommand
	opQuery
	opSnapshot
	opRestore
)

type serviceOp struct {
	kind serviceOpKind

	index uint64
	ts    int64

	session *SessionState

	commandSeq uint64
	eventIndex uint64

	// sessionsForService is populated only for opCompleteKeepAlive: every
	// session this ServiceContext currently owns, so expiry can be
	// decided locally without the ServiceContext reaching into the
	// Apply Engine's SessionTable.
	sessionsForService []*SessionState

	op Operation

	snapshotReader io.Reader

	result *FutureTask[serviceOpResult]
}

type serviceOpResult struct {
	value          []byte
	events         []Event
	replayed       bool
	liveSessionIds []SessionId
	snapshot       Snapshot
}

// ServiceContext is the per-named-service execution environment: a
// single logical goroutine serializing every command/query/lifecycle
// operation and every snapshot request so the Service implementation
// never needs to lock its own state (spec section 4.2/5).
type ServiceContext struct {
	id          uint64 // the log index of the OpenSession that created it
	name        string
	serviceType string
	impl        Service
	logger      *zap.SugaredLogger

	// sessionsMu guards sessions: writes happen only on this context's
	// own goroutine, but destroyable() is called from the Apply Engine's
	// goroutine.
	sessionsMu sync.RWMutex
	sessions   map[SessionId]struct{}

	commandCaches map[SessionId]*commandCache
	pendingEvents map[SessionId]*eventQueue

	// lastAppliedIndex and lastCompactedIndex are read from outside the
	// context's goroutine (by the Compactor and by status queries), so
	// they are atomics rather than plain fields even though every write
	// happens on the single logical goroutine.
	lastAppliedIndex   atomic.Uint64
	lastCompactedIndex atomic.Uint64
	snapshotIndex      uint64

	opCh     chan *serviceOp
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newServiceContext(id uint64, name, serviceType string, impl Service, logger *zap.SugaredLogger) *ServiceContext {
	sc := &ServiceContext{
		id:            id,
		name:          name,
		serviceType:   serviceType,
		impl:          impl,
		logger:        logger.With("service", name, "serviceId", id),
		sessions:      make(map[SessionId]struct{}),
		commandCaches: make(map[SessionId]*commandCache),
		pendingEvents: make(map[SessionId]*eventQueue),
		opCh:          make(chan *serviceOp, 64),
		stopCh:        make(chan struct{}),
	}
	go sc.run()
	return sc
}

func (sc *ServiceContext) run() {
	for {
		select {
		case op := <-sc.opCh:
			op.result.setResult(sc.handle(op))
		case <-sc.stopCh:
			return
		}
	}
}

// stop terminates the service context's goroutine. Called once the last
// session referencing it has been compacted away.
func (sc *ServiceContext) stop() {
	sc.stopOnce.Do(func() { close(sc.stopCh) })
}

func (sc *ServiceContext) submit(op *serviceOp) (serviceOpResult, error) {
	op.result = NewFutureTask[serviceOpResult]()
	select {
	case sc.opCh <- op:
	case <-sc.stopCh:
		return serviceOpResult{}, fmt.Errorf("service %q is stopped", sc.name)
	}
	return op.result.Result()
}

func (sc *ServiceContext) handle(op *serviceOp) (serviceOpResult, error) {
	switch op.kind {
	case opOpenSession:
		return sc.handleOpenSession(op)
	case opKeepAlive:
		return sc.handleKeepAlive(op)
	case opCompleteKeepAlive:
		return sc.handleCompleteKeepAlive(op)
	case opCloseSession:
		return sc.handleCloseSession(op)
	case opCommand:
		return sc.handleCommand(op)
	case opQuery:
		return sc.handleQuery(op)
	case opSnapshot:
		return sc.handleSnapshot(op)
	case opRestore:
		return serviceOpResult{}, sc.impl.Restore(op.snapshotReader)
	default:
		return serviceOpResult{}, errProtocol("unknown service op")
	}
}

func (sc *ServiceContext) handleOpenSession(op *serviceOp) (serviceOpResult, error) {
	sc.sessionsMu.Lock()
	sc.sessions[op.session.Id] = struct{}{}
	sc.sessionsMu.Unlock()
	sc.commandCaches[op.session.Id] = newCommandCache()
	sc.pendingEvents[op.session.Id] = &eventQueue{}
	sc.lastAppliedIndex.Store(op.index)
	if err := sc.impl.OpenSession(op.session); err != nil {
		return serviceOpResult{}, errApplication(err)
	}
	return serviceOpResult{}, nil
}

// handleKeepAlive trims a single session's caches up to the acknowledged
// sequence/event index and reports it as live. The Apply Engine
// accumulates live session ids itself (see keepAliveAccumulator) so this
// call never needs to touch shared state beyond this one service.
func (sc *ServiceContext) handleKeepAlive(op *serviceOp) (serviceOpResult, error) {
	sc.lastAppliedIndex.Store(op.index)
	if _, ok := sc.sessions[op.session.Id]; !ok {
		return serviceOpResult{}, nil
	}
	op.session.LastHeartbeatTs = op.ts
	if cache, ok := sc.commandCaches[op.session.Id]; ok {
		cache.trimUpTo(op.commandSeq)
	}
	if queue, ok := sc.pendingEvents[op.session.Id]; ok {
		queue.trimUpTo(op.eventIndex)
	}
	return serviceOpResult{liveSessionIds: []SessionId{op.session.Id}}, nil
}

// handleCompleteKeepAlive expires every session of this service whose
// heartbeat has gone stale, running the service's OnExpire hook exactly
// once per newly-expired session.
func (sc *ServiceContext) handleCompleteKeepAlive(op *serviceOp) (serviceOpResult, error) {
	sc.lastAppliedIndex.Store(op.index)
	var events []Event
	for _, s := range op.sessionsForService {
		if s.Status != SessionOpen {
			continue
		}
		if op.ts-s.LastHeartbeatTs > s.TimeoutMs {
			s.Status = SessionExpired
			events = append(events, sc.expireLocal(s, op.index)...)
		}
	}
	return serviceOpResult{events: events}, nil
}

func (sc *ServiceContext) handleCloseSession(op *serviceOp) (serviceOpResult, error) {
	sc.lastAppliedIndex.Store(op.index)
	if err := sc.impl.CloseSession(op.session); err != nil {
		return serviceOpResult{}, errApplication(err)
	}
	return serviceOpResult{}, nil
}

func (sc *ServiceContext) handleCommand(op *serviceOp) (serviceOpResult, error) {
	sc.lastAppliedIndex.Store(op.index)
	cache, ok := sc.commandCaches[op.session.Id]
	if !ok {
		cache = newCommandCache()
		sc.commandCaches[op.session.Id] = cache
	}
	seq := op.commandSeq
	if seq <= op.session.CommandSequence {
		if cached, ok := cache.get(seq); ok {
			return serviceOpResult{value: cached.Value, replayed: true}, cached.Err
		}
		// Already-committed sequence whose cache entry was trimmed by an
		// acknowledging KeepAlive: nothing to replay, exactly-once still
		// holds because the client has already acknowledged this result.
		return serviceOpResult{replayed: true}, nil
	}
	if seq != op.session.CommandSequence+1 {
		return serviceOpResult{}, errProtocol(fmt.Sprintf(
			"command sequence %d is not the successor of %d", seq, op.session.CommandSequence))
	}

	value, events, err := sc.impl.Apply(op.session, op.op)
	var resultErr error
	if err != nil {
		resultErr = errApplication(err)
	}
	cache.put(seq, OperationResult{Index: op.index, Value: value, Err: resultErr})
	op.session.CommandSequence = seq

	queue, ok := sc.pendingEvents[op.session.Id]
	if !ok {
		queue = &eventQueue{}
		sc.pendingEvents[op.session.Id] = queue
	}
	for i := range events {
		events[i].Index = op.index
		queue.push(events[i])
	}
	op.session.EventIndex = op.index

	return serviceOpResult{value: value, events: events}, resultErr
}

func (sc *ServiceContext) handleQuery(op *serviceOp) (serviceOpResult, error) {
	value, err := sc.impl.Query(op.op)
	if err != nil {
		return serviceOpResult{}, errApplication(err)
	}
	return serviceOpResult{value: value}, nil
}

func (sc *ServiceContext) handleSnapshot(op *serviceOp) (serviceOpResult, error) {
	snap, err := sc.impl.Snapshot()
	if err != nil {
		return serviceOpResult{}, err
	}
	sc.snapshotIndex = sc.lastAppliedIndex.Load()
	return serviceOpResult{snapshot: snap}, nil
}

// completeSnapshot records that the snapshot taken at index is durable,
// which signals the Compactor it is safe to truncate the log beneath it.
func (sc *ServiceContext) completeSnapshot(index uint64) {
	if index > sc.lastCompactedIndex.Load() {
		sc.lastCompactedIndex.Store(index)
	}
}

// expireLocal invokes OnExpire on this service's own goroutine — it only
// ever runs from within handleCompleteKeepAlive, so the hook can safely
// touch service state and broadcast events to this service's sessions.
// Every returned event is stamped with index before it is queued.
func (sc *ServiceContext) expireLocal(session *SessionState, index uint64) []Event {
	events := sc.impl.OnExpire(session)
	for i := range events {
		events[i].Index = index
		for sid := range sc.sessions {
			if queue, ok := sc.pendingEvents[sid]; ok {
				queue.push(events[i])
			}
		}
	}
	return events
}

// destroyable reports whether every session this service ever owned has
// reached a terminal state and every one of its operations has been
// compacted — the invariant gating service destruction (spec section 3).
func (sc *ServiceContext) destroyable(sessions *SessionTable) bool {
	sc.sessionsMu.RLock()
	owned := make([]SessionId, 0, len(sc.sessions))
	for sid := range sc.sessions {
		owned = append(owned, sid)
	}
	sc.sessionsMu.RUnlock()

	for _, sid := range owned {
		s, ok := sessions.Get(sid)
		if !ok {
			continue
		}
		if s.Status == SessionOpen {
			return false
		}
	}
	return sc.lastCompactedIndex.Load() >= sc.lastAppliedIndex.Load()
}

// The methods below are the call surface the Apply Engine and Compactor
// use; each posts one serviceOp through the context's single goroutine
// and waits for it to be handled, per spec section 4.1's per-kind
// handlers and section 4.4's snapshot contract.

func (sc *ServiceContext) OpenSession(index uint64, ts int64, session *SessionState) error {
	_, err := sc.submit(&serviceOp{kind: opOpenSession, index: index, ts: ts, session: session})
	return err
}

// KeepAlive trims session's caches up to commandSeq/eventIndex and
// reports whether the session is still live at this service.
func (sc *ServiceContext) KeepAlive(index uint64, ts int64, session *SessionState, commandSeq, eventIndex uint64) ([]SessionId, error) {
	result, err := sc.submit(&serviceOp{
		kind: opKeepAlive, index: index, ts: ts, session: session,
		commandSeq: commandSeq, eventIndex: eventIndex,
	})
	return result.liveSessionIds, err
}

// CompleteKeepAlive expires every stale session belonging to this
// service, given the current view of its sessions from the SessionTable.
func (sc *ServiceContext) CompleteKeepAlive(index uint64, ts int64, sessions []*SessionState) ([]Event, error) {
	result, err := sc.submit(&serviceOp{kind: opCompleteKeepAlive, index: index, ts: ts, sessionsForService: sessions})
	return result.events, err
}

func (sc *ServiceContext) CloseSession(index uint64, ts int64, session *SessionState) error {
	_, err := sc.submit(&serviceOp{kind: opCloseSession, index: index, ts: ts, session: session})
	return err
}

// Command executes or replays a Command entry, returning its result
// value and any freshly generated events (empty on replay).
func (sc *ServiceContext) Command(index uint64, ts int64, session *SessionState, seq uint64, op Operation) ([]byte, []Event, bool, error) {
	result, err := sc.submit(&serviceOp{kind: opCommand, index: index, ts: ts, session: session, commandSeq: seq, op: op})
	return result.value, result.events, result.replayed, err
}

// Query executes a read-only Operation without advancing any sequence.
func (sc *ServiceContext) Query(op Operation) ([]byte, error) {
	result, err := sc.submit(&serviceOp{kind: opQuery, op: op})
	return result.value, err
}

// TakeSnapshot asks the service to serialize its current state.
func (sc *ServiceContext) TakeSnapshot() (Snapshot, error) {
	result, err := sc.submit(&serviceOp{kind: opSnapshot})
	return result.snapshot, err
}

// RestoreFrom replaces the service's state from a previously captured
// Snapshot (used when a new server joins and catches up from a
// snapshot, spec scenario S5).
func (sc *ServiceContext) RestoreFrom(r io.Reader) error {
	_, err := sc.submit(&serviceOp{kind: opRestore, snapshotReader: r})
	return err
}

// LastAppliedIndex returns the highest log index this service has
// applied.
func (sc *ServiceContext) LastAppliedIndex() uint64 { return sc.lastAppliedIndex.Load() }

// LastCompactedIndex returns the highest index this service has
// confirmed snapshotted.
func (sc *ServiceContext) LastCompactedIndex() uint64 { return sc.lastCompactedIndex.Load() }

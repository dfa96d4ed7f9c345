package atomix

import (
	"context"
	"math/rand"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type clientOpKind int

const (
	clientOpCommand clientOpKind = iota
	clientOpQuery
)

type clientOp struct {
	kind   clientOpKind
	op     Operation
	result *FutureTask[clientOpResult]
}

type clientOpResult struct {
	value []byte
}

// ClientContext is the single logical execution context for one client's
// session against one service, per spec section 4.5: every Command/Query
// it submits is serialized through its own goroutine, it sticks to one
// member until that member fails, and it transparently re-registers on
// UnknownSession. Its own timers (register backoff, keep-alive interval,
// request timeout) use wall-clock time — the one place in this package
// real time, not committed-entry timestamps, governs behavior.
type ClientContext struct {
	opts      *ClientOptions
	transport Transport
	clock     clockwork.Clock
	logger    *zap.SugaredLogger

	clientId ClientId

	opCh          chan *clientOp
	keepAliveTick chan struct{}
	stopCh        chan struct{}
	doneCh        chan struct{}

	// Everything below is touched only from run(), this context's single
	// goroutine.
	members []Member
	sticky  *Member
	view    ClusterView

	sessionId      SessionId
	commandSeq     uint64
	version        uint64
	lastEventIndex uint64
	open           bool

	events chan Event
}

// NewClientContext constructs a dispatcher against the given initial
// member list. Call Open to register a session before submitting work.
func NewClientContext(members []Member, transport Transport, logger *zap.SugaredLogger, opts ...ClientOption) *ClientContext {
	o := applyClientOpts(opts...)
	c := &ClientContext{
		opts:      o,
		transport: transport,
		clock:     o.Clock,
		logger:    logger.With("component", "client", "service", o.ServiceName),
		clientId:      ClientId(uuid.NewString()),
		opCh:          make(chan *clientOp, 16),
		keepAliveTick: make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		members:       append([]Member(nil), members...),
		events:        make(chan Event, 64),
	}
	return c
}

// Open registers a session and starts the keep-alive loop. It blocks
// until registration succeeds or ctx is done.
func (c *ClientContext) Open(ctx context.Context) error {
	if err := c.register(ctx); err != nil {
		return err
	}
	go c.run()
	go c.keepAliveLoop()
	return nil
}

// Close cancels the keep-alive loop, asks the server to close the
// session, and stops accepting new requests. It first waits for run() to
// return, which happens only after the request run() is currently
// dispatching (retries included) has finished; requests still queued
// behind it are never dispatched and their futures are never resolved.
func (c *ClientContext) Close(ctx context.Context) error {
	close(c.stopCh)
	<-c.doneCh
	if member := c.currentMember(); member != nil {
		_, err := c.transport.CloseSession(ctx, *member, &CloseSessionRequest{SessionId: c.sessionId})
		return err
	}
	return nil
}

func (c *ClientContext) currentMember() *Member {
	if c.sticky != nil {
		return c.sticky
	}
	if len(c.members) == 0 {
		return nil
	}
	return &c.members[0]
}

// selectMember picks which member to send op to. Commands and anything
// above Sequential stick to the leader-biased member so results observe a
// single, monotonic order; a Sequential query may be served by any member,
// per spec section 4.5. Selecting a random member each time spreads query
// load without needing any lease or read-index protocol, which this
// dispatcher does not implement.
func (c *ClientContext) selectMember(op *clientOp) *Member {
	if op.kind == clientOpQuery && c.opts.ReadConsistency == Sequential && len(c.members) > 0 {
		return &c.members[rand.Intn(len(c.members))]
	}
	return c.currentMember()
}

// Events returns the channel events delivered to this session are posted
// on. Receivers that fall behind lose events: delivery is a non-blocking
// send with drop, the same backpressure idiom keepAliveTick uses.
func (c *ClientContext) Events() <-chan Event {
	return c.events
}

// deliverEvents posts each event from a Command reply onto the Events
// channel without blocking run()'s own goroutine.
func (c *ClientContext) deliverEvents(events []Event) {
	for _, evt := range events {
		select {
		case c.events <- evt:
		default:
			c.logger.Warnw("dropping event, receiver not keeping up", "index", evt.Index)
		}
	}
}

// run is the context's single logical goroutine: every Command/Query and
// every keep-alive tick is processed one at a time, in order, so command
// sequence numbers and the sticky/session fields never race.
func (c *ClientContext) run() {
	defer close(c.doneCh)
	defer close(c.events)
	for {
		select {
		case op := <-c.opCh:
			value, err := c.dispatch(op)
			op.result.setResult(clientOpResult{value: value}, err)
		case <-c.keepAliveTick:
			c.doKeepAlive()
		case <-c.stopCh:
			return
		}
	}
}

// Submit executes a mutating Command and returns its result payload.
func (c *ClientContext) Submit(ctx context.Context, operationName string, payload []byte) ([]byte, error) {
	return c.call(ctx, clientOpCommand, operationName, payload)
}

// Query executes a read-only Operation.
func (c *ClientContext) Query(ctx context.Context, operationName string, payload []byte) ([]byte, error) {
	return c.call(ctx, clientOpQuery, operationName, payload)
}

func (c *ClientContext) call(ctx context.Context, kind clientOpKind, name string, payload []byte) ([]byte, error) {
	opKind := OpCommand
	if kind == clientOpQuery {
		opKind = OpQuery
	}
	op := &clientOp{
		kind:   kind,
		op:     Operation{Id: OperationId{Name: name, Kind: opKind}, Payload: payload},
		result: NewFutureTask[clientOpResult](),
	}
	select {
	case c.opCh <- op:
	case <-c.stopCh:
		return nil, errNotOpen()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case <-op.result.Done():
		r, err := op.result.Result()
		return r.value, err
	case <-ctx.Done():
		op.result.Cancel()
		return nil, ctx.Err()
	}
}

// dispatch implements the per-request retry protocol of spec section
// 4.5: sticky member first, 10s request timeout, then classify and
// either resetSticky+retry, re-register+retry, or fail.
func (c *ClientContext) dispatch(op *clientOp) ([]byte, error) {
	for {
		member := c.selectMember(op)
		if member == nil {
			return nil, errNoLeader()
		}
		reqCtx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		value, leader, err := c.send(reqCtx, *member, op)
		cancel()
		if err == nil {
			if leader != nil {
				c.adoptLeader(*leader)
			}
			return value, nil
		}
		action, _ := Classify(err)
		switch action {
		case ActionResetStickyAndRetry:
			c.sticky = nil
			continue
		case ActionReregisterAndRetry:
			if rerr := c.register(context.Background()); rerr != nil {
				return nil, rerr
			}
			continue
		default:
			return nil, err
		}
	}
}

func (c *ClientContext) send(ctx context.Context, member Member, op *clientOp) ([]byte, *MemberId, error) {
	switch op.kind {
	case clientOpCommand:
		seq := c.commandSeq + 1
		reply, err := c.transport.Command(ctx, member, &CommandRequest{
			SessionId: c.sessionId, Sequence: seq, Version: c.version, Op: op.op,
		})
		if err != nil {
			return nil, nil, err
		}
		c.commandSeq = seq
		c.version = seq
		c.lastEventIndex = reply.Result.EventIndex
		c.deliverEvents(reply.Events)
		return reply.Result.Value, reply.Leader, reply.Result.Err
	case clientOpQuery:
		reply, err := c.transport.Query(ctx, member, &QueryRequest{SessionId: c.sessionId, Version: c.version, Op: op.op})
		if err != nil {
			return nil, nil, err
		}
		return reply.Value, nil, nil
	default:
		return nil, nil, errProtocol("unknown client op kind")
	}
}

// register implements spec section 4.5's registration loop: members are
// tried uniformly without replacement, and failures back off doubling
// from RegisterBackoffInitial to RegisterBackoffMax. Only one
// registration is ever in flight: the initial call from Open runs before
// run() starts, and every later call happens from inside dispatch(),
// itself only ever invoked on run()'s single goroutine.
func (c *ClientContext) register(ctx context.Context) error {
	if len(c.members) == 0 {
		return errNoLeader()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.RegisterBackoffInitial
	bo.MaxInterval = c.opts.RegisterBackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		order := rand.Perm(len(c.members))
		var lastErr error
		for _, idx := range order {
			member := c.members[idx]
			reply, err := c.transport.Register(ctx, member, &RegisterRequest{
				ClientId:        c.clientId,
				ServiceName:     c.opts.ServiceName,
				ServiceType:     c.opts.ServiceType,
				ReadConsistency: c.opts.ReadConsistency,
				TimeoutMs:       c.opts.SessionTimeout.Milliseconds(),
			})
			if err != nil {
				lastErr = err
				continue
			}
			c.sessionId = reply.SessionId
			c.commandSeq = 0
			c.version = 0
			c.lastEventIndex = 0
			c.open = true
			c.view = reply.View
			if len(reply.View.Members) > 0 {
				c.members = reply.View.Members
			}
			if reply.Leader != nil {
				if m, ok := c.view.MemberByID(*reply.Leader); ok {
					c.sticky = &m
				}
			}
			c.logger.Infow("session registered", "sessionId", c.sessionId)
			return nil
		}
		if lastErr == nil {
			lastErr = errNoLeader()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(bo.NextBackOff()):
		}
	}
}

func (c *ClientContext) adoptLeader(id MemberId) {
	if m, ok := c.view.MemberByID(id); ok {
		c.sticky = &m
	}
}

// keepAliveLoop posts a tick to run()'s select loop every KeepAliveInterval
// while the session is open. keepAliveTick has capacity 1, so a tick that
// finds the previous one still queued (run() busy with a slow Command) is
// silently dropped — the in-flight flag from spec section 4.5 expressed
// as channel backpressure instead of a boolean guarded by its own lock.
func (c *ClientContext) keepAliveLoop() {
	ticker := c.clock.NewTicker(c.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			select {
			case c.keepAliveTick <- struct{}{}:
			default:
			}
		case <-c.stopCh:
			return
		}
	}
}

// doKeepAlive runs on run()'s goroutine, so it may touch sticky/open/
// sessionId state directly.
func (c *ClientContext) doKeepAlive() {
	member := c.currentMember()
	if member == nil || !c.open {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	reply, err := c.transport.KeepAlive(ctx, *member, &KeepAliveRequest{
		SessionIds:   []SessionId{c.sessionId},
		CommandSeqs:  []uint64{c.commandSeq},
		EventIndexes: []uint64{c.lastEventIndex},
	})
	if err != nil {
		action, _ := Classify(err)
		if action == ActionResetStickyAndRetry {
			c.sticky = nil
		}
		c.logger.Warnw("keep-alive failed", "error", err)
		return
	}
	if reply.Leader != nil {
		c.adoptLeader(*reply.Leader)
	}
}


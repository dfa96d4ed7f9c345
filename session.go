package atomix

// SessionStatus is the lifecycle state of a server-side SessionState.
// Terminal states (Expired, Closed) are absorbing: status never leaves
// them once entered.
type SessionStatus int

const (
	SessionOpen SessionStatus = iota
	SessionExpired
	SessionClosed
)

func (s SessionStatus) String() string {
	switch s {
	case SessionOpen:
		return "Open"
	case SessionExpired:
		return "Expired"
	case SessionClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// SessionState is the server-side record of one client session, owned
// exclusively by the Apply Engine's goroutine. commandSequence is
// monotonically non-decreasing; eventIndex never exceeds the Apply
// Engine's lastApplied index.
type SessionState struct {
	Id              SessionId
	ClientId        ClientId
	ServiceName     string
	ServiceType     string
	ReadConsistency ReadConsistency
	TimeoutMs       int64

	LastHeartbeatTs int64 // unix millis, taken from committed entry timestamps
	CommandSequence uint64
	EventIndex      uint64

	Status SessionStatus
}

// CanTransitionTo reports whether moving from s.Status to next is legal:
// Open may move to either terminal state; terminal states are absorbing.
func (s *SessionState) CanTransitionTo(next SessionStatus) bool {
	if s.Status != SessionOpen {
		return false
	}
	return next == SessionExpired || next == SessionClosed
}

// SessionTable maps SessionId to SessionState with insertion-ordered
// iteration, owned exclusively by the Apply Engine's goroutine. Other
// components observe it only through Metadata snapshot copies.
type SessionTable struct {
	order []SessionId
	byID  map[SessionId]*SessionState
}

// NewSessionTable returns an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{byID: make(map[SessionId]*SessionState)}
}

// Insert adds a brand-new session. Callers are responsible for ensuring
// the id is fresh (it is always the log index of the OpenSession entry,
// which is unique by construction).
func (t *SessionTable) Insert(s *SessionState) {
	if _, exists := t.byID[s.Id]; exists {
		return
	}
	t.order = append(t.order, s.Id)
	t.byID[s.Id] = s
}

// Get returns the session, or (nil, false) if it was never created.
// Expired/Closed sessions are NOT removed from the table — removal awaits
// compaction, per spec section 4.3 — so Get still returns them.
func (t *SessionTable) Get(id SessionId) (*SessionState, bool) {
	s, ok := t.byID[id]
	return s, ok
}

// Open returns the session only if it exists and is currently Open; this
// is the check nearly every Apply Engine handler needs before touching a
// session (UnknownSession should be raised for anything else).
func (t *SessionTable) Open(id SessionId) (*SessionState, bool) {
	s, ok := t.byID[id]
	if !ok || s.Status != SessionOpen {
		return nil, false
	}
	return s, true
}

// Range visits every session in insertion order. The callback must not
// mutate the table.
func (t *SessionTable) Range(fn func(*SessionState)) {
	for _, id := range t.order {
		fn(t.byID[id])
	}
}

// ForService visits every session belonging to serviceName, in insertion
// order.
func (t *SessionTable) ForService(serviceName string, fn func(*SessionState)) {
	for _, id := range t.order {
		s := t.byID[id]
		if s.ServiceName == serviceName {
			fn(s)
		}
	}
}

// Remove physically deletes a session entry. Only the Compactor calls
// this, once it has confirmed the session's owning service has
// snapshotted beyond the session's terminal transition.
func (t *SessionTable) Remove(id SessionId) {
	if _, ok := t.byID[id]; !ok {
		return
	}
	delete(t.byID, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// SessionSummary is the caller-visible projection of a SessionState
// returned by the Metadata operation — the only way components other than
// the Apply Engine observe session state (spec section 5: "Shared
// resources").
type SessionSummary struct {
	Id          SessionId
	ServiceName string
	ServiceType string
	Status      SessionStatus
}

// Summary projects a snapshot-safe, read-only view of a session.
func (s *SessionState) Summary() SessionSummary {
	return SessionSummary{Id: s.Id, ServiceName: s.ServiceName, ServiceType: s.ServiceType, Status: s.Status}
}

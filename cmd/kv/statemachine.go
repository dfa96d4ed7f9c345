package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ugorji/go/codec"

	atomix "github.com/beedoor/atomix"
)

// Operation names recognized by the kv service's Command/Query dispatch.
const (
	opSet    = "set"
	opUnset  = "unset"
	opGet    = "get"
	opKeys   = "keys"
)

type setPayload struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

type getPayload struct {
	Key string `json:"key"`
}

// StateMachine is a key/value atomix.Service: deterministic, replicated
// across every copy applying the same committed commands in the same
// order. Every method, Snapshot and Restore included, runs on its
// ServiceContext's single goroutine, so no two of them ever run at once;
// mu serializes access to states regardless.
type StateMachine struct {
	mu     sync.Mutex // guards states
	states map[string][]byte
}

// NewStateMachine returns an empty kv state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{states: map[string][]byte{}}
}

// NewStateMachineFactory adapts NewStateMachine into a ServiceFactory for
// registration against an atomix.ServiceRegistry.
func NewStateMachineFactory() atomix.ServiceFactory {
	return func(serviceType string) (atomix.Service, error) {
		return NewStateMachine(), nil
	}
}

func (m *StateMachine) OpenSession(session *atomix.SessionState) error { return nil }

func (m *StateMachine) CloseSession(session *atomix.SessionState) error { return nil }

// OnExpire publishes no events for the kv service; a service that
// tracked per-session locks or watches would announce their release here.
func (m *StateMachine) OnExpire(session *atomix.SessionState) []atomix.Event { return nil }

func (m *StateMachine) Apply(session *atomix.SessionState, op atomix.Operation) ([]byte, []atomix.Event, error) {
	switch op.Id.Name {
	case opSet:
		var p setPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, nil, err
		}
		m.mu.Lock()
		m.states[p.Key] = append([]byte(nil), p.Value...)
		m.mu.Unlock()
		return nil, nil, nil
	case opUnset:
		var p getPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, nil, err
		}
		m.mu.Lock()
		delete(m.states, p.Key)
		m.mu.Unlock()
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unrecognized command %q", op.Id.Name)
	}
}

func (m *StateMachine) Query(op atomix.Operation) ([]byte, error) {
	switch op.Id.Name {
	case opGet:
		var p getPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, err
		}
		m.mu.Lock()
		value, ok := m.states[p.Key]
		m.mu.Unlock()
		if !ok {
			return nil, nil
		}
		return append([]byte(nil), value...), nil
	case opKeys:
		m.mu.Lock()
		keys := make([]string, 0, len(m.states))
		for k := range m.states {
			keys = append(keys, k)
		}
		m.mu.Unlock()
		return json.Marshal(keys)
	default:
		return nil, fmt.Errorf("unrecognized query %q", op.Id.Name)
	}
}

func (m *StateMachine) Snapshot() (atomix.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keyValues := make(map[string][]byte, len(m.states))
	for k, v := range m.states {
		keyValues[k] = append([]byte(nil), v...)
	}
	return &kvSnapshot{keyValues: keyValues}, nil
}

func (m *StateMachine) Restore(r io.Reader) error {
	keyValues := map[string][]byte{}
	if err := codec.NewDecoder(r, &codec.MsgpackHandle{}).Decode(&keyValues); err != nil {
		return err
	}
	m.mu.Lock()
	m.states = keyValues
	m.mu.Unlock()
	return nil
}

// kvSnapshot serializes with msgpack, the same encoding the teacher's
// StateMachineSnapshot used for its own snapshot sink.
type kvSnapshot struct {
	keyValues map[string][]byte
}

func (s *kvSnapshot) Write(w io.Writer) error {
	return codec.NewEncoder(w, &codec.MsgpackHandle{}).Encode(s.keyValues)
}

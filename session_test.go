package atomix

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionTableInsertAndGet(t *testing.T) {
	table := NewSessionTable()
	s := &SessionState{Id: 1, ServiceName: "kv", Status: SessionOpen}
	table.Insert(s)

	got, ok := table.Get(1)
	require.True(t, ok)
	require.Same(t, s, got)

	_, ok = table.Get(2)
	require.False(t, ok)
}

func TestSessionTableOpenOnlyReturnsOpenSessions(t *testing.T) {
	table := NewSessionTable()
	open := &SessionState{Id: 1, Status: SessionOpen}
	closed := &SessionState{Id: 2, Status: SessionClosed}
	table.Insert(open)
	table.Insert(closed)

	_, ok := table.Open(1)
	require.True(t, ok)
	_, ok = table.Open(2)
	require.False(t, ok)
}

func TestSessionTableForServiceFiltersByName(t *testing.T) {
	table := NewSessionTable()
	table.Insert(&SessionState{Id: 1, ServiceName: "a"})
	table.Insert(&SessionState{Id: 2, ServiceName: "b"})
	table.Insert(&SessionState{Id: 3, ServiceName: "a"})

	var seen []SessionId
	table.ForService("a", func(s *SessionState) { seen = append(seen, s.Id) })
	require.Equal(t, []SessionId{1, 3}, seen)
}

func TestSessionTableRemove(t *testing.T) {
	table := NewSessionTable()
	table.Insert(&SessionState{Id: 1})
	table.Insert(&SessionState{Id: 2})
	table.Remove(1)

	_, ok := table.Get(1)
	require.False(t, ok)
	var seen []SessionId
	table.Range(func(s *SessionState) { seen = append(seen, s.Id) })
	require.Equal(t, []SessionId{2}, seen)
}

func TestSessionStateCanTransitionTo(t *testing.T) {
	s := &SessionState{Status: SessionOpen}
	require.True(t, s.CanTransitionTo(SessionClosed))
	require.True(t, s.CanTransitionTo(SessionExpired))

	s.Status = SessionClosed
	require.False(t, s.CanTransitionTo(SessionExpired))
}

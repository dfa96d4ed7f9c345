package atomix

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cause := errors.New("boom")
	cases := []struct {
		name   string
		err    error
		action RetryAction
		kind   ErrorKind
	}{
		{"no leader", errNoLeader(), ActionResetStickyAndRetry, KindNoLeader},
		{"timeout", errTimeout("Command"), ActionResetStickyAndRetry, KindTimeout},
		{"transport", errTransport(cause), ActionResetStickyAndRetry, KindTransport},
		{"unknown session", errUnknownSession(SessionId(3)), ActionReregisterAndRetry, KindUnknownSession},
		{"unknown service", errUnknownService("kv"), ActionFail, KindUnknownService},
		{"application error", errApplication(cause), ActionFail, KindApplicationError},
		{"protocol error", errProtocol("bad"), ActionFail, KindProtocolError},
		{"not open", errNotOpen(), ActionFail, KindNotOpen},
		{"non sequential", errNonSequential(5, 3), ActionFail, KindNonSequential},
		{"duplicate apply", errDuplicateApply(2, 3), ActionFail, KindDuplicateApply},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			action, kind := Classify(tc.err)
			require.Equal(t, tc.action, action)
			require.Equal(t, tc.kind, kind)
		})
	}
}

func TestClassifyUnknownError(t *testing.T) {
	action, kind := Classify(errors.New("not ours"))
	require.Equal(t, ActionFail, action)
	require.Equal(t, KindUnknown, kind)
}

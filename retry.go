package atomix

// RetryAction is the outcome of classifying a failed request: either the
// Client Dispatcher retries it (possibly after resetting some local
// state first) or it surfaces the error to the caller.
type RetryAction int

const (
	// ActionFail completes the caller's future with the error; no retry.
	ActionFail RetryAction = iota
	// ActionRetry resubmits the request unchanged.
	ActionRetry
	// ActionResetStickyAndRetry drops the cached "sticky" leader/member
	// before resubmitting, so the next attempt re-resolves it.
	ActionResetStickyAndRetry
	// ActionReregisterAndRetry tears down the current session (it is no
	// longer known server-side), opens a fresh one, rebuilds in-flight
	// request headers against the new session, and resubmits.
	ActionReregisterAndRetry
)

func (a RetryAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionResetStickyAndRetry:
		return "resetSticky+retry"
	case ActionReregisterAndRetry:
		return "reregister+retry"
	default:
		return "fail"
	}
}

// Classify implements the Retry Classifier decision table from spec
// section 4.6. It is a pure function of ErrorKind: the same table is
// shared by every caller, client or server-adjacent, that needs to
// decide what a failed request means. A nil err classifies as
// ActionFail with KindUnknown, which callers should treat as a bug
// rather than retry forever.
func Classify(err error) (RetryAction, ErrorKind) {
	kind := KindOf(err)
	switch kind {
	case KindNoLeader, KindTimeout, KindTransport:
		return ActionResetStickyAndRetry, kind
	case KindUnknownSession:
		return ActionReregisterAndRetry, kind
	case KindApplicationError, KindUnknownService, KindProtocolError, KindNotOpen,
		KindNonSequential, KindDuplicateApply:
		return ActionFail, kind
	default:
		return ActionFail, kind
	}
}

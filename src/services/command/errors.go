package command

import (
	"errors"
	"fmt"
)

// Routing failure sentinels. Each reaches users wrapped in a Reject whose
// Reason is safe to echo into the chat verbatim.
var (
	ErrBadFormat         = errors.New("command: bad format")
	ErrUnresolvedMention = errors.New("command: unresolved mention")
	ErrWrongTopic        = errors.New("command: wrong topic")
	ErrNotAdmin          = errors.New("command: administrator required")
	ErrUnknownCommand    = errors.New("command: unknown command")
)

// Reject is a parse or authorization failure. Reason is the user-visible
// explanation; the wrapped cause is for errors.Is dispatch.
type Reject struct {
	Reason string
	cause  error
}

func (r *Reject) Error() string {
	return fmt.Sprintf("%v: %s", r.cause, r.Reason)
}

func (r *Reject) Unwrap() error {
	return r.cause
}

func rejectf(cause error, format string, args ...any) *Reject {
	return &Reject{Reason: fmt.Sprintf(format, args...), cause: cause}
}

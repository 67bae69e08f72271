package watchparty

import "errors"

var (
	ErrNotFound         = errors.New("watch party not found")
	ErrNotHost          = errors.New("only the host can do that")
	ErrIdentityRequired = errors.New("sign in or choose a guest name first")
	ErrEmptyContent     = errors.New("message is empty")
	ErrPartyEnded       = errors.New("watch party has ended")
	ErrAlreadyJoined    = errors.New("already in a watch party")
	ErrNotJoined        = errors.New("not in a watch party")
	// ErrNotPresent is returned to a guest whose name has not been confirmed
	// in the party chat yet.
	ErrNotPresent = errors.New("still joining the party chat")
)

// ErrClosed is returned by calls on a closed session.
var ErrClosed = errors.New("session closed")

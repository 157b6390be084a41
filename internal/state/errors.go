package state

import "errors"

var (
	ErrUserBusy          = errors.New("user already holds a call session")
	ErrSessionNotFound   = errors.New("call session not found")
	ErrNotParticipant    = errors.New("identity is not a participant of this session")
	ErrIllegalTransition = errors.New("transition not allowed in current call state")
	ErrInvalidIdentity   = errors.New("invalid identity")
	ErrSelfCall          = errors.New("cannot call yourself")
)

package domain

import "errors"

var (
	// ErrInvalidState is returned when a PeerLink transition is not allowed. Never fatal.
	ErrInvalidState = errors.New("invalid state")
	// ErrAlreadyMember and ErrNotFound are recoverable registry no-ops.
	ErrAlreadyMember = errors.New("already member")
	ErrNotFound      = errors.New("not found")
	// ErrMediaAccessDenied means a capture device refused access; the session continues without it.
	ErrMediaAccessDenied = errors.New("media access denied")
	// ErrPeerConnectionFailed closes the affected link only.
	ErrPeerConnectionFailed   = errors.New("peer connection failed")
	ErrRelayTargetUnreachable = errors.New("relay target unreachable")
	ErrNoSuchTrack            = errors.New("no such track")
)

package domain

import "time"

// Member represents a participant's presence in a channel.
// No transport or lifecycle logic here.
type Member struct {
	Participant Participant
	JoinedAt    time.Time
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(p Participant, at time.Time) Member {
	return Member{Participant: p, JoinedAt: at}
}

package peer

type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

type State int

const (
	StateIdle State = iota
	StateOfferCreated
	StateOfferSent
	StateOfferReceived
	StateAnswerCreated
	StateAnswerSent
	StateConnected
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateOfferCreated:  "offer-created",
	StateOfferSent:     "offer-sent",
	StateOfferReceived: "offer-received",
	StateAnswerCreated: "answer-created",
	StateAnswerSent:    "answer-sent",
	StateConnected:     "connected",
	StateFailed:        "failed",
	StateClosed:        "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further negotiation can happen.
func (s State) Terminal() bool { return s == StateFailed || s == StateClosed }

// localDescriptionSent reports whether trickled local candidates may go out.
func (s State) localDescriptionSent() bool {
	return s == StateOfferSent || s == StateAnswerSent || s == StateConnected
}

package domain

const (
	EventNameParticipantJoined = "participant.joined"
	EventNameDecisionSubmitted = "decision.submitted"
	EventNameRoundFinalized    = "round.finalized"
	EventNameReadyConfirmed    = "ready.confirmed"
	EventNameRoundAdvanced     = "round.advanced"
)

type EventParticipantJoined struct {
	Participant Participant
}

func (EventParticipantJoined) Name() string { return EventNameParticipantJoined }

type EventDecisionSubmitted struct {
	SessionID   string
	RoundNumber int
}

func (EventDecisionSubmitted) Name() string { return EventNameDecisionSubmitted }

type EventRoundFinalized struct {
	SessionID   string
	RoundNumber int
}

func (EventRoundFinalized) Name() string { return EventNameRoundFinalized }

type EventReadyConfirmed struct {
	SessionID   string
	RoundNumber int
}

func (EventReadyConfirmed) Name() string { return EventNameReadyConfirmed }

type EventRoundAdvanced struct {
	SessionID string
	NewRound  int
	Done      bool
}

func (EventRoundAdvanced) Name() string { return EventNameRoundAdvanced }

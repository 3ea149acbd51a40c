package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus tracks where a session is in its lifecycle.
type SessionStatus string

const (
	SessionLobby   SessionStatus = "lobby"
	SessionPlaying SessionStatus = "playing"
	SessionDone    SessionStatus = "done"
)

// Choice is one of the two options a participant picks each round.
type Choice string

const (
	ChoiceA Choice = "A"
	ChoiceB Choice = "B"
)

// Session groups N participants playing R rounds together.
// Immutable after creation except Status and Archived.
type Session struct {
	SessionID       string
	Name            string
	GroupSize       int
	Rounds          int
	StartingBalance decimal.Decimal
	Status          SessionStatus
	Archived        bool
	WatchSeconds    int
	CreateTime      time.Time
}

// WatchWindow is how long the reveal countdown runs after a round settles.
func (s Session) WatchWindow() time.Duration {
	return time.Duration(s.WatchSeconds) * time.Second
}

// Participant is owned by exactly one session. JoinNumber is assigned once,
// gap-free among joined participants, and CurrentRound only moves forward.
type Participant struct {
	ParticipantID string
	SessionID     string
	Code          string
	PType         int
	Joined        bool
	JoinNumber    int
	CurrentRound  int
	Balance       decimal.Decimal
	ReadyForNext  bool
	Completed     bool
	CreateTime    time.Time
}

// Decision is a participant's choice for one round. At most one per
// (participant, round). Cost, Payout and OthersA are written at finalize
// time; Settled reports whether that has happened.
type Decision struct {
	ParticipantID string
	SessionID     string
	RoundNumber   int
	Choice        Choice
	Cost          decimal.Decimal
	Payout        decimal.Decimal
	OthersA       int
	Settled       bool
	CreateTime    time.Time
}

// RoundPhase is created exactly once per (session, round) when the round is
// finalized, and read-only afterward. WatchEndsAt gates the reveal countdown.
type RoundPhase struct {
	SessionID      string
	RoundNumber    int
	DecisionEndsAt time.Time
	WatchEndsAt    time.Time
}

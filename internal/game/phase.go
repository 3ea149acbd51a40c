package game

import "github.com/victornm/vaxgame/internal/domain"

// Phase is what a participant should be looking at right now. It is never
// stored: every query re-derives it from persisted counters, so concurrent
// readers always see a view consistent with the latest committed writes.
type Phase string

const (
	// PhaseLobby: waiting for the whole group to join.
	PhaseLobby Phase = "lobby"
	// PhaseRound: the participant still has to choose this round.
	PhaseRound Phase = "round"
	// PhaseWait: chosen, but peers are still deciding.
	PhaseWait Phase = "wait"
	// PhaseReveal: round settled, watching results until the ready quorum.
	PhaseReveal Phase = "reveal"
	// PhaseDone: the session is over for this participant.
	PhaseDone Phase = "done"
)

// View carries the persisted counters the derivation reads.
type View struct {
	// Joined is the number of joined participants in the session.
	Joined int
	// Ready is the number of participants with the ready flag set.
	Ready int
	// Decided reports whether the participant has a decision for their
	// current round.
	Decided bool
	// PhaseOpened reports whether a round phase record exists for the
	// session's current round, i.e. the round has been finalized.
	PhaseOpened bool
}

// DerivePhase computes the participant's phase. Rules are evaluated in order.
//
// Because advancing is gated on the ready quorum and happens atomically with
// marking the session done, a participant past the last round implies a
// finished session; the waiting-for-quorum case is carried entirely by the
// decision and round-phase checks.
func DerivePhase(s domain.Session, p domain.Participant, v View) Phase {
	if s.Archived {
		return PhaseDone
	}

	if v.Joined < s.GroupSize {
		return PhaseLobby
	}

	if p.CurrentRound > s.Rounds {
		if s.Status == domain.SessionDone || v.Ready >= s.GroupSize {
			return PhaseDone
		}
		return PhaseReveal
	}

	if !v.Decided {
		return PhaseRound
	}

	if !v.PhaseOpened {
		return PhaseWait
	}

	return PhaseReveal
}

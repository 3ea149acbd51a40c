package game_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/victornm/vaxgame/internal/domain"
	"github.com/victornm/vaxgame/internal/game"
)

func TestDerivePhase(t *testing.T) {
	session := func(mutate ...func(*domain.Session)) domain.Session {
		s := domain.Session{
			SessionID: "s1",
			GroupSize: 4,
			Rounds:    10,
			Status:    domain.SessionPlaying,
		}
		for _, m := range mutate {
			m(&s)
		}
		return s
	}

	tests := map[string]struct {
		session     domain.Session
		participant domain.Participant
		view        game.View
		want        game.Phase
	}{
		"archived session is done regardless of counters": {
			session:     session(func(s *domain.Session) { s.Archived = true }),
			participant: domain.Participant{CurrentRound: 3},
			view:        game.View{Joined: 4, Decided: true, PhaseOpened: true},
			want:        game.PhaseDone,
		},

		"group not complete yet": {
			session:     session(),
			participant: domain.Participant{CurrentRound: 1},
			view:        game.View{Joined: 3},
			want:        game.PhaseLobby,
		},

		"no decision for the current round": {
			session:     session(),
			participant: domain.Participant{CurrentRound: 2},
			view:        game.View{Joined: 4, Decided: false},
			want:        game.PhaseRound,
		},

		"decided but round not finalized": {
			session:     session(),
			participant: domain.Participant{CurrentRound: 2},
			view:        game.View{Joined: 4, Decided: true, PhaseOpened: false},
			want:        game.PhaseWait,
		},

		"finalized round shows results": {
			session:     session(),
			participant: domain.Participant{CurrentRound: 2},
			view:        game.View{Joined: 4, Decided: true, PhaseOpened: true},
			want:        game.PhaseReveal,
		},

		"still revealing while the quorum is short": {
			session:     session(),
			participant: domain.Participant{CurrentRound: 5},
			view:        game.View{Joined: 4, Ready: 2, Decided: true, PhaseOpened: true},
			want:        game.PhaseReveal,
		},

		"past the last round of a done session": {
			session:     session(func(s *domain.Session) { s.Status = domain.SessionDone }),
			participant: domain.Participant{CurrentRound: 11},
			view:        game.View{Joined: 4},
			want:        game.PhaseDone,
		},

		"past the last round with full quorum": {
			session:     session(),
			participant: domain.Participant{CurrentRound: 11},
			view:        game.View{Joined: 4, Ready: 4},
			want:        game.PhaseDone,
		},

		"past the last round but session not marked done": {
			session:     session(),
			participant: domain.Participant{CurrentRound: 11},
			view:        game.View{Joined: 4, Ready: 1},
			want:        game.PhaseReveal,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, game.DerivePhase(tt.session, tt.participant, tt.view))
		})
	}
}

package game_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/vaxgame/internal/domain"
	"github.com/victornm/vaxgame/internal/errors"
	"github.com/victornm/vaxgame/internal/event"
	"github.com/victornm/vaxgame/internal/game"
	"github.com/victornm/vaxgame/internal/presence"
	"github.com/victornm/vaxgame/internal/registry"
)

type fixture struct {
	svc   *game.Service
	store *registry.Memory
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T, groupSize, rounds int, balance string) fixture {
	t.Helper()

	store := registry.NewMemory()
	clock := clockwork.NewFakeClock()
	bus := event.NewBus()
	t.Cleanup(bus.Stop)

	starting := decimal.RequireFromString(balance)

	session := domain.Session{
		SessionID:       "s1",
		Name:            "lab session",
		GroupSize:       groupSize,
		Rounds:          rounds,
		StartingBalance: starting,
		Status:          domain.SessionLobby,
		WatchSeconds:    15,
	}

	var ps []domain.Participant
	for i := 1; i <= groupSize; i++ {
		ps = append(ps, domain.Participant{
			ParticipantID: fmt.Sprintf("p%d", i),
			SessionID:     "s1",
			Code:          fmt.Sprintf("CODE%02d", i),
			PType:         1,
			CurrentRound:  1,
			Balance:       starting,
		})
	}
	require.NoError(t, store.CreateSession(context.Background(), session, ps))

	svc := game.NewService(game.Config{
		Store:    store,
		EventBus: bus,
		Guard:    presence.NewGuard(presence.Config{Clock: clock}),
		Clock:    clock,
	})

	return fixture{svc: svc, store: store, clock: clock}
}

func (f fixture) joinAll(t *testing.T, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := f.svc.Join(context.Background(), game.JoinRequest{
			Code:          fmt.Sprintf("CODE%02d", i),
			ActivityToken: fmt.Sprintf("tok%d", i),
		})
		require.NoError(t, err)
	}
}

func TestJoin(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown code", func(t *testing.T) {
		f := newFixture(t, 2, 1, "500")
		_, err := f.svc.Join(ctx, game.JoinRequest{Code: "NOPE42", ActivityToken: "t"})
		assert.True(t, errors.IsCode(err, errors.CodeNotFound))
	})

	t.Run("assigns join numbers in order", func(t *testing.T) {
		f := newFixture(t, 3, 1, "500")

		for i := 1; i <= 3; i++ {
			resp, err := f.svc.Join(ctx, game.JoinRequest{
				Code:          fmt.Sprintf("CODE%02d", i),
				ActivityToken: fmt.Sprintf("tok%d", i),
			})
			require.NoError(t, err)
			assert.Equal(t, i, resp.Participant.JoinNumber)
		}
	})

	t.Run("lowercase and padded codes are accepted", func(t *testing.T) {
		f := newFixture(t, 2, 1, "500")
		resp, err := f.svc.Join(ctx, game.JoinRequest{Code: "  code01 ", ActivityToken: "t"})
		require.NoError(t, err)
		assert.Equal(t, "CODE01", resp.Participant.Code)
	})

	t.Run("second device with a different token is rejected", func(t *testing.T) {
		f := newFixture(t, 2, 1, "500")

		_, err := f.svc.Join(ctx, game.JoinRequest{Code: "CODE01", ActivityToken: "phone"})
		require.NoError(t, err)

		_, err = f.svc.Join(ctx, game.JoinRequest{Code: "CODE01", ActivityToken: "laptop"})
		assert.True(t, errors.IsCode(err, errors.CodeAlreadyExists))
	})

	t.Run("same device may rejoin after a reload", func(t *testing.T) {
		f := newFixture(t, 2, 1, "500")

		_, err := f.svc.Join(ctx, game.JoinRequest{Code: "CODE01", ActivityToken: "phone"})
		require.NoError(t, err)

		resp, err := f.svc.Join(ctx, game.JoinRequest{Code: "CODE01", ActivityToken: "phone"})
		require.NoError(t, err)
		assert.Equal(t, 1, resp.Participant.JoinNumber)
	})

	t.Run("completed participant cannot return", func(t *testing.T) {
		f := newFixture(t, 2, 1, "500")
		f.joinAll(t, 2)

		_, err := f.svc.Complete(ctx, "p1")
		require.NoError(t, err)

		_, err = f.svc.Join(ctx, game.JoinRequest{Code: "CODE01", ActivityToken: "tok1"})
		assert.True(t, errors.IsCode(err, errors.CodeFailedPrecondition))
	})

	t.Run("phase is lobby until the group is full", func(t *testing.T) {
		f := newFixture(t, 2, 1, "500")

		resp, err := f.svc.Join(ctx, game.JoinRequest{Code: "CODE01", ActivityToken: "tok1"})
		require.NoError(t, err)
		assert.Equal(t, game.PhaseLobby, resp.Phase)

		resp, err = f.svc.Join(ctx, game.JoinRequest{Code: "CODE02", ActivityToken: "tok2"})
		require.NoError(t, err)
		assert.Equal(t, game.PhaseRound, resp.Phase)
	})
}

func TestSubmitDecision(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects anything but A or B", func(t *testing.T) {
		f := newFixture(t, 2, 1, "500")
		f.joinAll(t, 2)

		err := f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p1", Choice: "C"})
		assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
	})

	t.Run("repeated submission keeps the first choice", func(t *testing.T) {
		f := newFixture(t, 2, 1, "500")
		f.joinAll(t, 2)

		require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p1", Choice: "A"}))
		require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p1", Choice: "B"}))

		d, err := f.store.DecisionByParticipant(ctx, "p1", 1)
		require.NoError(t, err)
		assert.Equal(t, domain.ChoiceA, d.Choice)
	})

	t.Run("last decision settles the round", func(t *testing.T) {
		f := newFixture(t, 2, 1, "500")
		f.joinAll(t, 2)

		require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p1", Choice: "A"}))

		_, err := f.store.RoundPhase(ctx, "s1", 1)
		assert.ErrorIs(t, err, registry.ErrNotFound)

		require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p2", Choice: "B"}))

		_, err = f.store.RoundPhase(ctx, "s1", 1)
		assert.NoError(t, err)
	})
}

func TestTryFinalize(t *testing.T) {
	ctx := context.Background()

	t.Run("pair economics", func(t *testing.T) {
		f := newFixture(t, 2, 1, "500")
		f.joinAll(t, 2)

		require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p1", Choice: "A"}))
		require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p2", Choice: "B"}))

		d1, err := f.store.DecisionByParticipant(ctx, "p1", 1)
		require.NoError(t, err)
		assert.True(t, d1.Settled)
		assert.Equal(t, "4", d1.Cost.String())
		assert.Equal(t, "496", d1.Payout.String())
		assert.Equal(t, 0, d1.OthersA)

		d2, err := f.store.DecisionByParticipant(ctx, "p2", 1)
		require.NoError(t, err)
		assert.Equal(t, "0", d2.Cost.String())
		assert.Equal(t, "500", d2.Payout.String())
		assert.Equal(t, 1, d2.OthersA)

		p1, err := f.store.ParticipantByID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "496", p1.Balance.String())

		sess, err := f.store.SessionByID(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, domain.SessionPlaying, sess.Status)
	})

	t.Run("payout never goes negative", func(t *testing.T) {
		f := newFixture(t, 2, 1, "3")
		f.joinAll(t, 2)

		require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p1", Choice: "A"}))
		require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p2", Choice: "A"}))

		d, err := f.store.DecisionByParticipant(ctx, "p1", 1)
		require.NoError(t, err)
		assert.Equal(t, "0", d.Payout.String())
	})

	t.Run("no-op while decisions are missing", func(t *testing.T) {
		f := newFixture(t, 3, 1, "500")
		f.joinAll(t, 3)

		require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p1", Choice: "A"}))
		require.NoError(t, f.svc.TryFinalize(ctx, "s1", 1))

		d, err := f.store.DecisionByParticipant(ctx, "p1", 1)
		require.NoError(t, err)
		assert.False(t, d.Settled)
	})

	t.Run("concurrent callers settle exactly once", func(t *testing.T) {
		f := newFixture(t, 4, 1, "500")
		f.joinAll(t, 4)

		for i := 1; i <= 4; i++ {
			require.NoError(t, f.store.InsertDecision(ctx, domain.Decision{
				ParticipantID: fmt.Sprintf("p%d", i),
				SessionID:     "s1",
				RoundNumber:   1,
				Choice:        domain.ChoiceA,
			}))
		}

		var g errgroup.Group
		for i := 0; i < 16; i++ {
			g.Go(func() error {
				return f.svc.TryFinalize(ctx, "s1", 1)
			})
		}
		require.NoError(t, g.Wait())

		// Everyone chose A, so every payout is 500-4; had a second finalize
		// recomputed on top, balances would have drifted.
		for i := 1; i <= 4; i++ {
			p, err := f.store.ParticipantByID(ctx, fmt.Sprintf("p%d", i))
			require.NoError(t, err)
			assert.Equal(t, "496", p.Balance.String())
		}
	})
}

func TestTryAdvance(t *testing.T) {
	ctx := context.Background()

	settleRound := func(t *testing.T, f fixture, round int) {
		t.Helper()
		for i := 1; i <= 2; i++ {
			require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{
				ParticipantID: fmt.Sprintf("p%d", i), Choice: "B",
			}))
		}
		_, err := f.store.RoundPhase(ctx, "s1", round)
		require.NoError(t, err)
	}

	t.Run("confirm before the round settles is rejected", func(t *testing.T) {
		f := newFixture(t, 2, 2, "500")
		f.joinAll(t, 2)

		err := f.svc.ConfirmReady(ctx, "p1")
		assert.True(t, errors.IsCode(err, errors.CodeFailedPrecondition))

		p, err := f.store.ParticipantByID(ctx, "p1")
		require.NoError(t, err)
		assert.False(t, p.ReadyForNext)
		assert.Equal(t, 1, p.CurrentRound)
	})

	t.Run("quorum without a settled round does not advance", func(t *testing.T) {
		f := newFixture(t, 2, 2, "500")
		f.joinAll(t, 2)

		// Flags planted directly, bypassing the ConfirmReady gate.
		require.NoError(t, f.store.SetReady(ctx, "p1"))
		require.NoError(t, f.store.SetReady(ctx, "p2"))
		require.NoError(t, f.svc.TryAdvance(ctx, "s1", 1))

		for i := 1; i <= 2; i++ {
			p, err := f.store.ParticipantByID(ctx, fmt.Sprintf("p%d", i))
			require.NoError(t, err)
			assert.Equal(t, 1, p.CurrentRound)
		}
	})

	t.Run("waits for the full quorum", func(t *testing.T) {
		f := newFixture(t, 2, 2, "500")
		f.joinAll(t, 2)
		settleRound(t, f, 1)

		require.NoError(t, f.svc.ConfirmReady(ctx, "p1"))

		p, err := f.store.ParticipantByID(ctx, "p2")
		require.NoError(t, err)
		assert.Equal(t, 1, p.CurrentRound)
	})

	t.Run("moves everyone and clears ready flags", func(t *testing.T) {
		f := newFixture(t, 2, 2, "500")
		f.joinAll(t, 2)
		settleRound(t, f, 1)

		require.NoError(t, f.svc.ConfirmReady(ctx, "p1"))
		require.NoError(t, f.svc.ConfirmReady(ctx, "p2"))

		for i := 1; i <= 2; i++ {
			p, err := f.store.ParticipantByID(ctx, fmt.Sprintf("p%d", i))
			require.NoError(t, err)
			assert.Equal(t, 2, p.CurrentRound)
			assert.False(t, p.ReadyForNext)
		}

		sess, err := f.store.SessionByID(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, domain.SessionPlaying, sess.Status)
	})

	t.Run("final advance marks the session done", func(t *testing.T) {
		f := newFixture(t, 2, 1, "500")
		f.joinAll(t, 2)
		settleRound(t, f, 1)

		require.NoError(t, f.svc.ConfirmReady(ctx, "p1"))
		require.NoError(t, f.svc.ConfirmReady(ctx, "p2"))

		sess, err := f.store.SessionByID(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, domain.SessionDone, sess.Status)

		st, err := f.svc.Status(ctx, "p1", "tok1")
		require.NoError(t, err)
		assert.Equal(t, game.PhaseDone, st.Phase)
	})

	t.Run("concurrent confirms advance exactly one round", func(t *testing.T) {
		f := newFixture(t, 2, 5, "500")
		f.joinAll(t, 2)
		settleRound(t, f, 1)

		require.NoError(t, f.svc.ConfirmReady(ctx, "p1"))
		require.NoError(t, f.store.SetReady(ctx, "p2"))

		var g errgroup.Group
		for i := 0; i < 16; i++ {
			g.Go(func() error {
				return f.svc.TryAdvance(ctx, "s1", 1)
			})
		}
		require.NoError(t, g.Wait())

		p, err := f.store.ParticipantByID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 2, p.CurrentRound)
	})
}

func TestStatuses(t *testing.T) {
	ctx := context.Background()

	t.Run("lobby counts joins", func(t *testing.T) {
		f := newFixture(t, 3, 1, "500")
		f.joinAll(t, 2)

		st, err := f.svc.LobbyStatusOf(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, 2, st.Joined)
		assert.Equal(t, 3, st.GroupSize)
		assert.False(t, st.Ready)
	})

	t.Run("round status lists deciders by player number", func(t *testing.T) {
		f := newFixture(t, 3, 1, "500")
		f.joinAll(t, 3)

		require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p2", Choice: "A"}))

		st, err := f.svc.RoundStatusOf(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 1, st.Decided)
		assert.False(t, st.MeDecided)
		assert.Equal(t, []int{2}, st.DecidedPlayers)
	})

	t.Run("reveal before finalize is rejected", func(t *testing.T) {
		f := newFixture(t, 2, 1, "500")
		f.joinAll(t, 2)

		_, err := f.svc.RevealStatusOf(ctx, "p1")
		assert.True(t, errors.IsCode(err, errors.CodeFailedPrecondition))
	})

	t.Run("round status carries the results once settled", func(t *testing.T) {
		f := newFixture(t, 2, 1, "500")
		f.joinAll(t, 2)

		require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p1", Choice: "A"}))
		require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p2", Choice: "B"}))

		st, err := f.svc.RoundStatusOf(ctx, "p1")
		require.NoError(t, err)
		assert.True(t, st.Ready)
		require.NotNil(t, st.WatchEndsAt)
		require.Len(t, st.Players, 2)

		byNo := map[int]game.RoundPlayer{}
		for _, pl := range st.Players {
			byNo[pl.PlayerNo] = pl
		}
		assert.Equal(t, "A", byNo[1].Choice)
		assert.Equal(t, "4", byNo[1].Cost.String())
		assert.Equal(t, "496", byNo[1].Payout.String())
		assert.Equal(t, "B", byNo[2].Choice)
		assert.Equal(t, "500", byNo[2].Payout.String())

		b, err := json.Marshal(st)
		require.NoError(t, err)
		assert.Contains(t, string(b), `"ready":true`)
		assert.Contains(t, string(b), `"watch_ends_at"`)
		assert.Contains(t, string(b), `"players"`)
	})

	t.Run("reveal flips from watch to done with the clock", func(t *testing.T) {
		f := newFixture(t, 2, 1, "500")
		f.joinAll(t, 2)

		require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p1", Choice: "A"}))
		require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p2", Choice: "B"}))

		st, err := f.svc.RevealStatusOf(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "watch", st.Phase)
		require.Len(t, st.Players, 2)
		require.NotNil(t, st.Me)
		assert.Equal(t, "496", st.Me.Payout.String())
		assert.Equal(t, "4", st.MyCost.String())

		f.clock.Advance(16 * time.Second)

		st, err = f.svc.RevealStatusOf(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "done", st.Phase)
	})

	t.Run("ready status nudges the advance", func(t *testing.T) {
		f := newFixture(t, 2, 2, "500")
		f.joinAll(t, 2)

		require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p1", Choice: "B"}))
		require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p2", Choice: "B"}))

		// Both flags land without going through ConfirmReady, so nobody has
		// triggered the advance yet.
		require.NoError(t, f.store.SetReady(ctx, "p1"))
		require.NoError(t, f.store.SetReady(ctx, "p2"))

		st, err := f.svc.ReadyStatusOf(ctx, "p1")
		require.NoError(t, err)
		assert.True(t, st.AllReady)

		p, err := f.store.ParticipantByID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 2, p.CurrentRound)
	})
}

// TestFullSession walks a pair through one complete round: join, decide,
// watch the reveal, confirm, finish.
func TestFullSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, 1, "500")

	f.joinAll(t, 2)

	st, err := f.svc.Status(ctx, "p1", "tok1")
	require.NoError(t, err)
	assert.Equal(t, game.PhaseRound, st.Phase)

	require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p1", Choice: "A"}))

	st, err = f.svc.Status(ctx, "p1", "tok1")
	require.NoError(t, err)
	assert.Equal(t, game.PhaseWait, st.Phase)

	require.NoError(t, f.svc.SubmitDecision(ctx, game.SubmitDecisionRequest{ParticipantID: "p2", Choice: "B"}))

	st, err = f.svc.Status(ctx, "p1", "tok1")
	require.NoError(t, err)
	assert.Equal(t, game.PhaseReveal, st.Phase)

	require.NoError(t, f.svc.ConfirmReady(ctx, "p1"))
	require.NoError(t, f.svc.ConfirmReady(ctx, "p2"))

	st, err = f.svc.Status(ctx, "p2", "tok2")
	require.NoError(t, err)
	assert.Equal(t, game.PhaseDone, st.Phase)
	assert.Equal(t, "500", st.Balance.String())

	done, err := f.svc.Complete(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, "CODE02", done.Code)
	assert.Equal(t, "500", done.Balance.String())
}

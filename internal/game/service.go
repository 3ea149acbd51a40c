package game

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/victornm/vaxgame/internal/cost"
	"github.com/victornm/vaxgame/internal/domain"
	"github.com/victornm/vaxgame/internal/errors"
	"github.com/victornm/vaxgame/internal/event"
	"github.com/victornm/vaxgame/internal/presence"
	"github.com/victornm/vaxgame/internal/registry"
	"github.com/victornm/vaxgame/internal/telemetry"
)

// joinRetries bounds transparent retries of the join transaction when two
// participants grab the same join number at once.
const joinRetries = 3

type Config struct {
	Store    registry.Store
	EventBus *event.Bus
	Guard    *presence.Guard
	Clock    clockwork.Clock
}

// Service coordinates rounds: it aggregates decisions, settles each round
// exactly once, and advances the group in lockstep on a ready quorum. It is
// safe under arbitrary interleaving of calls; all shared state lives in the
// store and is protected by its transactions.
type Service struct {
	store registry.Store
	eb    *event.Bus
	guard *presence.Guard
	clock clockwork.Clock
}

func NewService(c Config) *Service {
	s := &Service{
		store: c.Store,
		eb:    c.EventBus,
		guard: c.Guard,
		clock: c.Clock,
	}

	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}

	return s
}

type JoinRequest struct {
	// Code is the participant's human-typed code.
	Code string
	// ActivityToken identifies the client claiming the code.
	ActivityToken string
}

type JoinResponse struct {
	Participant domain.Participant
	Phase       Phase
}

// Join claims a participant code for a client. The first join assigns the
// next join number and, if unset, a round-robin ptype.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("code is required"))
	}

	p, err := s.store.ParticipantByCode(ctx, code)
	if stderrors.Is(err, registry.ErrNotFound) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("unknown code %s", code))
	}
	if err != nil {
		return nil, storeErr(err)
	}

	if p.Completed {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("code %s has already finished the experiment", code))
	}

	if !s.guard.Acquire(p.ParticipantID, req.ActivityToken) {
		telemetry.PresenceRejections.Inc()
		return nil, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("code %s is being used from another device", code))
	}

	for attempt := 0; ; attempt++ {
		p, err = s.store.JoinParticipant(ctx, p.ParticipantID)
		if stderrors.Is(err, registry.ErrSerialization) && attempt < joinRetries {
			continue
		}
		break
	}
	if err != nil {
		return nil, storeErr(err)
	}

	s.eb.Publish(ctx, domain.EventParticipantJoined{Participant: p})

	phase, err := s.phaseOf(ctx, p)
	if err != nil {
		return nil, err
	}

	return &JoinResponse{Participant: p, Phase: phase}, nil
}

type SubmitDecisionRequest struct {
	ParticipantID string
	Choice        string
}

// SubmitDecision records the participant's choice for their current round.
// A repeated submission (e.g. a retried request) is a successful no-op and
// never changes the stored choice.
func (s *Service) SubmitDecision(ctx context.Context, req SubmitDecisionRequest) error {
	choice := domain.Choice(strings.ToUpper(strings.TrimSpace(req.Choice)))
	if choice != domain.ChoiceA && choice != domain.ChoiceB {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid choice %q", req.Choice))
	}

	p, err := s.participant(ctx, req.ParticipantID)
	if err != nil {
		return err
	}

	sess, err := s.store.SessionByID(ctx, p.SessionID)
	if err != nil {
		return storeErr(err)
	}
	if p.CurrentRound > sess.Rounds {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("all rounds are already played"))
	}

	err = s.store.InsertDecision(ctx, domain.Decision{
		ParticipantID: p.ParticipantID,
		SessionID:     p.SessionID,
		RoundNumber:   p.CurrentRound,
		Choice:        choice,
		CreateTime:    s.clock.Now(),
	})
	if stderrors.Is(err, registry.ErrAlreadyExists) {
		return nil
	}
	if err != nil {
		return storeErr(err)
	}

	s.eb.Publish(ctx, domain.EventDecisionSubmitted{
		SessionID:   p.SessionID,
		RoundNumber: p.CurrentRound,
	})

	// The last submitter is usually the finalize trigger, but every status
	// poll tries as well, so a failure here costs nothing.
	return s.TryFinalize(ctx, p.SessionID, p.CurrentRound)
}

// ConfirmReady flags the participant as ready for the next round and tries
// to advance the group.
func (s *Service) ConfirmReady(ctx context.Context, participantID string) error {
	p, err := s.participant(ctx, participantID)
	if err != nil {
		return err
	}

	// Readiness only makes sense during reveal; a confirm arriving before
	// the round settles (a stale retry, a misbehaving client) must not
	// count toward the advance quorum.
	if _, err := s.store.RoundPhase(ctx, p.SessionID, p.CurrentRound); err != nil {
		if stderrors.Is(err, registry.ErrNotFound) {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("round %d is not settled yet", p.CurrentRound))
		}
		return storeErr(err)
	}

	if err := s.store.SetReady(ctx, p.ParticipantID); err != nil {
		return storeErr(err)
	}

	s.eb.Publish(ctx, domain.EventReadyConfirmed{
		SessionID:   p.SessionID,
		RoundNumber: p.CurrentRound,
	})

	return s.TryAdvance(ctx, p.SessionID, p.CurrentRound)
}

// CompleteResponse is what the participant takes away from the experiment.
type CompleteResponse struct {
	Code    string
	Balance decimal.Decimal
}

// Complete marks the participant finished and frees their code's presence
// entry.
func (s *Service) Complete(ctx context.Context, participantID string) (*CompleteResponse, error) {
	p, err := s.participant(ctx, participantID)
	if err != nil {
		return nil, err
	}

	if err := s.store.MarkCompleted(ctx, p.ParticipantID); err != nil {
		return nil, storeErr(err)
	}

	s.guard.Release(p.ParticipantID)

	return &CompleteResponse{Code: p.Code, Balance: p.Balance}, nil
}

// Sentinel outcomes of the transactional coordination steps. All of them
// mean "nothing to do for this caller" and are swallowed.
var (
	errNotReady    = stderrors.New("game: precondition not met")
	errAlreadyDone = stderrors.New("game: already done by a concurrent caller")
)

// TryFinalize settles the round's economics exactly once. Any number of
// callers may race here; whoever commits first wins and everyone else
// resolves to a silent no-op.
func (s *Service) TryFinalize(ctx context.Context, sessionID string, round int) error {
	err := s.store.RunSerializable(ctx, func(tx registry.Tx) error {
		sess, err := tx.SessionByID(ctx, sessionID)
		if err != nil {
			return err
		}

		decided, err := tx.DecidedCount(ctx, sessionID, round)
		if err != nil {
			return err
		}
		if decided < sess.GroupSize {
			return errNotReady
		}

		decisions, err := tx.DecisionsByRound(ctx, sessionID, round)
		if err != nil {
			return err
		}
		// The settled check must stay atomic with the writes below: a second
		// writer recomputing after someone already paid out would overwrite
		// the authoritative result.
		for _, d := range decisions {
			if d.Settled {
				return errAlreadyDone
			}
		}

		participants, err := tx.ParticipantsBySession(ctx, sessionID)
		if err != nil {
			return err
		}
		ptypes := make(map[string]int, len(participants))
		for _, p := range participants {
			ptypes[p.ParticipantID] = p.PType
		}

		totalA := 0
		for _, d := range decisions {
			if d.Choice == domain.ChoiceA {
				totalA++
			}
		}

		for _, d := range decisions {
			o := settle(d.Choice, ptypes[d.ParticipantID], totalA, sess.GroupSize, sess.StartingBalance)

			if err := tx.UpdateDecisionOutcome(ctx, d.ParticipantID, round, o.cost, o.payout, o.othersA); err != nil {
				return fmt.Errorf("update decision: %w", err)
			}
			if err := tx.SetBalance(ctx, d.ParticipantID, o.payout); err != nil {
				return fmt.Errorf("set balance: %w", err)
			}
		}

		now := s.clock.Now()
		err = tx.InsertRoundPhase(ctx, domain.RoundPhase{
			SessionID:      sessionID,
			RoundNumber:    round,
			DecisionEndsAt: now,
			WatchEndsAt:    now.Add(sess.WatchWindow()),
		})
		if err != nil {
			return fmt.Errorf("open round phase: %w", err)
		}

		if sess.Status == domain.SessionLobby {
			if err := tx.SetSessionStatus(ctx, sessionID, domain.SessionPlaying); err != nil {
				return err
			}
		}

		return nil
	})

	switch {
	case err == nil:
		telemetry.RoundsFinalized.Inc()
		s.eb.Publish(ctx, domain.EventRoundFinalized{SessionID: sessionID, RoundNumber: round})
		return nil
	case stderrors.Is(err, errNotReady), stderrors.Is(err, errAlreadyDone):
		return nil
	case stderrors.Is(err, registry.ErrSerialization), stderrors.Is(err, registry.ErrAlreadyExists):
		// A concurrent winner produced the authoritative result.
		telemetry.FinalizeConflicts.Inc()
		return nil
	default:
		return storeErr(err)
	}
}

// TryAdvance moves every participant of the session from round to round+1
// once the ready quorum is reached, marking the session done after the last
// round. Exactly-once under the same discipline as TryFinalize.
func (s *Service) TryAdvance(ctx context.Context, sessionID string, round int) error {
	done := false

	err := s.store.RunSerializable(ctx, func(tx registry.Tx) error {
		sess, err := tx.SessionByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Archived || round > sess.Rounds {
			return errNotReady
		}

		// Never move past a round that was not settled: the quorum alone is
		// no proof the round was played.
		if _, err := tx.RoundPhase(ctx, sessionID, round); err != nil {
			if stderrors.Is(err, registry.ErrNotFound) {
				return errNotReady
			}
			return err
		}

		ready, err := tx.ReadyCount(ctx, sessionID)
		if err != nil {
			return err
		}
		if ready < sess.GroupSize {
			return errNotReady
		}

		moved, err := tx.AdvanceRound(ctx, sessionID, round)
		if err != nil {
			return err
		}
		if moved == 0 {
			return errAlreadyDone
		}

		if round+1 > sess.Rounds {
			done = true
			if err := tx.SetSessionStatus(ctx, sessionID, domain.SessionDone); err != nil {
				return err
			}
		}

		return nil
	})

	switch {
	case err == nil:
		telemetry.RoundsAdvanced.Inc()
		s.eb.Publish(ctx, domain.EventRoundAdvanced{SessionID: sessionID, NewRound: round + 1, Done: done})
		return nil
	case stderrors.Is(err, errNotReady), stderrors.Is(err, errAlreadyDone):
		return nil
	case stderrors.Is(err, registry.ErrSerialization):
		telemetry.FinalizeConflicts.Inc()
		return nil
	default:
		return storeErr(err)
	}
}

type outcome struct {
	cost    decimal.Decimal
	payout  decimal.Decimal
	othersA int
}

// settle prices one decision. A-players pay the flat cost of A; B-players
// pay the stepped cost driven by how many peers chose A. The payout is the
// round's starting balance minus the cost, clamped at zero.
func settle(choice domain.Choice, ptype, totalA, groupSize int, basis decimal.Decimal) outcome {
	var o outcome

	if choice == domain.ChoiceA {
		o.othersA = totalA - 1
		if o.othersA < 0 {
			o.othersA = 0
		}
		o.cost = cost.OfA(ptype)
	} else {
		o.othersA = totalA
		o.cost = cost.OfB(ptype, o.othersA, groupSize)
	}

	o.payout = basis.Sub(o.cost)
	if o.payout.IsNegative() {
		o.payout = decimal.Zero
	}

	return o
}

// ParticipantSession resolves the session a participant belongs to.
func (s *Service) ParticipantSession(ctx context.Context, participantID string) (string, error) {
	p, err := s.participant(ctx, participantID)
	if err != nil {
		return "", err
	}

	return p.SessionID, nil
}

func (s *Service) participant(ctx context.Context, participantID string) (domain.Participant, error) {
	p, err := s.store.ParticipantByID(ctx, participantID)
	if stderrors.Is(err, registry.ErrNotFound) {
		return domain.Participant{}, errors.New(errors.CodeNotFound,
			errors.WithMessagef("unknown participant %s", participantID))
	}
	if err != nil {
		return domain.Participant{}, storeErr(err)
	}

	return p, nil
}

func (s *Service) phaseOf(ctx context.Context, p domain.Participant) (Phase, error) {
	sess, err := s.store.SessionByID(ctx, p.SessionID)
	if err != nil {
		return "", storeErr(err)
	}

	v := View{}

	if v.Joined, err = s.store.JoinedCount(ctx, p.SessionID); err != nil {
		return "", storeErr(err)
	}
	if v.Ready, err = s.store.ReadyCount(ctx, p.SessionID); err != nil {
		return "", storeErr(err)
	}

	if _, err = s.store.DecisionByParticipant(ctx, p.ParticipantID, p.CurrentRound); err == nil {
		v.Decided = true
	} else if !stderrors.Is(err, registry.ErrNotFound) {
		return "", storeErr(err)
	}

	if _, err = s.store.RoundPhase(ctx, p.SessionID, p.CurrentRound); err == nil {
		v.PhaseOpened = true
	} else if !stderrors.Is(err, registry.ErrNotFound) {
		return "", storeErr(err)
	}

	return DerivePhase(sess, p, v), nil
}

// storeErr surfaces a persistence failure as retryable; nothing was applied.
func storeErr(err error) error {
	if stderrors.Is(err, registry.ErrNotFound) {
		return errors.New(errors.CodeNotFound, errors.WithCause(err))
	}

	return errors.New(errors.CodeUnavailable, errors.WithCause(err))
}

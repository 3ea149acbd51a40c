package game

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/vaxgame/internal/domain"
	"github.com/victornm/vaxgame/internal/errors"
	"github.com/victornm/vaxgame/internal/registry"
)

// Status payloads are also what the pubsub fan-out pushes to clients, so the
// field names here are the wire contract.

type LobbyStatus struct {
	Joined    int  `json:"joined"`
	GroupSize int  `json:"group_size"`
	Ready     bool `json:"ready"`
}

type RoundStatus struct {
	Decided        int             `json:"decided"`
	GroupSize      int             `json:"group_size"`
	Ready          bool            `json:"ready"`
	MeDecided      bool            `json:"me_decided"`
	DecidedPlayers []int           `json:"decided_players"`
	WatchEndsAt    *time.Time      `json:"watch_ends_at,omitempty"`
	Players        []RoundPlayer   `json:"players"`
	Balance        decimal.Decimal `json:"balance"`
}

// RoundPlayer is one settled decision in the round_status payload.
type RoundPlayer struct {
	PlayerNo int             `json:"player_no"`
	Choice   string          `json:"choice"`
	Cost     decimal.Decimal `json:"cost"`
	Payout   decimal.Decimal `json:"payout"`
}

type RevealPlayer struct {
	Code     string          `json:"code"`
	PlayerNo int             `json:"player_no"`
	Choice   string          `json:"choice"`
	Payout   decimal.Decimal `json:"payout"`
}

type RevealStatus struct {
	Phase       string          `json:"phase"`
	EndsAt      *time.Time      `json:"ends_at,omitempty"`
	RoundNumber int             `json:"round_number"`
	Players     []RevealPlayer  `json:"players"`
	Me          *RevealPlayer   `json:"me,omitempty"`
	MyCost      decimal.Decimal `json:"my_cost"`
	MyOthersA   int             `json:"my_others_a"`
}

type PhaseStatus struct {
	Phase       Phase           `json:"phase"`
	RoundNumber int             `json:"round_number"`
	Rounds      int             `json:"rounds"`
	Balance     decimal.Decimal `json:"balance"`
	PlayerNo    int             `json:"player_no"`
	SessionName string          `json:"session_name"`
}

type ReadyPlayer struct {
	PlayerNo int  `json:"player_no"`
	Ready    bool `json:"ready"`
}

type ReadyStatus struct {
	ReadyCount int           `json:"ready_count"`
	GroupSize  int           `json:"group_size"`
	AllReady   bool          `json:"all_ready"`
	MeReady    bool          `json:"me_ready"`
	Players    []ReadyPlayer `json:"players"`
}

// Status is the poll-everything endpoint behind the client's router. It also
// refreshes the caller's presence lease and nudges any coordination step that
// a crashed peer may have left pending.
func (s *Service) Status(ctx context.Context, participantID, activityToken string) (*PhaseStatus, error) {
	p, err := s.participant(ctx, participantID)
	if err != nil {
		return nil, err
	}

	s.guard.Touch(p.ParticipantID, activityToken)

	if err := s.TryFinalize(ctx, p.SessionID, p.CurrentRound); err != nil {
		return nil, err
	}
	if err := s.TryAdvance(ctx, p.SessionID, p.CurrentRound); err != nil {
		return nil, err
	}

	// Re-read: the nudges above may have moved the round counter.
	if p, err = s.participant(ctx, participantID); err != nil {
		return nil, err
	}

	sess, err := s.store.SessionByID(ctx, p.SessionID)
	if err != nil {
		return nil, storeErr(err)
	}

	phase, err := s.phaseOf(ctx, p)
	if err != nil {
		return nil, err
	}

	return &PhaseStatus{
		Phase:       phase,
		RoundNumber: p.CurrentRound,
		Rounds:      sess.Rounds,
		Balance:     p.Balance,
		PlayerNo:    p.JoinNumber,
		SessionName: sess.Name,
	}, nil
}

// LobbyStatusOf reports how many of the group have joined so far.
func (s *Service) LobbyStatusOf(ctx context.Context, sessionID string) (*LobbyStatus, error) {
	sess, err := s.store.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, storeErr(err)
	}

	joined, err := s.store.JoinedCount(ctx, sessionID)
	if err != nil {
		return nil, storeErr(err)
	}

	return &LobbyStatus{
		Joined:    joined,
		GroupSize: sess.GroupSize,
		Ready:     joined >= sess.GroupSize,
	}, nil
}

// RoundStatusOf reports decision progress for the participant's current round.
// When everyone has decided it opportunistically finalizes, so a poll is
// enough to unstick a round whose last submitter died mid-request.
func (s *Service) RoundStatusOf(ctx context.Context, participantID string) (*RoundStatus, error) {
	p, err := s.participant(ctx, participantID)
	if err != nil {
		return nil, err
	}

	sess, err := s.store.SessionByID(ctx, p.SessionID)
	if err != nil {
		return nil, storeErr(err)
	}

	decided, err := s.store.DecidedCount(ctx, p.SessionID, p.CurrentRound)
	if err != nil {
		return nil, storeErr(err)
	}

	if decided >= sess.GroupSize {
		if err := s.TryFinalize(ctx, p.SessionID, p.CurrentRound); err != nil {
			return nil, err
		}
	}

	decisions, err := s.store.DecisionsByRound(ctx, p.SessionID, p.CurrentRound)
	if err != nil {
		return nil, storeErr(err)
	}

	participants, err := s.store.ParticipantsBySession(ctx, p.SessionID)
	if err != nil {
		return nil, storeErr(err)
	}
	no := make(map[string]int, len(participants))
	for _, q := range participants {
		no[q.ParticipantID] = q.JoinNumber
	}

	st := &RoundStatus{
		Decided:        decided,
		GroupSize:      sess.GroupSize,
		Ready:          decided >= sess.GroupSize,
		DecidedPlayers: []int{},
		Players:        []RoundPlayer{},
		Balance:        p.Balance,
	}
	for _, d := range decisions {
		st.DecidedPlayers = append(st.DecidedPlayers, no[d.ParticipantID])
		if d.ParticipantID == p.ParticipantID {
			st.MeDecided = true
		}
		if d.Settled {
			st.Players = append(st.Players, RoundPlayer{
				PlayerNo: no[d.ParticipantID],
				Choice:   string(d.Choice),
				Cost:     d.Cost,
				Payout:   d.Payout,
			})
		}
	}

	if ph, err := s.store.RoundPhase(ctx, p.SessionID, p.CurrentRound); err == nil {
		endsAt := ph.WatchEndsAt
		st.WatchEndsAt = &endsAt
	} else if !stderrors.Is(err, registry.ErrNotFound) {
		return nil, storeErr(err)
	}

	return st, nil
}

// RevealStatusOf shows the settled results of the participant's current
// round. The payload stays on the round the participant is looking at: the
// counter only moves once the whole group confirms.
func (s *Service) RevealStatusOf(ctx context.Context, participantID string) (*RevealStatus, error) {
	p, err := s.participant(ctx, participantID)
	if err != nil {
		return nil, err
	}

	// Past the last round the participant re-watches the final results.
	round := p.CurrentRound
	sess, err := s.store.SessionByID(ctx, p.SessionID)
	if err != nil {
		return nil, storeErr(err)
	}
	if round > sess.Rounds {
		round = sess.Rounds
	}

	// The payload's phase is strictly "watch" or "done"; before finalize
	// there is nothing to reveal and the client re-derives its phase.
	phase, err := s.store.RoundPhase(ctx, p.SessionID, round)
	if stderrors.Is(err, registry.ErrNotFound) {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("round %d is not settled yet", round))
	}
	if err != nil {
		return nil, storeErr(err)
	}

	decisions, err := s.store.DecisionsByRound(ctx, p.SessionID, round)
	if err != nil {
		return nil, storeErr(err)
	}

	participants, err := s.store.ParticipantsBySession(ctx, p.SessionID)
	if err != nil {
		return nil, storeErr(err)
	}

	byID := make(map[string]domain.Decision, len(decisions))
	for _, d := range decisions {
		byID[d.ParticipantID] = d
	}

	st := &RevealStatus{
		Phase:       "watch",
		RoundNumber: round,
		Players:     []RevealPlayer{},
	}
	endsAt := phase.WatchEndsAt
	st.EndsAt = &endsAt
	if !s.clock.Now().Before(phase.WatchEndsAt) {
		st.Phase = "done"
	}

	for _, q := range participants {
		d, ok := byID[q.ParticipantID]
		if !ok || !d.Settled {
			continue
		}

		player := RevealPlayer{
			Code:     q.Code,
			PlayerNo: q.JoinNumber,
			Choice:   string(d.Choice),
			Payout:   d.Payout,
		}
		st.Players = append(st.Players, player)

		if q.ParticipantID == p.ParticipantID {
			me := player
			st.Me = &me
			st.MyCost = d.Cost
			st.MyOthersA = d.OthersA
		}
	}

	return st, nil
}

// ReadyStatusOf reports the ready quorum and, like RoundStatusOf, nudges the
// pending advance so no participant has to be the designated trigger.
func (s *Service) ReadyStatusOf(ctx context.Context, participantID string) (*ReadyStatus, error) {
	p, err := s.participant(ctx, participantID)
	if err != nil {
		return nil, err
	}

	sess, err := s.store.SessionByID(ctx, p.SessionID)
	if err != nil {
		return nil, storeErr(err)
	}

	ready, err := s.store.ReadyCount(ctx, p.SessionID)
	if err != nil {
		return nil, storeErr(err)
	}

	if ready >= sess.GroupSize {
		if err := s.TryAdvance(ctx, p.SessionID, p.CurrentRound); err != nil {
			return nil, err
		}
	}

	participants, err := s.store.ParticipantsBySession(ctx, p.SessionID)
	if err != nil {
		return nil, storeErr(err)
	}

	st := &ReadyStatus{
		ReadyCount: ready,
		GroupSize:  sess.GroupSize,
		AllReady:   ready >= sess.GroupSize,
		Players:    []ReadyPlayer{},
	}
	for _, q := range participants {
		if !q.Joined {
			continue
		}
		st.Players = append(st.Players, ReadyPlayer{PlayerNo: q.JoinNumber, Ready: q.ReadyForNext})
		if q.ParticipantID == p.ParticipantID {
			st.MeReady = q.ReadyForNext
		}
	}

	return st, nil
}

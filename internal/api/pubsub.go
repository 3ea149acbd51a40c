package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/victornm/vaxgame/internal/domain"
)

// Every participant of a session subscribes to the same channel, so each
// notification is published once per session, not once per client.

type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// PublishParticipantJoined pushes the refreshed lobby counters so waiting
// clients see the group fill up without polling.
func (a *API) PublishParticipantJoined(ctx context.Context, e domain.EventParticipantJoined) error {
	st, err := a.gs.LobbyStatusOf(ctx, e.Participant.SessionID)
	if err != nil {
		return fmt.Errorf("pubsub: lobby status: %w", err)
	}

	return a.publishNotification(ctx, e.Participant.SessionID, e.Name(), st)
}

// PublishDecisionSubmitted announces decision progress; clients refetch
// their personalized round status on receipt.
func (a *API) PublishDecisionSubmitted(ctx context.Context, e domain.EventDecisionSubmitted) error {
	return a.publishNotification(ctx, e.SessionID, e.Name(), map[string]any{
		"session_id":   e.SessionID,
		"round_number": e.RoundNumber,
	})
}

func (a *API) PublishRoundFinalized(ctx context.Context, e domain.EventRoundFinalized) error {
	return a.publishNotification(ctx, e.SessionID, e.Name(), map[string]any{
		"session_id":   e.SessionID,
		"round_number": e.RoundNumber,
	})
}

func (a *API) PublishReadyConfirmed(ctx context.Context, e domain.EventReadyConfirmed) error {
	return a.publishNotification(ctx, e.SessionID, e.Name(), map[string]any{
		"session_id":   e.SessionID,
		"round_number": e.RoundNumber,
	})
}

func (a *API) PublishRoundAdvanced(ctx context.Context, e domain.EventRoundAdvanced) error {
	return a.publishNotification(ctx, e.SessionID, e.Name(), map[string]any{
		"session_id": e.SessionID,
		"new_round":  e.NewRound,
		"done":       e.Done,
	})
}

func (a *API) publishNotification(ctx context.Context, sessionID, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:session:%s", a.prefix, sessionID), b).Err()
}

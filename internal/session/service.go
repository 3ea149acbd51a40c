// Package session owns the administrative lifecycle: experimenters create
// sessions with pre-allocated participant codes, then archive, reset or
// delete them between lab groups.
package session

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/victornm/vaxgame/internal/domain"
	"github.com/victornm/vaxgame/internal/errors"
	"github.com/victornm/vaxgame/internal/registry"
)

const (
	codeLength = 6
	// Ambiguous characters (O/0, I/1) are excluded so codes survive being
	// read out loud in a lab room.
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// createRetries bounds regeneration when a batch of codes collides with
	// an existing session's.
	createRetries = 5

	defaultWatchSeconds = 15
	defaultRounds       = 10
	defaultBalance      = "500"
)

type Config struct {
	Store registry.Store
}

type Service struct {
	store registry.Store
}

func NewService(c Config) *Service {
	return &Service{store: c.Store}
}

type CreateSessionRequest struct {
	Name            string
	GroupSize       int
	Rounds          int
	StartingBalance string
	WatchSeconds    int
}

// CreateSession allocates a session with GroupSize participant codes. Each
// participant gets a round-robin ptype so every cost profile is represented
// once before any repeats.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.Session, []domain.Participant, error) {
	if req.GroupSize < 2 {
		return nil, nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("group size must be at least 2"))
	}
	if req.Rounds == 0 {
		req.Rounds = defaultRounds
	}
	if req.Rounds < 1 {
		return nil, nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("rounds must be at least 1"))
	}
	if req.WatchSeconds == 0 {
		req.WatchSeconds = defaultWatchSeconds
	}
	if req.StartingBalance == "" {
		req.StartingBalance = defaultBalance
	}

	balance, err := decimal.NewFromString(req.StartingBalance)
	if err != nil || balance.IsNegative() {
		return nil, nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid starting balance %q", req.StartingBalance))
	}

	sess := domain.Session{
		SessionID:       uuid.Must(uuid.NewV7()).String(),
		Name:            req.Name,
		GroupSize:       req.GroupSize,
		Rounds:          req.Rounds,
		StartingBalance: balance,
		Status:          domain.SessionLobby,
		WatchSeconds:    req.WatchSeconds,
	}

	for attempt := 0; ; attempt++ {
		ps, err := s.mintParticipants(sess, req.GroupSize, balance)
		if err != nil {
			return nil, nil, errors.Internal(err)
		}

		err = s.store.CreateSession(ctx, sess, ps)
		if stderrors.Is(err, registry.ErrAlreadyExists) && attempt < createRetries {
			continue
		}
		if err != nil {
			return nil, nil, errors.Internal(err)
		}

		return &sess, ps, nil
	}
}

func (s *Service) mintParticipants(sess domain.Session, n int, balance decimal.Decimal) ([]domain.Participant, error) {
	ps := make([]domain.Participant, 0, n)
	seen := make(map[string]bool, n)

	for i := 0; i < n; i++ {
		code, err := generateCode()
		if err != nil {
			return nil, err
		}
		if seen[code] {
			i--
			continue
		}
		seen[code] = true

		ps = append(ps, domain.Participant{
			ParticipantID: uuid.Must(uuid.NewV7()).String(),
			SessionID:     sess.SessionID,
			Code:          code,
			PType:         i%6 + 1,
			CurrentRound:  1,
			Balance:       balance,
		})
	}

	return ps, nil
}

func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}

	return string(buf), nil
}

func (s *Service) ListSessions(ctx context.Context) ([]domain.Session, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, errors.Internal(err)
	}

	return sessions, nil
}

// SessionDetail returns a session with its participants, for the admin
// dashboard.
func (s *Service) SessionDetail(ctx context.Context, sessionID string) (*domain.Session, []domain.Participant, error) {
	sess, err := s.store.SessionByID(ctx, sessionID)
	if stderrors.Is(err, registry.ErrNotFound) {
		return nil, nil, errors.New(errors.CodeNotFound, errors.WithMessagef("unknown session %s", sessionID))
	}
	if err != nil {
		return nil, nil, errors.Internal(err)
	}

	ps, err := s.store.ParticipantsBySession(ctx, sessionID)
	if err != nil {
		return nil, nil, errors.Internal(err)
	}

	return &sess, ps, nil
}

// ArchiveSession takes a session out of play without destroying its data.
func (s *Service) ArchiveSession(ctx context.Context, sessionID string) error {
	return s.lifecycle(s.store.ArchiveSession(ctx, sessionID), sessionID)
}

// ResetSession wipes all progress so the same codes can run the experiment
// again from round one.
func (s *Service) ResetSession(ctx context.Context, sessionID string) error {
	return s.lifecycle(s.store.ResetSession(ctx, sessionID), sessionID)
}

// DeleteSession removes the session and everything attached to it.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	return s.lifecycle(s.store.DeleteSession(ctx, sessionID), sessionID)
}

func (s *Service) lifecycle(err error, sessionID string) error {
	if stderrors.Is(err, registry.ErrNotFound) {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("unknown session %s", sessionID))
	}
	if err != nil {
		return errors.Internal(err)
	}

	return nil
}

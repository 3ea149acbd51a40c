// Package registry provides accessors over the persisted game records.
// All cross-record consistency (finalize, advance) goes through
// RunSerializable; callers never hold application-level locks around store
// operations.
package registry

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/victornm/vaxgame/internal/domain"
)

var (
	ErrNotFound      = errors.New("registry: not found")
	ErrAlreadyExists = errors.New("registry: already exists")
	// ErrSerialization marks a transaction that lost against a concurrent
	// writer. The winner's result is authoritative; callers treat this as a
	// no-op, not a failure.
	ErrSerialization = errors.New("registry: transaction conflict")
)

// Reader is the query surface shared by the store and its transactions.
type Reader interface {
	SessionByID(ctx context.Context, sessionID string) (domain.Session, error)
	ParticipantByID(ctx context.Context, participantID string) (domain.Participant, error)
	ParticipantByCode(ctx context.Context, code string) (domain.Participant, error)
	ParticipantsBySession(ctx context.Context, sessionID string) ([]domain.Participant, error)
	JoinedCount(ctx context.Context, sessionID string) (int, error)
	ReadyCount(ctx context.Context, sessionID string) (int, error)
	DecidedCount(ctx context.Context, sessionID string, round int) (int, error)
	DecisionByParticipant(ctx context.Context, participantID string, round int) (domain.Decision, error)
	DecisionsByRound(ctx context.Context, sessionID string, round int) ([]domain.Decision, error)
	RoundPhase(ctx context.Context, sessionID string, round int) (domain.RoundPhase, error)
}

// Tx is the write surface available inside RunSerializable. Every write is
// atomic with the reads performed in the same transaction.
type Tx interface {
	Reader

	UpdateDecisionOutcome(ctx context.Context, participantID string, round int, cost, payout decimal.Decimal, othersA int) error
	SetBalance(ctx context.Context, participantID string, balance decimal.Decimal) error
	InsertRoundPhase(ctx context.Context, phase domain.RoundPhase) error
	// AdvanceRound moves every participant still at round to round+1 and
	// clears their ready flag. Returns the number of participants moved.
	AdvanceRound(ctx context.Context, sessionID string, round int) (int, error)
	SetSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error
}

// Store is the persistence boundary of the coordination engine.
type Store interface {
	Reader

	// JoinParticipant marks the participant joined, assigning the next
	// gap-free join number and a round-robin ptype if none is set yet.
	// Joining an already joined participant only re-marks it.
	JoinParticipant(ctx context.Context, participantID string) (domain.Participant, error)
	// InsertDecision records a choice; ErrAlreadyExists when a decision for
	// (participant, round) is already present.
	InsertDecision(ctx context.Context, d domain.Decision) error
	SetReady(ctx context.Context, participantID string) error
	MarkCompleted(ctx context.Context, participantID string) error

	// Admin lifecycle.
	CreateSession(ctx context.Context, s domain.Session, ps []domain.Participant) error
	ListSessions(ctx context.Context) ([]domain.Session, error)
	ArchiveSession(ctx context.Context, sessionID string) error
	ResetSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error

	// RunSerializable executes fn as one serializable transaction. A commit
	// that conflicts with a concurrent writer returns ErrSerialization with
	// none of fn's writes applied.
	RunSerializable(ctx context.Context, fn func(tx Tx) error) error
}

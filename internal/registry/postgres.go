package registry

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/victornm/vaxgame/internal/domain"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	queries
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		queries: queries{db: pool},
		pool:    pool,
	}
}

// Bootstrap creates the schema when it does not exist yet.
func (p *Postgres) Bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id       TEXT PRIMARY KEY,
			name             TEXT NOT NULL DEFAULT '',
			group_size       INT NOT NULL,
			rounds           INT NOT NULL,
			starting_balance NUMERIC(10,2) NOT NULL DEFAULT 500,
			status           TEXT NOT NULL DEFAULT 'lobby',
			archived         BOOLEAN NOT NULL DEFAULT FALSE,
			watch_seconds    INT NOT NULL DEFAULT 15,
			create_time      TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS participants (
			participant_id TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL REFERENCES sessions (session_id) ON DELETE CASCADE,
			code           TEXT NOT NULL UNIQUE,
			ptype          INT NOT NULL DEFAULT 0,
			joined         BOOLEAN NOT NULL DEFAULT FALSE,
			join_number    INT,
			current_round  INT NOT NULL DEFAULT 1,
			balance        NUMERIC(10,2) NOT NULL DEFAULT 0,
			ready_for_next BOOLEAN NOT NULL DEFAULT FALSE,
			completed      BOOLEAN NOT NULL DEFAULT FALSE,
			create_time    TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_participants_session ON participants (session_id);`,
		`CREATE TABLE IF NOT EXISTS decisions (
			participant_id TEXT NOT NULL REFERENCES participants (participant_id) ON DELETE CASCADE,
			session_id     TEXT NOT NULL,
			round_number   INT NOT NULL,
			choice         TEXT NOT NULL,
			cost           NUMERIC(10,2),
			payout         NUMERIC(10,2),
			others_a       INT,
			create_time    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (participant_id, round_number)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_session_round ON decisions (session_id, round_number);`,
		`CREATE TABLE IF NOT EXISTS round_phases (
			session_id       TEXT NOT NULL,
			round_number     INT NOT NULL,
			decision_ends_at TIMESTAMPTZ NOT NULL,
			watch_ends_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, round_number)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}

	return nil
}

func (p *Postgres) RunSerializable(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	if err = fn(&pgTx{queries{db: tx}}); err != nil {
		return convertPgErr(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return convertPgErr(err)
	}

	return nil
}

func (p *Postgres) JoinParticipant(ctx context.Context, participantID string) (domain.Participant, error) {
	var joined domain.Participant

	err := p.RunSerializable(ctx, func(tx Tx) error {
		t := tx.(*pgTx)

		pp, err := t.ParticipantByID(ctx, participantID)
		if err != nil {
			return err
		}

		if !pp.Joined {
			const nextStmt = `
SELECT COALESCE(MAX(join_number), 0) + 1
FROM participants
WHERE session_id = $1 AND joined;`

			if err := t.db.QueryRow(ctx, nextStmt, pp.SessionID).Scan(&pp.JoinNumber); err != nil {
				return fmt.Errorf("next join number: %w", err)
			}

			if pp.PType == 0 {
				pp.PType = (pp.JoinNumber-1)%6 + 1
			}
			pp.Joined = true

			const updStmt = `
UPDATE participants SET joined = TRUE, join_number = $2, ptype = $3
WHERE participant_id = $1;`

			if _, err := t.db.Exec(ctx, updStmt, pp.ParticipantID, pp.JoinNumber, pp.PType); err != nil {
				return fmt.Errorf("mark joined: %w", err)
			}
		}

		joined = pp
		return nil
	})
	if err != nil {
		return domain.Participant{}, err
	}

	return joined, nil
}

func (p *Postgres) InsertDecision(ctx context.Context, d domain.Decision) error {
	const stmt = `
INSERT INTO decisions (participant_id, session_id, round_number, choice, create_time)
VALUES ($1, $2, $3, $4, $5);`

	_, err := p.pool.Exec(ctx, stmt, d.ParticipantID, d.SessionID, d.RoundNumber, string(d.Choice), d.CreateTime)
	return convertPgErr(err)
}

func (p *Postgres) SetReady(ctx context.Context, participantID string) error {
	_, err := p.pool.Exec(ctx, `UPDATE participants SET ready_for_next = TRUE WHERE participant_id = $1;`, participantID)
	return convertPgErr(err)
}

func (p *Postgres) MarkCompleted(ctx context.Context, participantID string) error {
	_, err := p.pool.Exec(ctx, `UPDATE participants SET completed = TRUE WHERE participant_id = $1;`, participantID)
	return convertPgErr(err)
}

func (p *Postgres) CreateSession(ctx context.Context, s domain.Session, ps []domain.Participant) (err error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insSessionStmt = `
INSERT INTO sessions (session_id, name, group_size, rounds, starting_balance, status, archived, watch_seconds, create_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`
		insParticipantStmt = `
INSERT INTO participants (participant_id, session_id, code, ptype, joined, current_round, balance, create_time)
VALUES ($1, $2, $3, $4, FALSE, 1, $5, $6);`
	)

	_, err = tx.Exec(ctx, insSessionStmt,
		s.SessionID, s.Name, s.GroupSize, s.Rounds, s.StartingBalance, string(s.Status), s.Archived, s.WatchSeconds, s.CreateTime)
	if err != nil {
		return fmt.Errorf("insert session: %w", convertPgErr(err))
	}

	for _, pp := range ps { // TODO: batch insert once sessions grow past classroom size
		_, err = tx.Exec(ctx, insParticipantStmt,
			pp.ParticipantID, pp.SessionID, pp.Code, pp.PType, pp.Balance, pp.CreateTime)
		if err != nil {
			return fmt.Errorf("insert participant: %w", convertPgErr(err))
		}
	}

	return tx.Commit(ctx)
}

func (p *Postgres) ListSessions(ctx context.Context) ([]domain.Session, error) {
	const stmt = selectSessionStmt + ` ORDER BY create_time DESC;`

	rows, err := p.pool.Query(ctx, stmt)
	if err != nil {
		return nil, convertPgErr(err)
	}

	return pgx.CollectRows(rows, scanSession)
}

func (p *Postgres) ArchiveSession(ctx context.Context, sessionID string) error {
	return p.RunSerializable(ctx, func(tx Tx) error {
		t := tx.(*pgTx)

		tag, err := t.db.Exec(ctx, `UPDATE sessions SET archived = TRUE WHERE session_id = $1;`, sessionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		_, err = t.db.Exec(ctx, `UPDATE participants SET completed = TRUE WHERE session_id = $1;`, sessionID)
		return err
	})
}

func (p *Postgres) ResetSession(ctx context.Context, sessionID string) error {
	return p.RunSerializable(ctx, func(tx Tx) error {
		t := tx.(*pgTx)

		s, err := t.SessionByID(ctx, sessionID)
		if err != nil {
			return err
		}

		for _, stmt := range []string{
			`DELETE FROM decisions WHERE session_id = $1;`,
			`DELETE FROM round_phases WHERE session_id = $1;`,
			`UPDATE sessions SET archived = FALSE, status = 'lobby' WHERE session_id = $1;`,
		} {
			if _, err := t.db.Exec(ctx, stmt, sessionID); err != nil {
				return err
			}
		}

		const resetStmt = `
UPDATE participants
SET joined = FALSE, join_number = NULL, current_round = 1, balance = $2,
    ready_for_next = FALSE, completed = FALSE
WHERE session_id = $1;`

		_, err = t.db.Exec(ctx, resetStmt, sessionID, s.StartingBalance)
		return err
	})
}

func (p *Postgres) DeleteSession(ctx context.Context, sessionID string) error {
	return p.RunSerializable(ctx, func(tx Tx) error {
		t := tx.(*pgTx)

		for _, stmt := range []string{
			`DELETE FROM decisions WHERE session_id = $1;`,
			`DELETE FROM round_phases WHERE session_id = $1;`,
			`DELETE FROM participants WHERE session_id = $1;`,
		} {
			if _, err := t.db.Exec(ctx, stmt, sessionID); err != nil {
				return err
			}
		}

		tag, err := t.db.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1;`, sessionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		return nil
	})
}

// pgTx adds the write surface on top of the shared queries.
type pgTx struct {
	queries
}

func (t *pgTx) UpdateDecisionOutcome(ctx context.Context, participantID string, round int, cost, payout decimal.Decimal, othersA int) error {
	const stmt = `
UPDATE decisions SET cost = $3, payout = $4, others_a = $5
WHERE participant_id = $1 AND round_number = $2 AND cost IS NULL;`

	_, err := t.db.Exec(ctx, stmt, participantID, round, cost, payout, othersA)
	return err
}

func (t *pgTx) SetBalance(ctx context.Context, participantID string, balance decimal.Decimal) error {
	_, err := t.db.Exec(ctx, `UPDATE participants SET balance = $2 WHERE participant_id = $1;`, participantID, balance)
	return err
}

func (t *pgTx) InsertRoundPhase(ctx context.Context, phase domain.RoundPhase) error {
	const stmt = `
INSERT INTO round_phases (session_id, round_number, decision_ends_at, watch_ends_at)
VALUES ($1, $2, $3, $4);`

	_, err := t.db.Exec(ctx, stmt, phase.SessionID, phase.RoundNumber, phase.DecisionEndsAt, phase.WatchEndsAt)
	return err
}

func (t *pgTx) AdvanceRound(ctx context.Context, sessionID string, round int) (int, error) {
	const stmt = `
UPDATE participants SET current_round = current_round + 1, ready_for_next = FALSE
WHERE session_id = $1 AND current_round = $2;`

	tag, err := t.db.Exec(ctx, stmt, sessionID, round)
	if err != nil {
		return 0, err
	}

	return int(tag.RowsAffected()), nil
}

func (t *pgTx) SetSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	_, err := t.db.Exec(ctx, `UPDATE sessions SET status = $2 WHERE session_id = $1;`, sessionID, string(status))
	return err
}

// queries implements Reader for both the pool and a transaction.
type queries struct {
	db querier
}

const selectSessionStmt = `
SELECT session_id, name, group_size, rounds, starting_balance, status, archived, watch_seconds, create_time
FROM sessions`

func scanSession(r pgx.CollectableRow) (domain.Session, error) {
	var (
		s      domain.Session
		status string
	)
	err := r.Scan(&s.SessionID, &s.Name, &s.GroupSize, &s.Rounds, &s.StartingBalance,
		&status, &s.Archived, &s.WatchSeconds, &s.CreateTime)
	s.Status = domain.SessionStatus(status)
	return s, err
}

func (q queries) SessionByID(ctx context.Context, sessionID string) (domain.Session, error) {
	rows, err := q.db.Query(ctx, selectSessionStmt+` WHERE session_id = $1;`, sessionID)
	if err != nil {
		return domain.Session{}, convertPgErr(err)
	}

	s, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if err != nil {
		return domain.Session{}, convertPgErr(err)
	}

	return s, nil
}

const selectParticipantStmt = `
SELECT participant_id, session_id, code, ptype, joined, COALESCE(join_number, 0), current_round,
       balance, ready_for_next, completed, create_time
FROM participants`

func scanParticipant(r pgx.CollectableRow) (domain.Participant, error) {
	var p domain.Participant
	err := r.Scan(&p.ParticipantID, &p.SessionID, &p.Code, &p.PType, &p.Joined, &p.JoinNumber,
		&p.CurrentRound, &p.Balance, &p.ReadyForNext, &p.Completed, &p.CreateTime)
	return p, err
}

func (q queries) ParticipantByID(ctx context.Context, participantID string) (domain.Participant, error) {
	rows, err := q.db.Query(ctx, selectParticipantStmt+` WHERE participant_id = $1;`, participantID)
	if err != nil {
		return domain.Participant{}, convertPgErr(err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanParticipant)
	if err != nil {
		return domain.Participant{}, convertPgErr(err)
	}

	return p, nil
}

func (q queries) ParticipantByCode(ctx context.Context, code string) (domain.Participant, error) {
	rows, err := q.db.Query(ctx, selectParticipantStmt+` WHERE code = $1;`, code)
	if err != nil {
		return domain.Participant{}, convertPgErr(err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanParticipant)
	if err != nil {
		return domain.Participant{}, convertPgErr(err)
	}

	return p, nil
}

func (q queries) ParticipantsBySession(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	const order = ` WHERE session_id = $1 ORDER BY COALESCE(join_number, 2147483647), code;`

	rows, err := q.db.Query(ctx, selectParticipantStmt+order, sessionID)
	if err != nil {
		return nil, convertPgErr(err)
	}

	return pgx.CollectRows(rows, scanParticipant)
}

func (q queries) count(ctx context.Context, stmt string, args ...any) (int, error) {
	var c int
	if err := q.db.QueryRow(ctx, stmt, args...).Scan(&c); err != nil {
		return 0, convertPgErr(err)
	}
	return c, nil
}

func (q queries) JoinedCount(ctx context.Context, sessionID string) (int, error) {
	return q.count(ctx, `SELECT COUNT(*) FROM participants WHERE session_id = $1 AND joined;`, sessionID)
}

func (q queries) ReadyCount(ctx context.Context, sessionID string) (int, error) {
	return q.count(ctx, `SELECT COUNT(*) FROM participants WHERE session_id = $1 AND ready_for_next;`, sessionID)
}

func (q queries) DecidedCount(ctx context.Context, sessionID string, round int) (int, error) {
	return q.count(ctx, `SELECT COUNT(*) FROM decisions WHERE session_id = $1 AND round_number = $2;`, sessionID, round)
}

const selectDecisionStmt = `
SELECT participant_id, session_id, round_number, choice, COALESCE(cost, 0), COALESCE(payout, 0),
       COALESCE(others_a, 0), cost IS NOT NULL AS settled, create_time
FROM decisions`

func scanDecision(r pgx.CollectableRow) (domain.Decision, error) {
	var (
		d      domain.Decision
		choice string
	)
	err := r.Scan(&d.ParticipantID, &d.SessionID, &d.RoundNumber, &choice, &d.Cost, &d.Payout,
		&d.OthersA, &d.Settled, &d.CreateTime)
	d.Choice = domain.Choice(choice)
	return d, err
}

func (q queries) DecisionByParticipant(ctx context.Context, participantID string, round int) (domain.Decision, error) {
	rows, err := q.db.Query(ctx, selectDecisionStmt+` WHERE participant_id = $1 AND round_number = $2;`, participantID, round)
	if err != nil {
		return domain.Decision{}, convertPgErr(err)
	}

	d, err := pgx.CollectExactlyOneRow(rows, scanDecision)
	if err != nil {
		return domain.Decision{}, convertPgErr(err)
	}

	return d, nil
}

func (q queries) DecisionsByRound(ctx context.Context, sessionID string, round int) ([]domain.Decision, error) {
	rows, err := q.db.Query(ctx, selectDecisionStmt+` WHERE session_id = $1 AND round_number = $2;`, sessionID, round)
	if err != nil {
		return nil, convertPgErr(err)
	}

	return pgx.CollectRows(rows, scanDecision)
}

func (q queries) RoundPhase(ctx context.Context, sessionID string, round int) (domain.RoundPhase, error) {
	const stmt = `
SELECT session_id, round_number, decision_ends_at, watch_ends_at
FROM round_phases
WHERE session_id = $1 AND round_number = $2;`

	var ph domain.RoundPhase
	err := q.db.QueryRow(ctx, stmt, sessionID, round).
		Scan(&ph.SessionID, &ph.RoundNumber, &ph.DecisionEndsAt, &ph.WatchEndsAt)
	if err != nil {
		return domain.RoundPhase{}, convertPgErr(err)
	}

	return ph, nil
}

func convertPgErr(err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrSerialization, pgErr.Message)
		}
	}

	return err
}

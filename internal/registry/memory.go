package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/victornm/vaxgame/internal/domain"
)

// Memory implements Store entirely in process. Transactions run on a copy of
// the whole state under the write lock and swap it in on success, so a failed
// fn leaves nothing behind and RunSerializable is serializable by
// construction. Used by tests and single-process local runs.
type Memory struct {
	mu    sync.RWMutex
	state memState
}

type memState struct {
	sessions     map[string]domain.Session
	participants map[string]domain.Participant
	decisions    map[string]map[int]domain.Decision  // participant id → round
	phases       map[string]map[int]domain.RoundPhase // session id → round
}

func NewMemory() *Memory {
	return &Memory{state: memState{
		sessions:     make(map[string]domain.Session),
		participants: make(map[string]domain.Participant),
		decisions:    make(map[string]map[int]domain.Decision),
		phases:       make(map[string]map[int]domain.RoundPhase),
	}}
}

func (s memState) clone() memState {
	c := memState{
		sessions:     make(map[string]domain.Session, len(s.sessions)),
		participants: make(map[string]domain.Participant, len(s.participants)),
		decisions:    make(map[string]map[int]domain.Decision, len(s.decisions)),
		phases:       make(map[string]map[int]domain.RoundPhase, len(s.phases)),
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.participants {
		c.participants[k] = v
	}
	for k, m := range s.decisions {
		mm := make(map[int]domain.Decision, len(m))
		for r, d := range m {
			mm[r] = d
		}
		c.decisions[k] = mm
	}
	for k, m := range s.phases {
		mm := make(map[int]domain.RoundPhase, len(m))
		for r, ph := range m {
			mm[r] = ph
		}
		c.phases[k] = mm
	}
	return c
}

func (m *Memory) RunSerializable(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.state.clone()
	if err := fn(&memTx{state: &staged}); err != nil {
		return err
	}

	m.state = staged
	return nil
}

func (m *Memory) SessionByID(ctx context.Context, sessionID string) (domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memView{&m.state}.SessionByID(ctx, sessionID)
}

func (m *Memory) ParticipantByID(ctx context.Context, participantID string) (domain.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memView{&m.state}.ParticipantByID(ctx, participantID)
}

func (m *Memory) ParticipantByCode(ctx context.Context, code string) (domain.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memView{&m.state}.ParticipantByCode(ctx, code)
}

func (m *Memory) ParticipantsBySession(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memView{&m.state}.ParticipantsBySession(ctx, sessionID)
}

func (m *Memory) JoinedCount(ctx context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memView{&m.state}.JoinedCount(ctx, sessionID)
}

func (m *Memory) ReadyCount(ctx context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memView{&m.state}.ReadyCount(ctx, sessionID)
}

func (m *Memory) DecidedCount(ctx context.Context, sessionID string, round int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memView{&m.state}.DecidedCount(ctx, sessionID, round)
}

func (m *Memory) DecisionByParticipant(ctx context.Context, participantID string, round int) (domain.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memView{&m.state}.DecisionByParticipant(ctx, participantID, round)
}

func (m *Memory) DecisionsByRound(ctx context.Context, sessionID string, round int) ([]domain.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memView{&m.state}.DecisionsByRound(ctx, sessionID, round)
}

func (m *Memory) RoundPhase(ctx context.Context, sessionID string, round int) (domain.RoundPhase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memView{&m.state}.RoundPhase(ctx, sessionID, round)
}

func (m *Memory) JoinParticipant(ctx context.Context, participantID string) (domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.state.participants[participantID]
	if !ok {
		return domain.Participant{}, ErrNotFound
	}

	if !p.Joined {
		next := 1
		for _, other := range m.state.participants {
			if other.SessionID == p.SessionID && other.Joined && other.JoinNumber >= next {
				next = other.JoinNumber + 1
			}
		}

		p.JoinNumber = next
		if p.PType == 0 {
			p.PType = (next-1)%6 + 1
		}
		p.Joined = true
		m.state.participants[participantID] = p
	}

	return p, nil
}

func (m *Memory) InsertDecision(ctx context.Context, d domain.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.participants[d.ParticipantID]; !ok {
		return ErrNotFound
	}

	byRound := m.state.decisions[d.ParticipantID]
	if byRound == nil {
		byRound = make(map[int]domain.Decision)
		m.state.decisions[d.ParticipantID] = byRound
	}

	if _, ok := byRound[d.RoundNumber]; ok {
		return ErrAlreadyExists
	}

	d.Settled = false
	byRound[d.RoundNumber] = d
	return nil
}

func (m *Memory) SetReady(ctx context.Context, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.state.participants[participantID]
	if !ok {
		return ErrNotFound
	}

	p.ReadyForNext = true
	m.state.participants[participantID] = p
	return nil
}

func (m *Memory) MarkCompleted(ctx context.Context, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.state.participants[participantID]
	if !ok {
		return ErrNotFound
	}

	p.Completed = true
	m.state.participants[participantID] = p
	return nil
}

func (m *Memory) CreateSession(ctx context.Context, s domain.Session, ps []domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.sessions[s.SessionID]; ok {
		return ErrAlreadyExists
	}

	codes := make(map[string]bool, len(m.state.participants))
	for _, p := range m.state.participants {
		codes[p.Code] = true
	}
	for _, p := range ps {
		if codes[p.Code] {
			return fmt.Errorf("%w: code %s", ErrAlreadyExists, p.Code)
		}
		codes[p.Code] = true
	}

	m.state.sessions[s.SessionID] = s
	for _, p := range ps {
		m.state.participants[p.ParticipantID] = p
	}
	return nil
}

func (m *Memory) ListSessions(ctx context.Context) ([]domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Session, 0, len(m.state.sessions))
	for _, s := range m.state.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime.After(out[j].CreateTime) })
	return out, nil
}

func (m *Memory) ArchiveSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.state.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}

	s.Archived = true
	m.state.sessions[sessionID] = s

	for id, p := range m.state.participants {
		if p.SessionID == sessionID {
			p.Completed = true
			m.state.participants[id] = p
		}
	}
	return nil
}

func (m *Memory) ResetSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.state.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}

	s.Archived = false
	s.Status = domain.SessionLobby
	m.state.sessions[sessionID] = s
	delete(m.state.phases, sessionID)

	for id, p := range m.state.participants {
		if p.SessionID != sessionID {
			continue
		}

		delete(m.state.decisions, id)
		p.Joined = false
		p.JoinNumber = 0
		p.CurrentRound = 1
		p.Balance = s.StartingBalance
		p.ReadyForNext = false
		p.Completed = false
		m.state.participants[id] = p
	}
	return nil
}

func (m *Memory) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.sessions[sessionID]; !ok {
		return ErrNotFound
	}

	delete(m.state.sessions, sessionID)
	delete(m.state.phases, sessionID)
	for id, p := range m.state.participants {
		if p.SessionID == sessionID {
			delete(m.state.participants, id)
			delete(m.state.decisions, id)
		}
	}
	return nil
}

// memView implements Reader over a state snapshot. The caller holds the lock.
type memView struct {
	state *memState
}

func (v memView) SessionByID(_ context.Context, sessionID string) (domain.Session, error) {
	s, ok := v.state.sessions[sessionID]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	return s, nil
}

func (v memView) ParticipantByID(_ context.Context, participantID string) (domain.Participant, error) {
	p, ok := v.state.participants[participantID]
	if !ok {
		return domain.Participant{}, ErrNotFound
	}
	return p, nil
}

func (v memView) ParticipantByCode(_ context.Context, code string) (domain.Participant, error) {
	for _, p := range v.state.participants {
		if p.Code == code {
			return p, nil
		}
	}
	return domain.Participant{}, ErrNotFound
}

func (v memView) ParticipantsBySession(_ context.Context, sessionID string) ([]domain.Participant, error) {
	var out []domain.Participant
	for _, p := range v.state.participants {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		an, bn := a.JoinNumber, b.JoinNumber
		if an == 0 {
			an = 1 << 30
		}
		if bn == 0 {
			bn = 1 << 30
		}
		if an != bn {
			return an < bn
		}
		return a.Code < b.Code
	})
	return out, nil
}

func (v memView) JoinedCount(_ context.Context, sessionID string) (int, error) {
	c := 0
	for _, p := range v.state.participants {
		if p.SessionID == sessionID && p.Joined {
			c++
		}
	}
	return c, nil
}

func (v memView) ReadyCount(_ context.Context, sessionID string) (int, error) {
	c := 0
	for _, p := range v.state.participants {
		if p.SessionID == sessionID && p.ReadyForNext {
			c++
		}
	}
	return c, nil
}

func (v memView) DecidedCount(ctx context.Context, sessionID string, round int) (int, error) {
	ds, err := v.DecisionsByRound(ctx, sessionID, round)
	if err != nil {
		return 0, err
	}
	return len(ds), nil
}

func (v memView) DecisionByParticipant(_ context.Context, participantID string, round int) (domain.Decision, error) {
	d, ok := v.state.decisions[participantID][round]
	if !ok {
		return domain.Decision{}, ErrNotFound
	}
	return d, nil
}

func (v memView) DecisionsByRound(_ context.Context, sessionID string, round int) ([]domain.Decision, error) {
	var out []domain.Decision
	for _, byRound := range v.state.decisions {
		if d, ok := byRound[round]; ok && d.SessionID == sessionID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (v memView) RoundPhase(_ context.Context, sessionID string, round int) (domain.RoundPhase, error) {
	ph, ok := v.state.phases[sessionID][round]
	if !ok {
		return domain.RoundPhase{}, ErrNotFound
	}
	return ph, nil
}

// memTx applies writes to the staged copy. Commit is the state swap in
// RunSerializable.
type memTx struct {
	state *memState
}

func (t *memTx) view() memView { return memView{t.state} }

func (t *memTx) SessionByID(ctx context.Context, id string) (domain.Session, error) {
	return t.view().SessionByID(ctx, id)
}

func (t *memTx) ParticipantByID(ctx context.Context, id string) (domain.Participant, error) {
	return t.view().ParticipantByID(ctx, id)
}

func (t *memTx) ParticipantByCode(ctx context.Context, code string) (domain.Participant, error) {
	return t.view().ParticipantByCode(ctx, code)
}

func (t *memTx) ParticipantsBySession(ctx context.Context, sid string) ([]domain.Participant, error) {
	return t.view().ParticipantsBySession(ctx, sid)
}

func (t *memTx) JoinedCount(ctx context.Context, sid string) (int, error) {
	return t.view().JoinedCount(ctx, sid)
}

func (t *memTx) ReadyCount(ctx context.Context, sid string) (int, error) {
	return t.view().ReadyCount(ctx, sid)
}

func (t *memTx) DecidedCount(ctx context.Context, sid string, round int) (int, error) {
	return t.view().DecidedCount(ctx, sid, round)
}

func (t *memTx) DecisionByParticipant(ctx context.Context, pid string, round int) (domain.Decision, error) {
	return t.view().DecisionByParticipant(ctx, pid, round)
}

func (t *memTx) DecisionsByRound(ctx context.Context, sid string, round int) ([]domain.Decision, error) {
	return t.view().DecisionsByRound(ctx, sid, round)
}

func (t *memTx) RoundPhase(ctx context.Context, sid string, round int) (domain.RoundPhase, error) {
	return t.view().RoundPhase(ctx, sid, round)
}

func (t *memTx) UpdateDecisionOutcome(_ context.Context, participantID string, round int, cost, payout decimal.Decimal, othersA int) error {
	d, ok := t.state.decisions[participantID][round]
	if !ok {
		return ErrNotFound
	}
	if d.Settled {
		return nil
	}

	d.Cost = cost
	d.Payout = payout
	d.OthersA = othersA
	d.Settled = true
	t.state.decisions[participantID][round] = d
	return nil
}

func (t *memTx) SetBalance(_ context.Context, participantID string, balance decimal.Decimal) error {
	p, ok := t.state.participants[participantID]
	if !ok {
		return ErrNotFound
	}

	p.Balance = balance
	t.state.participants[participantID] = p
	return nil
}

func (t *memTx) InsertRoundPhase(_ context.Context, phase domain.RoundPhase) error {
	byRound := t.state.phases[phase.SessionID]
	if byRound == nil {
		byRound = make(map[int]domain.RoundPhase)
		t.state.phases[phase.SessionID] = byRound
	}

	if _, ok := byRound[phase.RoundNumber]; ok {
		return ErrAlreadyExists
	}

	byRound[phase.RoundNumber] = phase
	return nil
}

func (t *memTx) AdvanceRound(_ context.Context, sessionID string, round int) (int, error) {
	moved := 0
	for id, p := range t.state.participants {
		if p.SessionID == sessionID && p.CurrentRound == round {
			p.CurrentRound++
			p.ReadyForNext = false
			t.state.participants[id] = p
			moved++
		}
	}
	return moved, nil
}

func (t *memTx) SetSessionStatus(_ context.Context, sessionID string, status domain.SessionStatus) error {
	s, ok := t.state.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}

	s.Status = status
	t.state.sessions[sessionID] = s
	return nil
}

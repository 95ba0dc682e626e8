package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pumpcrash/internal/apperr"
	"pumpcrash/internal/fairness"
)

type memPlay struct {
	id          int64
	userID      int64
	roundID     int64
	bet         int64
	autoCashOut int64
	cashOut     *int64
	bonus       *int64
}

type memRound struct {
	Round
	created time.Time
	ended   bool
}

// Memory is a process-local Store for development and tests. It enforces the
// same guards as the Postgres store.
type Memory struct {
	mu sync.Mutex

	chain   fairness.HashSource
	edgeBPS int64
	genesis int64

	// AutoRegister makes any well-formed token log in a fresh dev user.
	AutoRegister   bool
	StartBalance   int64
	BankrollOffset int64

	nextUserID int64
	nextPlayID int64
	users      map[int64]*User
	tokens     map[string]int64
	rounds     map[int64]*memRound
	plays      map[int64]*memPlay
	byUser     map[[2]int64]int64
	fundings   int64
}

func NewMemory(chain fairness.HashSource, genesis, edgeBPS int64) *Memory {
	return &Memory{
		chain:        chain,
		edgeBPS:      edgeBPS,
		genesis:      genesis,
		StartBalance: 10000,
		users:        make(map[int64]*User),
		tokens:       make(map[string]int64),
		rounds:       make(map[int64]*memRound),
		plays:        make(map[int64]*memPlay),
		byUser:       make(map[[2]int64]int64),
	}
}

// AddUser creates a user and records the balance as funding.
func (m *Memory) AddUser(username string, balance int64, class string) *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addUserLocked(username, balance, class)
}

func (m *Memory) addUserLocked(username string, balance int64, class string) *User {
	m.nextUserID++
	if class == "" {
		class = ClassUser
	}
	u := &User{ID: m.nextUserID, Username: username, Balance: balance, Class: class}
	m.users[u.ID] = u
	m.fundings += balance
	cp := *u
	return &cp
}

// IssueToken returns a single-use token for userID.
func (m *Memory) IssueToken(userID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := uuid.NewString()
	m.tokens[t] = userID
	return t
}

func (m *Memory) Balance(userID int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u.Balance
	}
	return 0
}

// Play returns the cash-out and bonus recorded for userID in roundID.
func (m *Memory) Play(userID, roundID int64) (cashOut, bonus *int64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byUser[[2]int64{userID, roundID}]
	if !ok {
		return nil, nil, false
	}
	p := m.plays[id]
	return p.cashOut, p.bonus, true
}

func (m *Memory) Ended(roundID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[roundID]
	return ok && r.ended
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateRound(_ context.Context, id int64) (Round, error) {
	hash, err := m.chain.HashFor(id)
	if err != nil {
		return Round{}, fmt.Errorf("%w: %v", ErrNoHashProvisioned, err)
	}
	point, err := fairness.CrashPoint(hash, m.edgeBPS)
	if err != nil {
		return Round{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rounds[id]; ok {
		return Round{}, fmt.Errorf("round %d already exists", id)
	}
	r := Round{ID: id, CrashPoint: point, Hash: hash}
	m.rounds[id] = &memRound{Round: r, created: time.Now()}
	return r, nil
}

func (m *Memory) RecordBet(_ context.Context, userID, roundID, amount, autoCashOut int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok || u.Balance < amount {
		return 0, apperr.ErrInsufficientBalance
	}
	if _, ok := m.rounds[roundID]; !ok {
		return 0, fmt.Errorf("round %d does not exist", roundID)
	}
	key := [2]int64{userID, roundID}
	if _, ok := m.byUser[key]; ok {
		return 0, apperr.ErrDuplicateBet
	}

	u.Balance -= amount
	m.nextPlayID++
	p := &memPlay{id: m.nextPlayID, userID: userID, roundID: roundID, bet: amount, autoCashOut: autoCashOut}
	m.plays[p.id] = p
	m.byUser[key] = p.id
	return p.id, nil
}

func (m *Memory) RecordCashOut(_ context.Context, userID, playID, payout int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plays[playID]
	if !ok || p.userID != userID || p.cashOut != nil {
		return apperr.ErrAlreadySettled
	}
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("credit user %d: no such user", userID)
	}
	p.cashOut = &payout
	u.Balance += payout
	return nil
}

func (m *Memory) EndRound(_ context.Context, roundID int64, bonuses []Bonus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return fmt.Errorf("round %d does not exist", roundID)
	}

	matched := 0
	for _, b := range bonuses {
		p, ok := m.plays[b.PlayID]
		if ok && p.roundID == roundID && p.userID == b.UserID && m.users[b.UserID] != nil {
			matched++
		}
	}
	if matched != len(bonuses) {
		return fmt.Errorf("%w: %d rows for %d bonuses in round %d", ErrIntegrityMismatch, matched, len(bonuses), roundID)
	}

	for _, b := range bonuses {
		amount := b.Amount
		m.plays[b.PlayID].bonus = &amount
		m.users[b.UserID].Balance += amount
	}
	r.ended = true
	return nil
}

func (m *Memory) Bankroll(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var balances int64
	for _, u := range m.users {
		balances += u.Balance
	}
	profit := m.fundings - balances - m.BankrollOffset
	if profit < minBankroll {
		return minBankroll, nil
	}
	return profit, nil
}

func (m *Memory) LastRoundID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.genesis
	for id := range m.rounds {
		if id > last {
			last = id
		}
	}
	return last, nil
}

func (m *Memory) RecentRounds(_ context.Context, limit int) ([]RoundSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ended []*memRound
	for _, r := range m.rounds {
		if r.ended {
			ended = append(ended, r)
		}
	}
	sort.Slice(ended, func(i, j int) bool { return ended[i].ID > ended[j].ID })
	if len(ended) > limit {
		ended = ended[:limit]
	}

	out := make([]RoundSummary, 0, len(ended))
	for _, r := range ended {
		s := RoundSummary{ID: r.ID, CrashPoint: r.CrashPoint, Hash: r.Hash, Created: r.created}
		var plays []*memPlay
		for _, p := range m.plays {
			if p.roundID == r.ID {
				plays = append(plays, p)
			}
		}
		sort.Slice(plays, func(i, j int) bool { return plays[i].id < plays[j].id })
		for _, p := range plays {
			ps := PlaySummary{Username: m.users[p.userID].Username, Bet: p.bet, Bonus: p.bonus}
			if p.cashOut != nil {
				at := 100 * *p.cashOut / p.bet
				ps.StoppedAt = &at
			}
			s.Plays = append(s.Plays, ps)
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) ValidateOneTimeToken(_ context.Context, token string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.tokens[token]
	if ok {
		delete(m.tokens, token)
		cp := *m.users[id]
		return &cp, nil
	}
	if !m.AutoRegister || len(token) < 8 {
		return nil, apperr.ErrNotValidToken
	}
	// dev convenience, mirrors the HTTP dev login
	return m.addUserLocked("dev-"+token[:8], m.StartBalance, ClassUser), nil
}

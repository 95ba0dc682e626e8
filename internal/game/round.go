package game

import (
	"sort"
	"time"

	"pumpcrash/internal/ledger"
)

type Phase string

const (
	PhaseStarting Phase = "STARTING"
	PhaseRunning  Phase = "RUNNING"
	PhaseEnded    Phase = "ENDED"
)

// Player identifies the user behind a request.
type Player struct {
	ID       int64
	Username string
}

type bet struct {
	player      Player
	playID      int64
	amount      int64
	autoCashOut int64

	cashedOutAt int64 // 0 while live or forfeited
	payout      int64
	bonus       int64
	// cashing is set while a cash-out is awaiting storage.
	cashing bool
	settled bool
}

type round struct {
	id         int64
	hash       string
	crashPoint int64
	forced     bool
	phase      Phase

	createdAt    time.Time
	runStartedAt time.Time
	endedAt      time.Time

	bets  map[int64]*bet
	order []*bet
	// pending holds users whose bet is awaiting storage.
	pending map[int64]bool
	cashing int

	startDue    bool
	finalizeDue bool
	finalized   bool
}

func newRound(r ledger.Round, now time.Time) *round {
	return &round{
		id:         r.ID,
		hash:       r.Hash,
		crashPoint: r.CrashPoint,
		phase:      PhaseStarting,
		createdAt:  now,
		bets:       make(map[int64]*bet),
		pending:    make(map[int64]bool),
	}
}

func (r *round) summary() ledger.RoundSummary {
	s := ledger.RoundSummary{ID: r.id, CrashPoint: r.crashPoint, Hash: r.hash, Created: r.createdAt}
	for _, b := range r.order {
		p := ledger.PlaySummary{Username: b.player.Username, Bet: b.amount}
		if b.cashedOutAt > 0 {
			at := b.cashedOutAt
			p.StoppedAt = &at
		}
		if b.bonus > 0 {
			bonus := b.bonus
			p.Bonus = &bonus
		}
		s.Plays = append(s.Plays, p)
	}
	return s
}

// PlayerView is a bet as shown to clients.
type PlayerView struct {
	Username    string `json:"username"`
	Bet         int64  `json:"bet"`
	AutoCashOut int64  `json:"auto_cash_out"`
	StoppedAt   *int64 `json:"stopped_at,omitempty"`
}

// Snapshot is the engine state a joining client needs.
type Snapshot struct {
	Phase         Phase        `json:"state"`
	RoundID       int64        `json:"game_id"`
	Elapsed       int64        `json:"elapsed"`
	Multiplier    *int64       `json:"multiplier,omitempty"`
	TimeTillStart int64        `json:"time_till_start,omitempty"`
	Players       []PlayerView `json:"player_info"`
	// CrashPoint and Hash are only set once the round ended.
	CrashPoint *int64 `json:"crashed_at,omitempty"`
	Hash       string `json:"last_hash,omitempty"`
}

func (r *round) players() []PlayerView {
	views := make([]PlayerView, 0, len(r.order))
	for _, b := range r.order {
		v := PlayerView{Username: b.player.Username, Bet: b.amount, AutoCashOut: b.autoCashOut}
		if b.cashedOutAt > 0 {
			at := b.cashedOutAt
			v.StoppedAt = &at
		}
		views = append(views, v)
	}
	sort.SliceStable(views, func(i, j int) bool { return views[i].Bet > views[j].Bet })
	return views
}

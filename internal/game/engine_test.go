package game

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumpcrash/internal/apperr"
	"pumpcrash/internal/fairness"
	"pumpcrash/internal/ledger"
	"pumpcrash/internal/metrics"
)

const testRound = fairness.GenesisID + 1

// r = 0.5, crash point 1.98x with a 1% edge
var halfHash = "8000000000000" + strings.Repeat("0", 51)

type fixedHashes map[int64]string

func (f fixedHashes) HashFor(id int64) (string, error) {
	h, ok := f[id]
	if !ok {
		return "", fmt.Errorf("%w: round %d", fairness.ErrChainExhausted, id)
	}
	return h, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.ch != nil {
		r.ch <- ev
	}
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Name)
	}
	return out
}

func (r *recorder) last(name string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Name == name {
			return r.events[i], true
		}
	}
	return Event{}, false
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newMemory() *ledger.Memory {
	return ledger.NewMemory(fixedHashes{testRound: halfHash}, fairness.GenesisID, 100)
}

// newTestEngine returns an engine whose timers never fire; tests drive the
// loop handlers directly.
func newTestEngine(t *testing.T, gw ledger.Gateway, tweak ...func(*Options)) (*Engine, *recorder, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rec := &recorder{}

	opts := DefaultOptions()
	opts.StartDelay, opts.TickInterval, opts.PauseDelay = time.Hour, time.Hour, time.Hour
	opts.Now = clk.now
	opts.Logger = quietLogger()
	opts.Metrics = metrics.New()
	for _, fn := range tweak {
		fn(&opts)
	}

	e := New(gw, rec, opts)
	t.Cleanup(e.cancelTimer)
	return e, rec, clk
}

// pump applies storage completions until none are in flight.
func pump(t *testing.T, e *Engine) {
	t.Helper()
	for e.inflight > 0 {
		select {
		case fn := <-e.cmds:
			fn()
		case <-time.After(2 * time.Second):
			t.Fatal("storage call did not complete")
		}
	}
}

func betReq(p Player, amount, auto int64) betRequest {
	return betRequest{player: p, amount: amount, autoCashOut: auto, reply: make(chan error, 1)}
}

func cashReq(userID int64, kind string) cashOutRequest {
	return cashOutRequest{userID: userID, kind: kind, reply: make(chan error, 1)}
}

func placeBet(t *testing.T, e *Engine, p Player, amount, auto int64) error {
	t.Helper()
	req := betReq(p, amount, auto)
	e.handleBet(req)
	pump(t, e)
	return <-req.reply
}

func cashOut(t *testing.T, e *Engine, userID int64) error {
	t.Helper()
	req := cashReq(userID, metrics.CashOutManual)
	e.handleCashOut(req)
	pump(t, e)
	return <-req.reply
}

func addPlayer(m *ledger.Memory, name string, balance int64) Player {
	u := m.AddUser(name, balance, "")
	return Player{ID: u.ID, Username: u.Username}
}

func TestAutoCashOutSettlesAtThreshold(t *testing.T) {
	mem := newMemory()
	alice := addPlayer(mem, "alice", 5000)
	e, rec, clk := newTestEngine(t, mem)

	e.startRound()
	require.NotNil(t, e.round)
	assert.Equal(t, int64(198), e.round.crashPoint)

	require.NoError(t, placeBet(t, e, alice, 1000, 150))
	assert.Equal(t, int64(4000), mem.Balance(alice.ID))

	e.startDue()
	require.Equal(t, PhaseRunning, e.round.phase)

	clk.advance(6 * time.Second) // 1.43x
	e.tick()
	pump(t, e)
	assert.Equal(t, int64(4000), mem.Balance(alice.ID))

	clk.advance(3 * time.Second) // 1.71x, threshold crossed between ticks
	e.tick()
	pump(t, e)
	assert.Equal(t, int64(5500), mem.Balance(alice.ID))

	ev, ok := rec.last(EventCashedOut)
	require.True(t, ok)
	assert.Equal(t, CashedOut{UserID: alice.ID, Username: "alice", Amount: 1500, Multiplier: 150}, ev.Data)

	clk.advance(3 * time.Second) // 2.05x
	e.tick()
	assert.Equal(t, PhaseEnded, e.round.phase)
	assert.True(t, e.round.finalized)
	assert.True(t, mem.Ended(testRound))

	ev, ok = rec.last(EventGameCrash)
	require.True(t, ok)
	crash := ev.Data.(GameCrash)
	assert.Equal(t, int64(198), crash.CrashPoint)
	assert.Equal(t, int64(198), crash.Multiplier)
	assert.Equal(t, halfHash, crash.Hash)
	require.Len(t, crash.Plays, 1)
	require.NotNil(t, crash.Plays[0].StoppedAt)
	assert.Equal(t, int64(150), *crash.Plays[0].StoppedAt)

	assert.Equal(t, []string{
		EventGameStarting, EventPlayerBet, EventGameStarted,
		EventGameTick, EventGameTick, EventCashedOut, EventGameCrash,
	}, rec.names())
}

func TestPlaceBetOutsideStartingIsWrongPhase(t *testing.T) {
	mem := newMemory()
	alice := addPlayer(mem, "alice", 5000)
	e, _, clk := newTestEngine(t, mem)

	assert.ErrorIs(t, placeBet(t, e, alice, 1000, 200), apperr.ErrWrongPhase, "no round yet")

	e.startRound()
	e.startDue()
	assert.ErrorIs(t, placeBet(t, e, alice, 1000, 200), apperr.ErrWrongPhase)

	clk.advance(20 * time.Second)
	e.tick()
	require.Equal(t, PhaseEnded, e.round.phase)
	assert.ErrorIs(t, placeBet(t, e, alice, 1000, 200), apperr.ErrWrongPhase)
	assert.Equal(t, int64(5000), mem.Balance(alice.ID))
}

func TestCashOutDuringStartingIsWrongPhase(t *testing.T) {
	mem := newMemory()
	alice := addPlayer(mem, "alice", 5000)
	e, _, _ := newTestEngine(t, mem)

	e.startRound()
	require.NoError(t, placeBet(t, e, alice, 1000, 200))
	assert.ErrorIs(t, cashOut(t, e, alice.ID), apperr.ErrWrongPhase)
	assert.Equal(t, int64(4000), mem.Balance(alice.ID))
}

func TestPlaceBetValidation(t *testing.T) {
	mem := newMemory()
	alice := addPlayer(mem, "alice", 1_000_000_000)
	e, _, _ := newTestEngine(t, mem, func(o *Options) { o.MaxBet = 100000 })
	e.startRound()

	tests := []struct {
		name   string
		amount int64
		auto   int64
		want   error
	}{
		{"zero amount", 0, 200, apperr.ErrInvalidAmount},
		{"negative amount", -100, 200, apperr.ErrInvalidAmount},
		{"off granularity", 150, 200, apperr.ErrInvalidAmount},
		{"above ceiling", 100100, 200, apperr.ErrInvalidAmount},
		{"auto below 1x", 1000, 99, apperr.ErrInvalidAutoCashOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, placeBet(t, e, alice, tt.amount, tt.auto), tt.want)
		})
	}
	assert.Equal(t, int64(1_000_000_000), mem.Balance(alice.ID))
}

func TestInsufficientBalanceCreatesNoBet(t *testing.T) {
	mem := newMemory()
	bob := addPlayer(mem, "bob", 500)
	e, rec, _ := newTestEngine(t, mem)
	e.startRound()

	assert.ErrorIs(t, placeBet(t, e, bob, 1000, 200), apperr.ErrInsufficientBalance)
	assert.Empty(t, e.round.bets)
	_, ok := rec.last(EventPlayerBet)
	assert.False(t, ok)

	require.NoError(t, placeBet(t, e, bob, 500, 200), "a failed bet does not block a retry")
}

func TestDuplicateBetDebitsOnce(t *testing.T) {
	mem := newMemory()
	alice := addPlayer(mem, "alice", 5000)
	e, _, _ := newTestEngine(t, mem)
	e.startRound()

	first, second := betReq(alice, 1000, 200), betReq(alice, 1000, 200)
	e.handleBet(first)
	e.handleBet(second) // first still awaiting storage
	pump(t, e)
	require.NoError(t, <-first.reply)
	assert.ErrorIs(t, <-second.reply, apperr.ErrDuplicateBet)

	assert.ErrorIs(t, placeBet(t, e, alice, 1000, 200), apperr.ErrDuplicateBet)
	assert.Equal(t, int64(4000), mem.Balance(alice.ID))
}

func TestConcurrentCashOutCreditsOnce(t *testing.T) {
	mem := newMemory()
	alice := addPlayer(mem, "alice", 5000)
	e, rec, clk := newTestEngine(t, mem)
	e.startRound()
	require.NoError(t, placeBet(t, e, alice, 1000, 1000))
	e.startDue()
	clk.advance(3 * time.Second) // 1.19x

	reqs := []cashOutRequest{
		cashReq(alice.ID, metrics.CashOutManual),
		cashReq(alice.ID, metrics.CashOutManual),
		cashReq(alice.ID, metrics.CashOutDisconnect),
	}
	for _, req := range reqs {
		e.handleCashOut(req)
	}
	pump(t, e)

	require.NoError(t, <-reqs[0].reply)
	assert.ErrorIs(t, <-reqs[1].reply, apperr.ErrAlreadySettled)
	assert.ErrorIs(t, <-reqs[2].reply, apperr.ErrAlreadySettled)
	assert.ErrorIs(t, cashOut(t, e, alice.ID), apperr.ErrAlreadySettled)

	assert.Equal(t, int64(4000+1190), mem.Balance(alice.ID))
	ev, ok := rec.last(EventCashedOut)
	require.True(t, ok)
	assert.Equal(t, int64(119), ev.Data.(CashedOut).Multiplier)
}

func TestCashOutWithoutBetIsNotFound(t *testing.T) {
	mem := newMemory()
	alice := addPlayer(mem, "alice", 5000)
	e, _, _ := newTestEngine(t, mem)
	e.startRound()
	e.startDue()

	assert.ErrorIs(t, cashOut(t, e, alice.ID), apperr.ErrNotFound)
}

func TestManualCashOutUsesAutoThresholdWhenCrossed(t *testing.T) {
	mem := newMemory()
	alice := addPlayer(mem, "alice", 5000)
	e, _, clk := newTestEngine(t, mem)
	e.startRound()
	require.NoError(t, placeBet(t, e, alice, 1000, 120))
	e.startDue()

	clk.advance(5 * time.Second) // 1.34x, tick not processed yet
	require.NoError(t, cashOut(t, e, alice.ID))
	assert.Equal(t, int64(4000+1200), mem.Balance(alice.ID))
}

func TestManualCashOutAfterCrashPointIsWrongPhase(t *testing.T) {
	mem := newMemory()
	alice := addPlayer(mem, "alice", 5000)
	e, _, clk := newTestEngine(t, mem)
	e.startRound()
	require.NoError(t, placeBet(t, e, alice, 1000, 1000))
	e.startDue()

	clk.advance(12 * time.Second) // 2.05x, past the 1.98x crash point
	assert.ErrorIs(t, cashOut(t, e, alice.ID), apperr.ErrWrongPhase)

	e.tick()
	assert.True(t, e.round.finalized)
	assert.Equal(t, int64(4000), mem.Balance(alice.ID), "stake forfeited")
	cash, _, ok := mem.Play(alice.ID, testRound)
	require.True(t, ok)
	assert.Nil(t, cash)
}

func TestCrashWaitsForInFlightCashOuts(t *testing.T) {
	mem := newMemory()
	alice := addPlayer(mem, "alice", 5000)
	e, rec, clk := newTestEngine(t, mem)
	e.startRound()
	require.NoError(t, placeBet(t, e, alice, 1000, 190))
	e.startDue()

	clk.advance(12 * time.Second) // jumps past both 1.90x and the crash
	e.tick()
	assert.Equal(t, PhaseEnded, e.round.phase)
	assert.False(t, e.round.finalized, "cash-out still in flight")

	pump(t, e)
	assert.True(t, e.round.finalized)
	assert.Equal(t, int64(4000+1900), mem.Balance(alice.ID))

	names := rec.names()
	assert.Equal(t, []string{EventCashedOut, EventGameCrash}, names[len(names)-2:])
}

func TestDisconnectCashOut(t *testing.T) {
	mem := newMemory()
	alice := addPlayer(mem, "alice", 5000)
	e, rec, clk := newTestEngine(t, mem)
	e.startRound()
	require.NoError(t, placeBet(t, e, alice, 1000, 500))
	e.startDue()

	clk.advance(2 * time.Second) // 1.12x
	req := cashReq(alice.ID, metrics.CashOutDisconnect)
	e.handleCashOut(req)
	pump(t, e)
	require.NoError(t, <-req.reply)
	assert.Equal(t, int64(4000+1120), mem.Balance(alice.ID))

	ev, _ := rec.last(EventCashedOut)
	assert.Equal(t, int64(112), ev.Data.(CashedOut).Multiplier)
}

func TestStartWaitsForPendingBets(t *testing.T) {
	mem := newMemory()
	alice := addPlayer(mem, "alice", 5000)
	bob := addPlayer(mem, "bob", 5000)
	e, rec, _ := newTestEngine(t, mem)
	e.startRound()

	first := betReq(alice, 1000, 200)
	e.handleBet(first)
	e.startDue()
	assert.Equal(t, PhaseStarting, e.round.phase)

	late := betReq(bob, 1000, 200)
	e.handleBet(late)
	assert.ErrorIs(t, <-late.reply, apperr.ErrWrongPhase)

	pump(t, e)
	require.NoError(t, <-first.reply)
	assert.Equal(t, PhaseRunning, e.round.phase)
	assert.Equal(t, []string{EventGameStarting, EventPlayerBet, EventGameStarted}, rec.names())

	ev, _ := rec.last(EventGameStarted)
	assert.Equal(t, map[string]int64{"alice": 1000}, ev.Data.(GameStarted).Bets)
}

func TestBonusesSettledWithRound(t *testing.T) {
	mem := newMemory()
	alice := addPlayer(mem, "alice", 5000)
	e, rec, clk := newTestEngine(t, mem, func(o *Options) { o.BonusBPS = 100 })
	e.startRound()
	require.NoError(t, placeBet(t, e, alice, 1000, 1000))
	e.startDue()
	clk.advance(20 * time.Second)
	e.tick()

	assert.Equal(t, int64(4000+10), mem.Balance(alice.ID))
	_, bonus, ok := mem.Play(alice.ID, testRound)
	require.True(t, ok)
	require.NotNil(t, bonus)
	assert.Equal(t, int64(10), *bonus)

	ev, _ := rec.last(EventGameCrash)
	plays := ev.Data.(GameCrash).Plays
	require.Len(t, plays, 1)
	require.NotNil(t, plays[0].Bonus)
	assert.Equal(t, int64(10), *plays[0].Bonus)
}

type mismatchGateway struct {
	*ledger.Memory
}

func (mismatchGateway) EndRound(context.Context, int64, []ledger.Bonus) error {
	return fmt.Errorf("%w: 0 rows for 1 bonuses", ledger.ErrIntegrityMismatch)
}

func TestIntegrityMismatchIsFatalAndKeepsCashOuts(t *testing.T) {
	mem := newMemory()
	alice := addPlayer(mem, "alice", 5000)
	e, rec, clk := newTestEngine(t, mismatchGateway{mem}, func(o *Options) { o.BonusBPS = 100 })
	e.startRound()
	require.NoError(t, placeBet(t, e, alice, 1000, 150))
	e.startDue()
	clk.advance(20 * time.Second)
	e.tick()
	pump(t, e)

	assert.True(t, e.exit)
	assert.ErrorIs(t, e.exitErr, ledger.ErrIntegrityMismatch)
	assert.Equal(t, int64(4000+1500), mem.Balance(alice.ID), "cash-out credit stays")

	_, ok := rec.last(EventGameCrash)
	assert.True(t, ok)
	assert.Nil(t, e.timer, "no next round is scheduled")
}

func TestShutdownAfterCurrentRound(t *testing.T) {
	mem := newMemory()
	e, rec, clk := newTestEngine(t, mem)
	e.startRound()

	e.handleShutdown()
	assert.False(t, e.exit, "current round still plays")

	e.startDue()
	clk.advance(20 * time.Second)
	e.tick()
	assert.True(t, e.exit)
	assert.NoError(t, e.exitErr)

	names := rec.names()
	assert.Equal(t, EventShutdown, names[len(names)-1])
}

func TestShutdownDuringPauseStopsImmediately(t *testing.T) {
	mem := newMemory()
	e, rec, clk := newTestEngine(t, mem)
	e.startRound()
	e.startDue()
	clk.advance(20 * time.Second)
	e.tick()
	require.True(t, e.round.finalized)

	e.handleShutdown()
	assert.True(t, e.exit)
	names := rec.names()
	assert.Equal(t, []string{EventGameCrash, EventShutdown}, names[len(names)-2:])
}

func TestSnapshot(t *testing.T) {
	mem := newMemory()
	alice := addPlayer(mem, "alice", 5000)
	e, _, clk := newTestEngine(t, mem, func(o *Options) { o.StartDelay = 5 * time.Second })

	assert.Equal(t, PhaseEnded, e.snapshot().Phase)

	e.startRound()
	require.NoError(t, placeBet(t, e, alice, 1000, 300))
	clk.advance(2 * time.Second)
	s := e.snapshot()
	assert.Equal(t, PhaseStarting, s.Phase)
	assert.Equal(t, int64(3000), s.TimeTillStart)
	require.Len(t, s.Players, 1)
	assert.Equal(t, "alice", s.Players[0].Username)

	e.startDue()
	clk.advance(6758 * time.Millisecond)
	s = e.snapshot()
	assert.Equal(t, PhaseRunning, s.Phase)
	require.NotNil(t, s.Multiplier)
	assert.Equal(t, int64(150), *s.Multiplier)
	assert.Nil(t, s.CrashPoint, "crash point is secret while running")
	assert.Empty(t, s.Hash)

	clk.advance(20 * time.Second)
	e.tick()
	s = e.snapshot()
	assert.Equal(t, PhaseEnded, s.Phase)
	require.NotNil(t, s.CrashPoint)
	assert.Equal(t, int64(198), *s.CrashPoint)
	assert.Equal(t, halfHash, s.Hash)
}

func TestPayoutFor(t *testing.T) {
	assert.Equal(t, int64(1500), payoutFor(1000, 150))
	assert.Equal(t, int64(101), payoutFor(100, 101))
	assert.Equal(t, int64(151), payoutFor(150, 101), "floors 151.5")
	assert.Equal(t, int64(math.MaxInt64), payoutFor(100000000, math.MaxInt64/2))
}

// Package game runs the crash rounds. A single loop owns the live round: client
// requests, timers and storage completions all arrive as commands on one
// queue and are applied one at a time. Storage calls run concurrently outside
// the loop, bounded by a semaphore; their outcomes are reported back through
// the queue and published in the order the engine accepted them.
package game

import (
	"context"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"pumpcrash/internal/apperr"
	"pumpcrash/internal/fairness"
	"pumpcrash/internal/ledger"
	"pumpcrash/internal/metrics"
)

// ErrStopped is returned to callers once the engine loop has exited.
var ErrStopped = errors.New("engine stopped")

type Options struct {
	StartDelay   time.Duration
	TickInterval time.Duration
	PauseDelay   time.Duration
	GrowthRate   float64

	BetGranularity int64
	MaxBet         int64
	BonusBPS       int64

	// LastRoundID is the id the first round of this process follows.
	LastRoundID int64
	// StorageConcurrency bounds the storage calls in flight.
	StorageConcurrency int64
	QueueSize          int

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func DefaultOptions() Options {
	return Options{
		StartDelay:         5 * time.Second,
		TickInterval:       150 * time.Millisecond,
		PauseDelay:         3 * time.Second,
		GrowthRate:         DefaultGrowthRate,
		BetGranularity:     100,
		MaxBet:             100000000,
		LastRoundID:        fairness.GenesisID,
		StorageConcurrency: 8,
		QueueSize:          1024,
	}
}

type Engine struct {
	gw   ledger.Gateway
	pub  Broadcaster
	opts Options
	log  logrus.FieldLogger
	now  func() time.Time

	cmds chan func()
	quit chan struct{}
	sem  *semaphore.Weighted

	// Everything below is owned by the loop.
	ctx      context.Context
	lastID   int64
	round    *round
	timer    *time.Timer
	gen      uint64
	inflight int
	outbox   []*slot
	stopping bool
	exit     bool
	exitErr  error
}

func New(gw ledger.Gateway, pub Broadcaster, opts Options) *Engine {
	def := DefaultOptions()
	if opts.GrowthRate <= 0 {
		opts.GrowthRate = def.GrowthRate
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = def.TickInterval
	}
	if opts.BetGranularity <= 0 {
		opts.BetGranularity = def.BetGranularity
	}
	if opts.MaxBet <= 0 {
		opts.MaxBet = def.MaxBet
	}
	if opts.StorageConcurrency <= 0 {
		opts.StorageConcurrency = def.StorageConcurrency
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Engine{
		gw:     gw,
		pub:    pub,
		opts:   opts,
		log:    log.WithField("component", "engine"),
		now:    opts.Now,
		cmds:   make(chan func(), opts.QueueSize),
		quit:   make(chan struct{}),
		sem:    semaphore.NewWeighted(opts.StorageConcurrency),
		ctx:    context.Background(),
		lastID: opts.LastRoundID,
	}
}

// Run drives rounds until ctx is done, a shutdown completes (nil), or a
// fatal storage condition stops automatic continuation (the error).
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	defer close(e.quit)
	defer e.cancelTimer()

	e.startRound()
	for !e.exit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.cmds:
			fn()
		}
	}
	return e.exitErr
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} { return e.quit }

type betRequest struct {
	player      Player
	amount      int64
	autoCashOut int64
	reply       chan error
}

type cashOutRequest struct {
	userID int64
	kind   string
	reply  chan error
}

// PlaceBet asks to join the current round. It returns once the bet is
// recorded or rejected.
func (e *Engine) PlaceBet(ctx context.Context, p Player, amount, autoCashOut int64) error {
	req := betRequest{player: p, amount: amount, autoCashOut: autoCashOut, reply: make(chan error, 1)}
	if err := e.enqueueCtx(ctx, func() { e.handleBet(req) }); err != nil {
		return err
	}
	_, err := await(ctx, e, req.reply)
	return err
}

// CashOut settles the user's live bet at the current multiplier.
func (e *Engine) CashOut(ctx context.Context, userID int64) error {
	return e.requestCashOut(ctx, userID, metrics.CashOutManual)
}

// CashOutOnDisconnect is CashOut issued for a user whose connection dropped.
func (e *Engine) CashOutOnDisconnect(ctx context.Context, userID int64) error {
	return e.requestCashOut(ctx, userID, metrics.CashOutDisconnect)
}

func (e *Engine) requestCashOut(ctx context.Context, userID int64, kind string) error {
	req := cashOutRequest{userID: userID, kind: kind, reply: make(chan error, 1)}
	if err := e.enqueueCtx(ctx, func() { e.handleCashOut(req) }); err != nil {
		return err
	}
	_, err := await(ctx, e, req.reply)
	return err
}

func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	return e.Observe(ctx, func() {})
}

// Observe takes a snapshot and calls subscribe in the same loop step, so
// every event published after the snapshot is seen by the subscriber.
func (e *Engine) Observe(ctx context.Context, subscribe func()) (Snapshot, error) {
	ch := make(chan Snapshot, 1)
	err := e.enqueueCtx(ctx, func() {
		subscribe()
		ch <- e.snapshot()
	})
	if err != nil {
		return Snapshot{}, err
	}
	return await(ctx, e, ch)
}

// Shutdown stops round creation after the current round ended.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.enqueueCtx(ctx, e.handleShutdown)
}

func await[T any](ctx context.Context, e *Engine, ch chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		if err, ok := any(v).(error); ok {
			return zero, err
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-e.quit:
		return zero, ErrStopped
	}
}

func (e *Engine) enqueueCtx(ctx context.Context, fn func()) error {
	select {
	case e.cmds <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrStopped
	}
}

func (e *Engine) enqueue(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.quit:
	}
}

// schedule replaces the pending timer. A timer that fires after being
// replaced is ignored.
func (e *Engine) schedule(d time.Duration, fn func()) {
	e.cancelTimer()
	gen := e.gen
	e.timer = time.AfterFunc(d, func() {
		e.enqueue(func() {
			if gen == e.gen && !e.exit {
				fn()
			}
		})
	})
}

func (e *Engine) cancelTimer() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// dispatch runs work outside the loop and applies done inside it.
func (e *Engine) dispatch(work func(ctx context.Context) error, done func(err error)) {
	e.inflight++
	go func() {
		err := e.sem.Acquire(e.ctx, 1)
		if err == nil {
			err = work(e.ctx)
			e.sem.Release(1)
		}
		e.enqueue(func() {
			e.inflight--
			done(err)
			e.drain()
			e.advance()
		})
	}()
}

type slot struct {
	ready bool
	flush func()
}

// accept reserves the publication position of an operation.
func (e *Engine) accept() *slot {
	s := &slot{}
	e.outbox = append(e.outbox, s)
	return s
}

func (s *slot) complete(flush func()) {
	s.flush = flush
	s.ready = true
}

func (e *Engine) drain() {
	for len(e.outbox) > 0 && e.outbox[0].ready {
		s := e.outbox[0]
		e.outbox[0] = nil
		e.outbox = e.outbox[1:]
		s.flush()
	}
}

// advance performs transitions that waited for storage.
func (e *Engine) advance() {
	r := e.round
	if r == nil || e.exit {
		return
	}
	if r.startDue && len(r.pending) == 0 {
		e.beginRun()
	}
	if r.finalizeDue && r.cashing == 0 {
		e.finalize()
	}
}

func (e *Engine) publish(name string, data any) {
	e.pub.Publish(Event{Name: name, Data: data})
}

func (e *Engine) fail(err error) {
	e.exit, e.exitErr = true, err
	e.cancelTimer()
}

func (e *Engine) stop() {
	e.log.Info("engine stopped")
	e.publish(EventShutdown, Shutdown{})
	e.exit = true
	e.cancelTimer()
}

func (e *Engine) startRound() {
	id := e.lastID + 1
	log := e.log.WithField("round", id)

	r, err := e.gw.CreateRound(e.ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNoHashProvisioned) || errors.Is(err, fairness.ErrChainExhausted) {
			log.WithError(err).Error("cannot create round, provision more chain")
			e.fail(err)
			return
		}
		log.WithError(err).Error("create round failed, retrying after pause")
		e.round = nil
		e.schedule(e.opts.PauseDelay, e.startRound)
		return
	}

	e.lastID = id
	e.round = newRound(r, e.now())
	if point, forced := fairness.Override(r.CrashPoint); forced {
		e.round.crashPoint, e.round.forced = point, true
		log.WithField("crash_point", point).Warn("crash point forced")
	}
	log.Debug("round created")

	e.publish(EventGameStarting, GameStarting{RoundID: id, TimeTillStart: e.opts.StartDelay.Milliseconds()})
	e.schedule(e.opts.StartDelay, e.startDue)
}

// startDue fires when the countdown ends. Bets still awaiting storage hold
// the round in STARTING until they resolve.
func (e *Engine) startDue() {
	r := e.round
	if len(r.pending) > 0 {
		r.startDue = true
		return
	}
	e.beginRun()
}

func (e *Engine) beginRun() {
	r := e.round
	r.startDue = false
	r.phase = PhaseRunning
	r.runStartedAt = e.now()

	bets := make(map[string]int64, len(r.order))
	for _, b := range r.order {
		bets[b.player.Username] = b.amount
	}
	e.publish(EventGameStarted, GameStarted{RoundID: r.id, Bets: bets})
	e.schedule(e.opts.TickInterval, e.tick)
}

func (e *Engine) tick() {
	r := e.round
	elapsed := e.now().Sub(r.runStartedAt)
	at := MultiplierAt(elapsed, e.opts.GrowthRate)

	// auto cash-outs pay their threshold, never the live multiplier
	limit := min(at, r.crashPoint)
	for _, b := range r.order {
		if !b.settled && !b.cashing && b.autoCashOut <= limit {
			e.cashOut(r, b, b.autoCashOut, metrics.CashOutAuto, nil)
		}
	}

	if at >= r.crashPoint {
		e.crash()
		return
	}
	e.publish(EventGameTick, GameTick{Elapsed: elapsed.Milliseconds(), Multiplier: at})
	e.schedule(e.opts.TickInterval, e.tick)
}

func (e *Engine) crash() {
	r := e.round
	r.phase = PhaseEnded
	r.endedAt = e.now()
	e.cancelTimer()
	if r.cashing > 0 {
		r.finalizeDue = true
		return
	}
	e.finalize()
}

// finalize forfeits live bets, settles bonuses and reveals the hash.
func (e *Engine) finalize() {
	r := e.round
	r.finalizeDue = false
	r.finalized = true
	log := e.log.WithField("round", r.id)

	for _, b := range r.order {
		b.settled = true
	}

	bs := bonuses(r, e.opts.BonusBPS)
	err := e.gw.EndRound(e.ctx, r.id, bs)
	if err != nil {
		log.WithError(err).Error("end round failed")
	} else if len(bs) > 0 {
		byPlay := make(map[int64]int64, len(bs))
		for _, b := range bs {
			byPlay[b.PlayID] = b.Amount
		}
		for _, b := range r.order {
			b.bonus = byPlay[b.playID]
		}
	}

	e.publish(EventGameCrash, GameCrash{
		RoundSummary: r.summary(),
		Multiplier:   r.crashPoint,
		Elapsed:      ElapsedFor(r.crashPoint, e.opts.GrowthRate).Milliseconds(),
		Forced:       r.forced,
	})
	e.opts.Metrics.ObserveCrash(r.crashPoint)
	log.WithFields(logrus.Fields{
		"crash_point": fairness.FormatMultiplier(r.crashPoint),
		"plays":       len(r.order),
	}).Info("round ended")

	switch {
	case errors.Is(err, ledger.ErrIntegrityMismatch):
		e.fail(err)
	case e.stopping:
		e.stop()
	default:
		e.schedule(e.opts.PauseDelay, e.startRound)
	}
}

func (e *Engine) handleBet(req betRequest) {
	r := e.round
	uid := req.player.ID

	var rejected error
	switch {
	case r == nil || r.phase != PhaseStarting || r.startDue:
		rejected = apperr.ErrWrongPhase
	case req.amount <= 0 || req.amount%e.opts.BetGranularity != 0 || req.amount > e.opts.MaxBet:
		rejected = apperr.ErrInvalidAmount
	case req.autoCashOut < fairness.MinCrashPoint:
		rejected = apperr.ErrInvalidAutoCashOut
	case r.bets[uid] != nil || r.pending[uid]:
		rejected = apperr.ErrDuplicateBet
	}
	if rejected != nil {
		e.opts.Metrics.ObserveBet(string(apperr.ClientCode(rejected)), req.amount)
		req.reply <- rejected
		return
	}

	r.pending[uid] = true
	s := e.accept()
	var playID int64
	e.dispatch(func(ctx context.Context) error {
		var err error
		playID, err = e.gw.RecordBet(ctx, uid, r.id, req.amount, req.autoCashOut)
		return err
	}, func(err error) {
		delete(r.pending, uid)
		e.opts.Metrics.ObserveBet(resultLabel(err), req.amount)
		if err != nil {
			e.logFailure(err, r.id, uid, "bet rejected")
			s.complete(func() { req.reply <- err })
			return
		}

		b := &bet{player: req.player, playID: playID, amount: req.amount, autoCashOut: req.autoCashOut}
		r.bets[uid] = b
		r.order = append(r.order, b)
		s.complete(func() {
			e.publish(EventPlayerBet, PlayerBet{
				UserID:      uid,
				Username:    req.player.Username,
				Amount:      req.amount,
				AutoCashOut: req.autoCashOut,
			})
			req.reply <- nil
		})
	})
}

func (e *Engine) handleCashOut(req cashOutRequest) {
	r := e.round
	if r == nil || r.phase != PhaseRunning {
		req.reply <- apperr.ErrWrongPhase
		return
	}
	b := r.bets[req.userID]
	switch {
	case b == nil:
		req.reply <- apperr.ErrNotFound
		return
	case b.settled || b.cashing:
		req.reply <- apperr.ErrAlreadySettled
		return
	}

	at := MultiplierAt(e.now().Sub(r.runStartedAt), e.opts.GrowthRate)
	if b.autoCashOut <= at {
		at = b.autoCashOut
	}
	if at > r.crashPoint {
		// crashed already, the tick has not been processed yet
		req.reply <- apperr.ErrWrongPhase
		return
	}
	e.cashOut(r, b, at, req.kind, req.reply)
}

func (e *Engine) cashOut(r *round, b *bet, at int64, kind string, reply chan error) {
	b.cashing = true
	r.cashing++
	payout := payoutFor(b.amount, at)
	uid := b.player.ID

	s := e.accept()
	e.dispatch(func(ctx context.Context) error {
		return e.gw.RecordCashOut(ctx, uid, b.playID, payout)
	}, func(err error) {
		b.cashing = false
		r.cashing--

		switch {
		case err == nil:
			b.settled = true
			b.cashedOutAt = at
			b.payout = payout
			e.opts.Metrics.ObserveCashOut(kind, payout)
		case errors.Is(err, apperr.ErrAlreadySettled):
			// settled by another writer
			b.settled = true
			e.log.WithFields(logrus.Fields{"round": r.id, "user": uid}).Warn("play already settled in storage")
		default:
			e.logFailure(err, r.id, uid, "cash out failed")
		}

		s.complete(func() {
			if err == nil {
				e.publish(EventCashedOut, CashedOut{
					UserID:     uid,
					Username:   b.player.Username,
					Amount:     payout,
					Multiplier: at,
				})
			}
			if reply != nil {
				reply <- err
			}
		})
	})
}

func (e *Engine) handleShutdown() {
	if e.stopping {
		return
	}
	e.stopping = true
	e.log.Info("shutdown requested, finishing current round")
	if e.round == nil || e.round.finalized {
		e.stop()
	}
}

func (e *Engine) snapshot() Snapshot {
	r := e.round
	if r == nil {
		return Snapshot{Phase: PhaseEnded}
	}

	s := Snapshot{Phase: r.phase, RoundID: r.id, Players: r.players()}
	now := e.now()
	switch r.phase {
	case PhaseStarting:
		left := e.opts.StartDelay - now.Sub(r.createdAt)
		if left < 0 {
			left = 0
		}
		s.TimeTillStart = left.Milliseconds()
	case PhaseRunning:
		elapsed := now.Sub(r.runStartedAt)
		at := MultiplierAt(elapsed, e.opts.GrowthRate)
		s.Elapsed = elapsed.Milliseconds()
		s.Multiplier = &at
	case PhaseEnded:
		s.Elapsed = r.endedAt.Sub(r.runStartedAt).Milliseconds()
		if r.finalized {
			point := r.crashPoint
			s.CrashPoint = &point
			s.Hash = r.hash
		}
	}
	return s
}

func (e *Engine) logFailure(err error, roundID, userID int64, msg string) {
	log := e.log.WithFields(logrus.Fields{"round": roundID, "user": userID}).WithError(err)
	if apperr.IsApplication(err) {
		log.Debug(msg)
		return
	}
	log.Error(msg)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperr.ClientCode(err))
}

// payoutFor is floor(amount * at / 100), saturated at MaxInt64.
func payoutFor(amount, at int64) int64 {
	p := new(big.Int).Mul(big.NewInt(amount), big.NewInt(at))
	p.Quo(p, big.NewInt(100))
	if !p.IsInt64() {
		return math.MaxInt64
	}
	return p.Int64()
}

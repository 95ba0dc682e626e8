// Package protocol maps engine events to client frames and client requests to
// engine calls. It performs structural validation only; business rules live
// in the engine.
package protocol

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"pumpcrash/internal/chat"
	"pumpcrash/internal/game"
	"pumpcrash/internal/history"
	"pumpcrash/internal/ledger"
	"pumpcrash/internal/metrics"
)

// Engine is the part of game.Engine the protocol drives.
type Engine interface {
	PlaceBet(ctx context.Context, p game.Player, amount, autoCashOut int64) error
	CashOut(ctx context.Context, userID int64) error
	CashOutOnDisconnect(ctx context.Context, userID int64) error
	Observe(ctx context.Context, subscribe func()) (game.Snapshot, error)
	Shutdown(ctx context.Context) error
}

// Conn is one client transport. Send must not block; it reports false when
// the client cannot keep up.
type Conn interface {
	Send(frame []byte) bool
	Close() error
}

type Options struct {
	Sessions ledger.Sessions
	Chat     *chat.Chat
	History  *history.Ring
	// Bankroll is optional and only shown to joining clients.
	Bankroll func(ctx context.Context) (int64, error)

	BetGranularity int64
	MaxBet         int64

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Hub tracks sessions and fans engine events out to joined clients.
type Hub struct {
	opts Options
	log  logrus.FieldLogger

	engineMu sync.RWMutex
	engine   Engine

	mu       sync.RWMutex
	sessions map[*Session]struct{}
}

func NewHub(opts Options) *Hub {
	if opts.BetGranularity <= 0 {
		opts.BetGranularity = 100
	}
	if opts.MaxBet <= 0 {
		opts.MaxBet = 100000000
	}
	if opts.Chat == nil {
		opts.Chat = chat.New(100)
	}
	if opts.History == nil {
		opts.History = history.NewRing(10)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		opts:     opts,
		log:      log.WithField("component", "protocol"),
		sessions: make(map[*Session]struct{}),
	}
}

// SetEngine attaches the engine; the engine itself publishes into the hub, so
// it is created after it.
func (h *Hub) SetEngine(e Engine) {
	h.engineMu.Lock()
	h.engine = e
	h.engineMu.Unlock()
}

func (h *Hub) eng() Engine {
	h.engineMu.RLock()
	defer h.engineMu.RUnlock()
	return h.engine
}

func (h *Hub) History() []ledger.RoundSummary { return h.opts.History.Recent() }

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Publish implements game.Broadcaster.
func (h *Hub) Publish(ev game.Event) {
	if crash, ok := ev.Data.(game.GameCrash); ok {
		h.opts.History.Add(crash.RoundSummary)
	}

	frame, err := encodeEvent(ev.Name, ev.Data)
	if err != nil {
		h.log.WithError(err).WithField("event", ev.Name).Error("encode event")
		return
	}
	h.broadcast(frame, func(*Session) bool { return true })
}

func (h *Hub) deliver(from *Session, deliveries []chat.Delivery) {
	for _, d := range deliveries {
		frame, err := encodeEvent(EventMsg, d.Msg)
		if err != nil {
			h.log.WithError(err).Error("encode chat message")
			continue
		}
		switch d.Scope {
		case chat.ScopeAuthor:
			from.send(frame)
		case chat.ScopeModerators:
			h.broadcast(frame, func(s *Session) bool { return s.User().IsModerator() })
		default:
			h.broadcast(frame, func(*Session) bool { return true })
		}
	}
}

// broadcast sends frame to every subscribed session matching keep.
// Sessions that cannot keep up are dropped.
func (h *Hub) broadcast(frame []byte, keep func(*Session) bool) {
	var slow []*Session
	h.mu.RLock()
	for s := range h.sessions {
		if !keep(s) {
			continue
		}
		if !s.deliver(frame) {
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.log.WithField("session", s.ID).Warn("dropping slow client")
		s.conn.Close()
	}
}

// Connect registers a new transport connection.
func (h *Hub) Connect(conn Conn) *Session {
	s := newSession(h, conn)
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	h.opts.Metrics.ClientConnected()
	return s
}

func (h *Hub) remove(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return false
	}
	delete(h.sessions, s)
	return true
}

package protocol

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pumpcrash/internal/apperr"
	"pumpcrash/internal/chat"
	"pumpcrash/internal/game"
	"pumpcrash/internal/ledger"
)

const maxBacklog = 256

// ErrorInfo is the payload of an err event.
type ErrorInfo struct {
	Description string `json:"description"`
}

// JoinInfo answers a join request.
type JoinInfo struct {
	game.Snapshot
	Chat     []chat.Message        `json:"chat"`
	History  []ledger.RoundSummary `json:"table_history"`
	Username *string               `json:"username"`
	Balance  *int64                `json:"balance"`
	Bankroll int64                 `json:"bankroll,omitempty"`
}

// Session is one client connection. Handle is called from a single reader.
type Session struct {
	ID   string
	hub  *Hub
	conn Conn
	log  logrus.FieldLogger

	mu      sync.RWMutex
	user    *ledger.User
	joined  bool
	joining bool
	// backlog holds broadcasts that arrive while the join ack is pending.
	backlog [][]byte

	closeOnce sync.Once
}

func newSession(h *Hub, conn Conn) *Session {
	id := uuid.NewString()
	return &Session{ID: id, hub: h, conn: conn, log: h.log.WithField("session", id)}
}

func (s *Session) User() *ledger.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Session) Joined() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joined
}

// Handle processes one inbound frame.
func (s *Session) Handle(ctx context.Context, frame []byte) {
	req, err := decodeRequest(frame)
	if err != nil {
		s.sendError(err.Error())
		return
	}

	if req.Event == EventJoin {
		s.join(ctx, req)
		return
	}
	if !s.Joined() {
		s.sendError("[" + req.Event + "] not joined")
		return
	}

	switch req.Event {
	case EventPlaceBet:
		s.placeBet(ctx, req)
	case EventCashOut:
		s.cashOut(ctx, req)
	case EventSay:
		s.say(ctx, req)
	default:
		s.sendError("unknown event " + req.Event)
	}
}

func (s *Session) join(ctx context.Context, req request) {
	if s.Joined() {
		s.sendError("[join] already joined")
		return
	}
	if req.ID == nil {
		s.sendError("[join] No ack function")
		return
	}
	info, err := decodeJoin(req.arg(0))
	if err != nil {
		s.sendError(err.Error())
		return
	}

	var user *ledger.User
	if info.OTT != "" {
		user, err = s.hub.opts.Sessions.ValidateOneTimeToken(ctx, info.OTT)
		if err != nil {
			if apperr.IsApplication(err) {
				s.ack(*req.ID, err, nil)
				return
			}
			s.internalError(err, "unable to validate ott")
			return
		}
	}

	res := JoinInfo{}
	if user != nil {
		res.Username, res.Balance = &user.Username, &user.Balance
	}
	if s.hub.opts.Bankroll != nil {
		if b, err := s.hub.opts.Bankroll(ctx); err == nil {
			res.Bankroll = b
		} else {
			s.log.WithError(err).Warn("bankroll unavailable")
		}
	}

	// From the snapshot on, broadcasts queue up behind the ack.
	snap, err := s.hub.eng().Observe(ctx, func() {
		s.subscribe(user)
		res.History = s.hub.opts.History.Recent()
	})
	if err != nil {
		s.unsubscribe()
		s.internalError(err, "unable to read game state")
		return
	}
	res.Snapshot = snap
	res.Chat = s.hub.opts.Chat.History()

	frame, err := encodeAck(*req.ID, nil, res)
	if err != nil {
		s.unsubscribe()
		s.internalError(err, "encode join ack")
		return
	}
	s.completeJoin(frame)

	log := s.log
	if user != nil {
		log = log.WithFields(logrus.Fields{"user": user.Username, "class": user.Class})
	}
	log.Info("client joined")
}

func (s *Session) subscribe(user *ledger.User) {
	s.mu.Lock()
	s.user, s.joining, s.backlog = user, true, nil
	s.mu.Unlock()
}

func (s *Session) unsubscribe() {
	s.mu.Lock()
	s.user, s.joining, s.backlog = nil, false, nil
	s.mu.Unlock()
}

// completeJoin sends the join ack followed by the backlog.
func (s *Session) completeJoin(ack []byte) {
	s.mu.Lock()
	ok := s.conn.Send(ack)
	for _, f := range s.backlog {
		if !ok {
			break
		}
		ok = s.conn.Send(f)
	}
	s.joined, s.joining, s.backlog = true, false, nil
	s.mu.Unlock()
	if !ok {
		s.conn.Close()
	}
}

// deliver passes a broadcast frame to the client. It reports false when the
// client cannot keep up.
func (s *Session) deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.joined:
		return s.conn.Send(frame)
	case s.joining:
		if len(s.backlog) >= maxBacklog {
			return false
		}
		s.backlog = append(s.backlog, frame)
	}
	return true
}

func (s *Session) player() (game.Player, bool) {
	u := s.User()
	if u == nil {
		return game.Player{}, false
	}
	return game.Player{ID: u.ID, Username: u.Username}, true
}

func (s *Session) placeBet(ctx context.Context, req request) {
	p, ok := s.player()
	if !ok {
		s.notLoggedIn(req)
		return
	}
	amount, auto, err := validateBet(req, s.hub.opts.BetGranularity, s.hub.opts.MaxBet)
	if err != nil {
		s.sendError(err.Error())
		return
	}
	err = s.hub.eng().PlaceBet(ctx, p, amount, auto)
	s.reply(*req.ID, err, "unable to place bet")
}

func (s *Session) cashOut(ctx context.Context, req request) {
	p, ok := s.player()
	if !ok {
		s.notLoggedIn(req)
		return
	}
	if req.ID == nil {
		s.sendError("[cash_out] No ack")
		return
	}
	err := s.hub.eng().CashOut(ctx, p.ID)
	s.reply(*req.ID, err, "unable to cash out")
}

func (s *Session) say(ctx context.Context, req request) {
	u := s.User()
	if u == nil {
		s.sendError("[say] not logged in")
		return
	}
	msg, err := decodeSay(req.arg(0))
	if err != nil {
		s.sendError(err.Error())
		return
	}

	res := s.hub.opts.Chat.Handle(u, msg)
	s.hub.deliver(s, res.Deliveries)
	if res.Shutdown {
		s.log.WithField("user", u.Username).Warn("shutdown requested")
		if err := s.hub.eng().Shutdown(ctx); err != nil {
			s.log.WithError(err).Error("unable to shut down engine")
		}
	}
}

func (s *Session) notLoggedIn(req request) {
	if req.ID != nil {
		s.ack(*req.ID, apperr.ErrNotLoggedIn, nil)
		return
	}
	s.sendError("[" + req.Event + "] not logged in")
}

// reply acks err to the client. Internal errors are logged and reported as
// INTERNAL_ERROR.
func (s *Session) reply(id int64, err error, what string) {
	if err != nil && !apperr.IsApplication(err) {
		s.log.WithError(err).Error(what)
	}
	s.ack(id, err, nil)
}

func (s *Session) ack(id int64, err error, data any) {
	frame, encErr := encodeAck(id, err, data)
	if encErr != nil {
		s.log.WithError(encErr).Error("encode ack")
		return
	}
	s.send(frame)
}

func (s *Session) sendError(description string) {
	s.log.WithField("description", description).Debug("sending client error")
	frame, err := encodeEvent(EventErr, ErrorInfo{Description: description})
	if err != nil {
		return
	}
	s.send(frame)
}

func (s *Session) internalError(err error, what string) {
	s.log.WithError(err).Error(what)
	s.sendError(string(apperr.Internal))
}

func (s *Session) send(frame []byte) {
	if !s.conn.Send(frame) {
		s.conn.Close()
	}
}

// Close unregisters the session. A logged in user with a live bet is cashed
// out at the current multiplier; failures are expected and ignored.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		if !s.hub.remove(s) {
			return
		}
		s.hub.opts.Metrics.ClientDisconnected()

		u := s.User()
		if u == nil {
			return
		}
		err := s.hub.eng().CashOutOnDisconnect(ctx, u.ID)
		log := s.log.WithField("user", u.Username)
		switch {
		case err == nil:
			log.Info("cashed out on disconnect")
		case apperr.IsApplication(err):
			log.WithError(err).Debug("no cash out on disconnect")
		default:
			log.WithError(err).Error("cash out on disconnect")
		}
	})
}

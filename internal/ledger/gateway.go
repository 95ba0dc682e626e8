// Package ledger is the persistence contract the round engine writes
// through, with a Postgres implementation and an in-memory one.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoHashProvisioned means the chain was not extended far enough to
	// create the next round. Operators must provision more chain.
	ErrNoHashProvisioned = errors.New("no hash provisioned for round")
	// ErrIntegrityMismatch means a bulk settlement touched a different number
	// of rows than expected.
	ErrIntegrityMismatch = errors.New("settlement row count mismatch")
	// ErrRetriesExhausted wraps the last transient error after the retry
	// budget ran out.
	ErrRetriesExhausted = errors.New("storage retries exhausted")
)

const (
	ClassUser      = "user"
	ClassModerator = "moderator"
	ClassAdmin     = "admin"
)

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Balance  int64  `json:"balance"`
	Class    string `json:"userclass"`
}

func (u *User) IsAdmin() bool { return u != nil && u.Class == ClassAdmin }

func (u *User) IsModerator() bool {
	return u != nil && (u.Class == ClassAdmin || u.Class == ClassModerator)
}

// Round is what the storage layer commits for a new round.
type Round struct {
	ID         int64
	CrashPoint int64
	Hash       string
}

// Bonus is a credit applied to one play at settlement.
type Bonus struct {
	UserID int64 `json:"user_id"`
	PlayID int64 `json:"play_id"`
	Amount int64 `json:"amount"`
}

// PlaySummary is one play of an ended round as shown in history.
type PlaySummary struct {
	Username  string `json:"username"`
	Bet       int64  `json:"bet"`
	StoppedAt *int64 `json:"stopped_at"`
	Bonus     *int64 `json:"bonus"`
}

// RoundSummary is an ended round as shown in history.
type RoundSummary struct {
	ID         int64         `json:"game_id"`
	CrashPoint int64         `json:"game_crash"`
	Hash       string        `json:"hash"`
	Created    time.Time     `json:"created"`
	Plays      []PlaySummary `json:"player_info"`
}

// Gateway is the narrow contract the engine persists through. Every call is
// atomic; the engine never calls it while holding unsettled in-memory state
// it would have to roll back.
type Gateway interface {
	CreateRound(ctx context.Context, id int64) (Round, error)
	RecordBet(ctx context.Context, userID, roundID, amount, autoCashOut int64) (playID int64, err error)
	RecordCashOut(ctx context.Context, userID, playID, payout int64) error
	EndRound(ctx context.Context, roundID int64, bonuses []Bonus) error
	Bankroll(ctx context.Context) (int64, error)
}

// Recovery is read at process start.
type Recovery interface {
	LastRoundID(ctx context.Context) (int64, error)
	RecentRounds(ctx context.Context, limit int) ([]RoundSummary, error)
}

// Sessions exchanges one-time tokens for users.
type Sessions interface {
	ValidateOneTimeToken(ctx context.Context, token string) (*User, error)
}

// Store is everything the server process needs from storage.
type Store interface {
	Gateway
	Recovery
	Sessions
	Ping(ctx context.Context) error
}

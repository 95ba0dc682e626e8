package game

import "pumpcrash/internal/ledger"

// Outbound event names.
const (
	EventGameStarting = "game_starting"
	EventGameStarted  = "game_started"
	EventGameTick     = "game_tick"
	EventGameCrash    = "game_crash"
	EventPlayerBet    = "player_bet"
	EventCashedOut    = "cashed_out"
	EventShutdown     = "shutdown"
)

type Event struct {
	Name string
	Data any
}

// Broadcaster receives every event from the engine loop, in order. Publish
// must not block.
type Broadcaster interface {
	Publish(Event)
}

type GameStarting struct {
	RoundID       int64 `json:"game_id"`
	TimeTillStart int64 `json:"time_till_start"`
}

type GameStarted struct {
	RoundID int64            `json:"game_id"`
	Bets    map[string]int64 `json:"bets"`
}

type GameTick struct {
	Elapsed    int64 `json:"elapsed"`
	Multiplier int64 `json:"multiplier"`
}

type PlayerBet struct {
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
	Amount      int64  `json:"amount"`
	AutoCashOut int64  `json:"auto_cash_out"`
}

type CashedOut struct {
	UserID     int64  `json:"user_id"`
	Username   string `json:"username"`
	Amount     int64  `json:"amount"`
	Multiplier int64  `json:"multiplier"`
}

// GameCrash reveals the round hash. The embedded summary is what the
// history ring keeps.
type GameCrash struct {
	ledger.RoundSummary
	// Multiplier repeats the crash point in hundredths.
	Multiplier int64 `json:"multiplier"`
	Elapsed    int64 `json:"elapsed"`
	// Forced is set when a crashtest override replaced the hash-derived point.
	Forced bool `json:"forced,omitempty"`
}

type Shutdown struct{}

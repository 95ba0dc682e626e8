package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"pumpcrash/internal/apperr"
	"pumpcrash/internal/chat"
)

// Inbound event names.
const (
	EventJoin     = "join"
	EventPlaceBet = "place_bet"
	EventCashOut  = "cash_out"
	EventSay      = "say"

	EventMsg = "msg"
	EventErr = "err"
)

// request is an inbound frame. ID is set when the client waits for an ack.
type request struct {
	ID    *int64            `json:"id"`
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args"`
}

type ackFrame struct {
	Ack  int64 `json:"ack"`
	Err  any   `json:"err"`
	Data any   `json:"data,omitempty"`
}

type eventFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encodeEvent(name string, data any) ([]byte, error) {
	return json.Marshal(eventFrame{Event: name, Data: data})
}

func encodeAck(id int64, err error, data any) ([]byte, error) {
	f := ackFrame{Ack: id, Data: data}
	if code := apperr.ClientCode(err); code != "" {
		f.Err = code
	}
	return json.Marshal(f)
}

type joinInfo struct {
	OTT string `json:"ott"`
}

func decodeRequest(frame []byte) (request, error) {
	var req request
	if err := json.Unmarshal(frame, &req); err != nil {
		return req, fmt.Errorf("malformed frame: %w", err)
	}
	if req.Event == "" {
		return req, errors.New("missing event")
	}
	return req, nil
}

func (r request) arg(i int) json.RawMessage {
	if i >= len(r.Args) {
		return nil
	}
	return r.Args[i]
}

// decodeInt accepts JSON numbers without a fractional part only.
func decodeInt(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}

func decodeJoin(raw json.RawMessage) (joinInfo, error) {
	var info joinInfo
	if len(raw) == 0 || raw[0] != '{' {
		return info, errors.New("[join] Invalid info")
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return info, errors.New("[join] Invalid info")
	}
	if info.OTT != "" && !isUUIDv4(info.OTT) {
		return info, errors.New("[join] ott not valid")
	}
	return info, nil
}

func isUUIDv4(s string) bool {
	id, err := uuid.Parse(s)
	return err == nil && len(s) == 36 && id.Version() == 4
}

// validateBet performs the structural checks of a place_bet request.
func validateBet(req request, granularity, maxBet int64) (amount, autoCashOut int64, err error) {
	amount, ok := decodeInt(req.arg(0))
	if !ok {
		return 0, 0, fmt.Errorf("[place_bet] No place bet amount: %s", req.arg(0))
	}
	if amount <= 0 || amount%granularity != 0 {
		return 0, 0, fmt.Errorf("[place_bet] Must place a bet in multiples of %d, got: %d", granularity, amount)
	}
	if amount > maxBet {
		return 0, 0, fmt.Errorf("[place_bet] Max bet size is %d got: %d", maxBet, amount)
	}
	if len(req.arg(1)) == 0 || string(req.arg(1)) == "null" {
		return 0, 0, errors.New("[place_bet] Must Send an autocashout with a bet")
	}
	autoCashOut, ok = decodeInt(req.arg(1))
	if !ok || autoCashOut < 100 {
		return 0, 0, errors.New("[place_bet] auto_cashout problem")
	}
	if req.ID == nil {
		return 0, 0, errors.New("[place_bet] No ack")
	}
	return amount, autoCashOut, nil
}

func decodeSay(raw json.RawMessage) (string, error) {
	var msg string
	if len(raw) == 0 || json.Unmarshal(raw, &msg) != nil {
		return "", errors.New("[say] no message")
	}
	if n := utf8.RuneCountInString(msg); n == 0 || n > chat.MaxMessageLength {
		return "", errors.New("[say] invalid message size")
	}
	return msg, nil
}

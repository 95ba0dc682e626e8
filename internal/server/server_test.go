package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumpcrash/internal/fairness"
	"pumpcrash/internal/game"
	"pumpcrash/internal/ledger"
	"pumpcrash/internal/metrics"
	"pumpcrash/internal/protocol"
)

var halfHash = "8000000000000" + strings.Repeat("0", 51)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type downStorage struct{}

func (downStorage) Ping(context.Context) error { return errors.New("connection refused") }
func (downStorage) Bankroll(context.Context) (int64, error) {
	return 0, errors.New("connection refused")
}

func newTestRouter(t *testing.T, storage Storage) (*gin.Engine, *protocol.Hub) {
	t.Helper()
	hub := protocol.NewHub(protocol.Options{Logger: quietLogger()})
	r := NewRouter(Deps{
		Hub:          hub,
		Storage:      storage,
		Metrics:      metrics.New(),
		HouseEdgeBPS: 100,
		Logger:       quietLogger(),
	})
	return r, hub
}

func get(r http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func newStore(t *testing.T) *ledger.Memory {
	t.Helper()
	chain, err := fairness.Generate("server-test", fairness.GenesisID, 3)
	require.NoError(t, err)
	return ledger.NewMemory(chain, fairness.GenesisID, 100)
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t, newStore(t))
	rec, body := get(r, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	r, _ = newTestRouter(t, downStorage{})
	rec, _ = get(r, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBankroll(t *testing.T) {
	r, _ := newTestRouter(t, newStore(t))
	rec, body := get(r, "/bankroll")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(100000000), body["bankroll"])

	r, _ = newTestRouter(t, downStorage{})
	rec, body = get(r, "/bankroll")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", body["error"])
}

func TestVerify(t *testing.T) {
	r, _ := newTestRouter(t, newStore(t))

	rec, body := get(r, "/verify?hash="+halfHash)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(198), body["crash_point"])
	assert.Equal(t, "1.98", body["multiplier"])
	assert.NotContains(t, body, "valid")

	_, body = get(r, "/verify?hash="+halfHash+"&prev="+fairness.Next(halfHash))
	assert.Equal(t, true, body["valid"])

	_, body = get(r, "/verify?hash="+halfHash+"&prev="+halfHash)
	assert.Equal(t, false, body["valid"])

	rec, _ = get(r, "/verify?hash=xyz")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory(t *testing.T) {
	r, hub := newTestRouter(t, newStore(t))
	hub.Publish(game.Event{Name: game.EventGameCrash, Data: game.GameCrash{
		RoundSummary: ledger.RoundSummary{ID: 1000000, CrashPoint: 250, Hash: "abc"},
	}})

	rec, body := get(r, "/history")
	assert.Equal(t, http.StatusOK, rec.Code)
	rounds := body["history"].([]any)
	require.Len(t, rounds, 1)
	assert.Equal(t, float64(250), rounds[0].(map[string]any)["game_crash"])
}

func TestMetricsRoute(t *testing.T) {
	r, _ := newTestRouter(t, newStore(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "crash_rounds_total")
}

func readUntilAck(t *testing.T, conn *websocket.Conn, id float64) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var m map[string]any
		require.NoError(t, conn.ReadJSON(&m))
		if m["ack"] == id {
			return m
		}
	}
}

func TestWebsocketJoinAndBet(t *testing.T) {
	store := newStore(t)
	alice := store.AddUser("alice", 5000, "")
	token := store.IssueToken(alice.ID)

	hub := protocol.NewHub(protocol.Options{Sessions: store, Logger: quietLogger()})
	opts := game.DefaultOptions()
	opts.StartDelay = time.Hour
	opts.Logger = quietLogger()
	eng := game.New(store, hub, opts)
	hub.SetEngine(eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	srv := httptest.NewServer(NewRouter(Deps{Hub: hub, Storage: store, HouseEdgeBPS: 100, Logger: quietLogger()}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"id": 1, "event": "join", "args": []any{map[string]any{"ott": token}},
	}))
	ack := readUntilAck(t, conn, 1)
	assert.Nil(t, ack["err"])
	data := ack["data"].(map[string]any)
	assert.Equal(t, "alice", data["username"])
	assert.Equal(t, "STARTING", data["state"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"id": 2, "event": "place_bet", "args": []any{1000, 200},
	}))
	ack = readUntilAck(t, conn, 2)
	assert.Nil(t, ack["err"])
	assert.Equal(t, int64(4000), store.Balance(alice.ID))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"id": 3, "event": "place_bet", "args": []any{1000, 200},
	}))
	ack = readUntilAck(t, conn, 3)
	assert.Equal(t, "DUPLICATE_BET", ack["err"])
}

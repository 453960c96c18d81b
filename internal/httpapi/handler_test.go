package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pmx/economy-engine/internal/events"
	"github.com/pmx/economy-engine/internal/httpapi"
	"github.com/pmx/economy-engine/internal/ledger"
	"github.com/pmx/economy-engine/internal/model"
	"github.com/pmx/economy-engine/internal/moneywave"
	"github.com/pmx/economy-engine/internal/settlement"
	"github.com/pmx/economy-engine/internal/store"
)

// newTestEnv wires the handler over an in-memory store.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	l := ledger.New(ms, nil)
	rec := &events.Recorder{}
	svc := settlement.NewService(ms, l, nil, rec, settlement.Config{}, nil)
	eng := moneywave.New(ms, l, svc, nil, rec, moneywave.Config{
		AllocationPercentage: decimal.RequireFromString("0.10"),
		IdleFraction:         decimal.RequireFromString("0.10"),
		IdleThresholdDays:    30,
		ActivityLookbackDays: 30,
	}, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", httpapi.New(l, svc, eng, nil).Mount)
	return ms, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, w.Body.String())
	}
	return body["error"]
}

func TestAccountLifecycle(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/accounts", httpapi.OpenAccountRequest{UserID: "alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/accounts", httpapi.OpenAccountRequest{UserID: "alice"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for a second account, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/accounts/alice/credit", httpapi.CreditRequest{Token: "PMC", Amount: 250})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", "/api/v1/accounts/alice", nil)
	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	if acct.PmcAvailable != 250 || acct.PmcLifetimeEarned != 250 {
		t.Errorf("unexpected balances: %+v", acct)
	}

	w = do(t, router, "GET", "/api/v1/accounts/alice/transactions", nil)
	var txs []model.LedgerTransaction
	json.Unmarshal(w.Body.Bytes(), &txs)
	if len(txs) != 1 || txs[0].Reason != model.ReasonActivityReward {
		t.Errorf("expected one ACTIVITY_REWARD transaction, got %+v", txs)
	}

	w = do(t, router, "GET", "/api/v1/accounts/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestValidationErrors(t *testing.T) {
	_, router := newTestEnv(t)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"missing user", "/api/v1/accounts", httpapi.OpenAccountRequest{}},
		{"bad token", "/api/v1/accounts/alice/credit", httpapi.CreditRequest{Token: "USD", Amount: 1}},
		{"zero credit", "/api/v1/accounts/alice/credit", httpapi.CreditRequest{Token: "PMP"}},
		{"bad kind", "/api/v1/games", httpapi.CreateGameRequest{Title: "x", Kind: "DICE"}},
		{"slash in game id", "/api/v1/games", httpapi.CreateGameRequest{ID: "g/a", Title: "x", Kind: "BINARY"}},
		{"slash in stake user", "/api/v1/games/g1/stakes", httpapi.StakeRequest{UserID: "a/b", Token: "PMP", Amount: 1, Answer: "yes"}},
		{"confidence above one", "/api/v1/games/g1/stakes", httpapi.StakeRequest{
			UserID: "alice", Token: "PMP", Amount: 1, Answer: "yes", Confidence: func() *float64 { v := 1.5; return &v }(),
		}},
		{"bad wave date", "/api/v1/waves/1/run", httpapi.WaveRequest{Date: "03/01/2026"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", tt.path, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest("POST", "/api/v1/accounts", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest || errorOf(t, w) != "invalid request body" {
		t.Errorf("expected invalid body error, got %d %s", w.Code, w.Body.String())
	}
}

func TestGameFlowOverHTTP(t *testing.T) {
	_, router := newTestEnv(t)
	do(t, router, "POST", "/api/v1/accounts", httpapi.OpenAccountRequest{UserID: "alice"})
	do(t, router, "POST", "/api/v1/accounts/alice/credit", httpapi.CreditRequest{Token: "PMP", Amount: 1000})

	w := do(t, router, "POST", "/api/v1/games", httpapi.CreateGameRequest{ID: "g1", Title: "rain tomorrow", Kind: "BINARY"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/games/g1/stakes", httpapi.StakeRequest{UserID: "alice", Token: "PMP", Amount: 200, Answer: "yes"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/games/g1/stakes", httpapi.StakeRequest{UserID: "alice", Token: "PMP", Amount: 5000, Answer: "no"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for a second stake, got %d", w.Code)
	}

	// Settling an open game is a state error.
	w = do(t, router, "POST", "/api/v1/games/g1/settle", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}

	for _, step := range []struct {
		path string
		body any
	}{
		{"/api/v1/games/g1/close", nil},
		{"/api/v1/games/g1/outcome", httpapi.OutcomeRequest{Outcome: "yes"}},
	} {
		if w := do(t, router, "POST", step.path, step.body); w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", step.path, w.Code, w.Body.String())
		}
	}

	w = do(t, router, "POST", "/api/v1/games/g1/settle", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var rep settlement.Report
	json.Unmarshal(w.Body.Bytes(), &rep)
	if rep.Status != model.GameSettled || rep.Settled != 1 {
		t.Errorf("unexpected report: %+v", rep)
	}

	w = do(t, router, "GET", "/api/v1/accounts/alice", nil)
	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	// Correct binary answer: multiplier 1.2 on 200.
	if acct.PmpAvailable != 1040 || acct.PmpLocked != 0 {
		t.Errorf("unexpected balances after settlement: %+v", acct)
	}
}

func TestInsufficientBalanceIsUnprocessable(t *testing.T) {
	_, router := newTestEnv(t)
	do(t, router, "POST", "/api/v1/accounts", httpapi.OpenAccountRequest{UserID: "bob"})
	do(t, router, "POST", "/api/v1/games", httpapi.CreateGameRequest{ID: "g1", Title: "t", Kind: "BINARY"})

	w := do(t, router, "POST", "/api/v1/games/g1/stakes", httpapi.StakeRequest{UserID: "bob", Token: "PMC", Amount: 10, Answer: "yes"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	if msg := errorOf(t, w); msg == model.GenericFailure {
		t.Errorf("balance errors should be shown as-is, got %q", msg)
	}
}

func TestWaveRunsAreIdempotent(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/waves/1/run", httpapi.WaveRequest{Date: "2026-03-01"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, "POST", "/api/v1/waves/1/run", httpapi.WaveRequest{Date: "2026-03-01"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for a repeated run, got %d", w.Code)
	}

	// An empty body means today.
	w = do(t, router, "POST", "/api/v1/waves/2/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestIncentiveEndpoints(t *testing.T) {
	_, router := newTestEnv(t)
	do(t, router, "POST", "/api/v1/accounts", httpapi.OpenAccountRequest{UserID: "sponsor"})
	do(t, router, "POST", "/api/v1/accounts/sponsor/credit", httpapi.CreditRequest{Token: "PMC", Amount: 1000})

	w := do(t, router, "POST", "/api/v1/incentives", httpapi.IncentiveRequest{
		SponsorID:           "sponsor",
		Pool:                300,
		MinimumParticipants: 1,
		Deadline:            time.Now().Add(time.Hour),
		Title:               "derby",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var req model.CustomIncentiveRequest
	json.Unmarshal(w.Body.Bytes(), &req)
	if req.State != model.IncentiveRequested || req.Token != model.PMC {
		t.Fatalf("unexpected request: %+v", req)
	}

	path := "/api/v1/incentives/" + string(req.ID)
	w = do(t, router, "POST", path+"/join", httpapi.JoinRequest{UserID: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", path+"/process", nil)
	json.Unmarshal(w.Body.Bytes(), &req)
	if req.State != model.IncentiveGameCreated || req.GameID == "" {
		t.Errorf("expected GAME_CREATED with a game, got %+v", req)
	}

	w = do(t, router, "GET", "/api/v1/incentives/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

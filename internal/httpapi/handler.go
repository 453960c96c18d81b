// Package httpapi exposes the economy engine to operators over HTTP.
//
// Request bodies are JSON and validated with struct tags before any service
// call. Errors are rendered through model.PublicError, so internal failures
// never leak detail to clients.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/pmx/economy-engine/internal/ledger"
	"github.com/pmx/economy-engine/internal/model"
	"github.com/pmx/economy-engine/internal/moneywave"
	"github.com/pmx/economy-engine/internal/settlement"
)

// Handler serves the operator API.
type Handler struct {
	ledger   *ledger.Ledger
	games    *settlement.Service
	waves    *moneywave.Engine
	validate *validator.Validate
	logger   *slog.Logger
}

// New creates a Handler.
func New(l *ledger.Ledger, games *settlement.Service, waves *moneywave.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ledger:   l,
		games:    games,
		waves:    waves,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Mount registers every route under r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/accounts", h.OpenAccount)
	r.Get("/accounts/{userID}", h.GetAccount)
	r.Get("/accounts/{userID}/transactions", h.GetTransactions)
	r.Post("/accounts/{userID}/credit", h.Credit)

	r.Post("/games", h.CreateGame)
	r.Get("/games/{gameID}", h.GetGame)
	r.Get("/games/{gameID}/stakes", h.GetStakes)
	r.Post("/games/{gameID}/stakes", h.PlaceStake)
	r.Post("/games/{gameID}/close", h.CloseGame)
	r.Post("/games/{gameID}/outcome", h.RecordOutcome)
	r.Post("/games/{gameID}/settle", h.SettleGame)
	r.Post("/games/{gameID}/cancel", h.CancelGame)

	r.Post("/waves/1/run", h.RunWave1)
	r.Post("/waves/2/run", h.RunWave2)

	r.Post("/incentives", h.RequestIncentive)
	r.Get("/incentives/{requestID}", h.GetIncentive)
	r.Post("/incentives/{requestID}/join", h.JoinIncentive)
	r.Post("/incentives/{requestID}/process", h.ProcessIncentive)
}

// --- Request types ---

// OpenAccountRequest is the body for POST /accounts.
type OpenAccountRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

// CreditRequest is the body for POST /accounts/{userID}/credit. Operator
// credits are always booked as ACTIVITY_REWARD.
type CreditRequest struct {
	Token   string `json:"token" validate:"required,oneof=PMP PMC"`
	Amount  int64  `json:"amount" validate:"gt=0"`
	Related string `json:"related,omitempty" validate:"max=256"`
}

// CreateGameRequest is the body for POST /games.
type CreateGameRequest struct {
	ID                    string          `json:"id,omitempty" validate:"max=128,excludes=/"`
	Title                 string          `json:"title" validate:"required,max=256"`
	Kind                  string          `json:"kind" validate:"required,oneof=BINARY CONFIDENCE NUMERIC"`
	Tolerance             decimal.Decimal `json:"tolerance"`
	Importance            decimal.Decimal `json:"importance"`
	DifficultyMultiplier  decimal.Decimal `json:"difficulty_multiplier"`
	EstimatedParticipants int             `json:"estimated_participants" validate:"gte=0"`
	PrizeEligible         bool            `json:"prize_eligible"`
}

// StakeRequest is the body for POST /games/{gameID}/stakes.
type StakeRequest struct {
	UserID     string   `json:"user_id" validate:"required,max=128,excludes=/"`
	Token      string   `json:"token" validate:"required,oneof=PMP PMC"`
	Amount     int64    `json:"amount" validate:"gt=0"`
	Answer     string   `json:"answer" validate:"required,max=256"`
	Confidence *float64 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// OutcomeRequest is the body for POST /games/{gameID}/outcome.
type OutcomeRequest struct {
	Outcome string `json:"outcome" validate:"required,max=256"`
}

// WaveRequest is the body for the wave run endpoints. An empty date means
// today (UTC).
type WaveRequest struct {
	Date string `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// IncentiveRequest is the body for POST /incentives.
type IncentiveRequest struct {
	SponsorID           string    `json:"sponsor_id" validate:"required"`
	Token               string    `json:"token,omitempty" validate:"omitempty,oneof=PMP PMC"`
	Pool                int64     `json:"incentive_pool" validate:"gt=0"`
	MinimumParticipants int       `json:"minimum_participants" validate:"gte=1"`
	Deadline            time.Time `json:"deadline" validate:"required"`
	Title               string    `json:"title" validate:"required,max=256"`
}

// JoinRequest is the body for POST /incentives/{requestID}/join.
type JoinRequest struct {
	UserID             string          `json:"user_id" validate:"required"`
	ContributionWeight decimal.Decimal `json:"contribution_weight"`
}

// --- Accounts ---

// OpenAccount handles POST /api/v1/accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	acct, err := h.ledger.OpenAccount(r.Context(), model.UserID(req.UserID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{userID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.ledger.Account(r.Context(), model.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetTransactions handles GET /api/v1/accounts/{userID}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.ledger.Transactions(r.Context(), model.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.LedgerTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// Credit handles POST /api/v1/accounts/{userID}/credit
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if !h.decode(w, r, &req) {
		return
	}
	acct, err := h.ledger.Credit(r.Context(), model.UserID(chi.URLParam(r, "userID")),
		model.TokenType(req.Token), model.Amount(req.Amount), model.ReasonActivityReward, req.Related)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// --- Games ---

// CreateGame handles POST /api/v1/games
func (h *Handler) CreateGame(w http.ResponseWriter, r *http.Request) {
	var req CreateGameRequest
	if !h.decode(w, r, &req) {
		return
	}
	g, err := h.games.CreateGame(r.Context(), settlement.NewGame{
		ID:                    model.GameID(req.ID),
		Title:                 req.Title,
		Kind:                  model.GameKind(req.Kind),
		Tolerance:             req.Tolerance,
		Importance:            req.Importance,
		DifficultyMultiplier:  req.DifficultyMultiplier,
		EstimatedParticipants: req.EstimatedParticipants,
		PrizeEligible:         req.PrizeEligible,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// GetGame handles GET /api/v1/games/{gameID}
func (h *Handler) GetGame(w http.ResponseWriter, r *http.Request) {
	g, err := h.games.Game(r.Context(), gameID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// GetStakes handles GET /api/v1/games/{gameID}/stakes
func (h *Handler) GetStakes(w http.ResponseWriter, r *http.Request) {
	stakes, err := h.games.Stakes(r.Context(), gameID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if stakes == nil {
		stakes = []model.Stake{}
	}
	writeJSON(w, http.StatusOK, stakes)
}

// PlaceStake handles POST /api/v1/games/{gameID}/stakes
func (h *Handler) PlaceStake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if !h.decode(w, r, &req) {
		return
	}
	st, err := h.games.PlaceStake(r.Context(), gameID(r), model.UserID(req.UserID),
		model.TokenType(req.Token), model.Amount(req.Amount), req.Answer, req.Confidence)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// CloseGame handles POST /api/v1/games/{gameID}/close
func (h *Handler) CloseGame(w http.ResponseWriter, r *http.Request) {
	if err := h.games.Close(r.Context(), gameID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.GetGame(w, r)
}

// RecordOutcome handles POST /api/v1/games/{gameID}/outcome
func (h *Handler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.games.RecordOutcome(r.Context(), gameID(r), req.Outcome); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.GetGame(w, r)
}

// SettleGame handles POST /api/v1/games/{gameID}/settle
func (h *Handler) SettleGame(w http.ResponseWriter, r *http.Request) {
	rep, err := h.games.Settle(r.Context(), gameID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// CancelGame handles POST /api/v1/games/{gameID}/cancel
func (h *Handler) CancelGame(w http.ResponseWriter, r *http.Request) {
	if err := h.games.Cancel(r.Context(), gameID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.GetGame(w, r)
}

// --- Waves ---

// RunWave1 handles POST /api/v1/waves/1/run
func (h *Handler) RunWave1(w http.ResponseWriter, r *http.Request) {
	date, ok := h.waveDate(w, r)
	if !ok {
		return
	}
	res, err := h.waves.RunWave1(r.Context(), date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RunWave2 handles POST /api/v1/waves/2/run
func (h *Handler) RunWave2(w http.ResponseWriter, r *http.Request) {
	date, ok := h.waveDate(w, r)
	if !ok {
		return
	}
	batch, err := h.waves.RunWave2(r.Context(), date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) waveDate(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	var req WaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeErrorMessage(w, "invalid request body", http.StatusBadRequest)
		return time.Time{}, false
	}
	if !h.valid(w, &req) {
		return time.Time{}, false
	}
	if req.Date == "" {
		return time.Now().UTC(), true
	}
	date, _ := time.Parse(time.DateOnly, req.Date)
	return date, true
}

// --- Incentives ---

// RequestIncentive handles POST /api/v1/incentives
func (h *Handler) RequestIncentive(w http.ResponseWriter, r *http.Request) {
	var req IncentiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	inc, err := h.waves.RequestIncentive(r.Context(), moneywave.NewIncentive{
		SponsorID:           model.UserID(req.SponsorID),
		Token:               model.TokenType(req.Token),
		Pool:                model.Amount(req.Pool),
		MinimumParticipants: req.MinimumParticipants,
		Deadline:            req.Deadline,
		Title:               req.Title,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

// GetIncentive handles GET /api/v1/incentives/{requestID}
func (h *Handler) GetIncentive(w http.ResponseWriter, r *http.Request) {
	inc, err := h.waves.Incentive(r.Context(), requestID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// JoinIncentive handles POST /api/v1/incentives/{requestID}/join
func (h *Handler) JoinIncentive(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.waves.JoinIncentive(r.Context(), requestID(r), model.UserID(req.UserID), req.ContributionWeight); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.GetIncentive(w, r)
}

// ProcessIncentive handles POST /api/v1/incentives/{requestID}/process
func (h *Handler) ProcessIncentive(w http.ResponseWriter, r *http.Request) {
	inc, err := h.waves.ProcessIncentiveRequest(r.Context(), requestID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// --- helpers ---

func gameID(r *http.Request) model.GameID {
	return model.GameID(chi.URLParam(r, "gameID"))
}

func requestID(r *http.Request) model.RequestID {
	return model.RequestID(chi.URLParam(r, "requestID"))
}

// decode reads and validates the JSON body into dst, writing a 400 on
// failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErrorMessage(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return h.valid(w, dst)
}

func (h *Handler) valid(w http.ResponseWriter, dst any) bool {
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" failed "+fe.Tag())
			}
			writeErrorMessage(w, "invalid request: "+strings.Join(fields, ", "), http.StatusBadRequest)
			return false
		}
		writeErrorMessage(w, "invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps err to a status and a presentation-safe message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	msg, expected := model.PublicError(err)
	status := statusFor(err)
	if !expected {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeErrorMessage(w, msg, status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrAllocationNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, model.ErrDuplicateInvocation),
		errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrUngradableGame):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientAvailableBalance),
		errors.Is(err, model.ErrInsufficientLockedBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidInput),
		errors.Is(err, model.ErrInvalidAccuracyScore):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrRepositoryUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErrorMessage writes a JSON error response.
func writeErrorMessage(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

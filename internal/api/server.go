package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"audiogen/internal/ledger"
	"audiogen/internal/models"
	"audiogen/internal/orchestrator"
	"audiogen/internal/ratelimit"
	"audiogen/internal/telemetry"
)

// Server wires HTTP handlers for the generation API. Authentication happens
// upstream; the verified user id arrives in the X-User-ID header.
type Server struct {
	orch    *orchestrator.Service
	ledger  *ledger.Service
	db      orchestrator.TxRunner
	limiter *ratelimit.TokenBucket
	log     zerolog.Logger
}

// New constructs the API server.
func New(orch *orchestrator.Service, lg *ledger.Service, db orchestrator.TxRunner, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	return &Server{orch: orch, ledger: lg, db: db, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/v1/generations", s.handleSubmit)
	r.Get("/v1/generations/{id}", s.handleStatus)
	r.Get("/v1/balance", s.handleBalance)
	r.Post("/v1/credits/purchase", s.handlePurchase)
	return r
}

type submitRequest struct {
	Prompt     string `json:"prompt"`
	LengthMs   int64  `json:"length_ms"`
	ProviderID string `json:"provider_id"`
	Name       string `json:"name"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowUser(r.Context(), userID.String())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	result, err := s.orch.Submit(r.Context(), userID, req.Prompt, req.LengthMs, req.ProviderID, req.Name)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		telemetry.RejectedCounter.Inc()
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "insufficient credits",
			"required":  insufficient.Required,
			"available": insufficient.Available,
			"shortfall": insufficient.Shortfall,
		})
	case errors.Is(err, ledger.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, ledger.ErrPricingUnavailable):
		s.log.Error().Err(err).Msg("pricing configuration error")
		writeError(w, http.StatusInternalServerError, "pricing unavailable")
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error().Err(err).Msg("submission failed")
		writeError(w, http.StatusInternalServerError, "submission failed")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	projection, err := s.orch.GetStatus(r.Context(), jobID, userID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.log.Error().Err(err).Str("job_id", jobID.String()).Msg("status query failed")
		writeError(w, http.StatusInternalServerError, "status query failed")
		return
	}
	writeJSON(w, http.StatusOK, projection)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	balance, err := s.ledger.CheckBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "balance query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

type purchaseRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// handlePurchase is the inbound edge of the payment-webhook collaborator: it
// funds the ledger with the same atomic increment contract refunds use.
func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	var txn *models.Transaction
	err := s.db.WithTx(r.Context(), func(tx pgx.Tx) error {
		var err error
		txn, err = s.ledger.Purchase(r.Context(), tx, userID, req.Amount, req.Description)
		return err
	})
	if err != nil {
		if errors.Is(err, ledger.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		s.log.Error().Err(err).Str("user_id", userID.String()).Msg("purchase failed")
		writeError(w, http.StatusInternalServerError, "purchase failed")
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

func userFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid user identity")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

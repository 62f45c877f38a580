// Package httpapi exposes the administrative API over HTTP. Every handler
// delegates to the admin service and translates its error codes to status
// codes; engine internals never leak into responses.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/axisrow/alpaca-bot/internal/admin"
)

// Server serves the admin HTTP API.
type Server struct {
	svc *admin.Service
	log *slog.Logger
}

// NewServer creates the admin API server.
func NewServer(svc *admin.Service, log *slog.Logger) *Server {
	return &Server{svc: svc, log: log}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/investors", s.handleRegister)
	mux.HandleFunc("POST /api/deposit", s.handleDeposit)
	mux.HandleFunc("POST /api/withdraw", s.handleWithdraw)
	mux.HandleFunc("GET /api/balance/{name}", s.handleBalance)
	mux.HandleFunc("POST /api/cycle", s.handleCycle)
	mux.HandleFunc("POST /api/reactivate/{name}", s.handleReactivate)
	mux.HandleFunc("GET /api/export/{name}", s.handleExport)
}

// Handler returns an http.Handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logMiddleware(mux)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("http request",
			"method", r.Method, "path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

// statusFor maps admin error codes to HTTP statuses.
func statusFor(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case admin.CodeInvalidAmount, admin.CodeInvalidName, admin.CodeInvalidFeePercent:
		return http.StatusBadRequest
	case admin.CodeUnknownInvestor, admin.CodeNoData:
		return http.StatusNotFound
	case admin.CodeInsufficientFunds, admin.CodeUnknownTier:
		return http.StatusUnprocessableEntity
	case admin.CodeDuplicateInvestor, admin.CodeFeeReceiverExists, admin.CodeCycleRunning:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decode[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var req T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return req, false
	}
	return req, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[RegisterRequest](w, r)
	if !ok {
		return
	}
	res := s.svc.Register(r.Context(), req.Name, req.FeePercent, req.FeeReceiver)
	writeJSON(w, statusFor(res.Err), res)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[OperationRequest](w, r)
	if !ok {
		return
	}
	res := s.svc.Deposit(r.Context(), req.Name, req.Amount, req.Tier)
	writeJSON(w, statusFor(res.Err), res)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[OperationRequest](w, r)
	if !ok {
		return
	}
	res := s.svc.Withdraw(r.Context(), req.Name, req.Amount, req.Tier)
	writeJSON(w, statusFor(res.Err), res)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	res := s.svc.BalanceCheck(r.Context(), r.PathValue("name"))
	writeJSON(w, statusFor(res.Err), res)
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	res := s.svc.RunCycle(r.Context())
	writeJSON(w, statusFor(res.Err), res)
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	res := s.svc.Reactivate(r.Context(), r.PathValue("name"))
	writeJSON(w, statusFor(res.Err), res)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	res := s.svc.Export(r.Context(), r.PathValue("name"))
	if res.Err != "" {
		writeJSON(w, statusFor(res.Err), res)
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=\""+r.PathValue("name")+".parquet\"")
	http.ServeFile(w, r, res.FilePath)
}

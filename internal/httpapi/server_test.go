package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/axisrow/alpaca-bot/internal/admin"
	"github.com/axisrow/alpaca-bot/internal/broker"
	"github.com/axisrow/alpaca-bot/internal/fees"
	"github.com/axisrow/alpaca-bot/internal/ledger"
	"github.com/axisrow/alpaca-bot/internal/manager"
	"github.com/axisrow/alpaca-bot/internal/opsqueue"
	"github.com/axisrow/alpaca-bot/internal/util"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	log := util.NewLogger("error")
	dir := t.TempDir()
	store, err := ledger.OpenSQLite(filepath.Join(dir, "ledger.db"), log)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	weights := map[string]decimal.Decimal{
		"low":    decimal.RequireFromString("0.45"),
		"medium": decimal.RequireFromString("0.35"),
		"high":   decimal.RequireFromString("0.2"),
	}
	loc, _ := time.LoadLocation("America/New_York")
	archive := ledger.NewParquetArchive(filepath.Join(dir, "archive"))
	m := manager.New(manager.Params{
		Store:   store,
		Archive: archive,
		Queue:   opsqueue.New(store, weights, log),
		Fees:    fees.NewEngine(loc),
		Ports: map[string]broker.ExecutionPort{
			"low":    broker.NewSimulatorPort("low"),
			"medium": broker.NewSimulatorPort("medium"),
			"high":   broker.NewSimulatorPort("high"),
		},
		Tolerance: decimal.RequireFromString("1"),
		Location:  loc,
		Log:       log,
	})
	return NewServer(admin.New(m, archive, log), log).Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPILifecycle(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, "POST", "/api/investors", `{"name":"alice","fee_percent":"0.2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, "POST", "/api/deposit", `{"name":"alice","amount":"100000"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, "POST", "/api/cycle", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cycle status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, "GET", "/api/balance/alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d, body %s", rec.Code, rec.Body)
	}
	var bal admin.BalanceResult
	if err := json.Unmarshal(rec.Body.Bytes(), &bal); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if bal.Balance != "100000.00" {
		t.Errorf("balance = %s, want 100000.00", bal.Balance)
	}

	rec = doJSON(t, h, "GET", "/api/export/alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "alice.parquet") {
		t.Errorf("disposition = %q, want attachment with file name", got)
	}
}

func TestAPIErrorStatuses(t *testing.T) {
	h := newTestHandler(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown investor", "GET", "/api/balance/nobody", "", http.StatusNotFound},
		{"bad amount", "POST", "/api/deposit", `{"name":"x","amount":"abc"}`, http.StatusBadRequest},
		{"malformed body", "POST", "/api/deposit", `{`, http.StatusBadRequest},
		{"export without data", "GET", "/api/export/nobody", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h, tc.method, tc.path, tc.body)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body)
			}
		})
	}

	// Duplicate registration and overdraw map to conflict and 422.
	if rec := doJSON(t, h, "POST", "/api/investors", `{"name":"bob","fee_percent":"0.1"}`); rec.Code != http.StatusOK {
		t.Fatalf("register status = %d", rec.Code)
	}
	if rec := doJSON(t, h, "POST", "/api/investors", `{"name":"bob","fee_percent":"0.1"}`); rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", rec.Code)
	}
	if rec := doJSON(t, h, "POST", "/api/withdraw", `{"name":"bob","amount":"500"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("overdraw status = %d, want 422", rec.Code)
	}
}

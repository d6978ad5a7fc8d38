package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/predictops/schemapatch/internal/auth"
	"github.com/predictops/schemapatch/internal/ledger"
	"github.com/predictops/schemapatch/internal/runner"
	"github.com/predictops/schemapatch/internal/server"
	"github.com/predictops/schemapatch/internal/source"
	"go.uber.org/zap"
)

var testPatches = []source.Patch{
	{ID: "runs", Up: "CREATE TABLE runs (id uuid PRIMARY KEY);", Down: "DROP TABLE runs;"},
	{ID: "predictions", Requires: []string{"runs"}, Up: "CREATE TABLE predictions (run_id uuid);", Down: "DROP TABLE predictions;"},
}

type fixture struct {
	router *gin.Engine
	ledger *ledger.MemoryLedger
	tokens *auth.TokenIssuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	l := ledger.NewMemory("test")
	r := runner.New(l, zap.NewNop())
	tokens := auth.NewTokenIssuer([]byte("test-secret"), "", "patchd-test", 0)

	h := server.NewPatchHandler(l, r, testPatches, tokens, zap.NewNop())
	router := gin.New()
	h.Register(router.Group("/api/v1"))

	return &fixture{router: router, ledger: l, tokens: tokens}
}

func (f *fixture) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) adminToken(t *testing.T) string {
	t.Helper()
	token, err := f.tokens.Issue("test")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestList_pendingAndInstalled(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/patches", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", w.Code)
	}

	var body struct {
		Installed []json.RawMessage `json:"installed"`
		Pending   []string          `json:"pending"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Installed) != 0 || len(body.Pending) != 2 {
		t.Errorf("fresh ledger: installed=%d pending=%v", len(body.Installed), body.Pending)
	}
}

func TestApply_requiresAdminToken(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, http.MethodPost, "/api/v1/patches/apply", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: got %d, want 401", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/v1/patches/apply", "garbage"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: got %d, want 401", w.Code)
	}
}

func TestApply_thenListShowsInstalled(t *testing.T) {
	f := newFixture(t)
	token := f.adminToken(t)

	w := f.do(t, http.MethodPost, "/api/v1/patches/apply", token)
	if w.Code != http.StatusOK {
		t.Fatalf("apply: got %d, body %s", w.Code, w.Body.String())
	}

	var report runner.Report
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if len(report.Applied) != 2 {
		t.Errorf("applied: got %v, want both patches", report.Applied)
	}

	// Second apply is a full skip.
	w = f.do(t, http.MethodPost, "/api/v1/patches/apply", token)
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if len(report.Applied) != 0 || len(report.Skipped) != 2 {
		t.Errorf("second apply: applied=%v skipped=%v", report.Applied, report.Skipped)
	}
}

func TestGet_installedPatch(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/v1/patches/apply", f.adminToken(t))

	w := f.do(t, http.MethodGet, "/api/v1/patches/predictions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}

	var body struct {
		ID       string   `json:"id"`
		Requires []string `json:"requires"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.ID != "predictions" || len(body.Requires) != 1 || body.Requires[0] != "runs" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestGet_notInstalled(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, http.MethodGet, "/api/v1/patches/runs", ""); w.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", w.Code)
	}
}

func TestRevert_blockedWhileRequired(t *testing.T) {
	f := newFixture(t)
	token := f.adminToken(t)
	f.do(t, http.MethodPost, "/api/v1/patches/apply", token)

	if w := f.do(t, http.MethodDelete, "/api/v1/patches/runs", token); w.Code != http.StatusConflict {
		t.Errorf("revert required patch: got %d, want 409", w.Code)
	}

	// Removing the dependent first unblocks the base.
	if w := f.do(t, http.MethodDelete, "/api/v1/patches/predictions", token); w.Code != http.StatusOK {
		t.Errorf("revert predictions: got %d, want 200", w.Code)
	}
	if w := f.do(t, http.MethodDelete, "/api/v1/patches/runs", token); w.Code != http.StatusOK {
		t.Errorf("revert runs after dependent removed: got %d, want 200", w.Code)
	}

	installed, _ := f.ledger.IsInstalled(context.Background(), "runs")
	if installed {
		t.Error("runs should be uninstalled")
	}
}

func TestRevert_notInstalled(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodDelete, "/api/v1/patches/runs", f.adminToken(t))
	if w.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", w.Code)
	}
}

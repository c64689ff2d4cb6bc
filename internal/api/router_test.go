package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitlair/Print-manager/internal/access"
	"github.com/bitlair/Print-manager/internal/auth"
	"github.com/bitlair/Print-manager/internal/config"
	"github.com/bitlair/Print-manager/internal/core"
	"github.com/bitlair/Print-manager/internal/db"
)

func newTestRouter(t *testing.T, staticDir string) (*gin.Engine, *db.PaymentOperations) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	payments := db.NewPaymentOperations(database)

	policy, err := core.NewPolicy(config.PolicyConfig{
		OperatingHours: map[int]config.WindowConfig{5: {Start: "19:00", End: "22:00"}},
		Buffer:         30 * time.Minute,
	})
	require.NoError(t, err)

	manager := core.NewManager(policy, nil)
	for i, serial := range []string{"01P00A000000002", "01P00A000000001"} {
		p := core.NewPrinter(core.PrinterOptions{Serial: serial, Title: "Printer", Ordinal: i}, core.PrinterDeps{Notify: manager.Notify})
		require.NoError(t, manager.AddPrinter(p, nil))
	}

	tokens, err := auth.NewTokens("secret", time.Minute)
	require.NoError(t, err)
	hub := NewHub(manager, tokens, access.NewDirectory(nil, "DJO"), HubOptions{})

	return NewRouter(RouterDeps{
		Printers:  manager,
		Payments:  payments,
		DB:        database,
		Hub:       hub,
		StaticDir: staticDir,
	}), payments
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_Printers(t *testing.T) {
	r, _ := newTestRouter(t, "")

	w := do(r, http.MethodGet, "/api/printers")
	require.Equal(t, http.StatusOK, w.Code)
	var views []core.PrinterView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "01P00A000000002", views[0].Serial)
	assert.Equal(t, core.StateIdle, views[0].State)

	w = do(r, http.MethodGet, "/api/printers/01P00A000000001")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"serial":"01P00A000000001"`)
	assert.NotContains(t, w.Body.String(), "password")

	w = do(r, http.MethodGet, "/api/printers/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "printer_not_found")

	assert.Equal(t, http.StatusAccepted, do(r, http.MethodPost, "/api/printers/01P00A000000001/refresh").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/api/printers/unknown/refresh").Code)
}

func TestRouter_Policy(t *testing.T) {
	r, _ := newTestRouter(t, "")

	w := do(r, http.MethodGet, "/api/policy")
	require.Equal(t, http.StatusOK, w.Code)
	var view core.PolicyView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, core.Window{Start: 1110, End: 1350}, view.OperatingHours[5])
	assert.Equal(t, 2, view.SpeedCap)
}

func TestRouter_Payments(t *testing.T) {
	r, payments := newTestRouter(t, "")
	ctx := context.Background()

	for _, p := range []db.Payment{
		{PrinterSerial: "01P00A000000001", ContentHash: "a", WeightGrams: 12, Username: "djo", Status: db.PaymentSucceeded},
		{PrinterSerial: "01P00A000000002", ContentHash: "b", WeightGrams: 3, Username: "alice", Status: db.PaymentFailed},
	} {
		p := p
		_, err := payments.CreatePayment(ctx, &p)
		require.NoError(t, err)
	}

	w := do(r, http.MethodGet, "/api/payments?printer=01P00A000000001")
	require.Equal(t, http.StatusOK, w.Code)
	var list []db.Payment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "djo", list[0].Username)

	w = do(r, http.MethodGet, "/api/payments/totals")
	require.Equal(t, http.StatusOK, w.Code)
	var totals []db.UserTotal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &totals))
	assert.Equal(t, []db.UserTotal{{Username: "djo", WeightGrams: 12, Prints: 1}}, totals)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/payments?limit=lots").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/payments?offset=x").Code)
}

func TestRouter_Health(t *testing.T) {
	r, _ := newTestRouter(t, "")

	w := do(r, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","sessions":0}`, w.Body.String())
}

func TestRouter_StaticDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>kiosk</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644))
	r, _ := newTestRouter(t, dir)

	w := do(r, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kiosk")

	w = do(r, http.MethodGet, "/ui/app.js")
	assert.Equal(t, http.StatusOK, w.Code)
}

package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/RoboFinSystems/robosystems-sub003/internal/store/gormstore"
	"github.com/RoboFinSystems/robosystems-sub003/pkg/credits"
)

func TestCreditAPIPoolLifecycle(t *testing.T) {
	server := newTestServer(t, true, "")
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	// Provision a pool for the seeded graph.
	created := doJSON(t, ts, http.MethodPost, "/v1/pools", map[string]any{
		"kind":        "graph",
		"resource_id": "kg1a2b3c",
		"tier":        "standard",
	}, http.StatusCreated)
	if created["current_balance"] != "10000.00" {
		t.Fatalf("expected tier default balance, got %v", created["current_balance"])
	}

	// Consume against it.
	consumed := doJSON(t, ts, http.MethodPost, "/v1/pools/graph/kg1a2b3c/consume", map[string]any{
		"amount":         "150.50",
		"operation_type": "agent_call",
		"description":    "entity analysis",
	}, http.StatusOK)
	if consumed["new_balance"] != "9849.50" {
		t.Fatalf("expected balance 9849.50, got %v", consumed["new_balance"])
	}

	// Replay with an idempotency key debits once.
	payload := map[string]any{
		"amount":          "100",
		"operation_type":  "query",
		"idempotency_key": "op-http-1",
	}
	first := doJSON(t, ts, http.MethodPost, "/v1/pools/graph/kg1a2b3c/consume", payload, http.StatusOK)
	second := doJSON(t, ts, http.MethodPost, "/v1/pools/graph/kg1a2b3c/consume", payload, http.StatusOK)
	if second["already_applied"] != true {
		t.Fatalf("expected replayed result, got %v", second)
	}
	if first["transaction_id"] != second["transaction_id"] {
		t.Fatalf("expected same transaction, got %v and %v", first["transaction_id"], second["transaction_id"])
	}

	// Summary reflects both debits.
	summary := doJSON(t, ts, http.MethodGet, "/v1/pools/graph/kg1a2b3c/summary", nil, http.StatusOK)
	if summary["current_balance"] != "9749.50" {
		t.Fatalf("expected balance 9749.50, got %v", summary["current_balance"])
	}
	if summary["consumed_this_period"] != "250.50" {
		t.Fatalf("expected consumed 250.50, got %v", summary["consumed_this_period"])
	}

	// Transactions listed newest first, initial allocation included.
	listed := doJSON(t, ts, http.MethodGet, "/v1/pools/graph/kg1a2b3c/transactions", nil, http.StatusOK)
	transactions, ok := listed["transactions"].([]any)
	if !ok || len(transactions) != 3 {
		t.Fatalf("expected 3 transactions, got %v", listed["transactions"])
	}
}

func TestCreditAPIErrorMapping(t *testing.T) {
	server := newTestServer(t, true, "")
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	doJSON(t, ts, http.MethodPost, "/v1/pools", map[string]any{
		"kind":        "graph",
		"resource_id": "kg1a2b3c",
		"tier":        "standard",
	}, http.StatusCreated)

	// Unknown resource.
	doJSON(t, ts, http.MethodPost, "/v1/pools", map[string]any{
		"kind":        "graph",
		"resource_id": "kg-ghost",
		"tier":        "standard",
	}, http.StatusNotFound)

	// Duplicate pool.
	doJSON(t, ts, http.MethodPost, "/v1/pools", map[string]any{
		"kind":        "graph",
		"resource_id": "kg1a2b3c",
		"tier":        "standard",
	}, http.StatusConflict)

	// Invalid kind.
	doJSON(t, ts, http.MethodPost, "/v1/pools/wallet/kg1a2b3c/consume", map[string]any{
		"amount":         "1",
		"operation_type": "query",
	}, http.StatusBadRequest)

	// Unknown pool.
	doJSON(t, ts, http.MethodPost, "/v1/pools/repository/sec/consume", map[string]any{
		"amount":         "1",
		"operation_type": "api_call",
	}, http.StatusNotFound)

	// Insufficient credits carries the figures.
	body := doJSON(t, ts, http.MethodPost, "/v1/pools/graph/kg1a2b3c/consume", map[string]any{
		"amount":         "999999",
		"operation_type": "backup",
	}, http.StatusPaymentRequired)
	errorBody, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	if errorBody["code"] != "insufficient_credits" {
		t.Fatalf("expected insufficient_credits code, got %v", errorBody["code"])
	}
	if errorBody["required_credits"] != float64(999999) {
		t.Fatalf("expected required figure, got %v", errorBody["required_credits"])
	}

	// Deactivated pool refuses consumption.
	doJSON(t, ts, http.MethodPut, "/v1/pools/graph/kg1a2b3c/active", map[string]any{
		"active": false,
	}, http.StatusOK)
	doJSON(t, ts, http.MethodPost, "/v1/pools/graph/kg1a2b3c/consume", map[string]any{
		"amount":         "1",
		"operation_type": "query",
	}, http.StatusForbidden)
}

func TestCreditAPIStorageEndpoints(t *testing.T) {
	server := newTestServer(t, true, "")
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	doJSON(t, ts, http.MethodPost, "/v1/pools", map[string]any{
		"kind":        "graph",
		"resource_id": "kg1a2b3c",
		"tier":        "standard",
	}, http.StatusCreated)

	check := doJSON(t, ts, http.MethodGet, "/v1/pools/graph/kg1a2b3c/storage/check?current_gb=85", nil, http.StatusOK)
	if check["within_limit"] != true {
		t.Fatalf("expected within limit, got %v", check)
	}
	if check["approaching_limit"] != true {
		t.Fatalf("expected approaching limit at 85%%, got %v", check)
	}

	override := doJSON(t, ts, http.MethodPut, "/v1/pools/graph/kg1a2b3c/storage/override", map[string]any{
		"new_limit_gb": "500",
		"reason":       "enterprise trial",
	}, http.StatusOK)
	if override["new_limit_gb"] != "500.00" {
		t.Fatalf("expected new limit 500.00, got %v", override)
	}

	overage := doJSON(t, ts, http.MethodPost, "/v1/pools/graph/kg1a2b3c/storage/consume", map[string]any{
		"total_storage_gb": "510",
	}, http.StatusOK)
	if overage["overage_gb"] != "10.00" {
		t.Fatalf("expected 10 GB overage, got %v", overage)
	}
	if overage["credits_consumed"] != "100.00" {
		t.Fatalf("expected 100 credits consumed, got %v", overage)
	}
}

func TestCreditAPIAuth(t *testing.T) {
	signingKey := "test-signing-key"
	server := newTestServer(t, false, signingKey)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	// Health stays open.
	response, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", response.StatusCode)
	}

	// API requires a bearer token.
	request, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/pools/graph/kg1a2b3c/summary", nil)
	if err != nil {
		t.Fatalf("request init: %v", err)
	}
	response, err = ts.Client().Do(request)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", response.StatusCode)
	}

	// A signed token passes (404 proves auth cleared, no pool exists yet).
	token := buildToken(t, signingKey)
	request, err = http.NewRequest(http.MethodGet, ts.URL+"/v1/pools/graph/kg1a2b3c/summary", nil)
	if err != nil {
		t.Fatalf("request init: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err = ts.Client().Do(request)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 with valid token, got %d", response.StatusCode)
	}

	// A token signed with another key is rejected.
	forged := buildToken(t, "wrong-key")
	request, err = http.NewRequest(http.MethodGet, ts.URL+"/v1/pools/graph/kg1a2b3c/summary", nil)
	if err != nil {
		t.Fatalf("request init: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+forged)
	response, err = ts.Client().Do(request)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with forged token, got %d", response.StatusCode)
	}
}

func newTestServer(t *testing.T, authDisabled bool, signingKey string) *Server {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(t.TempDir()+"/credits.db"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := gormstore.New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	registries := []string{
		"CREATE TABLE graphs (id TEXT PRIMARY KEY)",
		"CREATE TABLE user_repositories (id TEXT PRIMARY KEY)",
		"INSERT INTO graphs (id) VALUES ('kg1a2b3c')",
	}
	for _, statement := range registries {
		if err := db.Exec(statement).Error; err != nil {
			t.Fatalf("seed registries: %v", err)
		}
	}
	service, err := credits.NewService(store, gormstore.NewDirectory(db),
		func() time.Time { return time.Now().UTC() })
	if err != nil {
		t.Fatalf("service init: %v", err)
	}
	cfg := Config{
		ListenAddr:     ":0",
		AllowedOrigins: []string{"http://localhost:8000"},
		AuthSigningKey: signingKey,
		AuthDisabled:   authDisabled,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return NewServer(cfg, service, zap.NewNop())
}

func buildToken(t *testing.T, signingKey string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Issuer:    "robosystems",
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, ts *httptest.Server, method string, path string, payload map[string]any, wantStatus int) map[string]any {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewBuffer(encoded)
	} else {
		body = bytes.NewBuffer(nil)
	}
	request, err := http.NewRequest(method, ts.URL+path, body)
	if err != nil {
		t.Fatalf("request init: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := ts.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d (%v)", method, path, wantStatus, response.StatusCode, decoded)
	}
	return decoded
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Trusty-Agents/internal/agent"
	"Trusty-Agents/internal/auth"
	"Trusty-Agents/internal/constraints"
	"Trusty-Agents/internal/observability/alerting"
	"Trusty-Agents/internal/store"
	"Trusty-Agents/internal/transaction"
)

const (
	owner          = int64(1)
	stranger       = int64(2)
	merchantWallet = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	agentWallet    = "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"
)

type brokenTranslator struct{}

func (brokenTranslator) Translate(context.Context, string) (constraints.Constraints, error) {
	return constraints.Constraints{}, errors.New("upstream timeout")
}

type recordingDispatcher struct {
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, evt alerting.Event) error {
	d.events = append(d.events, evt)
	return nil
}

type testServer struct {
	handler http.Handler
	store   *store.MemoryStore
	alerts  *recordingDispatcher
}

func newTestServer(t *testing.T, cfg auth.Config) *testServer {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.EnsureTemplate(ctx, &agent.Template{ID: "shopping-assistant", Name: "Shopping Assistant"}))

	authSvc, err := auth.NewService(cfg, mem)
	require.NoError(t, err)

	resolver := constraints.NewResolver(brokenTranslator{})
	alerts := &recordingDispatcher{}
	srv := NewServer(":0", Dependencies{
		Auth:         authSvc,
		Agents:       agent.NewService(mem, agent.WithResolver(resolver)),
		Transactions: transaction.NewOrchestrator(mem),
		Resolver:     resolver,
	}, WithAlerts(alerts))
	return &testServer{handler: srv.Routes(), store: mem, alerts: alerts}
}

func newHeaderServer(t *testing.T) *testServer {
	return newTestServer(t, auth.Config{Mode: auth.ModeHeader})
}

type call struct {
	method string
	path   string
	body   any
	user   int64
	bearer string
}

func (ts *testServer) do(t *testing.T, c call) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.user > 0 {
		req.Header.Set(auth.DefaultUserHeader, strconv.FormatInt(c.user, 10))
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func (ts *testServer) setupAgent(t *testing.T, user int64) string {
	t.Helper()
	rec, body := ts.do(t, call{
		method: http.MethodPost,
		path:   "/agents/setup",
		user:   user,
		body: map[string]any{
			"template_id": "shopping-assistant",
			"constraints": map[string]any{
				"max_price":   200,
				"categories":  []string{"electronics"},
				"preferences": map[string]any{"brand": "sony"},
			},
			"max_budget":            "200.00",
			"allowed_merchants":     []string{"amazon.com", "bestbuy.com"},
			"bridge_wallet_address": agentWallet,
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return body["id"].(string)
}

func (ts *testServer) verify(t *testing.T, user int64, agentID, amount, merchant string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	return ts.do(t, call{
		method: http.MethodPost,
		path:   "/transactions/verify",
		user:   user,
		body: map[string]any{
			"agent_instance":  agentID,
			"amount":          amount,
			"merchant":        merchant,
			"merchant_wallet": merchantWallet,
		},
	})
}

func TestSetupAgentReturnsIdleAgent(t *testing.T) {
	ts := newHeaderServer(t)
	id := ts.setupAgent(t, owner)

	rec, body := ts.do(t, call{method: http.MethodGet, path: "/agents/" + id, user: owner})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "IDLE", body["status"])
	assert.Equal(t, float64(50), body["trust_score"])
	assert.Equal(t, "200.00", body["max_budget"])
	assert.Equal(t, agentWallet, body["bridge_wallet_address"])
	assert.Equal(t, "manual", body["constraints"].(map[string]any)["_source"])
}

func TestSetupAgentFallsBackToDefaultConstraints(t *testing.T) {
	ts := newHeaderServer(t)
	rec, body := ts.do(t, call{
		method: http.MethodPost,
		path:   "/agents/setup",
		user:   owner,
		body: map[string]any{
			"template_id":       "shopping-assistant",
			"prompt":            "a quiet mechanical keyboard under 120 dollars",
			"allowed_merchants": []string{"amazon.com"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	c := body["constraints"].(map[string]any)
	assert.Equal(t, "default", c["_source"])
	assert.Equal(t, float64(500), c["max_price"])
	assert.Equal(t, "500.00", body["max_budget"])
	assert.NotEmpty(t, body["bridge_wallet_address"], "wallet address is derived when omitted")
}

func TestSetupAgentValidation(t *testing.T) {
	ts := newHeaderServer(t)
	rec, body := ts.do(t, call{
		method: http.MethodPost,
		path:   "/agents/setup",
		user:   owner,
		body: map[string]any{
			"template_id":           "missing",
			"constraints":           map[string]any{"max_price": 10},
			"max_budget":            "-5",
			"allowed_merchants":     []string{"amazon.com"},
			"bridge_wallet_address": "not-a-wallet",
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_FAILED", body["code"])
	fields := body["fields"].(map[string]any)
	assert.Contains(t, fields, "template_id")
	assert.Equal(t, "Max budget must be greater than 0", fields["max_budget"])
	assert.Equal(t, "Invalid Ethereum wallet address format", fields["bridge_wallet_address"])
}

func TestVerifyExecutesWithinBudget(t *testing.T) {
	ts := newHeaderServer(t)
	id := ts.setupAgent(t, owner)

	rec, body := ts.verify(t, owner, id, "150.00", "amazon.com")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "EXECUTED", body["status"])
	assert.Equal(t, float64(55), body["trust_score"])
	assert.Regexp(t, "^0x[0-9a-f]{64}$", body["transaction_hash"])

	rec, status := ts.do(t, call{method: http.MethodGet, path: "/agents/" + id + "/status", user: owner})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", status["status"])
	latest := status["latest_transaction"].(map[string]any)
	assert.Equal(t, body["transaction_id"], latest["id"])
	assert.Equal(t, "150.00", latest["amount"])
	assert.Equal(t, "EXECUTED", latest["status"])
}

func TestVerifyRejectsOverBudget(t *testing.T) {
	ts := newHeaderServer(t)
	id := ts.setupAgent(t, owner)

	rec, body := ts.verify(t, owner, id, "250.00", "amazon.com")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "REJECTED", body["status"])
	assert.Equal(t, []any{"budget_check"}, body["reason"])
	require.NotEmpty(t, body["transaction_id"])

	rec, agentBody := ts.do(t, call{method: http.MethodGet, path: "/agents/" + id, user: owner})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "IDLE", agentBody["status"])
	assert.Equal(t, float64(50), agentBody["trust_score"])

	rec, txBody := ts.do(t, call{method: http.MethodGet, path: "/transactions/" + body["transaction_id"].(string), user: owner})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "REJECTED", txBody["status"])
	assert.Empty(t, txBody["transaction_hash"])
}

func TestVerifyRejectsUnlistedMerchant(t *testing.T) {
	ts := newHeaderServer(t)
	id := ts.setupAgent(t, owner)

	rec, body := ts.verify(t, owner, id, "300.00", "ebay.com")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []any{"budget_check", "merchant_check"}, body["reason"])
}

func TestVerifyByStrangerIsAuthorizationFailure(t *testing.T) {
	ts := newHeaderServer(t)
	id := ts.setupAgent(t, owner)

	rec, body := ts.verify(t, stranger, id, "10.00", "amazon.com")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "AUTHORIZATION_FAILED", body["code"])
}

func TestVerifyValidation(t *testing.T) {
	ts := newHeaderServer(t)
	rec, body := ts.do(t, call{
		method: http.MethodPost,
		path:   "/transactions/verify",
		user:   owner,
		body:   map[string]any{"amount": "0", "merchant_wallet": "0x123"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	fields := body["fields"].(map[string]any)
	assert.Contains(t, fields, "agent_instance")
	assert.Contains(t, fields, "amount")
	assert.Contains(t, fields, "merchant")
	assert.Equal(t, "Invalid Ethereum wallet address format", fields["merchant_wallet"])
}

func TestShoppingLifecycle(t *testing.T) {
	ts := newHeaderServer(t)
	id := ts.setupAgent(t, owner)

	rec, body := ts.do(t, call{
		method: http.MethodPost,
		path:   "/agents/" + id + "/shop",
		user:   owner,
		body:   map[string]any{"search_criteria": map[string]any{"query": "headphones"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "SHOPPING", body["status"])
	assert.NotEmpty(t, body["task_id"])

	rec, body = ts.do(t, call{method: http.MethodPost, path: "/agents/" + id + "/shop", user: owner})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "STATE_CONFLICT", body["code"])

	rec, _ = ts.do(t, call{method: http.MethodPost, path: "/agents/" + id + "/reset", user: owner})
	require.Equal(t, http.StatusBadRequest, rec.Code, "shopping agents cannot be reset")

	rec, _ = ts.verify(t, owner, id, "99.99", "bestbuy.com")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = ts.do(t, call{method: http.MethodPost, path: "/agents/" + id + "/reset", user: owner})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "IDLE", body["status"])
	assert.Equal(t, float64(55), body["trust_score"])
}

func TestPriceComparisonsUpdateLowestPrice(t *testing.T) {
	ts := newHeaderServer(t)
	id := ts.setupAgent(t, owner)
	_, verified := ts.verify(t, owner, id, "150.00", "amazon.com")
	txID := verified["transaction_id"].(string)

	for _, price := range []string{"149.99", "139.50"} {
		rec, _ := ts.do(t, call{
			method: http.MethodPost,
			path:   "/transactions/" + txID + "/price-comparisons",
			user:   owner,
			body:   map[string]any{"merchant_name": "bestbuy.com", "price": price, "url": "https://bestbuy.com/p/1"},
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec, body := ts.do(t, call{method: http.MethodGet, path: "/transactions/" + txID, user: owner})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "139.50", body["lowest_price_found"])
	assert.Len(t, body["price_comparisons"], 2)
}

func TestForeignResourcesAreHidden(t *testing.T) {
	ts := newHeaderServer(t)
	id := ts.setupAgent(t, owner)
	_, verified := ts.verify(t, owner, id, "20.00", "amazon.com")

	for _, path := range []string{
		"/agents/" + id,
		"/agents/" + id + "/status",
		"/transactions/" + verified["transaction_id"].(string),
	} {
		rec, _ := ts.do(t, call{method: http.MethodGet, path: path, user: stranger})
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	rec, body := ts.do(t, call{method: http.MethodGet, path: "/agents", user: stranger})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, body)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestRequestsWithoutIdentityAreUnauthorized(t *testing.T) {
	ts := newHeaderServer(t)
	for _, path := range []string{"/agents", "/templates"} {
		rec, _ := ts.do(t, call{method: http.MethodGet, path: path})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	rec, _ := ts.do(t, call{method: http.MethodPost, path: "/prompt/process", body: map[string]any{"prompt": "x"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProcessPromptFallsBack(t *testing.T) {
	ts := newHeaderServer(t)
	rec, body := ts.do(t, call{
		method: http.MethodPost,
		path:   "/prompt/process",
		user:   owner,
		body:   map[string]any{"prompt": "running shoes"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "default", body["source"])

	rec, body = ts.do(t, call{method: http.MethodPost, path: "/prompt/process", user: owner, body: map[string]any{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["fields"], "prompt")
}

func TestMalformedBodyIsValidationError(t *testing.T) {
	ts := newHeaderServer(t)
	req := httptest.NewRequest(http.MethodPost, "/agents/setup", bytes.NewBufferString("{not json"))
	req.Header.Set(auth.DefaultUserHeader, "1")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION_FAILED", body.Code)
	assert.Contains(t, body.Fields, "body")
	assert.Empty(t, ts.alerts.events)
}

func TestRegisterAndTokenFlow(t *testing.T) {
	ts := newTestServer(t, auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "test-secret", Issuer: "trusty"},
	})

	rec, body := ts.do(t, call{
		method: http.MethodPost,
		path:   "/auth/register",
		body:   map[string]any{"username": "alice", "email": "alice@example.com", "password": "s3cret-pass"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Regexp(t, "^0x[0-9a-fA-F]{40}$", body["wallet_address"])

	rec, body = ts.do(t, call{
		method: http.MethodPost,
		path:   "/auth/register",
		body:   map[string]any{"username": "alice", "password": "s3cret-pass"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["fields"], "username")

	rec, _ = ts.do(t, call{
		method: http.MethodPost,
		path:   "/auth/token",
		body:   map[string]any{"username": "alice", "password": "wrong-pass"},
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body = ts.do(t, call{
		method: http.MethodPost,
		path:   "/auth/token",
		body:   map[string]any{"username": "alice", "password": "s3cret-pass"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token, _ := body["access_token"].(string)
	require.NotEmpty(t, token)

	rec, _ = ts.do(t, call{method: http.MethodGet, path: "/templates", bearer: token})
	require.Equal(t, http.StatusOK, rec.Code)
	var templates []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &templates))
	require.Len(t, templates, 1)
	assert.Equal(t, "shopping-assistant", templates[0]["id"])

	rec, _ = ts.do(t, call{method: http.MethodGet, path: "/agents", bearer: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthz(t *testing.T) {
	ts := newHeaderServer(t)
	rec, body := ts.do(t, call{method: http.MethodGet, path: "/healthz"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

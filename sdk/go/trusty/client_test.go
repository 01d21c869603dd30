package trusty

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/token", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "password", body["grant_type"])
		assert.Equal(t, "alice", body["username"])
		_ = json.NewEncoder(w).Encode(Token{AccessToken: "abc123", TokenType: "Bearer"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = client.Login(context.Background(), "alice", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, "abc123", client.AccessToken())
}

func TestAuthenticatedCallsRequireIdentity(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", nil)
	require.NoError(t, err)
	_, err = client.Agents(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no access token")
}

func TestHeaderModeSendsUserID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.Header.Get(DefaultUserHeader))
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "/agents/a-1/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(AgentStatus{ID: "a-1", Status: "IDLE", TrustScore: 50})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)
	client.SetUserID(42)

	status, err := client.Status(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, "IDLE", status.Status)
	assert.Nil(t, status.LatestTransaction)
}

func TestPurchaseReturnsRejectionWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req PurchaseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "250.00", req.Amount)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"REJECTED","reason":["budget_check"],"transaction_id":"tx-1"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)
	client.SetAccessToken("tok")

	out, err := client.Purchase(context.Background(), PurchaseRequest{
		AgentInstance:  "a-1",
		Amount:         "250.00",
		Merchant:       "amazon.com",
		MerchantWallet: "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
	})
	require.NoError(t, err)
	assert.True(t, out.Rejected())
	assert.Equal(t, []string{"budget_check"}, out.Reasons)
	assert.Equal(t, "tx-1", out.TransactionID)
}

func TestValidationErrorsCarryFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"VALIDATION_FAILED","error":"参数校验失败","fields":{"max_budget":"Max budget must be greater than 0"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/api", srv.Client())
	require.NoError(t, err)
	client.SetUserID(1)

	_, err = client.SetupAgent(context.Background(), AgentSetup{TemplateID: "shopping-assistant", MaxBudget: "-1"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", apiErr.Code)
	assert.Equal(t, "Max budget must be greater than 0", apiErr.Fields["max_budget"])
}

func TestIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions/missing", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"TRANSACTION_NOT_FOUND","error":"transaction not found"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)
	client.SetUserID(1)

	_, err = client.Transaction(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	_, err := NewClient("localhost:8080", nil)
	require.Error(t, err)
}

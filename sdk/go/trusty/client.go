// Package trusty is a Go client for the Trusty shopping-agent REST API.
package trusty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// DefaultUserHeader is the header read by servers running in header auth mode.
const DefaultUserHeader = "X-User-ID"

// Client wraps the HTTP interactions with the Trusty REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
	userID      int64
}

// Registration is the payload accepted by /auth/register.
type Registration struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

// User describes a registered account.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// RegisteredUser is returned after registration.
type RegisteredUser struct {
	User          User   `json:"user"`
	WalletAddress string `json:"wallet_address"`
}

// Token represents an issued token pair.
type Token struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type"`
}

// Template describes an agent template.
type Template struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
}

// Preferences are the fixed preference fields of Constraints.
type Preferences struct {
	Brand     string `json:"brand"`
	Condition string `json:"condition"`
	Shipping  string `json:"shipping"`
}

// Constraints are structured purchase constraints.
type Constraints struct {
	MaxPrice    float64     `json:"max_price"`
	Categories  []string    `json:"categories"`
	Preferences Preferences `json:"preferences"`
	Source      string      `json:"_source,omitempty"`
}

// AgentSetup is the payload accepted by /agents/setup. Either Prompt or
// Constraints must be set.
type AgentSetup struct {
	TemplateID          string       `json:"template_id"`
	Prompt              string       `json:"prompt,omitempty"`
	Constraints         *Constraints `json:"constraints,omitempty"`
	MaxBudget           string       `json:"max_budget,omitempty"`
	AllowedMerchants    []string     `json:"allowed_merchants"`
	BridgeWalletAddress string       `json:"bridge_wallet_address,omitempty"`
}

// Agent is an agent instance as returned by the API. Money fields are
// decimal strings with two fractional digits.
type Agent struct {
	ID                  string      `json:"id"`
	TemplateID          string      `json:"template_id"`
	Status              string      `json:"status"`
	TrustScore          int         `json:"trust_score"`
	Constraints         Constraints `json:"constraints"`
	MaxBudget           string      `json:"max_budget"`
	AllowedMerchants    []string    `json:"allowed_merchants"`
	BridgeWalletAddress string      `json:"bridge_wallet_address"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// ShoppingTask is the receipt for a started shopping task.
type ShoppingTask struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// PriceComparison is a quote recorded against a transaction.
type PriceComparison struct {
	MerchantName string    `json:"merchant_name"`
	Price        string    `json:"price"`
	URL          string    `json:"url,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
}

// Transaction is a purchase attempt.
type Transaction struct {
	ID                        string            `json:"id"`
	AgentInstance             string            `json:"agent_instance"`
	Amount                    string            `json:"amount"`
	Merchant                  string            `json:"merchant"`
	MerchantWallet            string            `json:"merchant_wallet"`
	Status                    string            `json:"status"`
	MarketAveragePrice        *string           `json:"market_average_price"`
	LowestPriceFound          *string           `json:"lowest_price_found"`
	PriceDifferencePercentage *string           `json:"price_difference_percentage"`
	SavingsPercentage         *string           `json:"savings_percentage"`
	FailedChecks              []string          `json:"failed_checks"`
	TransactionHash           string            `json:"transaction_hash"`
	CreatedAt                 time.Time         `json:"created_at"`
	ExecutedAt                *time.Time        `json:"executed_at"`
	PriceComparisons          []PriceComparison `json:"price_comparisons"`
}

// AgentStatus summarises an agent and its latest transaction.
type AgentStatus struct {
	ID                string       `json:"id"`
	Status            string       `json:"status"`
	TrustScore        int          `json:"trust_score"`
	LatestTransaction *Transaction `json:"latest_transaction"`
}

// PurchaseRequest is the payload accepted by /transactions/verify.
type PurchaseRequest struct {
	AgentInstance  string `json:"agent_instance"`
	Amount         string `json:"amount"`
	Merchant       string `json:"merchant"`
	MerchantWallet string `json:"merchant_wallet"`
}

// Verification is the outcome of a purchase request. A rejection is reported
// through Status and Reasons, not as an error.
type Verification struct {
	Status          string   `json:"status"`
	TransactionID   string   `json:"transaction_id"`
	TransactionHash string   `json:"transaction_hash,omitempty"`
	TrustScore      int      `json:"trust_score,omitempty"`
	Reasons         []string `json:"reason,omitempty"`
}

// Rejected reports whether the purchase was rejected by verification.
func (v Verification) Rejected() bool { return v.Status == "REJECTED" }

// PromptResult is the response of /prompt/process.
type PromptResult struct {
	Constraints Constraints `json:"constraints"`
	Source      string      `json:"source"`
}

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"error"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("trusty api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("trusty api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient creates a client for the Trusty API. When httpClient is nil a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Register creates an account. It does not authenticate the client.
func (c *Client) Register(ctx context.Context, reg Registration) (RegisteredUser, error) {
	var out RegisteredUser
	err := c.send(ctx, http.MethodPost, "/auth/register", reg, &out, false)
	return out, err
}

// Login exchanges credentials for a token pair and stores the access token.
func (c *Client) Login(ctx context.Context, username, password string) (Token, error) {
	var token Token
	payload := map[string]string{"grant_type": "password", "username": username, "password": password}
	if err := c.send(ctx, http.MethodPost, "/auth/token", payload, &token, false); err != nil {
		return Token{}, err
	}
	c.SetAccessToken(token.AccessToken)
	return token, nil
}

// Refresh exchanges a refresh token for a new pair and stores the access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	var token Token
	payload := map[string]string{"grant_type": "refresh_token", "refresh_token": refreshToken}
	if err := c.send(ctx, http.MethodPost, "/auth/token", payload, &token, false); err != nil {
		return Token{}, err
	}
	c.SetAccessToken(token.AccessToken)
	return token, nil
}

// Templates lists agent templates.
func (c *Client) Templates(ctx context.Context) ([]Template, error) {
	var out []Template
	err := c.send(ctx, http.MethodGet, "/templates", nil, &out, true)
	return out, err
}

// SetupAgent creates an agent.
func (c *Client) SetupAgent(ctx context.Context, setup AgentSetup) (Agent, error) {
	var out Agent
	err := c.send(ctx, http.MethodPost, "/agents/setup", setup, &out, true)
	return out, err
}

// Agents lists the caller's agents.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var out []Agent
	err := c.send(ctx, http.MethodGet, "/agents", nil, &out, true)
	return out, err
}

// Agent fetches one agent.
func (c *Client) Agent(ctx context.Context, id string) (Agent, error) {
	var out Agent
	err := c.send(ctx, http.MethodGet, "/agents/"+url.PathEscape(id), nil, &out, true)
	return out, err
}

// StartShopping moves an idle agent to SHOPPING.
func (c *Client) StartShopping(ctx context.Context, id string, criteria map[string]any) (ShoppingTask, error) {
	var out ShoppingTask
	payload := map[string]any{"search_criteria": criteria}
	err := c.send(ctx, http.MethodPost, "/agents/"+url.PathEscape(id)+"/shop", payload, &out, true)
	return out, err
}

// Status fetches an agent's status and latest transaction.
func (c *Client) Status(ctx context.Context, id string) (AgentStatus, error) {
	var out AgentStatus
	err := c.send(ctx, http.MethodGet, "/agents/"+url.PathEscape(id)+"/status", nil, &out, true)
	return out, err
}

// ResetAgent returns a COMPLETED or ERROR agent to IDLE.
func (c *Client) ResetAgent(ctx context.Context, id string) (Agent, error) {
	var out Agent
	err := c.send(ctx, http.MethodPost, "/agents/"+url.PathEscape(id)+"/reset", nil, &out, true)
	return out, err
}

// Purchase submits a purchase for verification and execution. A REJECTED
// outcome is returned without error.
func (c *Client) Purchase(ctx context.Context, req PurchaseRequest) (Verification, error) {
	var out Verification
	err := c.send(ctx, http.MethodPost, "/transactions/verify", req, &out, true)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest && out.Status != "" {
		return out, nil
	}
	return out, err
}

// Transaction fetches a transaction with its price comparisons.
func (c *Client) Transaction(ctx context.Context, id string) (Transaction, error) {
	var out Transaction
	err := c.send(ctx, http.MethodGet, "/transactions/"+url.PathEscape(id), nil, &out, true)
	return out, err
}

// AddPriceComparison records a quote against a transaction.
func (c *Client) AddPriceComparison(ctx context.Context, transactionID string, pc PriceComparison) (Transaction, error) {
	var out Transaction
	payload := map[string]string{"merchant_name": pc.MerchantName, "price": pc.Price, "url": pc.URL}
	err := c.send(ctx, http.MethodPost, "/transactions/"+url.PathEscape(transactionID)+"/price-comparisons", payload, &out, true)
	return out, err
}

// ProcessPrompt translates a natural-language request into constraints.
func (c *Client) ProcessPrompt(ctx context.Context, prompt string) (PromptResult, error) {
	var out PromptResult
	err := c.send(ctx, http.MethodPost, "/prompt/process", map[string]string{"prompt": prompt}, &out, true)
	return out, err
}

// AccessToken returns the stored access token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SetUserID makes the client send DefaultUserHeader instead of a bearer
// token, for servers running in header auth mode.
func (c *Client) SetUserID(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any, withAuth bool) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, endpoint, body, withAuth)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if withAuth {
		c.mu.RLock()
		token, userID := c.accessToken, c.userID
		c.mu.RUnlock()
		switch {
		case token != "":
			req.Header.Set("Authorization", "Bearer "+token)
		case userID > 0:
			req.Header.Set(DefaultUserHeader, strconv.FormatInt(userID, 10))
		default:
			return nil, errors.New("trusty: no access token or user id set")
		}
	}
	return req, nil
}

// do decodes 2xx bodies into out. Error bodies are decoded into both an
// APIError and out, so callers can read structured rejections.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
			if out != nil {
				_ = json.Unmarshal(data, out)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

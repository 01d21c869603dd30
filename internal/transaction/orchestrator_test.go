package transaction_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Trusty-Agents/internal/agent"
	xerrors "Trusty-Agents/internal/errors"
	"Trusty-Agents/internal/events"
	"Trusty-Agents/internal/store"
	"Trusty-Agents/internal/transaction"
	"Trusty-Agents/internal/wallet"
)

const (
	ownerID        = int64(7)
	agentWallet    = "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"
	merchantWallet = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
)

type failingWallet struct{ wallet.MockGateway }

func (failingWallet) ExecuteTransfer(context.Context, string, string, decimal.Decimal) (string, error) {
	return "", xerrors.New(wallet.CodeWalletFailure, "bridge unavailable")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	store *store.MemoryStore
	orch  *transaction.Orchestrator
	pub   *recordingPublisher
	agent string
}

func newFixture(t *testing.T, opts ...transaction.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.EnsureTemplate(ctx, &agent.Template{ID: "shopping-assistant", Name: "Shopping Assistant"}))
	require.NoError(t, s.CreateAgent(ctx, &agent.Instance{
		ID:               "agent-1",
		OwnerID:          ownerID,
		TemplateID:       "shopping-assistant",
		Status:           agent.StatusIdle,
		TrustScore:       agent.DefaultTrustScore,
		MaxBudget:        decimal.RequireFromString("200.00"),
		AllowedMerchants: []string{"amazon.com", "bestbuy.com"},
		WalletAddress:    agentWallet,
		CreatedAt:        time.Now().UTC(),
	}))
	pub := &recordingPublisher{}
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opts = append([]transaction.Option{
		transaction.WithPublisher(pub),
		transaction.WithClock(func() time.Time { return clock }),
	}, opts...)
	return &fixture{store: s, orch: transaction.NewOrchestrator(s, opts...), pub: pub, agent: "agent-1"}
}

func (f *fixture) request(amount, merchant string) transaction.Request {
	return transaction.Request{
		AgentID:        f.agent,
		Amount:         decimal.RequireFromString(amount),
		Merchant:       merchant,
		MerchantWallet: merchantWallet,
	}
}

func (f *fixture) agentState(t *testing.T) *agent.Instance {
	t.Helper()
	inst, err := f.store.GetAgent(context.Background(), f.agent)
	require.NoError(t, err)
	return inst
}

func TestVerifyAndExecuteApproved(t *testing.T) {
	f := newFixture(t)
	req := f.request("150.00", "amazon.com")
	avg := decimal.RequireFromString("160.00")
	req.MarketAveragePrice = &avg

	out, err := f.orch.VerifyAndExecute(context.Background(), req, ownerID)
	require.NoError(t, err)

	assert.Equal(t, transaction.StatusExecuted, out.Status)
	assert.Equal(t, wallet.TransferHash(agentWallet, merchantWallet, req.Amount), out.TransactionHash)
	assert.Len(t, out.TransactionHash, 66)
	assert.Equal(t, 55, out.TrustScore)
	assert.Empty(t, out.Reasons)

	inst := f.agentState(t)
	assert.Equal(t, agent.StatusCompleted, inst.Status)
	assert.Equal(t, 55, inst.TrustScore)

	record, err := f.store.GetTransaction(context.Background(), out.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusExecuted, record.Status)
	assert.Equal(t, out.TransactionHash, record.TransactionHash)
	require.NotNil(t, record.ExecutedAt)
	require.NotNil(t, record.PriceDifferencePercentage)
	assert.Equal(t, "6.25", record.PriceDifferencePercentage.StringFixed(2))

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, events.TransactionExecuted, f.pub.events[0].Type)
	assert.Equal(t, out.TransactionID, f.pub.events[0].TransactionID)
}

func TestVerifyAndExecuteRejectsUnknownMerchant(t *testing.T) {
	f := newFixture(t)

	out, err := f.orch.VerifyAndExecute(context.Background(), f.request("50.00", "ebay.com"), ownerID)
	require.NoError(t, err)

	assert.Equal(t, transaction.StatusRejected, out.Status)
	assert.Equal(t, []string{"merchant_check"}, out.Reasons)
	assert.Empty(t, out.TransactionHash)

	inst := f.agentState(t)
	assert.Equal(t, agent.StatusIdle, inst.Status)
	assert.Equal(t, agent.DefaultTrustScore, inst.TrustScore)

	record, err := f.store.GetTransaction(context.Background(), out.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusRejected, record.Status)
	assert.Equal(t, []string{"merchant_check"}, record.FailedChecks)
	assert.Nil(t, record.ExecutedAt)

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, events.TransactionRejected, f.pub.events[0].Type)
}

func TestVerifyAndExecuteRejectsOverBudget(t *testing.T) {
	f := newFixture(t)

	out, err := f.orch.VerifyAndExecute(context.Background(), f.request("250.00", "amazon.com"), ownerID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusRejected, out.Status)
	assert.Equal(t, []string{"budget_check"}, out.Reasons)
}

func TestVerifyAndExecuteReportsEveryFailedCheck(t *testing.T) {
	f := newFixture(t)
	req := f.request("250.00", "ebay.com")
	avg := decimal.RequireFromString("100.00")
	req.MarketAveragePrice = &avg

	out, err := f.orch.VerifyAndExecute(context.Background(), req, ownerID)
	require.NoError(t, err)
	assert.Equal(t, []string{"budget_check", "merchant_check", "price_check"}, out.Reasons)
}

func TestVerifyAndExecuteRestoresShoppingStatusOnRejection(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CompareAndSetStatus(context.Background(), f.agent, []agent.Status{agent.StatusIdle}, agent.StatusShopping)
	require.NoError(t, err)

	out, err := f.orch.VerifyAndExecute(context.Background(), f.request("50.00", "ebay.com"), ownerID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusRejected, out.Status)
	assert.Equal(t, agent.StatusShopping, f.agentState(t).Status)
}

func TestVerifyAndExecuteWalletFailureRollsBack(t *testing.T) {
	f := newFixture(t, transaction.WithWallet(failingWallet{}))

	_, err := f.orch.VerifyAndExecute(context.Background(), f.request("50.00", "amazon.com"), ownerID)
	assert.Equal(t, wallet.CodeWalletFailure, xerrors.CodeOf(err))

	inst := f.agentState(t)
	assert.Equal(t, agent.StatusIdle, inst.Status)
	assert.Equal(t, agent.DefaultTrustScore, inst.TrustScore)

	latest, err := f.store.LatestTransaction(context.Background(), f.agent)
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.Empty(t, f.pub.events)
}

func TestVerifyAndExecuteRequiresOwnership(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.VerifyAndExecute(context.Background(), f.request("50.00", "amazon.com"), ownerID+1)
	assert.Equal(t, xerrors.CodeAuthorization, xerrors.CodeOf(err))
	assert.Equal(t, agent.StatusIdle, f.agentState(t).Status)
}

func TestVerifyAndExecuteUnknownAgent(t *testing.T) {
	f := newFixture(t)
	req := f.request("50.00", "amazon.com")
	req.AgentID = "missing"

	_, err := f.orch.VerifyAndExecute(context.Background(), req, ownerID)
	assert.Equal(t, agent.CodeAgentNotFound, xerrors.CodeOf(err))
}

func TestVerifyAndExecuteStateConflict(t *testing.T) {
	for _, status := range []agent.Status{agent.StatusVerifying, agent.StatusError} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			err := f.store.RunInTx(context.Background(), func(ctx context.Context, tx transaction.Tx) error {
				if status == agent.StatusError {
					if err := tx.CompareAndSetAgentStatus(ctx, f.agent, agent.StatusIdle, agent.StatusShopping); err != nil {
						return err
					}
					return tx.CompareAndSetAgentStatus(ctx, f.agent, agent.StatusShopping, agent.StatusError)
				}
				return tx.CompareAndSetAgentStatus(ctx, f.agent, agent.StatusIdle, agent.StatusVerifying)
			})
			require.NoError(t, err)

			_, err = f.orch.VerifyAndExecute(context.Background(), f.request("50.00", "amazon.com"), ownerID)
			assert.Equal(t, xerrors.CodeStateConflict, xerrors.CodeOf(err))
		})
	}
}

func TestVerifyAndExecuteAllowsRepeatAfterCompletion(t *testing.T) {
	f := newFixture(t)

	first, err := f.orch.VerifyAndExecute(context.Background(), f.request("50.00", "amazon.com"), ownerID)
	require.NoError(t, err)
	second, err := f.orch.VerifyAndExecute(context.Background(), f.request("60.00", "bestbuy.com"), ownerID)
	require.NoError(t, err)

	assert.Equal(t, transaction.StatusExecuted, second.Status)
	assert.NotEqual(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, 60, second.TrustScore)
}

func TestVerifyAndExecuteConcurrentRequestsSerialise(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	results := make([]*transaction.Outcome, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.orch.VerifyAndExecute(context.Background(), f.request("10.00", "amazon.com"), ownerID)
			if err == nil {
				results[i] = out
			}
		}(i)
	}
	wg.Wait()

	executed := 0
	for _, out := range results {
		if out != nil && out.Status == transaction.StatusExecuted {
			executed++
		}
	}
	assert.Equal(t, 4, executed)
	assert.Equal(t, agent.DefaultTrustScore+4*5, f.agentState(t).TrustScore)
}

func TestRequestValidate(t *testing.T) {
	cases := map[string]struct {
		req   transaction.Request
		field string
	}{
		"missing agent":   {transaction.Request{Amount: decimal.NewFromInt(1), Merchant: "m", MerchantWallet: merchantWallet}, "agent_instance"},
		"zero amount":     {transaction.Request{AgentID: "a", Merchant: "m", MerchantWallet: merchantWallet}, "amount"},
		"fractional":      {transaction.Request{AgentID: "a", Amount: decimal.RequireFromString("1.001"), Merchant: "m", MerchantWallet: merchantWallet}, "amount"},
		"too many digits": {transaction.Request{AgentID: "a", Amount: decimal.RequireFromString("10000000000.00"), Merchant: "m", MerchantWallet: merchantWallet}, "amount"},
		"missing vendor":  {transaction.Request{AgentID: "a", Amount: decimal.NewFromInt(1), MerchantWallet: merchantWallet}, "merchant"},
		"bad wallet":      {transaction.Request{AgentID: "a", Amount: decimal.NewFromInt(1), Merchant: "m", MerchantWallet: "0xabc"}, "merchant_wallet"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			e, ok := xerrors.From(tc.req.Validate())
			require.True(t, ok)
			assert.Contains(t, e.Fields(), tc.field)
		})
	}
}

func TestAddPriceComparisonRecomputesLowest(t *testing.T) {
	f := newFixture(t)
	out, err := f.orch.VerifyAndExecute(context.Background(), f.request("150.00", "amazon.com"), ownerID)
	require.NoError(t, err)

	for _, price := range []string{"149.99", "139.50", "155.00"} {
		_, err := f.orch.AddPriceComparison(context.Background(), ownerID, out.TransactionID, transaction.PriceComparisonInput{
			MerchantName: "bestbuy.com",
			Price:        decimal.RequireFromString(price),
			URL:          "https://bestbuy.com/item",
		})
		require.NoError(t, err)
	}

	detail, err := f.orch.Get(context.Background(), ownerID, out.TransactionID)
	require.NoError(t, err)
	assert.Len(t, detail.PriceComparisons, 3)
	require.NotNil(t, detail.Transaction.LowestPriceFound)
	assert.Equal(t, "139.50", detail.Transaction.LowestPriceFound.StringFixed(2))
}

func TestAddPriceComparisonValidatesAndChecksOwner(t *testing.T) {
	f := newFixture(t)
	out, err := f.orch.VerifyAndExecute(context.Background(), f.request("50.00", "amazon.com"), ownerID)
	require.NoError(t, err)

	_, err = f.orch.AddPriceComparison(context.Background(), ownerID, out.TransactionID, transaction.PriceComparisonInput{
		MerchantName: "x", Price: decimal.NewFromInt(1), URL: "ftp://files",
	})
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))

	_, err = f.orch.AddPriceComparison(context.Background(), ownerID+1, out.TransactionID, transaction.PriceComparisonInput{
		MerchantName: "x", Price: decimal.NewFromInt(1),
	})
	assert.Equal(t, transaction.CodeTransactionNotFound, xerrors.CodeOf(err))

	_, err = f.orch.Get(context.Background(), ownerID+1, out.TransactionID)
	assert.Equal(t, transaction.CodeTransactionNotFound, xerrors.CodeOf(err))
}

func TestLatestTransaction(t *testing.T) {
	f := newFixture(t)
	latest, err := f.orch.Latest(context.Background(), f.agent)
	require.NoError(t, err)
	assert.Nil(t, latest)

	out, err := f.orch.VerifyAndExecute(context.Background(), f.request("50.00", "amazon.com"), ownerID)
	require.NoError(t, err)
	latest, err = f.orch.Latest(context.Background(), f.agent)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, out.TransactionID, latest.ID)
}

type countingWallet struct {
	wallet.MockGateway
	mu    sync.Mutex
	calls int
}

func (w *countingWallet) ExecuteTransfer(ctx context.Context, from, to string, amount decimal.Decimal) (string, error) {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
	return w.MockGateway.ExecuteTransfer(ctx, from, to, amount)
}

func TestVerifyAndExecuteShopperScenarios(t *testing.T) {
	newShopper := func(t *testing.T) (*fixture, *countingWallet) {
		t.Helper()
		w := &countingWallet{}
		f := newFixture(t, transaction.WithWallet(w))
		f.agent = "agent-shopper"
		require.NoError(t, f.store.CreateAgent(context.Background(), &agent.Instance{
			ID:               f.agent,
			OwnerID:          ownerID,
			TemplateID:       "shopping-assistant",
			Status:           agent.StatusIdle,
			TrustScore:       50,
			MaxBudget:        decimal.RequireFromString("1000.00"),
			AllowedMerchants: []string{"Amazon", "BestBuy"},
			WalletAddress:    agentWallet,
			CreatedAt:        time.Now().UTC(),
		}))
		return f, w
	}

	t.Run("allowed merchant executes", func(t *testing.T) {
		f, w := newShopper(t)
		out, err := f.orch.VerifyAndExecute(context.Background(), f.request("150.00", "Amazon"), ownerID)
		require.NoError(t, err)
		assert.Equal(t, transaction.StatusExecuted, out.Status)
		assert.Equal(t, 55, f.agentState(t).TrustScore)
		assert.Equal(t, 1, w.calls)
	})

	t.Run("market price outside tolerance rejects", func(t *testing.T) {
		f, w := newShopper(t)
		req := f.request("150.00", "Amazon")
		avg := decimal.RequireFromString("180.00")
		req.MarketAveragePrice = &avg

		out, err := f.orch.VerifyAndExecute(context.Background(), req, ownerID)
		require.NoError(t, err)
		assert.Equal(t, transaction.StatusRejected, out.Status)
		assert.Equal(t, []string{"price_check"}, out.Reasons)
		assert.Equal(t, 50, f.agentState(t).TrustScore)
		assert.Zero(t, w.calls)
	})

	t.Run("unlisted merchant rejects without transfer", func(t *testing.T) {
		f, w := newShopper(t)
		out, err := f.orch.VerifyAndExecute(context.Background(), f.request("150.00", "Walmart"), ownerID)
		require.NoError(t, err)
		assert.Equal(t, transaction.StatusRejected, out.Status)
		assert.Contains(t, out.Reasons, "merchant_check")
		assert.Equal(t, 50, f.agentState(t).TrustScore)
		assert.Zero(t, w.calls)
	})
}

func TestVerifyAndExecuteOversizedAmountWritesNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.VerifyAndExecute(context.Background(), f.request("123456789012345.00", "amazon.com"), ownerID)
	e, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.CodeValidation, e.Code())
	assert.Contains(t, e.Fields(), "amount")

	latest, err := f.store.LatestTransaction(context.Background(), f.agent)
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.Equal(t, agent.StatusIdle, f.agentState(t).Status)
}

func TestLatestTransactionFollowsSubmissionOrder(t *testing.T) {
	f := newFixture(t)

	var last string
	for _, merchant := range []string{"amazon.com", "ebay.com", "bestbuy.com"} {
		out, err := f.orch.VerifyAndExecute(context.Background(), f.request("20.00", merchant), ownerID)
		require.NoError(t, err)
		last = out.TransactionID

		latest, err := f.orch.Latest(context.Background(), f.agent)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, last, latest.ID)
	}
}

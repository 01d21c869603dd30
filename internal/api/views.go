package api

import (
	"time"

	"github.com/shopspring/decimal"

	"Trusty-Agents/internal/agent"
	"Trusty-Agents/internal/constraints"
	"Trusty-Agents/internal/transaction"
)

// 金额在响应中统一输出为两位小数的字符串。
func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func optionalMoney(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	v := d.StringFixed(2)
	return &v
}

type agentView struct {
	ID                  string                  `json:"id"`
	TemplateID          string                  `json:"template_id"`
	Status              agent.Status            `json:"status"`
	TrustScore          int                     `json:"trust_score"`
	Constraints         constraints.Constraints `json:"constraints"`
	MaxBudget           string                  `json:"max_budget"`
	AllowedMerchants    []string                `json:"allowed_merchants"`
	BridgeWalletAddress string                  `json:"bridge_wallet_address"`
	CreatedAt           time.Time               `json:"created_at"`
	UpdatedAt           time.Time               `json:"updated_at"`
}

func newAgentView(inst *agent.Instance) agentView {
	merchants := inst.AllowedMerchants
	if merchants == nil {
		merchants = []string{}
	}
	return agentView{
		ID:                  inst.ID,
		TemplateID:          inst.TemplateID,
		Status:              inst.Status,
		TrustScore:          inst.TrustScore,
		Constraints:         inst.Constraints,
		MaxBudget:           money(inst.MaxBudget),
		AllowedMerchants:    merchants,
		BridgeWalletAddress: inst.WalletAddress,
		CreatedAt:           inst.CreatedAt,
		UpdatedAt:           inst.UpdatedAt,
	}
}

type priceComparisonView struct {
	MerchantName string    `json:"merchant_name"`
	Price        string    `json:"price"`
	URL          string    `json:"url"`
	Timestamp    time.Time `json:"timestamp"`
}

type transactionView struct {
	ID                        string                `json:"id"`
	AgentInstance             string                `json:"agent_instance"`
	Amount                    string                `json:"amount"`
	Merchant                  string                `json:"merchant"`
	MerchantWallet            string                `json:"merchant_wallet"`
	Status                    transaction.Status    `json:"status"`
	MarketAveragePrice        *string               `json:"market_average_price"`
	LowestPriceFound          *string               `json:"lowest_price_found"`
	PriceDifferencePercentage *string               `json:"price_difference_percentage"`
	SavingsPercentage         *string               `json:"savings_percentage"`
	FailedChecks              []string              `json:"failed_checks"`
	TransactionHash           string                `json:"transaction_hash"`
	CreatedAt                 time.Time             `json:"created_at"`
	ExecutedAt                *time.Time            `json:"executed_at"`
	PriceComparisons          []priceComparisonView `json:"price_comparisons"`
}

func newTransactionView(t *transaction.Transaction, comparisons []transaction.PriceComparison) *transactionView {
	if t == nil {
		return nil
	}
	failed := t.FailedChecks
	if failed == nil {
		failed = []string{}
	}
	view := &transactionView{
		ID:                        t.ID,
		AgentInstance:             t.AgentID,
		Amount:                    money(t.Amount),
		Merchant:                  t.Merchant,
		MerchantWallet:            t.MerchantWallet,
		Status:                    t.Status,
		MarketAveragePrice:        optionalMoney(t.MarketAveragePrice),
		LowestPriceFound:          optionalMoney(t.LowestPriceFound),
		PriceDifferencePercentage: optionalMoney(t.PriceDifferencePercentage),
		SavingsPercentage:         optionalMoney(t.SavingsPercentage()),
		FailedChecks:              failed,
		TransactionHash:           t.TransactionHash,
		CreatedAt:                 t.CreatedAt,
		ExecutedAt:                t.ExecutedAt,
		PriceComparisons:          make([]priceComparisonView, 0, len(comparisons)),
	}
	for _, pc := range comparisons {
		view.PriceComparisons = append(view.PriceComparisons, priceComparisonView{
			MerchantName: pc.MerchantName,
			Price:        money(pc.Price),
			URL:          pc.URL,
			Timestamp:    pc.Timestamp,
		})
	}
	return view
}

type agentStatusView struct {
	ID                string           `json:"id"`
	Status            agent.Status     `json:"status"`
	TrustScore        int              `json:"trust_score"`
	LatestTransaction *transactionView `json:"latest_transaction"`
}

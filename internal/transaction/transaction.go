// Package transaction 记录智能体发起的交易，并在单个存储事务内完成
// 校验、转账、状态推进与信任分更新。
package transaction

import (
	"time"

	"github.com/shopspring/decimal"

	xerrors "Trusty-Agents/internal/errors"
)

// Status 表示交易状态，只能单向推进。
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusVerifying Status = "VERIFYING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusExecuted  Status = "EXECUTED"
)

// CanAdvance 判断交易状态是否可以从 s 推进到 to。
func (s Status) CanAdvance(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusVerifying
	case StatusVerifying:
		return to == StatusApproved || to == StatusRejected
	case StatusApproved:
		return to == StatusExecuted
	default:
		return false
	}
}

// IsFinal 判断交易是否已经结束。
func (s Status) IsFinal() bool {
	return s == StatusRejected || s == StatusExecuted
}

// Transaction 是一次购买尝试的记录。
type Transaction struct {
	ID                        string           `json:"id"`
	AgentID                   string           `json:"agent_instance"`
	Amount                    decimal.Decimal  `json:"amount"`
	Merchant                  string           `json:"merchant"`
	MerchantWallet            string           `json:"merchant_wallet"`
	Status                    Status           `json:"status"`
	MarketAveragePrice        *decimal.Decimal `json:"market_average_price"`
	LowestPriceFound          *decimal.Decimal `json:"lowest_price_found"`
	PriceDifferencePercentage *decimal.Decimal `json:"price_difference_percentage"`
	FailedChecks              []string         `json:"failed_checks"`
	CreatedAt                 time.Time        `json:"created_at"`
	ExecutedAt                *time.Time       `json:"executed_at"`
	TransactionHash           string           `json:"transaction_hash"`
}

// Advance 推进状态，非法推进返回 STATE_CONFLICT。
func (t *Transaction) Advance(to Status) error {
	if !t.Status.CanAdvance(to) {
		return xerrors.New(xerrors.CodeStateConflict, "illegal transaction status change",
			xerrors.WithMetadata("transaction_id", t.ID),
			xerrors.WithMetadata("current_status", string(t.Status)),
			xerrors.WithMetadata("target_status", string(to)),
		)
	}
	t.Status = to
	return nil
}

// SavingsPercentage 返回相对市场均价节省的百分比，保留两位小数。
func (t *Transaction) SavingsPercentage() *decimal.Decimal {
	if t == nil || t.MarketAveragePrice == nil || t.MarketAveragePrice.IsZero() || t.Amount.IsZero() {
		return nil
	}
	avg := *t.MarketAveragePrice
	pct := avg.Sub(t.Amount).Mul(decimal.NewFromInt(100)).DivRound(avg, 2)
	return &pct
}

// Clone 返回深拷贝。
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	clone.MarketAveragePrice = cloneDecimal(t.MarketAveragePrice)
	clone.LowestPriceFound = cloneDecimal(t.LowestPriceFound)
	clone.PriceDifferencePercentage = cloneDecimal(t.PriceDifferencePercentage)
	clone.FailedChecks = append([]string(nil), t.FailedChecks...)
	if t.ExecutedAt != nil {
		executed := *t.ExecutedAt
		clone.ExecutedAt = &executed
	}
	return &clone
}

// PriceComparison 是比价过程中观察到的一条报价，只追加不修改，不参与校验。
type PriceComparison struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"-"`
	MerchantName  string          `json:"merchant_name"`
	Price         decimal.Decimal `json:"price"`
	URL           string          `json:"url"`
	Timestamp     time.Time       `json:"timestamp"`
}

// LowestPrice 返回报价中的最低价。
func LowestPrice(comparisons []PriceComparison) *decimal.Decimal {
	var lowest *decimal.Decimal
	for i := range comparisons {
		price := comparisons[i].Price
		if lowest == nil || price.LessThan(*lowest) {
			lowest = &price
		}
	}
	return lowest
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// CodeTransactionNotFound 表示交易不存在或不属于请求者。
const CodeTransactionNotFound xerrors.Code = "TRANSACTION_NOT_FOUND"

// ErrTransactionNotFound 表示交易不存在。
var ErrTransactionNotFound = xerrors.New(CodeTransactionNotFound, "transaction not found")

func init() {
	xerrors.Register(CodeTransactionNotFound, xerrors.Attributes{
		Message:    "transaction not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
}

// Package verifier 对待执行的交易做预算、商户白名单与市场价格三项校验。
// 校验本身是纯函数，不访问存储，也不修改任何状态。
package verifier

import (
	"strings"

	"github.com/shopspring/decimal"

	"Trusty-Agents/internal/agent"
	xerrors "Trusty-Agents/internal/errors"
)

// 校验项名称，按固定顺序输出。
const (
	CheckBudget   = "budget_check"
	CheckMerchant = "merchant_check"
	CheckPrice    = "price_check"
)

// DefaultPriceTolerance 是成交价偏离市场均价的最大百分比，边界值视为通过。
var DefaultPriceTolerance = decimal.NewFromInt(15)

var hundred = decimal.NewFromInt(100)

// Request 描述一笔待校验的交易。
type Request struct {
	Amount             decimal.Decimal
	Merchant           string
	MarketAveragePrice *decimal.Decimal
}

// Result 是校验结论。拒绝是正常结果，不是错误。
type Result struct {
	Approved     bool     `json:"approved"`
	FailedChecks []string `json:"failed_checks"`
}

// Verifier 执行交易校验。
type Verifier struct {
	tolerance decimal.Decimal
}

// Option 配置 Verifier。
type Option func(*Verifier)

// WithPriceTolerance 覆盖价格偏离容忍度（百分比）。
func WithPriceTolerance(percent decimal.Decimal) Option {
	return func(v *Verifier) {
		if !percent.IsNegative() {
			v.tolerance = percent
		}
	}
}

// New 创建 Verifier。
func New(opts ...Option) *Verifier {
	v := &Verifier{tolerance: DefaultPriceTolerance}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify 依次执行全部校验并返回所有失败项。
func (v *Verifier) Verify(req *Request, inst *agent.Instance) (Result, error) {
	if req == nil {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "transaction is required")
	}
	if inst == nil {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "agent is required")
	}
	if !req.Amount.IsPositive() {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "amount must be greater than 0")
	}
	if strings.TrimSpace(req.Merchant) == "" {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "merchant is required")
	}

	failed := make([]string, 0, 3)
	if req.Amount.GreaterThan(inst.MaxBudget) {
		failed = append(failed, CheckBudget)
	}
	if !inst.AllowsMerchant(req.Merchant) {
		failed = append(failed, CheckMerchant)
	}
	if !v.priceWithinTolerance(req.Amount, req.MarketAveragePrice) {
		failed = append(failed, CheckPrice)
	}
	return Result{Approved: len(failed) == 0, FailedChecks: failed}, nil
}

// priceWithinTolerance 判断 |amount-avg|*100 <= tolerance*avg。没有均价时视为通过。
func (v *Verifier) priceWithinTolerance(amount decimal.Decimal, avg *decimal.Decimal) bool {
	if avg == nil || avg.IsZero() {
		return true
	}
	deviation := amount.Sub(*avg).Abs().Mul(hundred)
	return deviation.LessThanOrEqual(v.tolerance.Mul(avg.Abs()))
}

// MaxPriceDifferencePercentage 是偏离百分比的上限，对应 DECIMAL(7,2) 列。
var MaxPriceDifferencePercentage = decimal.RequireFromString("99999.99")

// PriceDifferencePercentage 返回成交价相对均价的偏离百分比，保留两位小数，超出上限时取上限。
func PriceDifferencePercentage(amount decimal.Decimal, avg *decimal.Decimal) *decimal.Decimal {
	if avg == nil || avg.IsZero() {
		return nil
	}
	pct := amount.Sub(*avg).Abs().Mul(hundred).DivRound(avg.Abs(), 2)
	if pct.GreaterThan(MaxPriceDifferencePercentage) {
		pct = MaxPriceDifferencePercentage
	}
	return &pct
}

package wallet

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// 金额列为 DECIMAL(12,2)，接口层按 10 位有效数字、2 位小数收紧。
const (
	AmountMaxDigits = 10
	AmountDecimals  = 2
)

// MaxAmount 是可接受的最大金额 99999999.99。
var MaxAmount = decimal.New(1, AmountMaxDigits-AmountDecimals).Sub(decimal.New(1, -AmountDecimals))

// CheckAmount 校验金额为正、最多两位小数且不超过 MaxAmount，不合法时返回字段提示。
func CheckAmount(amount decimal.Decimal) string {
	switch {
	case !amount.IsPositive():
		return "must be greater than 0"
	case !amount.Equal(amount.Round(AmountDecimals)):
		return fmt.Sprintf("must have at most %d decimal places", AmountDecimals)
	case amount.GreaterThan(MaxAmount):
		return fmt.Sprintf("must have no more than %d digits in total", AmountMaxDigits)
	}
	return ""
}

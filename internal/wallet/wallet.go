// Package wallet 定义资金通道的抽象，并提供确定性的模拟实现。
package wallet

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	xerrors "Trusty-Agents/internal/errors"
)

// CodeWalletFailure 表示资金通道调用失败。
const CodeWalletFailure xerrors.Code = "WALLET_FAILURE"

func init() {
	xerrors.Register(CodeWalletFailure, xerrors.Attributes{
		Message:   "wallet transfer failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Provider 抽象钱包开通与转账能力，真实的结算通道需要保持同样的契约：
// 成功时返回交易哈希，失败时返回错误。
type Provider interface {
	CreateWallet(ctx context.Context, userID int64) (string, error)
	ExecuteTransfer(ctx context.Context, from, to string, amount decimal.Decimal) (string, error)
}

// MockGateway 以纯函数方式派生地址与交易哈希，便于测试复现。
type MockGateway struct{}

// NewMockGateway 创建模拟网关。
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// CreateWallet 将用户 ID 编码为 40 位十六进制地址。
func (MockGateway) CreateWallet(_ context.Context, userID int64) (string, error) {
	if userID <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "用户 ID 必须为正数")
	}
	return DeriveAddress(userID), nil
}

// ExecuteTransfer 对 from、to、金额拼接后做 keccak256，返回 0x 开头的 64 位哈希。
func (MockGateway) ExecuteTransfer(_ context.Context, from, to string, amount decimal.Decimal) (string, error) {
	if err := ValidateAddress(from); err != nil {
		return "", xerrors.Wrap(CodeWalletFailure, err, "付款地址非法", xerrors.WithMetadata("from", from))
	}
	if err := ValidateAddress(to); err != nil {
		return "", xerrors.Wrap(CodeWalletFailure, err, "收款地址非法", xerrors.WithMetadata("to", to))
	}
	if !amount.IsPositive() {
		return "", xerrors.New(CodeWalletFailure, "转账金额必须大于 0", xerrors.WithMetadata("amount", amount.String()))
	}
	return TransferHash(from, to, amount), nil
}

// DeriveAddress 返回用户 ID 对应的确定性地址。
func DeriveAddress(userID int64) string {
	return fmt.Sprintf("0x%040x", userID)
}

// TransferHash 计算确定性的转账哈希。金额统一保留两位小数。
func TransferHash(from, to string, amount decimal.Decimal) string {
	return crypto.Keccak256Hash([]byte(from + to + amount.StringFixed(2))).Hex()
}

// ValidateAddress 校验地址格式为 0x 加 40 位十六进制字符。
func ValidateAddress(address string) error {
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		return fmt.Errorf("地址必须以 0x 开头: %q", address)
	}
	if !common.IsHexAddress(address) {
		return fmt.Errorf("地址必须为 0x 加 40 位十六进制字符: %q", address)
	}
	return nil
}

var _ Provider = (*MockGateway)(nil)

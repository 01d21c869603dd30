package wallet

import (
	"context"
	"regexp"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Trusty-Agents/internal/errors"
)

var hashPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

func TestCreateWalletIsDeterministic(t *testing.T) {
	gw := NewMockGateway()
	ctx := context.Background()

	first, err := gw.CreateWallet(ctx, 42)
	require.NoError(t, err)
	second, err := gw.CreateWallet(ctx, 42)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "0x000000000000000000000000000000000000002a", first)
	assert.NoError(t, ValidateAddress(first))
}

func TestCreateWalletRejectsNonPositiveID(t *testing.T) {
	_, err := NewMockGateway().CreateWallet(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestExecuteTransferIsDeterministic(t *testing.T) {
	gw := NewMockGateway()
	ctx := context.Background()
	from := DeriveAddress(1)
	to := DeriveAddress(2)

	first, err := gw.ExecuteTransfer(ctx, from, to, decimal.RequireFromString("150.00"))
	require.NoError(t, err)
	second, err := gw.ExecuteTransfer(ctx, from, to, decimal.RequireFromString("150"))
	require.NoError(t, err)
	other, err := gw.ExecuteTransfer(ctx, from, to, decimal.RequireFromString("150.01"))
	require.NoError(t, err)

	assert.Regexp(t, hashPattern, first)
	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
}

func TestExecuteTransferSurfacesErrors(t *testing.T) {
	gw := NewMockGateway()
	ctx := context.Background()

	_, err := gw.ExecuteTransfer(ctx, "not-an-address", DeriveAddress(2), decimal.NewFromInt(1))
	require.Error(t, err)
	assert.Equal(t, CodeWalletFailure, xerrors.CodeOf(err))

	_, err = gw.ExecuteTransfer(ctx, DeriveAddress(1), DeriveAddress(2), decimal.Zero)
	require.Error(t, err)
	assert.True(t, xerrors.ShouldAlert(err))
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("0xAbCdEf0123456789abcdef0123456789ABCDEF01"))
	assert.Error(t, ValidateAddress("AbCdEf0123456789abcdef0123456789ABCDEF01"))
	assert.Error(t, ValidateAddress("0x1234"))
	assert.Error(t, ValidateAddress("0xZZCdEf0123456789abcdef0123456789ABCDEF01"))
}

func TestCheckAmount(t *testing.T) {
	assert.Equal(t, "99999999.99", MaxAmount.StringFixed(2))
	assert.Empty(t, CheckAmount(decimal.RequireFromString("0.01")))
	assert.Empty(t, CheckAmount(MaxAmount))

	for _, raw := range []string{"0", "-1", "1.001", "100000000.00", "123456789012345"} {
		assert.NotEmpty(t, CheckAmount(decimal.RequireFromString(raw)), raw)
	}
}

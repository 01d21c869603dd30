package transaction

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "Trusty-Agents/internal/errors"
	"Trusty-Agents/internal/wallet"
	"Trusty-Agents/pkg/logger"
)

// Detail 是交易及其比价记录。
type Detail struct {
	Transaction      *Transaction
	PriceComparisons []PriceComparison
}

// PriceComparisonInput 描述一条新增报价。
type PriceComparisonInput struct {
	MerchantName string          `json:"merchant_name"`
	Price        decimal.Decimal `json:"price"`
	URL          string          `json:"url"`
}

// Validate 检查报价字段。
func (in PriceComparisonInput) Validate() error {
	fields := make(map[string]string)
	if strings.TrimSpace(in.MerchantName) == "" {
		fields["merchant_name"] = "field is required"
	} else if len(in.MerchantName) > 100 {
		fields["merchant_name"] = "must be at most 100 characters"
	}
	if reason := wallet.CheckAmount(in.Price); reason != "" {
		fields["price"] = reason
	}
	if raw := strings.TrimSpace(in.URL); raw != "" {
		if u, err := url.ParseRequestURI(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			fields["url"] = "Enter a valid URL."
		}
	}
	if len(fields) > 0 {
		return xerrors.Validation(fields)
	}
	return nil
}

// Get 返回请求者名下的交易详情。
func (o *Orchestrator) Get(ctx context.Context, requester int64, id string) (*Detail, error) {
	record, err := o.owned(ctx, requester, id)
	if err != nil {
		return nil, err
	}
	comparisons, err := o.repo.ListPriceComparisons(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	return &Detail{Transaction: record, PriceComparisons: comparisons}, nil
}

// Latest 返回智能体最近一笔交易，没有交易时返回 nil。
func (o *Orchestrator) Latest(ctx context.Context, agentID string) (*Transaction, error) {
	return o.repo.LatestTransaction(ctx, agentID)
}

// AddPriceComparison 追加一条报价并重新计算 lowest_price_found。
func (o *Orchestrator) AddPriceComparison(ctx context.Context, requester int64, transactionID string, in PriceComparisonInput) (*Detail, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if _, err := o.owned(ctx, requester, transactionID); err != nil {
		return nil, err
	}

	var detail *Detail
	err := o.repo.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		record, err := tx.LockTransaction(ctx, strings.TrimSpace(transactionID))
		if err != nil {
			return err
		}
		pc := &PriceComparison{
			ID:            uuid.NewString(),
			TransactionID: record.ID,
			MerchantName:  strings.TrimSpace(in.MerchantName),
			Price:         in.Price,
			URL:           strings.TrimSpace(in.URL),
			Timestamp:     o.now(),
		}
		if err := tx.InsertPriceComparison(ctx, pc); err != nil {
			return err
		}
		comparisons, err := tx.ListPriceComparisons(ctx, record.ID)
		if err != nil {
			return err
		}
		lowest := LowestPrice(comparisons)
		if err := tx.SetLowestPriceFound(ctx, record.ID, lowest); err != nil {
			return err
		}
		record.LowestPriceFound = lowest
		detail = &Detail{Transaction: record, PriceComparisons: comparisons}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("price_comparison_added",
		slog.Int64("owner_id", requester),
		slog.String("transaction_id", detail.Transaction.ID),
		slog.String("merchant_name", strings.TrimSpace(in.MerchantName)),
		slog.String("price", in.Price.StringFixed(2)),
	)
	return detail, nil
}

func (o *Orchestrator) owned(ctx context.Context, requester int64, id string) (*Transaction, error) {
	record, err := o.repo.GetTransaction(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	inst, err := o.repo.GetAgent(ctx, record.AgentID)
	if err != nil {
		return nil, err
	}
	if inst.OwnerID != requester {
		return nil, ErrTransactionNotFound
	}
	return record, nil
}

package transaction

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"Trusty-Agents/internal/agent"
	xerrors "Trusty-Agents/internal/errors"
	"Trusty-Agents/internal/events"
	"Trusty-Agents/internal/observability/metrics"
	"Trusty-Agents/internal/trust"
	"Trusty-Agents/internal/verifier"
	"Trusty-Agents/internal/wallet"
	"Trusty-Agents/pkg/logger"
)

// Tx 是单个存储事务内可用的操作集合。LockAgent 之后到提交之前，
// 同一智能体上的其它事务必须等待。
type Tx interface {
	LockAgent(ctx context.Context, id string) (*agent.Instance, error)
	CompareAndSetAgentStatus(ctx context.Context, id string, from, to agent.Status) error
	SetTrustScore(ctx context.Context, id string, score int) error
	InsertTransaction(ctx context.Context, t *Transaction) error
	UpdateTransaction(ctx context.Context, t *Transaction, from Status) error
	LockTransaction(ctx context.Context, id string) (*Transaction, error)
	InsertPriceComparison(ctx context.Context, pc *PriceComparison) error
	ListPriceComparisons(ctx context.Context, transactionID string) ([]PriceComparison, error)
	SetLowestPriceFound(ctx context.Context, transactionID string, price *decimal.Decimal) error
}

// Repository 提供事务边界与只读查询。fn 返回错误时整个事务回滚。
type Repository interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetAgent(ctx context.Context, id string) (*agent.Instance, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	LatestTransaction(ctx context.Context, agentID string) (*Transaction, error)
	ListPriceComparisons(ctx context.Context, transactionID string) ([]PriceComparison, error)
}

// Verifier 抽象交易校验。
type Verifier interface {
	Verify(req *verifier.Request, inst *agent.Instance) (verifier.Result, error)
}

// Request 描述一次校验并执行的请求。
type Request struct {
	AgentID            string           `json:"agent_instance"`
	Amount             decimal.Decimal  `json:"amount"`
	Merchant           string           `json:"merchant"`
	MerchantWallet     string           `json:"merchant_wallet"`
	MarketAveragePrice *decimal.Decimal `json:"-"`
}

// Outcome 是校验并执行的结果。Status 只会是 EXECUTED 或 REJECTED。
type Outcome struct {
	Status          Status       `json:"status"`
	TransactionID   string       `json:"transaction_id"`
	TransactionHash string       `json:"transaction_hash,omitempty"`
	Reasons         []string     `json:"reason,omitempty"`
	TrustScore      int          `json:"trust_score"`
	Transaction     *Transaction `json:"-"`
}

// Orchestrator 串联校验、转账与状态推进。
type Orchestrator struct {
	repo      Repository
	verifier  Verifier
	wallet    wallet.Provider
	publisher events.Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// Option 配置 Orchestrator。
type Option func(*Orchestrator)

// WithVerifier 替换交易校验器。
func WithVerifier(v Verifier) Option {
	return func(o *Orchestrator) {
		if v != nil {
			o.verifier = v
		}
	}
}

// WithWallet 替换钱包网关。
func WithWallet(p wallet.Provider) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.wallet = p
		}
	}
}

// WithPublisher 配置领域事件发布器。
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator 创建 Orchestrator。
func NewOrchestrator(repo Repository, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:     repo,
		verifier: verifier.New(),
		wallet:   wallet.NewMockGateway(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.Named("transaction"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Validate 检查请求字段，返回字段级错误。
func (r Request) Validate() error {
	fields := make(map[string]string)
	if strings.TrimSpace(r.AgentID) == "" {
		fields["agent_instance"] = "field is required"
	}
	if reason := wallet.CheckAmount(r.Amount); reason != "" {
		fields["amount"] = reason
	}
	if r.MarketAveragePrice != nil && !r.MarketAveragePrice.IsZero() {
		if reason := wallet.CheckAmount(*r.MarketAveragePrice); reason != "" {
			fields["market_average_price"] = reason
		}
	}
	if strings.TrimSpace(r.Merchant) == "" {
		fields["merchant"] = "field is required"
	} else if len(r.Merchant) > 100 {
		fields["merchant"] = "must be at most 100 characters"
	}
	if err := wallet.ValidateAddress(strings.TrimSpace(r.MerchantWallet)); err != nil {
		fields["merchant_wallet"] = "Invalid Ethereum wallet address format"
	}
	if len(fields) > 0 {
		return xerrors.Validation(fields)
	}
	return nil
}

// VerifyAndExecute 在一个存储事务内完成校验与执行。被拒绝时返回 REJECTED 结果而非错误；
// 任何错误都会回滚全部写入。事件与指标只在提交之后记录。
func (o *Orchestrator) VerifyAndExecute(ctx context.Context, req Request, requester int64) (*Outcome, error) {
	if o.repo == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	req.Merchant = strings.TrimSpace(req.Merchant)
	req.MerchantWallet = strings.TrimSpace(req.MerchantWallet)

	start := time.Now()
	var (
		outcome *Outcome
		record  *Transaction
		owner   int64
	)
	err := o.repo.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		inst, err := tx.LockAgent(ctx, req.AgentID)
		if err != nil {
			return err
		}
		if inst.OwnerID != requester {
			return agent.ErrNotOwner
		}
		if !inst.Status.CanVerify() {
			return agent.StateConflict(inst.Status, agent.StatusVerifying)
		}
		owner = inst.OwnerID
		prior := inst.Status

		record = &Transaction{
			ID:                        uuid.NewString(),
			AgentID:                   inst.ID,
			Amount:                    req.Amount,
			Merchant:                  req.Merchant,
			MerchantWallet:            req.MerchantWallet,
			Status:                    StatusPending,
			MarketAveragePrice:        cloneDecimal(req.MarketAveragePrice),
			PriceDifferencePercentage: verifier.PriceDifferencePercentage(req.Amount, req.MarketAveragePrice),
			FailedChecks:              []string{},
			CreatedAt:                 o.now(),
		}
		if err := tx.InsertTransaction(ctx, record); err != nil {
			return err
		}
		if err := o.advance(ctx, tx, record, StatusVerifying); err != nil {
			return err
		}
		if err := tx.CompareAndSetAgentStatus(ctx, inst.ID, prior, agent.StatusVerifying); err != nil {
			return err
		}

		result, err := o.verifier.Verify(&verifier.Request{
			Amount:             record.Amount,
			Merchant:           record.Merchant,
			MarketAveragePrice: record.MarketAveragePrice,
		}, inst)
		if err != nil {
			return err
		}

		if !result.Approved {
			record.FailedChecks = append([]string(nil), result.FailedChecks...)
			if err := o.advance(ctx, tx, record, StatusRejected); err != nil {
				return err
			}
			if err := tx.CompareAndSetAgentStatus(ctx, inst.ID, agent.StatusVerifying, prior); err != nil {
				return err
			}
			outcome = &Outcome{
				Status:        StatusRejected,
				TransactionID: record.ID,
				Reasons:       record.FailedChecks,
				TrustScore:    inst.TrustScore,
			}
			return nil
		}

		if err := o.advance(ctx, tx, record, StatusApproved); err != nil {
			return err
		}
		hash, err := o.wallet.ExecuteTransfer(ctx, inst.WalletAddress, record.MerchantWallet, record.Amount)
		if err != nil {
			return err
		}
		executedAt := o.now()
		record.TransactionHash = hash
		record.ExecutedAt = &executedAt
		if err := o.advance(ctx, tx, record, StatusExecuted); err != nil {
			return err
		}
		if err := tx.CompareAndSetAgentStatus(ctx, inst.ID, agent.StatusVerifying, agent.StatusCompleted); err != nil {
			return err
		}
		score := trust.Apply(inst.TrustScore, trust.SuccessfulTransaction)
		if err := tx.SetTrustScore(ctx, inst.ID, score); err != nil {
			return err
		}
		outcome = &Outcome{
			Status:          StatusExecuted,
			TransactionID:   record.ID,
			TransactionHash: hash,
			TrustScore:      score,
		}
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		txID := ""
		if record != nil {
			txID = record.ID
		}
		level := slog.LevelWarn
		if xerrors.ShouldAlert(err) {
			level = slog.LevelError
		}
		o.logger.Log(ctx, level, "交易校验执行失败",
			slog.String("agent_id", req.AgentID),
			slog.String("transaction_id", txID),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.String("error", err.Error()),
		)
		metrics.ObserveTransaction("error", nil, elapsed)
		return nil, err
	}

	outcome.Transaction = record.Clone()
	o.recordOutcome(ctx, owner, req.AgentID, outcome, elapsed)
	return outcome, nil
}

func (o *Orchestrator) advance(ctx context.Context, tx Tx, record *Transaction, to Status) error {
	from := record.Status
	if err := record.Advance(to); err != nil {
		return err
	}
	return tx.UpdateTransaction(ctx, record, from)
}

func (o *Orchestrator) recordOutcome(ctx context.Context, owner int64, agentID string, outcome *Outcome, elapsed time.Duration) {
	metrics.ObserveTransaction(strings.ToLower(string(outcome.Status)), outcome.Reasons, elapsed)

	attrs := []any{
		slog.Int64("owner_id", owner),
		slog.String("agent_id", agentID),
		slog.String("transaction_id", outcome.TransactionID),
		slog.String("amount", outcome.Transaction.Amount.StringFixed(2)),
		slog.String("merchant", outcome.Transaction.Merchant),
	}
	evt := events.New(events.TransactionRejected, owner, agentID).WithTransaction(outcome.TransactionID)
	if outcome.Status == StatusExecuted {
		metrics.AgentTransitions.WithLabelValues(string(agent.StatusVerifying), string(agent.StatusCompleted)).Inc()
		attrs = append(attrs,
			slog.String("transaction_hash", outcome.TransactionHash),
			slog.Int("trust_score", outcome.TrustScore),
		)
		logger.Audit().Info("transaction_executed", attrs...)
		evt = events.New(events.TransactionExecuted, owner, agentID).
			WithTransaction(outcome.TransactionID).
			With("transaction_hash", outcome.TransactionHash).
			With("trust_score", outcome.TrustScore)
	} else {
		attrs = append(attrs, slog.Any("failed_checks", outcome.Reasons))
		logger.Audit().Info("transaction_rejected", attrs...)
		evt = evt.With("failed_checks", outcome.Reasons)
	}
	events.Emit(ctx, o.publisher, evt)
}

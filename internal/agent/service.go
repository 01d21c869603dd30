package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"Trusty-Agents/internal/constraints"
	xerrors "Trusty-Agents/internal/errors"
	"Trusty-Agents/internal/events"
	"Trusty-Agents/internal/observability/metrics"
	"Trusty-Agents/internal/wallet"
	"Trusty-Agents/pkg/logger"
)

// Repository 抽象智能体与模板的持久化。状态只能通过 CompareAndSetStatus 修改。
type Repository interface {
	CreateAgent(ctx context.Context, inst *Instance) error
	GetAgent(ctx context.Context, id string) (*Instance, error)
	ListAgents(ctx context.Context, ownerID int64) ([]*Instance, error)
	CompareAndSetStatus(ctx context.Context, id string, from []Status, to Status) (*Instance, error)
	GetTemplate(ctx context.Context, id string) (*Template, error)
	ListTemplates(ctx context.Context) ([]*Template, error)
}

// SetupRequest 描述创建智能体的请求。提供 prompt 时由翻译器生成约束。
type SetupRequest struct {
	TemplateID       string           `json:"template_id"`
	Prompt           string           `json:"prompt,omitempty"`
	Constraints      json.RawMessage  `json:"constraints,omitempty"`
	MaxBudget        *decimal.Decimal `json:"max_budget,omitempty"`
	AllowedMerchants []string         `json:"allowed_merchants,omitempty"`
	WalletAddress    string           `json:"bridge_wallet_address,omitempty"`
}

// ShoppingTask 是启动购物任务后的回执。
type ShoppingTask struct {
	TaskID string `json:"task_id"`
	Status Status `json:"status"`
}

// Service 负责智能体的创建、任务启动与重置。
type Service struct {
	repo      Repository
	resolver  *constraints.Resolver
	wallets   wallet.Provider
	publisher events.Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// Option 定义可选的 Service 配置。
type Option func(*Service)

// WithResolver 配置自然语言约束翻译。
func WithResolver(r *constraints.Resolver) Option {
	return func(s *Service) {
		s.resolver = r
	}
}

// WithWalletProvider 配置为未填写钱包地址的智能体派生默认地址的提供方。
func WithWalletProvider(p wallet.Provider) Option {
	return func(s *Service) {
		if p != nil {
			s.wallets = p
		}
	}
}

// WithPublisher 配置领域事件发布器。
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 创建 Service。
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		resolver: constraints.NewResolver(nil),
		wallets:  wallet.NewMockGateway(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Setup 校验请求并创建处于 IDLE 状态的智能体。
func (s *Service) Setup(ctx context.Context, ownerID int64, req SetupRequest) (*Instance, error) {
	if s.repo == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "智能体存储未初始化")
	}
	if ownerID <= 0 {
		return nil, xerrors.New(xerrors.CodeUnauthenticated, "")
	}

	fields := make(map[string]string)

	templateID := strings.TrimSpace(req.TemplateID)
	if templateID == "" {
		fields["template_id"] = "field is required"
	} else if _, err := s.repo.GetTemplate(ctx, templateID); err != nil {
		if xerrors.CodeOf(err) != CodeTemplateNotFound {
			return nil, err
		}
		fields["template_id"] = fmt.Sprintf("template %q does not exist", templateID)
	}

	var parsed constraints.Constraints
	constraintsOK := true
	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		parsed = s.resolver.Resolve(ctx, prompt)
	} else {
		c, err := constraints.Parse(req.Constraints)
		if err != nil {
			constraintsOK = false
			mergeFields(fields, err)
		} else {
			parsed = c.WithSource(constraints.SourceManual)
		}
	}

	var budget decimal.Decimal
	switch {
	case req.MaxBudget != nil:
		budget = *req.MaxBudget
	case constraintsOK:
		budget = decimal.NewFromFloat(parsed.MaxPrice).Round(2)
	}
	if req.MaxBudget != nil || constraintsOK {
		if !budget.IsPositive() {
			fields["max_budget"] = "Max budget must be greater than 0"
		} else if reason := wallet.CheckAmount(budget); reason != "" {
			fields["max_budget"] = reason
		}
	}

	merchants, reason := normaliseMerchants(req.AllowedMerchants)
	if reason != "" {
		fields["allowed_merchants"] = reason
	}

	address := strings.TrimSpace(req.WalletAddress)
	if address != "" {
		if err := wallet.ValidateAddress(address); err != nil {
			fields["bridge_wallet_address"] = "Invalid Ethereum wallet address format"
		}
	}

	if len(fields) > 0 {
		return nil, xerrors.Validation(fields)
	}

	if address == "" {
		derived, err := s.wallets.CreateWallet(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		address = derived
	}

	now := s.now()
	inst := &Instance{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		TemplateID:       templateID,
		Status:           StatusIdle,
		TrustScore:       DefaultTrustScore,
		Constraints:      parsed,
		MaxBudget:        budget.Round(2),
		AllowedMerchants: merchants,
		WalletAddress:    address,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.CreateAgent(ctx, inst); err != nil {
		s.logger.Error("创建智能体失败",
			slog.Int64("owner_id", ownerID),
			slog.String("agent_id", inst.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	metrics.AgentsCreated.WithLabelValues(string(parsed.Source)).Inc()
	logger.Audit().Info("agent_created",
		slog.Int64("owner_id", ownerID),
		slog.String("agent_id", inst.ID),
		slog.String("template_id", templateID),
		slog.String("constraints_source", string(parsed.Source)),
		slog.String("max_budget", inst.MaxBudget.StringFixed(2)),
	)
	events.Emit(ctx, s.publisher, events.New(events.AgentCreated, ownerID, inst.ID).
		With("constraints_source", string(parsed.Source)))
	return inst.Clone(), nil
}

// Get 返回请求者拥有的智能体。非本人智能体按不存在处理。
func (s *Service) Get(ctx context.Context, ownerID int64, id string) (*Instance, error) {
	inst, err := s.repo.GetAgent(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if inst.OwnerID != ownerID {
		return nil, ErrAgentNotFound
	}
	return inst, nil
}

// List 返回请求者的全部智能体。
func (s *Service) List(ctx context.Context, ownerID int64) ([]*Instance, error) {
	return s.repo.ListAgents(ctx, ownerID)
}

// Templates 返回模板目录。
func (s *Service) Templates(ctx context.Context) ([]*Template, error) {
	return s.repo.ListTemplates(ctx)
}

// StartShopping 以 CAS 的方式将 IDLE 切换为 SHOPPING，并发请求中只有一个能成功。
// 购物自动化本身不在此实现，这里只返回任务标识。
func (s *Service) StartShopping(ctx context.Context, ownerID int64, id string, criteria map[string]any) (*ShoppingTask, error) {
	inst, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != StatusIdle {
		return nil, StateConflict(inst.Status, StatusShopping)
	}
	updated, err := s.repo.CompareAndSetStatus(ctx, inst.ID, []Status{StatusIdle}, StatusShopping)
	if err != nil {
		return nil, err
	}
	metrics.AgentTransitions.WithLabelValues(string(StatusIdle), string(StatusShopping)).Inc()

	taskID := fmt.Sprintf("task_%s_%d", updated.ID, ownerID)
	s.logger.Info("购物任务已启动",
		slog.String("task_id", taskID),
		slog.String("agent_id", updated.ID),
	)
	logger.Audit().Info("shopping_started",
		slog.Int64("owner_id", ownerID),
		slog.String("agent_id", updated.ID),
		slog.String("task_id", taskID),
	)
	evt := events.New(events.AgentShoppingStarted, ownerID, updated.ID).With("task_id", taskID)
	if len(criteria) > 0 {
		evt = evt.With("search_criteria", criteria)
	}
	events.Emit(ctx, s.publisher, evt)
	return &ShoppingTask{TaskID: taskID, Status: StatusShopping}, nil
}

// Reset 将 COMPLETED 或 ERROR 的智能体重置为 IDLE，开始新的任务周期。
func (s *Service) Reset(ctx context.Context, ownerID int64, id string) (*Instance, error) {
	inst, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !inst.Status.IsTerminal() {
		return nil, StateConflict(inst.Status, StatusIdle)
	}
	updated, err := s.repo.CompareAndSetStatus(ctx, inst.ID, ResetTargets(), StatusIdle)
	if err != nil {
		return nil, err
	}
	metrics.AgentTransitions.WithLabelValues(string(inst.Status), string(StatusIdle)).Inc()
	logger.Audit().Info("agent_reset",
		slog.Int64("owner_id", ownerID),
		slog.String("agent_id", updated.ID),
		slog.String("from_status", string(inst.Status)),
	)
	events.Emit(ctx, s.publisher, events.New(events.AgentReset, ownerID, updated.ID).
		With("from_status", string(inst.Status)))
	return updated, nil
}

func normaliseMerchants(values []string) ([]string, string) {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			return nil, "merchant names must not be blank"
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out, ""
}

func mergeFields(dst map[string]string, err error) {
	if e, ok := xerrors.From(err); ok && len(e.Fields()) > 0 {
		for k, v := range e.Fields() {
			dst[k] = v
		}
		return
	}
	dst["constraints"] = err.Error()
}

package agent

import (
	"time"

	"github.com/shopspring/decimal"

	"Trusty-Agents/internal/constraints"
	xerrors "Trusty-Agents/internal/errors"
	"Trusty-Agents/internal/trust"
)

// Template 是市场中可选的智能体模板，创建后不可修改。
type Template struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Description  string    `json:"description" yaml:"description"`
	Capabilities []string  `json:"capabilities" yaml:"capabilities"`
	CreatedAt    time.Time `json:"created_at" yaml:"-"`
}

// Instance 是用户配置的购物智能体。
type Instance struct {
	ID               string                  `json:"id"`
	OwnerID          int64                   `json:"owner_id"`
	TemplateID       string                  `json:"template_id"`
	Status           Status                  `json:"status"`
	TrustScore       int                     `json:"trust_score"`
	Constraints      constraints.Constraints `json:"constraints"`
	MaxBudget        decimal.Decimal         `json:"max_budget"`
	AllowedMerchants []string                `json:"allowed_merchants"`
	WalletAddress    string                  `json:"bridge_wallet_address"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// AllowsMerchant 判断商户是否在白名单中，精确匹配。
func (i *Instance) AllowsMerchant(merchant string) bool {
	if i == nil {
		return false
	}
	for _, allowed := range i.AllowedMerchants {
		if allowed == merchant {
			return true
		}
	}
	return false
}

// Clone 返回深拷贝，存储层与调用方之间不共享切片。
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	clone := *i
	clone.Constraints = i.Constraints.Clone()
	clone.AllowedMerchants = append([]string(nil), i.AllowedMerchants...)
	return &clone
}

// Clone 返回模板的深拷贝。
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Capabilities = append([]string(nil), t.Capabilities...)
	return &clone
}

// DefaultTrustScore 是新建智能体的初始信任分。
const DefaultTrustScore = trust.DefaultScore

const (
	CodeAgentNotFound    xerrors.Code = "AGENT_NOT_FOUND"
	CodeTemplateNotFound xerrors.Code = "TEMPLATE_NOT_FOUND"
)

var (
	// ErrAgentNotFound 表示智能体不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrTemplateNotFound 表示模板不存在。
	ErrTemplateNotFound = xerrors.New(CodeTemplateNotFound, "template not found")
	// ErrNotOwner 表示请求者不是智能体的所有者。
	ErrNotOwner = xerrors.New(xerrors.CodeAuthorization, "Not authorized for this agent")
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:    "agent not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeTemplateNotFound, xerrors.Attributes{
		Message:    "template not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
}

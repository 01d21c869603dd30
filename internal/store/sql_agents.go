package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"

	"Trusty-Agents/internal/agent"
	xerrors "Trusty-Agents/internal/errors"
)

const agentColumns = `id, owner_id, template_id, status, trust_score, constraints_json, max_budget,
        allowed_merchants, wallet_address, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*agent.Instance, error) {
	var (
		inst        agent.Instance
		status      string
		constraints string
		merchants   string
	)
	if err := row.Scan(
		&inst.ID,
		&inst.OwnerID,
		&inst.TemplateID,
		&status,
		&inst.TrustScore,
		&constraints,
		&inst.MaxBudget,
		&merchants,
		&inst.WalletAddress,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, agent.ErrAgentNotFound
		}
		return nil, storageError(err, "查询智能体失败")
	}
	inst.Status = agent.Status(status)
	if err := json.Unmarshal([]byte(constraints), &inst.Constraints); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体约束失败")
	}
	if err := json.Unmarshal([]byte(merchants), &inst.AllowedMerchants); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析商户白名单失败")
	}
	if inst.AllowedMerchants == nil {
		inst.AllowedMerchants = []string{}
	}
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	return &inst, nil
}

func (o sqlOps) getAgent(ctx context.Context, id string, forUpdate bool) (*agent.Instance, error) {
	query := `SELECT ` + agentColumns + ` FROM agent_instances WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanAgent(o.queryRow(ctx, query, id))
}

// casAgentStatus 只在当前状态属于 from 且迁移合法时更新。
func (o sqlOps) casAgentStatus(ctx context.Context, id string, from []agent.Status, to agent.Status) error {
	legal := make([]any, 0, len(from))
	for _, f := range from {
		if agent.CanTransition(f, to) {
			legal = append(legal, string(f))
		}
	}
	if len(legal) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(legal)), ", ")
		args := append([]any{string(to), now(), id}, legal...)
		res, err := o.exec(ctx, `UPDATE agent_instances SET status = ?, updated_at = ?
        WHERE id = ? AND status IN (`+placeholders+`)`, args...)
		if err != nil {
			return storageError(err, "更新智能体状态失败")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return storageError(err, "获取影响行数失败")
		}
		if affected > 0 {
			return nil
		}
	}
	current, err := o.getAgent(ctx, id, false)
	if err != nil {
		return err
	}
	return agent.StateConflict(current.Status, to)
}

// CreateAgent 实现 agent.Repository。
func (s *SQLStore) CreateAgent(ctx context.Context, inst *agent.Instance) error {
	if inst == nil || strings.TrimSpace(inst.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	constraints, err := json.Marshal(inst.Constraints)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码智能体约束失败")
	}
	merchants := inst.AllowedMerchants
	if merchants == nil {
		merchants = []string{}
	}
	merchantsJSON, err := json.Marshal(merchants)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码商户白名单失败")
	}

	const stmt = `INSERT INTO agent_instances
        (id, owner_id, template_id, status, trust_score, constraints_json, max_budget, allowed_merchants, wallet_address, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.exec(ctx, stmt,
		inst.ID,
		inst.OwnerID,
		inst.TemplateID,
		string(inst.Status),
		inst.TrustScore,
		string(constraints),
		inst.MaxBudget,
		string(merchantsJSON),
		inst.WalletAddress,
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return xerrors.New(xerrors.CodeConflict, "智能体已存在")
		case isForeignKeyViolation(err):
			return agent.ErrTemplateNotFound
		}
		return storageError(err, "插入智能体失败")
	}
	return nil
}

// GetAgent 实现 agent.Repository 与 transaction.Repository。
func (s *SQLStore) GetAgent(ctx context.Context, id string) (*agent.Instance, error) {
	return s.getAgent(ctx, id, false)
}

// ListAgents 实现 agent.Repository。
func (s *SQLStore) ListAgents(ctx context.Context, ownerID int64) ([]*agent.Instance, error) {
	rows, err := s.query(ctx, `SELECT `+agentColumns+` FROM agent_instances
        WHERE owner_id = ? ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, storageError(err, "查询智能体列表失败")
	}
	defer rows.Close()

	var out []*agent.Instance
	for rows.Next() {
		inst, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历智能体列表失败")
	}
	return out, nil
}

// CompareAndSetStatus 实现 agent.Repository。
func (s *SQLStore) CompareAndSetStatus(ctx context.Context, id string, from []agent.Status, to agent.Status) (*agent.Instance, error) {
	if err := s.casAgentStatus(ctx, id, from, to); err != nil {
		return nil, err
	}
	return s.getAgent(ctx, id, false)
}

// EnsureTemplate 写入模板，已存在时保持原样。
func (s *SQLStore) EnsureTemplate(ctx context.Context, tpl *agent.Template) error {
	if tpl == nil || strings.TrimSpace(tpl.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "模板 ID 不能为空")
	}
	capabilities, err := json.Marshal(tpl.Capabilities)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码模板能力失败")
	}
	createdAt := tpl.CreatedAt
	if createdAt.IsZero() {
		createdAt = now()
	}
	stmt := `INSERT IGNORE INTO agent_templates (id, name, description, capabilities, created_at) VALUES (?, ?, ?, ?, ?)`
	if s.dialect == DialectPostgres {
		stmt = `INSERT INTO agent_templates (id, name, description, capabilities, created_at) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (id) DO NOTHING`
	}
	if _, err := s.exec(ctx, stmt, tpl.ID, tpl.Name, tpl.Description, string(capabilities), createdAt); err != nil {
		return storageError(err, "写入模板失败")
	}
	return nil
}

func scanTemplate(row rowScanner) (*agent.Template, error) {
	var (
		tpl          agent.Template
		capabilities string
	)
	if err := row.Scan(&tpl.ID, &tpl.Name, &tpl.Description, &capabilities, &tpl.CreatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, agent.ErrTemplateNotFound
		}
		return nil, storageError(err, "查询模板失败")
	}
	if err := json.Unmarshal([]byte(capabilities), &tpl.Capabilities); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析模板能力失败")
	}
	tpl.CreatedAt = tpl.CreatedAt.UTC()
	return &tpl, nil
}

// GetTemplate 实现 agent.Repository。
func (s *SQLStore) GetTemplate(ctx context.Context, id string) (*agent.Template, error) {
	return scanTemplate(s.queryRow(ctx,
		`SELECT id, name, description, capabilities, created_at FROM agent_templates WHERE id = ?`, id))
}

// ListTemplates 实现 agent.Repository。
func (s *SQLStore) ListTemplates(ctx context.Context) ([]*agent.Template, error) {
	rows, err := s.query(ctx, `SELECT id, name, description, capabilities, created_at FROM agent_templates ORDER BY id`)
	if err != nil {
		return nil, storageError(err, "查询模板列表失败")
	}
	defer rows.Close()

	var out []*agent.Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历模板列表失败")
	}
	return out, nil
}

func (t *sqlTx) LockAgent(ctx context.Context, id string) (*agent.Instance, error) {
	return t.getAgent(ctx, id, true)
}

func (t *sqlTx) CompareAndSetAgentStatus(ctx context.Context, id string, from, to agent.Status) error {
	return t.casAgentStatus(ctx, id, []agent.Status{from}, to)
}

func (t *sqlTx) SetTrustScore(ctx context.Context, id string, score int) error {
	res, err := t.exec(ctx, `UPDATE agent_instances SET trust_score = ?, updated_at = ? WHERE id = ?`, score, now(), id)
	if err != nil {
		return storageError(err, "更新信任分失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return agent.ErrAgentNotFound
	}
	return nil
}

package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"Trusty-Agents/internal/agent"
	"Trusty-Agents/internal/auth"
	xerrors "Trusty-Agents/internal/errors"
	"Trusty-Agents/internal/transaction"
)

// MemoryStore 以内存方式保存全部数据，主要用于开发与测试。
// 写操作互斥执行；RunInTx 在暂存副本上执行，成功后整体替换，失败时直接丢弃。
type MemoryStore struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	state   *memoryState
}

type memoryState struct {
	templates    map[string]*agent.Template
	agents       map[string]*agent.Instance
	transactions map[string]*transaction.Transaction
	comparisons  map[string][]transaction.PriceComparison
	txSeq        map[string]uint64
	nextTxSeq    uint64
	users        map[int64]*auth.User
	usernames    map[string]int64
	nextUserID   int64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memoryState{
		templates:    make(map[string]*agent.Template),
		agents:       make(map[string]*agent.Instance),
		transactions: make(map[string]*transaction.Transaction),
		comparisons:  make(map[string][]transaction.PriceComparison),
		txSeq:        make(map[string]uint64),
		users:        make(map[int64]*auth.User),
		usernames:    make(map[string]int64),
		nextUserID:   1,
	}}
}

func (s *memoryState) clone() *memoryState {
	next := &memoryState{
		templates:    make(map[string]*agent.Template, len(s.templates)),
		agents:       make(map[string]*agent.Instance, len(s.agents)),
		transactions: make(map[string]*transaction.Transaction, len(s.transactions)),
		comparisons:  make(map[string][]transaction.PriceComparison, len(s.comparisons)),
		txSeq:        make(map[string]uint64, len(s.txSeq)),
		nextTxSeq:    s.nextTxSeq,
		users:        make(map[int64]*auth.User, len(s.users)),
		usernames:    make(map[string]int64, len(s.usernames)),
		nextUserID:   s.nextUserID,
	}
	for k, v := range s.templates {
		next.templates[k] = v
	}
	for k, v := range s.agents {
		next.agents[k] = v.Clone()
	}
	for k, v := range s.transactions {
		next.transactions[k] = v.Clone()
	}
	for k, v := range s.comparisons {
		next.comparisons[k] = append([]transaction.PriceComparison(nil), v...)
	}
	for k, v := range s.txSeq {
		next.txSeq[k] = v
	}
	for k, v := range s.users {
		next.users[k] = v
	}
	for k, v := range s.usernames {
		next.usernames[k] = v
	}
	return next
}

// write 在独占锁下修改已提交状态。
func (m *MemoryStore) write(fn func(st *memoryState) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

func (m *MemoryStore) read(fn func(st *memoryState) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.state)
}

// RunInTx 实现 transaction.Repository。
func (m *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx transaction.Tx) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	staged := m.state.clone()
	m.mu.RUnlock()

	if err := fn(ctx, &memoryTx{st: staged}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "事务提交前上下文已结束")
	}
	m.mu.Lock()
	m.state = staged
	m.mu.Unlock()
	return nil
}

// CreateUser 实现 auth.Store。
func (m *MemoryStore) CreateUser(_ context.Context, user *auth.User) error {
	if user == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "user 不能为空")
	}
	return m.write(func(st *memoryState) error {
		key := strings.ToLower(user.Username)
		if _, ok := st.usernames[key]; ok {
			return auth.ErrUsernameTaken
		}
		user.ID = st.nextUserID
		st.nextUserID++
		clone := *user
		st.users[user.ID] = &clone
		st.usernames[key] = user.ID
		return nil
	})
}

// FindUserByUsername 实现 auth.Store。
func (m *MemoryStore) FindUserByUsername(_ context.Context, username string) (*auth.User, error) {
	var out *auth.User
	err := m.read(func(st *memoryState) error {
		id, ok := st.usernames[strings.ToLower(strings.TrimSpace(username))]
		if !ok {
			return auth.ErrUserNotFound
		}
		clone := *st.users[id]
		out = &clone
		return nil
	})
	return out, err
}

// FindUserByID 实现 auth.Store。
func (m *MemoryStore) FindUserByID(_ context.Context, id int64) (*auth.User, error) {
	var out *auth.User
	err := m.read(func(st *memoryState) error {
		user, ok := st.users[id]
		if !ok {
			return auth.ErrUserNotFound
		}
		clone := *user
		out = &clone
		return nil
	})
	return out, err
}

// EnsureTemplate 写入模板，已存在时保持原样。
func (m *MemoryStore) EnsureTemplate(_ context.Context, tpl *agent.Template) error {
	if tpl == nil || strings.TrimSpace(tpl.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "模板 ID 不能为空")
	}
	return m.write(func(st *memoryState) error {
		if _, ok := st.templates[tpl.ID]; !ok {
			st.templates[tpl.ID] = tpl.Clone()
		}
		return nil
	})
}

// GetTemplate 实现 agent.Repository。
func (m *MemoryStore) GetTemplate(_ context.Context, id string) (*agent.Template, error) {
	var out *agent.Template
	err := m.read(func(st *memoryState) error {
		tpl, ok := st.templates[id]
		if !ok {
			return agent.ErrTemplateNotFound
		}
		out = tpl.Clone()
		return nil
	})
	return out, err
}

// ListTemplates 实现 agent.Repository。
func (m *MemoryStore) ListTemplates(_ context.Context) ([]*agent.Template, error) {
	var out []*agent.Template
	err := m.read(func(st *memoryState) error {
		out = make([]*agent.Template, 0, len(st.templates))
		for _, tpl := range st.templates {
			out = append(out, tpl.Clone())
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// CreateAgent 实现 agent.Repository。
func (m *MemoryStore) CreateAgent(_ context.Context, inst *agent.Instance) error {
	if inst == nil || inst.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	return m.write(func(st *memoryState) error {
		if _, ok := st.agents[inst.ID]; ok {
			return xerrors.New(xerrors.CodeConflict, "智能体已存在")
		}
		if _, ok := st.templates[inst.TemplateID]; !ok {
			return agent.ErrTemplateNotFound
		}
		st.agents[inst.ID] = inst.Clone()
		return nil
	})
}

// GetAgent 实现 agent.Repository 与 transaction.Repository。
func (m *MemoryStore) GetAgent(_ context.Context, id string) (*agent.Instance, error) {
	var out *agent.Instance
	err := m.read(func(st *memoryState) error {
		inst, ok := st.agents[id]
		if !ok {
			return agent.ErrAgentNotFound
		}
		out = inst.Clone()
		return nil
	})
	return out, err
}

// ListAgents 实现 agent.Repository，按创建时间倒序。
func (m *MemoryStore) ListAgents(_ context.Context, ownerID int64) ([]*agent.Instance, error) {
	var out []*agent.Instance
	err := m.read(func(st *memoryState) error {
		for _, inst := range st.agents {
			if inst.OwnerID == ownerID {
				out = append(out, inst.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, err
}

// CompareAndSetStatus 实现 agent.Repository。
func (m *MemoryStore) CompareAndSetStatus(_ context.Context, id string, from []agent.Status, to agent.Status) (*agent.Instance, error) {
	var out *agent.Instance
	err := m.write(func(st *memoryState) error {
		inst, ok := st.agents[id]
		if !ok {
			return agent.ErrAgentNotFound
		}
		if err := casStatus(inst, from, to); err != nil {
			return err
		}
		out = inst.Clone()
		return nil
	})
	return out, err
}

// GetTransaction 实现 transaction.Repository。
func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*transaction.Transaction, error) {
	var out *transaction.Transaction
	err := m.read(func(st *memoryState) error {
		record, ok := st.transactions[id]
		if !ok {
			return transaction.ErrTransactionNotFound
		}
		out = record.Clone()
		return nil
	})
	return out, err
}

// LatestTransaction 实现 transaction.Repository，没有交易时返回 nil。
// created_at 相同时以写入顺序为准。
func (m *MemoryStore) LatestTransaction(_ context.Context, agentID string) (*transaction.Transaction, error) {
	var out *transaction.Transaction
	err := m.read(func(st *memoryState) error {
		for id, record := range st.transactions {
			if record.AgentID != agentID {
				continue
			}
			if out == nil || record.CreatedAt.After(out.CreatedAt) ||
				(record.CreatedAt.Equal(out.CreatedAt) && st.txSeq[id] > st.txSeq[out.ID]) {
				out = record
			}
		}
		out = out.Clone()
		return nil
	})
	return out, err
}

// ListPriceComparisons 实现 transaction.Repository。
func (m *MemoryStore) ListPriceComparisons(_ context.Context, transactionID string) ([]transaction.PriceComparison, error) {
	var out []transaction.PriceComparison
	err := m.read(func(st *memoryState) error {
		out = append([]transaction.PriceComparison{}, st.comparisons[transactionID]...)
		return nil
	})
	return out, err
}

// memoryTx 直接操作暂存副本，调用方已持有写锁。
type memoryTx struct {
	st *memoryState
}

func (t *memoryTx) LockAgent(_ context.Context, id string) (*agent.Instance, error) {
	inst, ok := t.st.agents[id]
	if !ok {
		return nil, agent.ErrAgentNotFound
	}
	return inst.Clone(), nil
}

func (t *memoryTx) CompareAndSetAgentStatus(_ context.Context, id string, from, to agent.Status) error {
	inst, ok := t.st.agents[id]
	if !ok {
		return agent.ErrAgentNotFound
	}
	return casStatus(inst, []agent.Status{from}, to)
}

func (t *memoryTx) SetTrustScore(_ context.Context, id string, score int) error {
	inst, ok := t.st.agents[id]
	if !ok {
		return agent.ErrAgentNotFound
	}
	inst.TrustScore = score
	inst.UpdatedAt = now()
	return nil
}

func (t *memoryTx) InsertTransaction(_ context.Context, record *transaction.Transaction) error {
	if _, ok := t.st.agents[record.AgentID]; !ok {
		return agent.ErrAgentNotFound
	}
	if _, ok := t.st.transactions[record.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "交易已存在")
	}
	t.st.transactions[record.ID] = record.Clone()
	t.st.nextTxSeq++
	t.st.txSeq[record.ID] = t.st.nextTxSeq
	return nil
}

func (t *memoryTx) UpdateTransaction(_ context.Context, record *transaction.Transaction, from transaction.Status) error {
	current, ok := t.st.transactions[record.ID]
	if !ok {
		return transaction.ErrTransactionNotFound
	}
	if current.Status != from {
		return transactionConflict(record.ID, current.Status, record.Status)
	}
	current.Status = record.Status
	current.FailedChecks = append([]string(nil), record.FailedChecks...)
	current.TransactionHash = record.TransactionHash
	if record.ExecutedAt != nil {
		executed := *record.ExecutedAt
		current.ExecutedAt = &executed
	}
	return nil
}

func (t *memoryTx) LockTransaction(_ context.Context, id string) (*transaction.Transaction, error) {
	record, ok := t.st.transactions[id]
	if !ok {
		return nil, transaction.ErrTransactionNotFound
	}
	return record.Clone(), nil
}

func (t *memoryTx) InsertPriceComparison(_ context.Context, pc *transaction.PriceComparison) error {
	if _, ok := t.st.transactions[pc.TransactionID]; !ok {
		return transaction.ErrTransactionNotFound
	}
	t.st.comparisons[pc.TransactionID] = append(t.st.comparisons[pc.TransactionID], *pc)
	return nil
}

func (t *memoryTx) ListPriceComparisons(_ context.Context, transactionID string) ([]transaction.PriceComparison, error) {
	return append([]transaction.PriceComparison{}, t.st.comparisons[transactionID]...), nil
}

func (t *memoryTx) SetLowestPriceFound(_ context.Context, transactionID string, price *decimal.Decimal) error {
	record, ok := t.st.transactions[transactionID]
	if !ok {
		return transaction.ErrTransactionNotFound
	}
	if price == nil {
		record.LowestPriceFound = nil
		return nil
	}
	v := *price
	record.LowestPriceFound = &v
	return nil
}

func casStatus(inst *agent.Instance, from []agent.Status, to agent.Status) error {
	for _, candidate := range from {
		if inst.Status == candidate {
			if err := agent.CheckTransition(inst.Status, to); err != nil {
				return err
			}
			inst.Status = to
			inst.UpdatedAt = now()
			return nil
		}
	}
	return agent.StateConflict(inst.Status, to)
}

var (
	_ agent.Repository       = (*MemoryStore)(nil)
	_ transaction.Repository = (*MemoryStore)(nil)
	_ auth.Store             = (*MemoryStore)(nil)
	_ transaction.Tx         = (*memoryTx)(nil)
)

// Package store 提供智能体、交易、比价记录与用户的持久化实现，
// 支持内存、MySQL 与 PostgreSQL 三种驱动。
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"Trusty-Agents/internal/agent"
	"Trusty-Agents/internal/auth"
	xerrors "Trusty-Agents/internal/errors"
	"Trusty-Agents/internal/transaction"
)

// Driver 枚举支持的存储驱动。
const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Store 汇总各业务包需要的存储能力。
type Store interface {
	agent.Repository
	transaction.Repository
	auth.Store
	EnsureTemplate(ctx context.Context, tpl *agent.Template) error
	Close() error
}

// Config 描述存储连接参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open 按驱动创建存储，SQL 驱动会在返回前执行迁移。
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverMySQL:
		return OpenSQL(ctx, DialectMySQL, cfg)
	case DriverPostgres, "postgresql", "pgx":
		return OpenSQL(ctx, DialectPostgres, cfg)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的存储驱动: %s", cfg.Driver))
	}
}

// SeedTemplates 写入模板目录，已存在的模板保持不变。
func SeedTemplates(ctx context.Context, s Store, templates []*agent.Template) error {
	for _, tpl := range templates {
		if err := s.EnsureTemplate(ctx, tpl); err != nil {
			return err
		}
	}
	return nil
}

// Close 实现 Store。
func (m *MemoryStore) Close() error { return nil }

var now = func() time.Time { return time.Now().UTC() }

func transactionConflict(id string, current, target transaction.Status) error {
	return xerrors.New(xerrors.CodeStateConflict, "transaction status changed concurrently",
		xerrors.WithMetadata("transaction_id", id),
		xerrors.WithMetadata("current_status", string(current)),
		xerrors.WithMetadata("target_status", string(target)),
	)
}

var _ Store = (*MemoryStore)(nil)

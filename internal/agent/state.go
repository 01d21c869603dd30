package agent

import (
	"fmt"

	xerrors "Trusty-Agents/internal/errors"
)

// Status 表示智能体所处的生命周期阶段。
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusShopping  Status = "SHOPPING"
	StatusVerifying Status = "VERIFYING"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
)

// transitions 列出所有合法的状态迁移。VERIFYING 回到 IDLE、SHOPPING、COMPLETED
// 用于交易被拒绝时恢复原状态；COMPLETED、ERROR 回到 IDLE 属于管理员重置。
var transitions = map[Status]map[Status]struct{}{
	StatusIdle: {
		StatusShopping:  {},
		StatusVerifying: {},
		StatusError:     {},
	},
	StatusShopping: {
		StatusVerifying: {},
		StatusError:     {},
	},
	StatusVerifying: {
		StatusCompleted: {},
		StatusError:     {},
		StatusIdle:      {},
		StatusShopping:  {},
	},
	StatusCompleted: {
		StatusVerifying: {},
		StatusIdle:      {},
	},
	StatusError: {
		StatusIdle: {},
	},
}

// Valid 判断状态是否为已知值。
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal 判断当前任务周期是否已经结束。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanVerify 判断该状态下是否允许提交交易校验。
func (s Status) CanVerify() bool {
	return s == StatusIdle || s == StatusShopping || s == StatusCompleted
}

// CanTransition 判断 from 到 to 是否为合法迁移。
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// CheckTransition 在迁移非法时返回 STATE_CONFLICT 错误。
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return StateConflict(from, to)
}

// StateConflict 构造状态冲突错误。
func StateConflict(current, target Status) error {
	msg := fmt.Sprintf("agent status %s cannot move to %s", current, target)
	if target == StatusShopping && current != StatusIdle {
		msg = "Agent is already processing a task"
	}
	return xerrors.New(xerrors.CodeStateConflict, msg,
		xerrors.WithMetadata("current_status", string(current)),
		xerrors.WithMetadata("target_status", string(target)),
	)
}

// ResetTargets 返回允许被重置到 IDLE 的状态。
func ResetTargets() []Status {
	return []Status{StatusCompleted, StatusError}
}

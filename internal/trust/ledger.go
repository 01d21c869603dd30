// Package trust 维护智能体的信任分，分值始终位于 [MinScore, MaxScore]。
package trust

// EventKind 表示影响信任分的事件类型。
type EventKind string

const (
	SuccessfulTransaction EventKind = "SUCCESSFUL_TRANSACTION"
	FailedTransaction     EventKind = "FAILED_TRANSACTION"
	PriceSaving           EventKind = "PRICE_SAVING"
	SuspiciousActivity    EventKind = "SUSPICIOUS_ACTIVITY"
)

const (
	MinScore     = 0
	MaxScore     = 100
	DefaultScore = 50
)

var deltas = map[EventKind]int{
	SuccessfulTransaction: 5,
	FailedTransaction:     -10,
	PriceSaving:           2,
	SuspiciousActivity:    -15,
}

// Delta 返回事件对应的分值变化，未知事件返回 0。
func Delta(kind EventKind) int {
	return deltas[kind]
}

// Known 判断事件类型是否在分值表中。
func Known(kind EventKind) bool {
	_, ok := deltas[kind]
	return ok
}

// Apply 根据事件计算新的信任分。调用方负责持久化结果。
func Apply(score int, kind EventKind) int {
	return Clamp(score + Delta(kind))
}

// Clamp 将任意整数约束到合法区间。
func Clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

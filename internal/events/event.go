// Package events 在事务提交之后分发领域事件，支持内存、Redis、RabbitMQ 三种总线。
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"Trusty-Agents/internal/observability/metrics"
	"Trusty-Agents/pkg/logger"
)

// Type 表示事件类型。
type Type string

const (
	AgentCreated         Type = "agent.created"
	AgentShoppingStarted Type = "agent.shopping_started"
	AgentReset           Type = "agent.reset"
	TransactionExecuted  Type = "transaction.executed"
	TransactionRejected  Type = "transaction.rejected"
	UserRegistered       Type = "user.registered"
)

// Event 是在总线上传递的领域事件。
type Event struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	OwnerID       int64          `json:"owner_id,omitempty"`
	AgentID       string         `json:"agent_id,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// New 创建带 ID 与时间戳的事件。
func New(typ Type, ownerID int64, agentID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OwnerID:    ownerID,
		AgentID:    agentID,
		OccurredAt: time.Now().UTC(),
	}
}

// WithTransaction 附加交易 ID。
func (e Event) WithTransaction(id string) Event {
	e.TransactionID = id
	return e
}

// With 附加负载字段。
func (e Event) With(key string, value any) Event {
	payload := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		payload[k] = v
	}
	payload[key] = value
	e.Payload = payload
	return e
}

// Encode 将事件编码为 JSON。
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode 解析 JSON 事件。
func Decode(raw []byte) (Event, error) {
	var evt Event
	err := json.Unmarshal(raw, &evt)
	return evt, err
}

// Handler 处理来自总线的事件。
type Handler func(ctx context.Context, evt Event) error

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Consumer 负责消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Bus 同时具备发布与消费能力。
type Bus interface {
	Publisher
	Consumer
}

// Emit 在事务提交后发布事件。发布失败只记录日志，不影响已提交的业务结果。
func Emit(ctx context.Context, pub Publisher, evt Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, evt); err != nil {
		metrics.EventsPublished.WithLabelValues(string(evt.Type), "error").Inc()
		logger.Named("events").Warn("发布领域事件失败",
			slog.String("type", string(evt.Type)),
			slog.String("agent_id", evt.AgentID),
			slog.String("transaction_id", evt.TransactionID),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.EventsPublished.WithLabelValues(string(evt.Type), "ok").Inc()
}

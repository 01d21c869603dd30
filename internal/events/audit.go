package events

import (
	"context"
	"log/slog"

	"Trusty-Agents/pkg/logger"
)

// AuditSink 将事件写入审计日志。
type AuditSink struct {
	logger *slog.Logger
}

// NewAuditSink 创建审计消费者，logger 为空时使用全局审计日志。
func NewAuditSink(l *slog.Logger) *AuditSink {
	if l == nil {
		l = logger.Audit()
	}
	return &AuditSink{logger: l}
}

// Handle 实现 Handler。
func (s *AuditSink) Handle(_ context.Context, evt Event) error {
	attrs := []any{
		slog.String("event_id", evt.ID),
		slog.String("type", string(evt.Type)),
		slog.Time("occurred_at", evt.OccurredAt),
	}
	if evt.OwnerID != 0 {
		attrs = append(attrs, slog.Int64("owner_id", evt.OwnerID))
	}
	if evt.AgentID != "" {
		attrs = append(attrs, slog.String("agent_id", evt.AgentID))
	}
	if evt.TransactionID != "" {
		attrs = append(attrs, slog.String("transaction_id", evt.TransactionID))
	}
	if len(evt.Payload) > 0 {
		attrs = append(attrs, slog.Any("payload", evt.Payload))
	}
	s.logger.Info("domain_event", attrs...)
	return nil
}

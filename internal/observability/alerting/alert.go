package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "Trusty-Agents/internal/errors"
	"Trusty-Agents/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog      Channel = "log"
	ChannelWebhook  Channel = "webhook"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code          xerrors.Code      `json:"code"`
	Message       string            `json:"message"`
	Severity      xerrors.Severity  `json:"severity"`
	AgentID       string            `json:"agent_id,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Operation     string            `json:"operation,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// FromError 根据结构化错误构造告警事件。
func FromError(err error, operation string) Event {
	evt := Event{
		Code:       xerrors.CodeOf(err),
		Severity:   xerrors.SeverityOf(err),
		Operation:  operation,
		OccurredAt: time.Now().UTC(),
	}
	if e, ok := xerrors.From(err); ok {
		evt.Message = e.Error()
		evt.Metadata = e.Metadata()
	} else if err != nil {
		evt.Message = err.Error()
	}
	return evt
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将告警写入应用日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 以 error 级别记录告警。
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	l := logger.Named("alerting")
	if n != nil && n.Logger != nil {
		l = n.Logger
	}
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("agent_id", event.AgentID),
		slog.String("transaction_id", event.TransactionID),
		slog.String("operation", event.Operation),
	}
	for _, k := range sortedKeys(event.Metadata) {
		attrs = append(attrs, slog.String("meta."+k, event.Metadata[k]))
	}
	l.ErrorContext(ctx, event.Message, attrs...)
	return nil
}

// WebhookNotifier 通过 HTTP 回调发送告警，Format 决定消息体格式。
type WebhookNotifier struct {
	URL    string
	Format Channel
	Client *http.Client
}

// Channel 返回 Format，未设置时为通用 webhook。
func (n *WebhookNotifier) Channel() Channel {
	if n == nil || n.Format == "" {
		return ChannelWebhook
	}
	return n.Format
}

// Notify 发送告警。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("code", string(event.Code)))
		return nil
	}
	body, err := json.Marshal(n.payload(event))
	if err != nil {
		return fmt.Errorf("编码告警消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("告警回调返回状态码 %d", resp.StatusCode)
	}
	return nil
}

func (n *WebhookNotifier) payload(event Event) any {
	switch n.Channel() {
	case ChannelSlack:
		return map[string]string{"text": summary(event)}
	case ChannelDingTalk:
		return map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": summary(event)},
		}
	default:
		return event
	}
}

func summary(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s", event.Severity, event.Code, event.Message)
	if event.AgentID != "" {
		fmt.Fprintf(&b, "\n智能体: %s", event.AgentID)
	}
	if event.TransactionID != "" {
		fmt.Fprintf(&b, "\n交易: %s", event.TransactionID)
	}
	if event.Operation != "" {
		fmt.Fprintf(&b, "\n操作: %s", event.Operation)
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

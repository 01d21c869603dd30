package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	xerrors "Trusty-Agents/internal/errors"
	"Trusty-Agents/internal/observability/alerting"
)

const maxBodyBytes = 1 << 20

// errorBody 是统一的错误响应格式。
type errorBody struct {
	Code   string            `json:"code"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON 解析请求体，空请求体视为空对象。
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败",
			xerrors.WithField("body", "request body must be a valid JSON object"))
	}
	return nil
}

// scope 描述出错请求关联的业务对象，用于日志与告警。
type scope struct {
	operation     string
	agentID       string
	transactionID string
}

// writeError 将错误映射为 HTTP 响应。基础设施错误记录日志并触发告警，
// 响应中不暴露内部细节。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, sc scope) {
	status := xerrors.HTTPStatusOf(err)
	body := errorBody{Code: string(xerrors.CodeOf(err))}
	if e, ok := xerrors.From(err); ok {
		body.Error = e.Message()
		body.Fields = e.Fields()
	}
	if status >= http.StatusInternalServerError || body.Error == "" {
		body.Error = http.StatusText(status)
	}

	if status >= http.StatusInternalServerError || xerrors.ShouldAlert(err) {
		s.logger.Error("请求处理失败",
			slog.String("operation", sc.operation),
			slog.String("path", r.URL.Path),
			slog.String("agent_id", sc.agentID),
			slog.String("transaction_id", sc.transactionID),
			slog.String("code", body.Code),
			slog.String("error", err.Error()),
		)
	}
	if s.alerts != nil && xerrors.ShouldAlert(err) {
		evt := alerting.FromError(err, sc.operation)
		evt.AgentID = sc.agentID
		evt.TransactionID = sc.transactionID
		if alertErr := s.alerts.Notify(r.Context(), evt); alertErr != nil {
			s.logger.Warn("发送告警失败", slog.String("error", alertErr.Error()))
		}
	}
	writeJSON(w, status, body)
}

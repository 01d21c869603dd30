package constraints

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "Trusty-Agents/internal/errors"
	"Trusty-Agents/internal/observability/metrics"
	"Trusty-Agents/pkg/logger"
)

const defaultTimeout = 10 * time.Second

// Resolver 在有限时间内调用翻译器，任何失败都回退到 Default。
type Resolver struct {
	translator Translator
	cache      Cache
	cacheTTL   time.Duration
	timeout    time.Duration
	logger     *slog.Logger
}

// Option 配置 Resolver。
type Option func(*Resolver)

// WithTimeout 设置单次翻译的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(r *Resolver) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithCache 为成功的翻译结果启用缓存。
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = cache
		r.cacheTTL = ttl
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver 创建 Resolver。translator 为 nil 时始终返回默认约束。
func NewResolver(translator Translator, opts ...Option) *Resolver {
	r := &Resolver{
		translator: translator,
		timeout:    defaultTimeout,
		logger:     logger.Named("constraints"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve 返回翻译结果或默认约束，不会返回错误。
func (r *Resolver) Resolve(ctx context.Context, prompt string) Constraints {
	start := time.Now()
	result := r.resolve(ctx, prompt)
	metrics.ObserveTranslation(string(result.Source), time.Since(start))
	return result
}

func (r *Resolver) resolve(ctx context.Context, prompt string) Constraints {
	prompt = strings.TrimSpace(prompt)
	if r == nil || r.translator == nil || prompt == "" {
		return Default()
	}

	if cached, ok := r.lookup(ctx, prompt); ok {
		return cached
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		constraints Constraints
		err         error
	}
	done := make(chan outcome, 1)
	go func() {
		c, err := r.translator.Translate(callCtx, prompt)
		done <- outcome{constraints: c, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = xerrors.Wrap(xerrors.CodeTimeout, callCtx.Err(), "约束翻译超时")
	}

	if res.err == nil {
		res.err = res.constraints.Validate()
	}
	if res.err != nil {
		r.logger.Warn("约束翻译失败，使用默认约束",
			slog.String("code", string(xerrors.CodeOf(res.err))),
			slog.String("error", res.err.Error()),
		)
		return Default()
	}

	result := res.constraints.WithSource(SourceOpenAI)
	r.store(ctx, prompt, result)
	return result
}

func (r *Resolver) lookup(ctx context.Context, prompt string) (Constraints, bool) {
	if r.cache == nil {
		return Constraints{}, false
	}
	cached, ok, err := r.cache.Get(ctx, prompt)
	if err != nil {
		r.logger.Warn("读取约束缓存失败", slog.String("error", err.Error()))
		return Constraints{}, false
	}
	if !ok {
		return Constraints{}, false
	}
	if err := cached.Validate(); err != nil {
		return Constraints{}, false
	}
	return cached.WithSource(SourceOpenAI), true
}

func (r *Resolver) store(ctx context.Context, prompt string, c Constraints) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, prompt, c, r.cacheTTL); err != nil {
		r.logger.Warn("写入约束缓存失败", slog.String("error", err.Error()))
	}
}

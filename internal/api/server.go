package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"Trusty-Agents/internal/agent"
	"Trusty-Agents/internal/auth"
	"Trusty-Agents/internal/constraints"
	"Trusty-Agents/internal/events"
	"Trusty-Agents/internal/observability/alerting"
	"Trusty-Agents/internal/observability/metrics"
	"Trusty-Agents/internal/transaction"
	"Trusty-Agents/internal/wallet"
	"Trusty-Agents/pkg/logger"
)

// Dependencies 汇总 API 层依赖的业务服务。
type Dependencies struct {
	Auth         *auth.Service
	Agents       *agent.Service
	Transactions *transaction.Orchestrator
	Resolver     *constraints.Resolver
	Wallets      wallet.Provider
}

// Server 负责暴露 REST 接口，供客户端配置并驱动购物智能体。
type Server struct {
	addr            string
	deps            Dependencies
	publisher       events.Publisher
	alerts          alerting.Dispatcher
	corsOrigins     []string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 配置 Server。
type Option func(*Server)

// WithPublisher 配置注册用户时使用的事件发布器。
func WithPublisher(p events.Publisher) Option {
	return func(s *Server) { s.publisher = p }
}

// WithAlerts 配置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Server) { s.alerts = d }
}

// WithCORSOrigins 设置允许的跨域来源，为空时允许全部来源。
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithTimeouts 设置读写与关闭超时。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		deps:            deps,
		readTimeout:     15 * time.Second,
		writeTimeout:    30 * time.Second,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	if s.deps.Wallets == nil {
		s.deps.Wallets = wallet.NewMockGateway()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Routes 返回挂载了全部路由的处理器。
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.StripSlashes)
	r.Use(observeRequests)
	r.Use(chimw.Recoverer)

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", auth.DefaultUserHeader},
		MaxAge:         300,
	}))

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/token", s.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(s.deps.Auth.Middleware(auth.MiddlewareConfig{}))

		r.Get("/templates", s.handleTemplates)

		r.Get("/agents", s.handleListAgents)
		r.Post("/agents/setup", s.handleSetupAgent)
		r.Get("/agents/{id}", s.handleGetAgent)
		r.Post("/agents/{id}/shop", s.handleStartShopping)
		r.Get("/agents/{id}/status", s.handleAgentStatus)
		r.Post("/agents/{id}/reset", s.handleResetAgent)

		r.Post("/transactions/verify", s.handleVerifyTransaction)
		r.Get("/transactions/{id}", s.handleGetTransaction)
		r.Post("/transactions/{id}/price-comparisons", s.handleAddPriceComparison)

		r.Post("/prompt/process", s.handleProcessPrompt)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// observeRequests 按路由模板记录请求指标，避免路径参数导致标签膨胀。
func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
}

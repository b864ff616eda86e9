package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"theta-agents/internal/agent"
	"theta-agents/internal/capability"
	xerrors "theta-agents/internal/errors"
	"theta-agents/internal/llm"
	"theta-agents/internal/memory"
	"theta-agents/internal/telemetry"
	"theta-agents/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Server 负责暴露 REST 接口，供外部驱动智能体。
type Server struct {
	addr            string
	agent           *agent.Agent
	registry        *capability.Registry
	token           string
	shutdownTimeout time.Duration
	metrics         *telemetry.HTTPMetrics
	log             *slog.Logger
	audit           *slog.Logger
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithRegistry 设置用于 /api/v1/capabilities 的能力注册表。
func WithRegistry(reg *capability.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithAuthToken 要求请求携带 Bearer Token，空值表示不认证。
func WithAuthToken(token string) Option {
	return func(s *Server) { s.token = strings.TrimSpace(token) }
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// WithMetrics 替换 HTTP 指标记录器。
func WithMetrics(m *telemetry.HTTPMetrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ag *agent.Agent, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		agent:           ag,
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
		audit:           logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewHTTPMetrics(nil)
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", s.metrics.Wrap("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /api/v1/capabilities", s.protect("capabilities", s.handleCapabilities))
	mux.Handle("POST /api/v1/threads", s.protect("create_thread", s.handleCreateThread))
	mux.Handle("POST /api/v1/threads/{id}/turns", s.protect("turns", s.handleTurn))
	mux.Handle("GET /api/v1/threads/{id}/messages", s.protect("messages", s.handleMessages))
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		Name    string                 `json:"name"`
		Backend capability.BackendKind `json:"backend"`
	}
	out := []entry{}
	for _, name := range s.registry.Names() {
		desc, err := s.registry.Resolve(name)
		if err != nil {
			continue
		}
		out = append(out, entry{Name: name, Backend: desc.Kind})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateThread(w http.ResponseWriter, _ *http.Request) {
	if s.agent == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化"))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"thread_id": s.agent.NewThread()})
}

type turnRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化"))
		return
	}

	var req turnRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	reply, err := s.agent.Turn(r.Context(), r.PathValue("id"), req.Message)
	if err != nil && reply == nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	writeJSON(w, status, reply)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化"))
		return
	}
	threadID := r.PathValue("id")
	if err := memory.ValidateThreadID(threadID); err != nil {
		writeError(w, err)
		return
	}
	history, err := s.agent.History(r.Context(), threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	if history == nil {
		history = []memory.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread_id": threadID, "messages": history})
}

// protect 为业务路由加上认证、审计与指标。
func (s *Server) protect(name string, h http.HandlerFunc) http.Handler {
	return s.metrics.Wrap(name, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && !s.authorized(r.Header.Get("Authorization")) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHORIZED", Message: "缺少或无效的访问令牌"})
			s.audit.Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"status", http.StatusUnauthorized,
			)
			return
		}
		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		h(aw, r)
		s.audit.Info("api_request",
			"event", name,
			"method", r.Method,
			"path", r.URL.Path,
			"status", aw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}))
}

func (s *Server) authorized(header string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.token)) == 1
}

type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

type errorBody struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		body.Metadata = coded.Metadata()
	}
	writeJSON(w, statusFor(err), body)
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeCanceled, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case llm.CodeModelUnavailable, llm.CodeModelRejected, llm.CodeModelMalformed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON 先完成序列化再写状态码，序列化失败时改为 500。
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Named("api").Error("响应序列化失败", slog.String("error", err.Error()))
		status = http.StatusInternalServerError
		data, _ = json.Marshal(errorBody{Code: xerrors.CodeUnknown, Message: "响应序列化失败"})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/guard"
	"github.com/kledx/shll-sub001/internal/ledger"
	"github.com/kledx/shll-sub001/internal/observability/metrics"
	"github.com/kledx/shll-sub001/internal/policy"
	"github.com/kledx/shll-sub001/pkg/logger"
	"github.com/kledx/shll-sub001/pkg/plugin"
)

const (
	maxBodyBytes         = 1 << 20
	defaultCommitWindow  = 2 * time.Minute
	defaultShutdownGrace = 5 * time.Second
)

// Guard 是 API 依赖的编排器能力。
type Guard interface {
	Validate(ctx context.Context, nfa common.Address, instance uint64, vault, caller common.Address, action guard.Action) (plugin.Verdict, error)
	Commit(ctx context.Context, caller common.Address, instance uint64, action guard.Action) error
	DailySpend(ctx context.Context, instance uint64) (ledger.Spend, error)
	SpentOn(ctx context.Context, instance uint64, day uint32) (*big.Int, error)
	Binding(ctx context.Context, id uint64) (*guard.Binding, error)
}

// Server 负责暴露 REST 接口，供中继校验与提交动作。
type Server struct {
	addr         string
	guard        Guard
	metrics      *metrics.Metrics
	clock        ledger.Clock
	commitWindow time.Duration
	log          *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithMetrics 记录 HTTP 请求指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock 替换校验 issued_at 所用的时间来源。
func WithClock(clock ledger.Clock) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithCommitWindow 设置提交请求 issued_at 允许的最大偏差。
func WithCommitWindow(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.commitWindow = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, g Guard, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		guard:        g,
		clock:        ledger.SystemClock{},
		commitWindow: defaultCommitWindow,
		log:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/validate", s.instrument("validate", s.handleValidate))
	mux.Handle("POST /api/v1/commit", s.instrument("commit", s.handleCommit))
	mux.Handle("GET /api/v1/spend", s.instrument("spend", s.handleSpend))
	mux.Handle("GET /api/v1/bindings/{id}", s.instrument("binding", s.handleBinding))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
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
	s.log.Info("API 服务已启动", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownGrace)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	nfa, err := parseAddress("nfa", req.NFA, false)
	if err != nil {
		writeError(w, err)
		return
	}
	vault, err := parseAddress("vault", req.Vault, true)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, err := parseAddress("caller", req.Caller, true)
	if err != nil {
		writeError(w, err)
		return
	}
	action, err := req.Action.toAction()
	if err != nil {
		writeError(w, err)
		return
	}

	verdict, err := s.guard.Validate(r.Context(), nfa, req.Instance, vault, caller, action)
	if err != nil {
		s.log.Warn("校验失败", "instance", req.Instance, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ValidateResponse{Allowed: verdict.Allowed, Reason: verdict.Reason})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取请求体失败"))
		return
	}
	signer, err := RecoverSigner(body, r.Header.Get(SignatureHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	var req CommitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	issued := time.Unix(req.IssuedAt, 0)
	if skew := s.clock.Now().Sub(issued); skew > s.commitWindow || skew < -s.commitWindow {
		writeError(w, xerrors.Newf(xerrors.CodeUnauthorized, "issued_at outside the %s window", s.commitWindow))
		return
	}
	action, err := req.Action.toAction()
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.guard.Commit(r.Context(), signer, req.Instance, action); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CommitResponse{Committed: true, Relay: signer.Hex()})
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	instance, err := strconv.ParseUint(query.Get("instance"), 10, 64)
	if err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "instance query parameter is required"))
		return
	}
	if raw := query.Get("day"); raw != "" {
		day, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			writeError(w, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid day %q", raw))
			return
		}
		spent, err := s.guard.SpentOn(r.Context(), instance, uint32(day))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, SpendResponse{Instance: instance, Day: uint32(day), Spent: spent.String()})
		return
	}
	spend, err := s.guard.DailySpend(r.Context(), instance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SpendResponse{Instance: instance, Day: spend.DayIndex, Spent: policy.Amount(spend.SpentToday).String()})
}

func (s *Server) handleBinding(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid agent id %q", r.PathValue("id")))
		return
	}
	b, err := s.guard.Binding(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBindingResponse(id, b))
}

// statusOf 将错误码映射为 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, policy.CodeInvalidParams, policy.CodeExceedsCeiling, guard.CodeNotInstance:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case xerrors.CodeNotFound, guard.CodeNotBound, policy.CodeSchemaNotFound, policy.CodePolicyNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, guard.CodeAlreadyBound, policy.CodePolicyFrozen:
		return http.StatusConflict
	case xerrors.CodeUpstreamFailure:
		return http.StatusBadGateway
	}
	if xerrors.RetryableError(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	body := ErrorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
	}
	writeJSON(w, statusOf(err), errorResponse{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 为每个路由记录请求数、错误数与耗时。
func (s *Server) instrument(name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
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

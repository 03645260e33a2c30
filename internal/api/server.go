package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentRelay/internal/capability"
	"AgentRelay/internal/dispatch"
)

// Server 负责暴露 REST 接口，供外部提交调用请求、查询结果与管理能力批准。
type Server struct {
	addr       string
	dispatcher *dispatch.Dispatcher
	registry   *capability.Registry
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, dispatcher *dispatch.Dispatcher, registry *capability.Registry) *Server {
	return &Server{addr: addr, dispatcher: dispatcher, registry: registry}
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
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回路由好的处理器，便于测试和嵌入。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/invocations", s.handleInvocations)
	mux.HandleFunc("/api/v1/invocations/stats", s.handleInvocationStats)
	mux.HandleFunc("/api/v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("/api/v1/capabilities/approve", s.handleApprove)
	return mux
}

func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateInvocation(w, r)
	case http.MethodGet:
		s.handleGetInvocations(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type invokeRequest struct {
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
}

type invokeResponse struct {
	RequestID string `json:"request_id"`
}

// handleCreateInvocation 受理一次能力调用请求。
func (s *Server) handleCreateInvocation(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		http.Error(w, "调度器未初始化", http.StatusServiceUnavailable)
		return
	}

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	requestID, err := s.dispatcher.Invoke(r.Context(), req.Capability, req.Args)
	if err != nil {
		if stdErrors.Is(err, dispatch.ErrInvalidArgument) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(invokeResponse{RequestID: requestID})
}

// handleGetInvocations 按 ID 查询单条记录，缺省时返回列表。
func (s *Server) handleGetInvocations(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		http.Error(w, "调度器未初始化", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	if id := strings.TrimSpace(query.Get("id")); id != "" {
		record, err := s.dispatcher.Get(r.Context(), id)
		if err != nil {
			if stdErrors.Is(err, dispatch.ErrRequestNotFound) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(record)
		return
	}

	var opts []dispatch.ListOption
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, dispatch.WithLimit(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		status := dispatch.Status(raw)
		if !dispatch.IsValidStatus(status) {
			http.Error(w, "未知的状态过滤值", http.StatusBadRequest)
			return
		}
		opts = append(opts, dispatch.WithStatuses(status))
	}

	records, err := s.dispatcher.List(r.Context(), opts...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*dispatch.RequestRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

func (s *Server) handleInvocationStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.dispatcher == nil {
		http.Error(w, "调度器未初始化", http.StatusServiceUnavailable)
		return
	}

	stats, err := s.dispatcher.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

type capabilityView struct {
	Name     string `json:"name"`
	Approved bool   `json:"approved"`
}

// handleCapabilities 列出已注册的能力。默认只展示已批准的，
// unapproved=true 时连同待批准的一起返回。
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.registry == nil {
		http.Error(w, "能力注册表未初始化", http.StatusServiceUnavailable)
		return
	}

	includeUnapproved := r.URL.Query().Get("unapproved") == "true"
	names := s.registry.List(capability.ListOptions{IncludeUnapproved: includeUnapproved})

	views := make([]capabilityView, 0, len(names))
	for _, name := range names {
		views = append(views, capabilityView{
			Name:     name,
			Approved: s.registry.Approved(name),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

type approveRequest struct {
	Name    string `json:"name"`
	Approve *bool  `json:"approve"`
}

// handleApprove 批准或撤销一个能力。approve 缺省时按批准处理。
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.registry == nil {
		http.Error(w, "能力注册表未初始化", http.StatusServiceUnavailable)
		return
	}

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "能力名称不能为空", http.StatusBadRequest)
		return
	}

	var err error
	if req.Approve == nil || *req.Approve {
		err = s.registry.Approve(r.Context(), req.Name)
	} else {
		err = s.registry.Revoke(r.Context(), req.Name)
	}
	if err != nil {
		if stdErrors.Is(err, capability.ErrCapabilityNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(capabilityView{
		Name:     req.Name,
		Approved: s.registry.Approved(req.Name),
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

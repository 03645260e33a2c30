package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	xerrors "AgentRelay/internal/errors"
	"AgentRelay/pkg/logger"
)

// ResolutionOutcome 表示一次调度侧查找的结果分支。
type ResolutionOutcome int

const (
	// ResolutionFound 表示能力存在且已批准。
	ResolutionFound ResolutionOutcome = iota
	// ResolutionNotFound 表示能力未注册。
	ResolutionNotFound
	// ResolutionUnapproved 表示能力已发现但尚未批准启用。
	ResolutionUnapproved
)

// Resolution 是调度器查找能力的返回值。用分支值代替错误分派，
// 让调度管线不需要区分异常类型。
type Resolution struct {
	Outcome    ResolutionOutcome
	Descriptor *Descriptor
	Invoke     Invoker
}

type entry struct {
	desc     Descriptor
	invoke   Invoker
	approved bool
}

// Registry 持有全部已知能力，负责发现、去重与按名查找。
// 通过依赖注入显式构造，内部用互斥锁保护，不依赖进程级全局状态。
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	sources     []Source
	approvals   ApprovalStore
	autoApprove bool
	log         *slog.Logger
}

// Option 定义可选的注册表配置。
type Option func(*Registry)

// WithSources 配置发现来源。
func WithSources(sources ...Source) Option {
	return func(r *Registry) {
		for _, src := range sources {
			if src != nil {
				r.sources = append(r.sources, src)
			}
		}
	}
}

// WithApprovalStore 配置批准状态的外部存储。
func WithApprovalStore(store ApprovalStore) Option {
	return func(r *Registry) {
		r.approvals = store
	}
}

// WithAutoApprove 让新发现的能力自动进入已批准状态。
func WithAutoApprove(auto bool) Option {
	return func(r *Registry) {
		r.autoApprove = auto
	}
}

// WithRegistryLogger 指定日志输出。
func WithRegistryLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRegistry 构造能力注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		log:     logger.Named("capability"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register 注册一个能力。同名注册返回 ErrDuplicateCapability，
// 校验失败返回 ErrInvalidCapability。批准状态优先读取外部存储。
func (r *Registry) Register(desc Descriptor, invoke Invoker) error {
	if err := Validate(desc, invoke); err != nil {
		return err
	}
	name := strings.TrimSpace(desc.Name)

	approved := r.autoApprove
	if r.approvals != nil {
		flag, err := r.approvals.IsApproved(context.Background(), name)
		if err != nil {
			r.log.Warn("读取批准状态失败，按未批准处理",
				slog.Any("error", err),
				slog.String("capability", name),
			)
		} else if flag {
			approved = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return xerrors.Wrap(CodeCapabilityDuplicate, ErrDuplicateCapability,
			fmt.Sprintf("能力 %s 已注册", name))
	}
	r.entries[name] = &entry{desc: cloneDescriptor(desc), invoke: invoke, approved: approved}
	return nil
}

// Discover 遍历所有发现来源并注册合法候选。单个候选失败只记日志，
// 不中断整体发现；重复执行时已注册的候选被跳过，结果保持幂等。
func (r *Registry) Discover(ctx context.Context) {
	for _, src := range r.sources {
		candidates, err := src.Capabilities(ctx)
		if err != nil {
			r.log.Warn("发现来源失败，跳过",
				slog.Any("error", err),
				slog.String("source", src.Name()),
			)
			continue
		}
		for _, candidate := range candidates {
			name := strings.TrimSpace(candidate.Descriptor.Name)
			if r.contains(name) {
				r.log.Debug("能力已存在，跳过", slog.String("capability", name))
				continue
			}
			if candidate.Descriptor.Source == "" {
				candidate.Descriptor.Source = src.Name()
			}
			if err := r.Register(candidate.Descriptor, candidate.Invoke); err != nil {
				r.log.Warn("候选能力未通过校验，跳过",
					slog.Any("error", err),
					slog.String("source", src.Name()),
					slog.String("capability", name),
				)
				continue
			}
			logger.Audit().Info("能力已注册",
				slog.String("capability", name),
				slog.String("source", src.Name()),
				slog.Bool("approved", r.Approved(name)),
			)
		}
	}
}

func (r *Registry) contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Get 返回已批准能力的描述符副本。未注册或未批准时返回 false。
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || !e.approved {
		return Descriptor{}, false
	}
	return cloneDescriptor(e.desc), true
}

// Inspect 返回描述符副本而不考虑批准状态，供审批工作流使用。
func (r *Registry) Inspect(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return cloneDescriptor(e.desc), true
}

// ListOptions 控制 List 的过滤行为。
type ListOptions struct {
	Tag               string
	IncludeUnapproved bool
}

// List 返回已注册的能力名称，按字典序排列。默认只包含已批准能力。
func (r *Registry) List(opts ListOptions) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if !e.approved && !opts.IncludeUnapproved {
			continue
		}
		if opts.Tag != "" && !e.desc.HasTag(opts.Tag) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve 是调度器侧的查找入口。返回分支值而不是错误。
func (r *Registry) Resolve(name string) Resolution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Resolution{Outcome: ResolutionNotFound}
	}
	if !e.approved {
		desc := cloneDescriptor(e.desc)
		return Resolution{Outcome: ResolutionUnapproved, Descriptor: &desc}
	}
	desc := cloneDescriptor(e.desc)
	return Resolution{Outcome: ResolutionFound, Descriptor: &desc, Invoke: e.invoke}
}

// Approved 返回能力是否处于已批准状态。
func (r *Registry) Approved(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.approved
}

// Approve 批准能力并把标记写入外部存储。写入失败只记日志，
// 内存状态仍然生效。
func (r *Registry) Approve(ctx context.Context, name string) error {
	return r.setApproval(ctx, name, true)
}

// Revoke 撤销能力的批准状态。
func (r *Registry) Revoke(ctx context.Context, name string) error {
	return r.setApproval(ctx, name, false)
}

func (r *Registry) setApproval(ctx context.Context, name string, approved bool) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return xerrors.Wrap(CodeCapabilityNotFound, ErrCapabilityNotFound,
			fmt.Sprintf("能力 %s 未注册", name))
	}
	e.approved = approved
	r.mu.Unlock()

	if r.approvals != nil {
		if err := r.approvals.SetApproved(ctx, name, approved); err != nil {
			r.log.Warn("写入批准状态失败",
				slog.Any("error", err),
				slog.String("capability", name),
				slog.Bool("approved", approved),
			)
		}
	}
	logger.Audit().Info("能力批准状态变更",
		slog.String("capability", name),
		slog.Bool("approved", approved),
	)
	return nil
}

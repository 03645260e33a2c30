package dispatch

import "context"

// Ledger 抽象请求台账的持久化接口。调度器并发写入、轮询方并发
// 取走终态记录，实现必须保证两侧都不会丢失更新。
type Ledger interface {
	Create(ctx context.Context, record *RequestRecord) error
	Get(ctx context.Context, requestID string) (*RequestRecord, error)
	// Claim 把待执行请求标记为 in_progress 并返回最新状态。
	Claim(ctx context.Context, requestID string) (*RequestRecord, error)
	// MarkCompleted 记录成功结果。请求已处于终态时为无操作。
	MarkCompleted(ctx context.Context, requestID string, response any) error
	// MarkError 记录失败信息。请求已处于终态时为无操作。
	MarkError(ctx context.Context, requestID string, code string, message string) error
	// PollCompleted 取走至多一条未被处理的终态记录，并把
	// processed_by_agent 置位。同一条记录只会交给一个调用方。
	PollCompleted(ctx context.Context) (*RequestRecord, error)
	List(ctx context.Context, opts ListOptions) ([]*RequestRecord, error)
	Stats(ctx context.Context, opts ListOptions) (LedgerStats, error)
	Close() error
}

// LedgerStats 统计符合过滤条件的请求数量。
type LedgerStats struct {
	Total      int `json:"total"`
	Received   int `json:"received"`
	InProgress int `json:"in_progress"`
	Pending    int `json:"pending"`
	Completed  int `json:"completed"`
	Errored    int `json:"errored"`
	Unclaimed  int `json:"unclaimed"`
}

// ListOptions 控制台账查询的过滤行为。
type ListOptions struct {
	Limit      int
	Statuses   []Status
	Processed  *bool
	CreatedGTE int64
	CreatedLTE int64
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of records returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithStatuses filters records by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithProcessed filters records by their processed flag.
func WithProcessed(processed bool) ListOption {
	return func(opts *ListOptions) {
		opts.Processed = &processed
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func matchesListFilters(record *RequestRecord, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if record.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Processed != nil && record.ProcessedByAgent != *opts.Processed {
		return false
	}
	if opts.CreatedGTE > 0 && record.CreatedAt < opts.CreatedGTE {
		return false
	}
	if opts.CreatedLTE > 0 && record.CreatedAt > opts.CreatedLTE {
		return false
	}
	return true
}

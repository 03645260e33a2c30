package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentRelay/internal/errors"
)

// MemoryLedger 以内存方式保存请求台账。互斥锁保证调度器的并发写入
// 与轮询方的取走互不丢失更新。
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]*RequestRecord
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]*RequestRecord)}
}

// Create 实现 Ledger 接口。
func (m *MemoryLedger) Create(_ context.Context, record *RequestRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.RequestID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求 ID 不能为空")
	}
	if !IsValidStatus(record.Status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的请求状态")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.RequestID]; ok {
		return ErrRequestConflict
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	m.records[record.RequestID] = cloneRecord(record)
	return nil
}

// Get 返回请求记录的副本。
func (m *MemoryLedger) Get(_ context.Context, requestID string) (*RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return cloneRecord(record), nil
}

// Claim 把待执行请求标记为 in_progress。
func (m *MemoryLedger) Claim(_ context.Context, requestID string) (*RequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if IsTerminal(record.Status) {
		return cloneRecord(record), ErrRequestFinished
	}
	if record.Status == StatusInProgress {
		return cloneRecord(record), ErrRequestConflict
	}
	record.Status = StatusInProgress
	return cloneRecord(record), nil
}

// MarkCompleted 记录成功结果。已终态的记录保持不变。
func (m *MemoryLedger) MarkCompleted(_ context.Context, requestID string, response any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[requestID]
	if !ok {
		return ErrRequestNotFound
	}
	if IsTerminal(record.Status) {
		return nil
	}
	record.Status = StatusCompleted
	record.Response = response
	record.Error = ""
	record.ErrorCode = ""
	record.CompletedAt = time.Now().Unix()
	return nil
}

// MarkError 记录失败信息。已终态的记录保持不变。
func (m *MemoryLedger) MarkError(_ context.Context, requestID string, code string, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[requestID]
	if !ok {
		return ErrRequestNotFound
	}
	if IsTerminal(record.Status) {
		return nil
	}
	record.Status = StatusError
	record.Error = message
	record.ErrorCode = code
	record.CompletedAt = time.Now().Unix()
	return nil
}

// PollCompleted 取走最早完成且未被处理的终态记录。
func (m *MemoryLedger) PollCompleted(_ context.Context) (*RequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var picked *RequestRecord
	for _, record := range m.records {
		if !IsTerminal(record.Status) || record.ProcessedByAgent {
			continue
		}
		if picked == nil || earlier(record, picked) {
			picked = record
		}
	}
	if picked == nil {
		return nil, nil
	}
	picked.ProcessedByAgent = true
	return cloneRecord(picked), nil
}

// earlier 用完成时间、创建时间和 ID 做稳定排序，保证取走顺序确定。
func earlier(a, b *RequestRecord) bool {
	if a.CompletedAt != b.CompletedAt {
		return a.CompletedAt < b.CompletedAt
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.RequestID < b.RequestID
}

// List 返回符合过滤条件的请求记录，最新创建的在前。
func (m *MemoryLedger) List(_ context.Context, opts ListOptions) ([]*RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*RequestRecord, 0, len(m.records))
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		results = append(results, cloneRecord(record))
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].RequestID < results[j].RequestID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的请求数量。
func (m *MemoryLedger) Stats(_ context.Context, opts ListOptions) (LedgerStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := LedgerStats{}
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		stats.Total++
		switch record.Status {
		case StatusReceived:
			stats.Received++
		case StatusInProgress:
			stats.InProgress++
		case StatusPending:
			stats.Pending++
		case StatusCompleted:
			stats.Completed++
		case StatusError:
			stats.Errored++
		}
		if IsTerminal(record.Status) && !record.ProcessedByAgent {
			stats.Unclaimed++
		}
	}
	return stats, nil
}

// Close 对内存台账无需操作。
func (m *MemoryLedger) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Ledger = (*MemoryLedger)(nil)

package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "AgentRelay/internal/errors"
)

// MemoryMessageStore 把消息保存在内存中，并以 JSON 行的形式追加落盘，
// 方便开发调试。主要用于测试与单机场景。
type MemoryMessageStore struct {
	mu       sync.RWMutex
	dataFile string
	records  []MessageRecord
}

// NewMemoryMessageStore 创建一个内存消息存储。dataDir 为空时只驻留内存。
func NewMemoryMessageStore(dataDir string) (*MemoryMessageStore, error) {
	store := &MemoryMessageStore{}
	if dataDir == "" {
		return store, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	store.dataFile = filepath.Join(dataDir, "messages.log")
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Append 记录一条消息，并以追加写的方式落盘。
func (s *MemoryMessageStore) Append(_ context.Context, record MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if s.dataFile == "" {
		return nil
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码消息失败")
	}
	file, err := os.OpenFile(s.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开消息文件失败")
	}
	defer file.Close()
	if _, err := file.Write(append(payload, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入消息文件失败")
	}
	return nil
}

// ListLatest 返回指定会话最近的消息，按写入顺序排列。
func (s *MemoryMessageStore) ListLatest(_ context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]MessageRecord, 0, limit)
	for _, record := range s.records {
		if sessionID != "" && record.SessionID != sessionID {
			continue
		}
		matched = append(matched, record)
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	out := make([]MessageRecord, len(matched))
	copy(out, matched)
	return out, nil
}

// Close 对内存存储无需操作。
func (s *MemoryMessageStore) Close() error {
	return nil
}

func (s *MemoryMessageStore) loadFromDisk() error {
	file, err := os.Open(s.dataFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取消息文件失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record MessageRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析消息文件 %s 失败", s.dataFile))
		}
		s.records = append(s.records, record)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描消息文件失败")
	}
	return nil
}

// ensure interface compliance at compile time
var _ MessageStore = (*MemoryMessageStore)(nil)

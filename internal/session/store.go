package session

import "context"

// MessageRecord 表示一条待持久化的会话消息。
type MessageRecord struct {
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Sender    string         `json:"sender,omitempty"`
	Target    string         `json:"target,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// MessageStore 抽象消息持久化协作方。写入失败由状态机记日志后忽略，
// 外部存储只是尽力而为的镜像，不是会话期间的事实来源。
type MessageStore interface {
	Append(ctx context.Context, record MessageRecord) error
	ListLatest(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error)
	Close() error
}

package session

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentRelay/internal/errors"
)

// MySQLMessageStore 使用 MySQL 持久化会话消息。
type MySQLMessageStore struct {
	db *sql.DB
}

// NewMySQLMessageStore 创建一个新的 MySQLMessageStore。
func NewMySQLMessageStore(dsn string) (*MySQLMessageStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLMessageStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLMessageStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS session_messages (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        session_id VARCHAR(64) NOT NULL,
        role VARCHAR(16) NOT NULL,
        content TEXT NOT NULL,
        metadata TEXT,
        sender VARCHAR(128) DEFAULT '',
        target VARCHAR(128) DEFAULT '',
        user_id VARCHAR(128) DEFAULT '',
        created_at BIGINT NOT NULL,
        INDEX idx_message_session (session_id, id)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 session_messages 表失败")
	}
	return nil
}

// Append 插入一条消息记录。
func (s *MySQLMessageStore) Append(ctx context.Context, record MessageRecord) error {
	if strings.TrimSpace(record.SessionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}

	metadataValue, err := marshalMetadata(record.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码消息 metadata 失败")
	}
	createdAt := record.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO session_messages
        (session_id, role, content, metadata, sender, target, user_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.SessionID,
		record.Role,
		record.Content,
		metadataValue,
		record.Sender,
		record.Target,
		record.UserID,
		createdAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.Wrap(xerrors.CodeConflict, err, "消息重复写入")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入消息失败")
	}
	return nil
}

// ListLatest 返回指定会话最近的消息，按写入顺序排列。
func (s *MySQLMessageStore) ListLatest(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	const stmt = `SELECT session_id, role, content, metadata, sender, target, user_id, created_at
        FROM (
            SELECT * FROM session_messages WHERE (? = '' OR session_id = ?) ORDER BY id DESC LIMIT ?
        ) recent ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, stmt, sessionID, sessionID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息失败")
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var record MessageRecord
		var metadata sql.NullString
		if err := rows.Scan(
			&record.SessionID,
			&record.Role,
			&record.Content,
			&metadata,
			&record.Sender,
			&record.Target,
			&record.UserID,
			&record.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描消息行失败")
		}
		decoded, err := unmarshalMetadata(metadata)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析消息 metadata 失败")
		}
		record.Metadata = decoded
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历消息行失败")
	}
	return records, nil
}

// Close 关闭数据库连接。
func (s *MySQLMessageStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ensure interface compliance at compile time
var _ MessageStore = (*MySQLMessageStore)(nil)

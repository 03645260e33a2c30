package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentRelay/internal/errors"
)

// MySQLLedger 使用 MySQL 持久化请求台账。
type MySQLLedger struct {
	db *sql.DB
}

// NewMySQLLedger 创建一个新的 MySQLLedger。
func NewMySQLLedger(dsn string) (*MySQLLedger, error) {
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

	ledger := &MySQLLedger{db: db}
	if err := ledger.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ledger, nil
}

func (l *MySQLLedger) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS request_ledger (
        request_id VARCHAR(64) PRIMARY KEY,
        capability VARCHAR(255) NOT NULL,
        args TEXT,
        status VARCHAR(32) NOT NULL,
        response TEXT,
        error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        processed_by_agent TINYINT(1) NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        completed_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_request_status (status),
        INDEX idx_request_poll (status, processed_by_agent, completed_at)
)`

	if _, err := l.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 request_ledger 表失败")
	}
	return nil
}

// Create 插入新的请求记录。
func (l *MySQLLedger) Create(ctx context.Context, record *RequestRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(record.RequestID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求 ID 不能为空")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}

	argsValue, err := marshalJSONColumn(record.Args)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码请求参数失败")
	}
	responseValue, err := marshalJSONColumn(record.Response)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码请求结果失败")
	}

	const stmt = `INSERT INTO request_ledger
        (request_id, capability, args, status, response, error, error_code, processed_by_agent, created_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := l.db.ExecContext(ctx, stmt,
		record.RequestID,
		record.Capability,
		argsValue,
		record.Status,
		responseValue,
		record.Error,
		record.ErrorCode,
		record.ProcessedByAgent,
		record.CreatedAt,
		record.CompletedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRequestConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入请求记录失败")
	}
	return nil
}

// Get 查询指定请求。
func (l *MySQLLedger) Get(ctx context.Context, requestID string) (*RequestRecord, error) {
	const stmt = selectColumns + ` FROM request_ledger WHERE request_id = ?`
	return l.scanOne(l.db.QueryRowContext(ctx, stmt, requestID))
}

// Claim 把待执行请求标记为 in_progress 并返回最新状态。
func (l *MySQLLedger) Claim(ctx context.Context, requestID string) (*RequestRecord, error) {
	const updateStmt = `UPDATE request_ledger SET status = ?
        WHERE request_id = ? AND status IN (?, ?)`

	res, err := l.db.ExecContext(ctx, updateStmt, StatusInProgress, requestID, StatusReceived, StatusPending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新请求状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}

	record, getErr := l.Get(ctx, requestID)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		if IsTerminal(record.Status) {
			return record, ErrRequestFinished
		}
		return record, ErrRequestConflict
	}
	return record, nil
}

// MarkCompleted 记录成功结果。已终态的记录保持不变。
func (l *MySQLLedger) MarkCompleted(ctx context.Context, requestID string, response any) error {
	responseValue, err := marshalJSONColumn(response)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码请求结果失败")
	}

	const stmt = `UPDATE request_ledger
        SET status = ?, response = ?, error = '', error_code = '', completed_at = ?
        WHERE request_id = ? AND status NOT IN (?, ?)`

	res, err := l.db.ExecContext(ctx, stmt,
		StatusCompleted, responseValue, time.Now().Unix(),
		requestID, StatusCompleted, StatusError,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记请求完成失败")
	}
	return l.ensureExists(ctx, requestID, res)
}

// MarkError 记录失败信息。已终态的记录保持不变。
func (l *MySQLLedger) MarkError(ctx context.Context, requestID string, code string, message string) error {
	const stmt = `UPDATE request_ledger
        SET status = ?, error = ?, error_code = ?, completed_at = ?
        WHERE request_id = ? AND status NOT IN (?, ?)`

	res, err := l.db.ExecContext(ctx, stmt,
		StatusError, message, code, time.Now().Unix(),
		requestID, StatusCompleted, StatusError,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记请求失败状态失败")
	}
	return l.ensureExists(ctx, requestID, res)
}

// ensureExists 把"零行受影响"区分为幂等无操作与记录不存在。
func (l *MySQLLedger) ensureExists(ctx context.Context, requestID string, res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	if _, err := l.Get(ctx, requestID); err != nil {
		return err
	}
	return nil
}

// PollCompleted 以先置位再读取的方式取走一条未处理的终态记录，
// 保证同一条记录只交给一个调用方。
func (l *MySQLLedger) PollCompleted(ctx context.Context) (*RequestRecord, error) {
	const pickStmt = `SELECT request_id FROM request_ledger
        WHERE status IN (?, ?) AND processed_by_agent = 0
        ORDER BY completed_at ASC, created_at ASC, request_id ASC LIMIT 1`

	for {
		var requestID string
		err := l.db.QueryRowContext(ctx, pickStmt, StatusCompleted, StatusError).Scan(&requestID)
		if err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待取请求失败")
		}

		const claimStmt = `UPDATE request_ledger SET processed_by_agent = 1
            WHERE request_id = ? AND processed_by_agent = 0`
		res, err := l.db.ExecContext(ctx, claimStmt, requestID)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "置位请求处理标记失败")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
		}
		if affected == 0 {
			// 被并发轮询方抢先取走，换下一条。
			continue
		}
		return l.Get(ctx, requestID)
	}
}

// List 返回符合过滤条件的请求记录，最新创建的在前。
func (l *MySQLLedger) List(ctx context.Context, opts ListOptions) ([]*RequestRecord, error) {
	opts.applyDefaults()

	query := selectColumns + ` FROM request_ledger`
	where, args := buildWhere(opts)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at DESC, request_id DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询请求记录失败")
	}
	defer rows.Close()

	var records []*RequestRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历请求记录失败")
	}
	return records, nil
}

// Stats 统计符合过滤条件的请求数量。
func (l *MySQLLedger) Stats(ctx context.Context, opts ListOptions) (LedgerStats, error) {
	opts.applyDefaults()

	query := `SELECT status, processed_by_agent, COUNT(*) FROM request_ledger`
	where, args := buildWhere(opts)
	if where != "" {
		query += " WHERE " + where
	}
	query += " GROUP BY status, processed_by_agent"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return LedgerStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计请求记录失败")
	}
	defer rows.Close()

	stats := LedgerStats{}
	for rows.Next() {
		var status Status
		var processed bool
		var count int
		if err := rows.Scan(&status, &processed, &count); err != nil {
			return LedgerStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描统计行失败")
		}
		stats.Total += count
		switch status {
		case StatusReceived:
			stats.Received += count
		case StatusInProgress:
			stats.InProgress += count
		case StatusPending:
			stats.Pending += count
		case StatusCompleted:
			stats.Completed += count
		case StatusError:
			stats.Errored += count
		}
		if IsTerminal(status) && !processed {
			stats.Unclaimed += count
		}
	}
	if err := rows.Err(); err != nil {
		return LedgerStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计行失败")
	}
	return stats, nil
}

// Close 关闭数据库连接。
func (l *MySQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

const selectColumns = `SELECT request_id, capability, args, status, response, error, error_code, processed_by_agent, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (l *MySQLLedger) scanOne(row rowScanner) (*RequestRecord, error) {
	record, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func scanRecord(row rowScanner) (*RequestRecord, error) {
	var record RequestRecord
	var args, response sql.NullString

	if err := row.Scan(
		&record.RequestID,
		&record.Capability,
		&args,
		&record.Status,
		&response,
		&record.Error,
		&record.ErrorCode,
		&record.ProcessedByAgent,
		&record.CreatedAt,
		&record.CompletedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描请求记录失败")
	}

	if args.Valid && args.String != "" {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(args.String), &decoded); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析请求参数失败")
		}
		record.Args = decoded
	}
	if response.Valid && response.String != "" {
		var decoded any
		if err := json.Unmarshal([]byte(response.String), &decoded); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析请求结果失败")
		}
		record.Response = decoded
	}
	return &record, nil
}

func buildWhere(opts ListOptions) (string, []any) {
	var clauses []string
	var args []any

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if opts.Processed != nil {
		clauses = append(clauses, "processed_by_agent = ?")
		args = append(args, *opts.Processed)
	}
	if opts.CreatedGTE > 0 {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, opts.CreatedGTE)
	}
	if opts.CreatedLTE > 0 {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, opts.CreatedLTE)
	}
	return strings.Join(clauses, " AND "), args
}

func marshalJSONColumn(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if m, ok := value.(map[string]any); ok && len(m) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(payload), nil
}

// ensure interface compliance at compile time
var _ Ledger = (*MySQLLedger)(nil)

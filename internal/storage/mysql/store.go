package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/storage"
)

const (
	selectEntrySQL = `SELECT v FROM kv_entries WHERE k = ?`
	upsertEntrySQL = `INSERT INTO kv_entries (k, v, updated_at) VALUES (?, ?, ?)
    ON DUPLICATE KEY UPDATE v = VALUES(v), updated_at = VALUES(updated_at)`
	deleteEntrySQL = `DELETE FROM kv_entries WHERE k = ?`
	getLockSQL     = `SELECT GET_LOCK(?, ?)`
	releaseLockSQL = `SELECT RELEASE_LOCK(?)`
)

// Store 是基于 kv_entries 表的 storage.KV 实现。
type Store struct {
	db       *sql.DB
	lockWait time.Duration
	now      func() time.Time
}

// New 打开连接池并执行内嵌迁移。
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 存储失败")
	}
	store := newStore(db, cfg)
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 MySQL 迁移失败")
	}
	return store, nil
}

func newStore(db *sql.DB, cfg Config) *Store {
	wait := cfg.LockWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &Store{db: db, lockWait: wait, now: time.Now}
}

// Get 实现 storage.KV。
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, selectEntrySQL, key).Scan(&value)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 kv_entries 失败")
	}
	return value, nil
}

// Put 实现 storage.KV。
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, upsertEntrySQL, key, value, s.now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 kv_entries 失败")
	}
	return nil
}

// Delete 实现 storage.KV。
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, deleteEntrySQL, key); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 kv_entries 失败")
	}
	return nil
}

// Lock 使用 GET_LOCK 获取命名锁。锁绑定在连接上，因此持锁期间独占一个连接。
func (s *Store) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取 MySQL 连接失败")
	}
	var acquired sql.NullInt64
	if err := conn.QueryRowContext(ctx, getLockSQL, key, int64(s.lockWait/time.Second)).Scan(&acquired); err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "GET_LOCK 执行失败")
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		conn.Close()
		return nil, xerrors.Newf(xerrors.CodeConflict, "等待锁 %s 超时", key)
	}
	return func() {
		var released sql.NullInt64
		_ = conn.QueryRowContext(context.Background(), releaseLockSQL, key).Scan(&released)
		conn.Close()
	}, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

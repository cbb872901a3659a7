package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/kledx/shll-sub001/deploy/migrations"
)

// 表或索引已存在时视为迁移已生效。
var idempotentErrors = map[uint16]struct{}{
	1050: {}, // ER_TABLE_EXISTS_ERROR
	1060: {}, // ER_DUP_FIELDNAME
	1061: {}, // ER_DUP_KEYNAME
}

func isIdempotentError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if !stdErrors.As(err, &mysqlErr) {
		return false
	}
	_, ok := idempotentErrors[mysqlErr.Number]
	return ok
}

var embeddedMigrations = migrations.Files

// migrationLockKey 串行化多个守护进程对同一账本库的迁移。
const migrationLockKey = "policyguard:migrations"

type migrationFile struct {
	version    string
	name       string
	statements []string
}

// runMigrations 在一个独占连接上持有 GET_LOCK 执行全部未应用的迁移，
// 多个实例同时启动时只有一个真正执行，其余等待后发现版本已记录。
func (s *Store) runMigrations(ctx context.Context) error {
	files, err := loadMigrationFiles()
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("获取迁移连接失败: %w", err)
	}
	defer conn.Close()

	var acquired sql.NullInt64
	if err := conn.QueryRowContext(ctx, getLockSQL, migrationLockKey, int64(s.lockWait/time.Second)).Scan(&acquired); err != nil {
		return fmt.Errorf("获取迁移锁失败: %w", err)
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		return fmt.Errorf("等待迁移锁 %s 超时", migrationLockKey)
	}
	defer func() {
		var released sql.NullInt64
		_ = conn.QueryRowContext(context.Background(), releaseLockSQL, migrationLockKey).Scan(&released)
	}()

	if _, err := conn.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}
	for _, file := range files {
		if _, ok := applied[file.version]; ok {
			continue
		}
		if err := s.apply(ctx, conn, file); err != nil {
			return err
		}
	}
	return nil
}

const (
	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`
	selectMigrationsSQL = `SELECT version FROM schema_migrations`
	insertMigrationSQL  = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
)

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[string]struct{}, error) {
	rows, err := conn.QueryContext(ctx, selectMigrationsSQL)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 schema_migrations 失败: %w", err)
	}
	return applied, nil
}

// apply 在事务内执行一个迁移文件。MySQL 的 DDL 会隐式提交，
// 因此重复执行时依靠 isIdempotentError 跳过已生效的语句。
func (s *Store) apply(ctx context.Context, conn *sql.Conn, file migrationFile) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	for _, stmt := range file.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if isIdempotentError(err) {
				continue
			}
			_ = tx.Rollback()
			return fmt.Errorf("执行迁移 %s 失败: %w", file.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, insertMigrationSQL, file.version, s.now().Unix()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

func loadMigrationFiles() ([]migrationFile, error) {
	entries, err := fs.ReadDir(embeddedMigrations, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := embeddedMigrations.ReadFile(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", entry.Name(), err)
		}
		files = append(files, migrationFile{
			version:    parseMigrationVersion(entry.Name()),
			name:       entry.Name(),
			statements: splitSQLStatements(string(content)),
		})
	}
	return orderMigrations(files)
}

// orderMigrations 按版本排序并拒绝重复版本与空文件：版本号是 schema_migrations 的主键，
// 重复会让第二个文件被静默跳过。
func orderMigrations(files []migrationFile) ([]migrationFile, error) {
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	for i, f := range files {
		if len(f.statements) == 0 {
			return nil, fmt.Errorf("迁移文件 %s 没有语句", f.name)
		}
		if i > 0 && files[i-1].version == f.version {
			return nil, fmt.Errorf("迁移版本 %s 重复: %s 与 %s", f.version, files[i-1].name, f.name)
		}
	}
	return files, nil
}

func splitSQLStatements(content string) []string {
	rawStatements := strings.Split(content, ";")
	var statements []string
	for _, stmt := range rawStatements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		statements = append(statements, trimmed)
	}
	return statements
}

func parseMigrationVersion(name string) string {
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	if dot := strings.IndexRune(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}

package redis

import (
	"context"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/storage"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address   string
	Password  string
	DB        int
	Namespace string
	// LockTTL 限制单次持锁时长，防止进程崩溃后锁永不释放。
	LockTTL time.Duration
	// LockRetry 为获取锁失败后的轮询间隔。
	LockRetry time.Duration
}

// Store 使用 Redis 字符串实现 storage.KV 与 storage.Locker。
type Store struct {
	client    redis.UniversalClient
	namespace string
	lockTTL   time.Duration
	lockRetry time.Duration
}

// 只有持有者才能释放锁。
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// New 建立连接并校验可用性。
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient 复用已有的客户端，便于与其他组件共享连接池。
func NewWithClient(client redis.UniversalClient, cfg Config) *Store {
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	retry := cfg.LockRetry
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &Store{client: client, namespace: namespace, lockTTL: ttl, lockRetry: retry}
}

// Get 实现 storage.KV。
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, dataKey(s.namespace, key)).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 读取失败")
	}
	return value, nil
}

// Put 实现 storage.KV。
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, dataKey(s.namespace, key), value, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 写入失败")
	}
	return nil
}

// Delete 实现 storage.KV。
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, dataKey(s.namespace, key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 删除失败")
	}
	return nil
}

// Lock 通过 SET NX PX 获取分布式锁，获取失败时轮询直到 ctx 结束。
func (s *Store) Lock(ctx context.Context, key string) (func(), error) {
	k := lockKey(s.namespace, key)
	token := uuid.NewString()
	ticker := time.NewTicker(s.lockRetry)
	defer ticker.Stop()
	for {
		ok, err := s.client.SetNX(ctx, k, token, s.lockTTL).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 加锁失败")
		}
		if ok {
			return func() {
				// 使用独立 context，调用方的 ctx 可能已取消。
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = unlockScript.Run(releaseCtx, s.client, []string{k}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Client 暴露底层客户端，事件发布器复用同一连接。
func (s *Store) Client() redis.UniversalClient { return s.client }

// Close 关闭连接。
func (s *Store) Close() error {
	return s.client.Close()
}

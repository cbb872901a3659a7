package events

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
)

// RedisConfig 描述 Redis 事件列表的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	List      string
	BlockWait time.Duration
	// MaxLen 大于 0 时发布后裁剪列表，只保留最新的 MaxLen 条。
	MaxLen int64
}

// RedisStream 使用 Redis list 发布与消费事件。
type RedisStream struct {
	client redis.UniversalClient
	list   string
	wait   time.Duration
	maxLen int64
	owned  bool
}

// NewRedisStream 创建 Redis 事件流并校验连接。
func NewRedisStream(ctx context.Context, cfg RedisConfig) (*RedisStream, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "连接 Redis 失败")
	}
	stream := NewRedisStreamWithClient(client, cfg)
	stream.owned = true
	return stream, nil
}

// NewRedisStreamWithClient 复用已有客户端，Close 不会关闭该客户端。
func NewRedisStreamWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisStream {
	list := cfg.List
	if list == "" {
		list = "policyguard:events"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisStream{client: client, list: list, wait: wait, maxLen: cfg.MaxLen}
}

// Publish 将事件写入列表头部。
func (s *RedisStream) Publish(ctx context.Context, event Event) error {
	payload, err := event.Encode()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件失败")
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.list, payload)
	if s.maxLen > 0 {
		pipe.LTrim(ctx, s.list, 0, s.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Consume 通过 BRPOP 按发布顺序读取事件。
func (s *RedisStream) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := s.client.BRPop(ctx, s.wait, s.list).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "Redis 读取事件失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				event, err := Decode([]byte(values[1]))
				if err != nil {
					continue
				}
				_ = handler(ctx, event)
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭自行创建的 Redis 连接。
func (s *RedisStream) Close() error {
	if s == nil || s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

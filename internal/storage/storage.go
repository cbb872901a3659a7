// Package storage defines the key-value abstraction every piece of guard
// state lives in: policies, schemas, action rules, bindings, plugin
// configuration and the per-instance trackers. Backends live in the memory,
// redis and mysql subpackages.
package storage

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
)

// ErrNotFound 表示键不存在。
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "key not found")

// KV 抽象了账本的键值存储。
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Locker 为同一实例上的 validate/exec/commit 提供互斥。
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Key 以冒号拼接键的各个部分。
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// GetJSON 读取并反序列化 key 对应的值。键不存在时返回 false 且不报错。
func GetJSON(ctx context.Context, kv KV, key string, out any) (bool, error) {
	raw, err := kv.Get(ctx, key)
	if err != nil {
		if stdErrors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode "+key)
	}
	return true, nil
}

// PutJSON 序列化 value 并写入 key。
func PutJSON(ctx context.Context, kv KV, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode "+key)
	}
	return kv.Put(ctx, key, raw)
}

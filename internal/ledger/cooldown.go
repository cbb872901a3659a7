package ledger

import (
	"context"
	"strconv"
	"time"

	"github.com/kledx/shll-sub001/internal/storage"
)

type executionRecord struct {
	LastExecution int64 `json:"last_execution"`
}

// ExecutionTracker 记录实例最近一次成功执行的时间。
type ExecutionTracker struct {
	kv        storage.KV
	namespace string
}

// NewExecutionTracker 创建执行时间记录器。
func NewExecutionTracker(kv storage.KV, namespace string) *ExecutionTracker {
	return &ExecutionTracker{kv: kv, namespace: namespace}
}

func (t *ExecutionTracker) key(instance uint64) string {
	return storage.Key("exec", t.namespace, strconv.FormatUint(instance, 10))
}

// LastExecution 返回最近一次执行的 unix 秒；从未执行时 ok 为 false。
func (t *ExecutionTracker) LastExecution(ctx context.Context, instance uint64) (ts int64, ok bool, err error) {
	var rec executionRecord
	found, err := storage.GetJSON(ctx, t.kv, t.key(instance), &rec)
	if err != nil || !found {
		return 0, false, err
	}
	return rec.LastExecution, true, nil
}

// Touch 将最近执行时间更新为 now。
func (t *ExecutionTracker) Touch(ctx context.Context, instance uint64, now time.Time) error {
	return storage.PutJSON(ctx, t.kv, t.key(instance), executionRecord{LastExecution: now.Unix()})
}

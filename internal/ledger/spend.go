package ledger

import (
	"context"
	"math/big"
	"strconv"
	"time"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/storage"
)

// Spend 是某实例在某一天的累计支出。
type Spend struct {
	SpentToday *big.Int
	DayIndex   uint32
}

type spendRecord struct {
	Spent string `json:"spent"`
	Day   uint32 `json:"day"`
}

// SpendTracker 按命名空间记录实例的日累计支出。
// 每个命名空间（例如 guard 的模块、spending_limit 插件）独立计数。
type SpendTracker struct {
	kv        storage.KV
	namespace string
}

// NewSpendTracker 创建指定命名空间的支出记录器。
func NewSpendTracker(kv storage.KV, namespace string) *SpendTracker {
	return &SpendTracker{kv: kv, namespace: namespace}
}

func (t *SpendTracker) currentKey(instance uint64) string {
	return storage.Key("spend", t.namespace, strconv.FormatUint(instance, 10))
}

func (t *SpendTracker) dayKey(instance uint64, day uint32) string {
	return storage.Key("spend", t.namespace, strconv.FormatUint(instance, 10), strconv.FormatUint(uint64(day), 10))
}

// Today 返回 now 所在日的累计支出。跨日后未提交过的实例返回 0。
func (t *SpendTracker) Today(ctx context.Context, instance uint64, now time.Time) (Spend, error) {
	today := DayIndex(now)
	var rec spendRecord
	found, err := storage.GetJSON(ctx, t.kv, t.currentKey(instance), &rec)
	if err != nil {
		return Spend{}, err
	}
	if !found || rec.Day != today {
		return Spend{SpentToday: new(big.Int), DayIndex: today}, nil
	}
	spent, err := parseAmount(rec.Spent)
	if err != nil {
		return Spend{}, err
	}
	return Spend{SpentToday: spent, DayIndex: today}, nil
}

// Current 返回最近一次提交写入的原始记录，不做跨日重置。
func (t *SpendTracker) Current(ctx context.Context, instance uint64) (Spend, error) {
	var rec spendRecord
	found, err := storage.GetJSON(ctx, t.kv, t.currentKey(instance), &rec)
	if err != nil || !found {
		return Spend{SpentToday: new(big.Int)}, err
	}
	spent, err := parseAmount(rec.Spent)
	if err != nil {
		return Spend{}, err
	}
	return Spend{SpentToday: spent, DayIndex: rec.Day}, nil
}

// SpentOn 返回指定日的累计支出，历史日的数据在跨日后保持不变。
func (t *SpendTracker) SpentOn(ctx context.Context, instance uint64, day uint32) (*big.Int, error) {
	var rec spendRecord
	found, err := storage.GetJSON(ctx, t.kv, t.dayKey(instance, day), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return new(big.Int), nil
	}
	return parseAmount(rec.Spent)
}

// Add 累加 amount 到 now 所在日并返回新的记录。跨日时先归零。
func (t *SpendTracker) Add(ctx context.Context, instance uint64, amount *big.Int, now time.Time) (Spend, error) {
	current, err := t.Today(ctx, instance, now)
	if err != nil {
		return Spend{}, err
	}
	if amount != nil {
		current.SpentToday.Add(current.SpentToday, amount)
	}
	rec := spendRecord{Spent: current.SpentToday.String(), Day: current.DayIndex}
	if err := storage.PutJSON(ctx, t.kv, t.dayKey(instance, rec.Day), rec); err != nil {
		return Spend{}, err
	}
	if err := storage.PutJSON(ctx, t.kv, t.currentKey(instance), rec); err != nil {
		return Spend{}, err
	}
	return current, nil
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeStorageFailure, "invalid stored amount %q", raw)
	}
	return v, nil
}

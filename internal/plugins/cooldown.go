package plugins

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/ledger"
	"github.com/kledx/shll-sub001/internal/policy"
	"github.com/kledx/shll-sub001/internal/storage"
	"github.com/kledx/shll-sub001/pkg/logger"
	"github.com/kledx/shll-sub001/pkg/plugin"
)

type cooldownRecord struct {
	Seconds int64 `json:"seconds"`
}

// Cooldown 要求两次成功执行之间至少间隔指定秒数。
// 间隔恰好等于冷却时间时放行。
type Cooldown struct {
	plugin.GuardBound

	kv      storage.KV
	access  Access
	clock   ledger.Clock
	tracker *ledger.ExecutionTracker
}

// NewCooldown 创建 Cooldown。
func NewCooldown(kv storage.KV, access Access, clock ledger.Clock, guard common.Address) *Cooldown {
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	return &Cooldown{
		GuardBound: plugin.GuardBound{Guard: guard},
		kv:         kv,
		access:     access,
		clock:      clock,
		tracker:    ledger.NewExecutionTracker(kv, string(plugin.TypeCooldown)),
	}
}

// Info 实现 plugin.Policy。
func (*Cooldown) Info() plugin.Info {
	return plugin.Info{Name: "Cooldown", Description: "minimum interval between executions"}
}

// PolicyType 实现 plugin.Policy。
func (*Cooldown) PolicyType() plugin.Type { return plugin.TypeCooldown }

// RenterConfigurable 实现 plugin.Policy。
func (*Cooldown) RenterConfigurable() bool { return true }

func cooldownKey(scope Scope, id uint64) string {
	return storage.Key(string(plugin.TypeCooldown), string(scope), idString(id))
}

func (c *Cooldown) seconds(ctx context.Context, scope Scope, id uint64) (int64, bool, error) {
	var rec cooldownRecord
	found, err := storage.GetJSON(ctx, c.kv, cooldownKey(scope, id), &rec)
	return rec.Seconds, found, err
}

// Effective 返回实例生效的冷却秒数，即实例值与模板值中较大者。
func (c *Cooldown) Effective(ctx context.Context, instance, template uint64) (int64, error) {
	var effective int64
	for _, lv := range levels(instance, template) {
		secs, _, err := c.seconds(ctx, lv.scope, lv.id)
		if err != nil {
			return 0, err
		}
		if secs > effective {
			effective = secs
		}
	}
	return effective, nil
}

// Check 实现 plugin.Policy。
func (c *Cooldown) Check(ctx context.Context, call plugin.Call) (plugin.Verdict, error) {
	cooldown, err := c.Effective(ctx, call.Instance, call.Template)
	if err != nil {
		return plugin.Verdict{}, err
	}
	if cooldown == 0 {
		return plugin.Allow(), nil
	}
	last, ok, err := c.tracker.LastExecution(ctx, call.Instance)
	if err != nil {
		return plugin.Verdict{}, err
	}
	if ok && c.clock.Now().Unix()-last < cooldown {
		return plugin.Reject(ReasonCooldownActive), nil
	}
	return plugin.Allow(), nil
}

// OnCommit 实现 plugin.Committer。
func (c *Cooldown) OnCommit(ctx context.Context, caller common.Address, call plugin.Call) error {
	if err := c.RequireGuard(caller); err != nil {
		return err
	}
	return c.tracker.Touch(ctx, call.Instance, c.clock.Now())
}

// InitInstance 实现 plugin.Initializer。
func (c *Cooldown) InitInstance(ctx context.Context, caller common.Address, instance, template uint64) error {
	if err := c.RequireGuard(caller); err != nil {
		return err
	}
	secs, found, err := c.seconds(ctx, ScopeTemplate, template)
	if err != nil || !found {
		return err
	}
	return storage.PutJSON(ctx, c.kv, cooldownKey(ScopeInstance, instance), cooldownRecord{Seconds: secs})
}

// SetCooldown 设置 scope 级别的冷却秒数。实例值不得低于模板值。
func (c *Cooldown) SetCooldown(ctx context.Context, caller common.Address, scope Scope, id uint64, seconds int64) error {
	if seconds < 0 {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "cooldown must not be negative: %d", seconds)
	}
	if err := c.access.Require(ctx, caller, scope, id); err != nil {
		return err
	}
	if scope == ScopeInstance {
		template, err := c.access.Oracle.TemplateOf(ctx, id)
		if err != nil {
			return err
		}
		floor, _, err := c.seconds(ctx, ScopeTemplate, template)
		if err != nil {
			return err
		}
		if seconds < floor {
			return xerrors.Newf(policy.CodeExceedsCeiling, "cooldown %ds is below template minimum %ds", seconds, floor)
		}
	}
	if err := storage.PutJSON(ctx, c.kv, cooldownKey(scope, id), cooldownRecord{Seconds: seconds}); err != nil {
		return err
	}
	logger.Audit().Info("cooldown updated", "scope", string(scope), "id", id, "seconds", seconds, "caller", caller.Hex())
	return nil
}

// LastExecution 返回实例最近一次提交的 unix 秒。
func (c *Cooldown) LastExecution(ctx context.Context, instance uint64) (int64, bool, error) {
	return c.tracker.LastExecution(ctx, instance)
}

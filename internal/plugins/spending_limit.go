package plugins

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kledx/shll-sub001/internal/calldata"
	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/ledger"
	"github.com/kledx/shll-sub001/internal/policy"
	"github.com/kledx/shll-sub001/internal/storage"
	"github.com/kledx/shll-sub001/pkg/logger"
	"github.com/kledx/shll-sub001/pkg/plugin"
)

// Limits 是 spending_limit 的额度配置。nil 与 0 等价，均表示不允许任何正数支出。
type Limits struct {
	MaxPerTx    *big.Int `json:"max_per_tx" yaml:"max_per_tx"`
	MaxPerDay   *big.Int `json:"max_per_day" yaml:"max_per_day"`
	MaxApproval *big.Int `json:"max_approval" yaml:"max_approval"`
}

func (l Limits) clone() Limits {
	return Limits{
		MaxPerTx:    policy.Amount(l.MaxPerTx),
		MaxPerDay:   policy.Amount(l.MaxPerDay),
		MaxApproval: policy.Amount(l.MaxApproval),
	}
}

// within 检查 l 的每一项都不超过 ceiling。
func (l Limits) within(ceiling Limits) error {
	checks := []struct {
		name       string
		value, max *big.Int
	}{
		{"max_per_tx", l.MaxPerTx, ceiling.MaxPerTx},
		{"max_per_day", l.MaxPerDay, ceiling.MaxPerDay},
		{"max_approval", l.MaxApproval, ceiling.MaxApproval},
	}
	for _, c := range checks {
		if policy.Amount(c.value).Cmp(policy.Amount(c.max)) > 0 {
			return xerrors.Newf(policy.CodeExceedsCeiling, "%s %s exceeds template ceiling %s", c.name, policy.Amount(c.value), policy.Amount(c.max))
		}
	}
	return nil
}

// SpendingLimit 约束单笔与滚动日支出，并收紧 ERC-20 授权。
// 未配置额度时拒绝任何正数支出（fail-closed）。
type SpendingLimit struct {
	plugin.GuardBound

	kv       storage.KV
	access   Access
	clock    ledger.Clock
	spenders scopedLists
	tracker  *ledger.SpendTracker
}

// NewSpendingLimit 创建 SpendingLimit。guard 是唯一可以调用提交与初始化钩子的身份。
func NewSpendingLimit(kv storage.KV, access Access, clock ledger.Clock, guard common.Address) *SpendingLimit {
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	return &SpendingLimit{
		GuardBound: plugin.GuardBound{Guard: guard},
		kv:         kv,
		access:     access,
		clock:      clock,
		spenders:   scopedLists{kv: kv, prefix: string(plugin.TypeSpendingLimit) + ":spender"},
		tracker:    ledger.NewSpendTracker(kv, string(plugin.TypeSpendingLimit)),
	}
}

// Info 实现 plugin.Policy。
func (*SpendingLimit) Info() plugin.Info {
	return plugin.Info{Name: "Spending Limit", Description: "per-transaction and daily spend ceilings plus approval hardening"}
}

// PolicyType 实现 plugin.Policy。
func (*SpendingLimit) PolicyType() plugin.Type { return plugin.TypeSpendingLimit }

// RenterConfigurable 实现 plugin.Policy。
func (*SpendingLimit) RenterConfigurable() bool { return false }

func limitsKey(scope Scope, id uint64) string {
	return storage.Key(string(plugin.TypeSpendingLimit), string(scope), idString(id), "limits")
}

func (s *SpendingLimit) load(ctx context.Context, scope Scope, id uint64) (Limits, bool, error) {
	var l Limits
	found, err := storage.GetJSON(ctx, s.kv, limitsKey(scope, id), &l)
	if err != nil {
		return Limits{}, false, err
	}
	return l.clone(), found, nil
}

// EffectiveLimits 返回对 instance 生效的额度：优先实例级，缺失时回退到模板。
func (s *SpendingLimit) EffectiveLimits(ctx context.Context, instance, template uint64) (Limits, error) {
	for _, lv := range levels(instance, template) {
		l, found, err := s.load(ctx, lv.scope, lv.id)
		if err != nil {
			return Limits{}, err
		}
		if found {
			return l, nil
		}
	}
	return Limits{}.clone(), nil
}

// Check 实现 plugin.Policy。
func (s *SpendingLimit) Check(ctx context.Context, call plugin.Call) (plugin.Verdict, error) {
	switch calldata.Classify(call.Selector) {
	case calldata.KindTransfer:
		return plugin.Reject(ReasonTransferNotAllowed), nil
	case calldata.KindPermit:
		return plugin.Reject(ReasonPermitNotAllowed), nil
	case calldata.KindIncreaseAllowance:
		return plugin.Reject(ReasonIncreaseNotAllowed), nil
	case calldata.KindDecreaseAllowance:
		return plugin.Allow(), nil
	case calldata.KindApprove:
		return s.checkApprove(ctx, call)
	}

	spend, err := calldata.EffectiveSpend(call.Data, call.Value)
	if err != nil {
		return decodeVerdict(err)
	}
	if spend.Sign() == 0 {
		return plugin.Allow(), nil
	}
	limits, err := s.EffectiveLimits(ctx, call.Instance, call.Template)
	if err != nil {
		return plugin.Verdict{}, err
	}
	if limits.MaxPerTx.Sign() == 0 && limits.MaxPerDay.Sign() == 0 {
		return plugin.Reject(ReasonLimitNotConfigured), nil
	}
	if spend.Cmp(limits.MaxPerTx) > 0 {
		return plugin.Reject(ReasonExceedsPerTx), nil
	}
	today, err := s.tracker.Today(ctx, call.Instance, s.clock.Now())
	if err != nil {
		return plugin.Verdict{}, err
	}
	if new(big.Int).Add(today.SpentToday, spend).Cmp(limits.MaxPerDay) > 0 {
		return plugin.Reject(ReasonDailyLimitReached), nil
	}
	return plugin.Allow(), nil
}

func (s *SpendingLimit) checkApprove(ctx context.Context, call plugin.Call) (plugin.Verdict, error) {
	approval, err := calldata.DecodeApprove(call.Data)
	if err != nil {
		return decodeVerdict(err)
	}
	approved := false
	for _, lv := range levels(call.Instance, call.Template) {
		ok, err := s.spenders.allow(lv.scope, lv.id).Contains(ctx, approval.Spender)
		if err != nil {
			return plugin.Verdict{}, err
		}
		if ok {
			approved = true
			break
		}
	}
	if !approved {
		return plugin.Reject(ReasonSpenderNotApproved), nil
	}
	if approval.Amount.Cmp(calldata.MaxUint256) == 0 {
		return plugin.Reject(ReasonInfiniteApproval), nil
	}
	limits, err := s.EffectiveLimits(ctx, call.Instance, call.Template)
	if err != nil {
		return plugin.Verdict{}, err
	}
	if approval.Amount.Cmp(limits.MaxApproval) > 0 {
		return plugin.Reject(ReasonApprovalExceeds), nil
	}
	return plugin.Allow(), nil
}

// OnCommit 实现 plugin.Committer，累加本次支出到当日记录。
func (s *SpendingLimit) OnCommit(ctx context.Context, caller common.Address, call plugin.Call) error {
	if err := s.RequireGuard(caller); err != nil {
		return err
	}
	if calldata.IsApprovalFamily(call.Selector) || calldata.IsTransfer(call.Selector) {
		return nil
	}
	spend, err := calldata.EffectiveSpend(call.Data, call.Value)
	if err != nil {
		return err
	}
	if spend.Sign() == 0 {
		return nil
	}
	_, err = s.tracker.Add(ctx, call.Instance, spend, s.clock.Now())
	return err
}

// InitInstance 实现 plugin.Initializer，将模板额度与 spender 名单复制到实例。
func (s *SpendingLimit) InitInstance(ctx context.Context, caller common.Address, instance, template uint64) error {
	if err := s.RequireGuard(caller); err != nil {
		return err
	}
	l, found, err := s.load(ctx, ScopeTemplate, template)
	if err != nil {
		return err
	}
	if found {
		if err := storage.PutJSON(ctx, s.kv, limitsKey(ScopeInstance, instance), l); err != nil {
			return err
		}
	}
	spenders, err := s.spenders.allow(ScopeTemplate, template).Members(ctx)
	if err != nil {
		return err
	}
	if len(spenders) == 0 {
		return nil
	}
	return s.spenders.allow(ScopeInstance, instance).Add(ctx, spenders...)
}

// SetTemplateLimits 设置模板额度，也就是实例额度的上限。
func (s *SpendingLimit) SetTemplateLimits(ctx context.Context, caller common.Address, template uint64, limits Limits) error {
	if err := s.access.Require(ctx, caller, ScopeTemplate, template); err != nil {
		return err
	}
	limits = limits.clone()
	if err := storage.PutJSON(ctx, s.kv, limitsKey(ScopeTemplate, template), limits); err != nil {
		return err
	}
	logger.Audit().Info("spending limit template updated", "template", template,
		"max_per_tx", limits.MaxPerTx.String(), "max_per_day", limits.MaxPerDay.String(), "max_approval", limits.MaxApproval.String())
	return nil
}

// SetInstanceLimits 设置实例额度。任一项超过模板上限或高于当前实例额度时返回
// EXCEEDS_CEILING：控制者只能收紧，放宽需通过 ResetInstanceLimits。
func (s *SpendingLimit) SetInstanceLimits(ctx context.Context, caller common.Address, instance uint64, limits Limits) error {
	if err := s.access.Require(ctx, caller, ScopeInstance, instance); err != nil {
		return err
	}
	template, err := s.access.Oracle.TemplateOf(ctx, instance)
	if err != nil {
		return err
	}
	ceiling, _, err := s.load(ctx, ScopeTemplate, template)
	if err != nil {
		return err
	}
	limits = limits.clone()
	if err := limits.within(ceiling); err != nil {
		return err
	}
	current, found, err := s.load(ctx, ScopeInstance, instance)
	if err != nil {
		return err
	}
	if found {
		if err := limits.within(current); err != nil {
			return err
		}
	}
	if err := storage.PutJSON(ctx, s.kv, limitsKey(ScopeInstance, instance), limits); err != nil {
		return err
	}
	logger.Audit().Info("spending limit instance updated", "instance", instance, "caller", caller.Hex(),
		"max_per_tx", limits.MaxPerTx.String(), "max_per_day", limits.MaxPerDay.String(), "max_approval", limits.MaxApproval.String())
	return nil
}

// ResetInstanceLimits 将实例额度恢复为模板额度，供换租时由 authority 或模板所有者调用。
func (s *SpendingLimit) ResetInstanceLimits(ctx context.Context, caller common.Address, instance uint64) error {
	template, err := s.access.Oracle.TemplateOf(ctx, instance)
	if err != nil {
		return err
	}
	if err := s.access.Require(ctx, caller, ScopeTemplate, template); err != nil {
		return err
	}
	l, found, err := s.load(ctx, ScopeTemplate, template)
	if err != nil {
		return err
	}
	if !found {
		return s.kv.Delete(ctx, limitsKey(ScopeInstance, instance))
	}
	if err := storage.PutJSON(ctx, s.kv, limitsKey(ScopeInstance, instance), l); err != nil {
		return err
	}
	logger.Audit().Info("spending limit instance reset", "instance", instance, "template", template, "caller", caller.Hex())
	return nil
}

// SetApprovedSpenders 修改 scope 级别允许被授权的 spender。
func (s *SpendingLimit) SetApprovedSpenders(ctx context.Context, caller common.Address, scope Scope, id uint64, approved bool, spenders ...common.Address) error {
	if err := s.access.Require(ctx, caller, scope, id); err != nil {
		return err
	}
	return s.spenders.update(ctx, scope, id, false, approved, spenders)
}

// SpentToday 返回实例当日在本插件命名空间下的累计支出。
func (s *SpendingLimit) SpentToday(ctx context.Context, instance uint64) (*big.Int, error) {
	today, err := s.tracker.Today(ctx, instance, s.clock.Now())
	if err != nil {
		return nil, err
	}
	return today.SpentToday, nil
}

// SpentOn 返回实例在指定日的累计支出。
func (s *SpendingLimit) SpentOn(ctx context.Context, instance uint64, day uint32) (*big.Int, error) {
	return s.tracker.SpentOn(ctx, instance, day)
}

package plugins

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kledx/shll-sub001/internal/calldata"
	"github.com/kledx/shll-sub001/internal/registry"
	"github.com/kledx/shll-sub001/internal/storage"
	"github.com/kledx/shll-sub001/pkg/logger"
	"github.com/kledx/shll-sub001/pkg/plugin"
)

// DeFiGuard 按全局阻止名单、选择器允许名单和目标允许名单依次检查。
// 选择器或目标名单为空时拒绝一切（fail-closed）。
type DeFiGuard struct {
	access    Access
	blocked   *registry.AddressSet
	selectors *registry.SelectorSet
	targets   *registry.AddressSet
	kv        storage.KV
}

// NewDeFiGuard 创建 DeFiGuard。
func NewDeFiGuard(kv storage.KV, access Access) *DeFiGuard {
	prefix := string(plugin.TypeDeFiGuard)
	return &DeFiGuard{
		access:    access,
		blocked:   registry.NewAddressSet(kv, prefix, "global", "blocked"),
		selectors: registry.NewSelectorSet(kv, prefix, "global"),
		targets:   registry.NewAddressSet(kv, prefix, "global", "targets"),
		kv:        kv,
	}
}

func (g *DeFiGuard) instanceTargets(instance uint64) *registry.AddressSet {
	return registry.NewAddressSet(g.kv, string(plugin.TypeDeFiGuard), string(ScopeInstance), idString(instance), "targets")
}

// Info 实现 plugin.Policy。
func (*DeFiGuard) Info() plugin.Info {
	return plugin.Info{Name: "DeFi Guard", Description: "global block-list, selector allow-list and target allow-list"}
}

// PolicyType 实现 plugin.Policy。
func (*DeFiGuard) PolicyType() plugin.Type { return plugin.TypeDeFiGuard }

// RenterConfigurable 实现 plugin.Policy。
func (*DeFiGuard) RenterConfigurable() bool { return false }

// Check 实现 plugin.Policy。
func (g *DeFiGuard) Check(ctx context.Context, call plugin.Call) (plugin.Verdict, error) {
	blocked, err := g.blocked.Contains(ctx, call.Target)
	if err != nil {
		return plugin.Verdict{}, err
	}
	if blocked {
		return plugin.Reject(ReasonTargetBlocked), nil
	}

	configured, err := g.selectors.Configured(ctx)
	if err != nil {
		return plugin.Verdict{}, err
	}
	if !configured {
		return plugin.Reject(ReasonSelectorsEmpty), nil
	}
	ok, err := g.selectors.Contains(ctx, call.Selector)
	if err != nil {
		return plugin.Verdict{}, err
	}
	if !ok {
		return plugin.Reject(ReasonSelectorNotAllowed), nil
	}

	anyTargets := false
	for _, set := range []*registry.AddressSet{g.targets, g.instanceTargets(call.Instance)} {
		has, err := set.Configured(ctx)
		if err != nil {
			return plugin.Verdict{}, err
		}
		if !has {
			continue
		}
		anyTargets = true
		ok, err := set.Contains(ctx, call.Target)
		if err != nil {
			return plugin.Verdict{}, err
		}
		if ok {
			return plugin.Allow(), nil
		}
	}
	if !anyTargets {
		return plugin.Reject(ReasonTargetsEmpty), nil
	}
	return plugin.Reject(ReasonTargetNotAllowed), nil
}

// SetGlobalBlocked 修改全局阻止名单，仅 authority 可调用。
func (g *DeFiGuard) SetGlobalBlocked(ctx context.Context, caller common.Address, blocked bool, targets ...common.Address) error {
	if err := g.access.RequireAuthority(caller); err != nil {
		return err
	}
	logger.Audit().Info("defi guard block-list updated", "blocked", blocked, "count", len(targets))
	if blocked {
		return g.blocked.Add(ctx, targets...)
	}
	return g.blocked.Remove(ctx, targets...)
}

// SetAllowedSelectors 修改全局选择器允许名单，仅 authority 可调用。
func (g *DeFiGuard) SetAllowedSelectors(ctx context.Context, caller common.Address, allowed bool, sels ...calldata.Selector) error {
	if err := g.access.RequireAuthority(caller); err != nil {
		return err
	}
	logger.Audit().Info("defi guard selectors updated", "allowed", allowed, "count", len(sels))
	if allowed {
		return g.selectors.Add(ctx, sels...)
	}
	return g.selectors.Remove(ctx, sels...)
}

// SetGlobalTargets 修改全局默认目标，仅 authority 可调用。
func (g *DeFiGuard) SetGlobalTargets(ctx context.Context, caller common.Address, allowed bool, targets ...common.Address) error {
	if err := g.access.RequireAuthority(caller); err != nil {
		return err
	}
	logger.Audit().Info("defi guard global targets updated", "allowed", allowed, "count", len(targets))
	if allowed {
		return g.targets.Add(ctx, targets...)
	}
	return g.targets.Remove(ctx, targets...)
}

// SetInstanceTargets 修改实例追加的目标，由实例控制者调用。
func (g *DeFiGuard) SetInstanceTargets(ctx context.Context, caller common.Address, instance uint64, allowed bool, targets ...common.Address) error {
	if err := g.access.Require(ctx, caller, ScopeInstance, instance); err != nil {
		return err
	}
	set := g.instanceTargets(instance)
	if allowed {
		return set.Add(ctx, targets...)
	}
	return set.Remove(ctx, targets...)
}

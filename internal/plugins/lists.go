package plugins

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/registry"
	"github.com/kledx/shll-sub001/internal/storage"
)

// scopedLists 保存某个插件在模板级与实例级的 allow/block 地址集合。
type scopedLists struct {
	kv     storage.KV
	prefix string
}

func (l scopedLists) allow(scope Scope, id uint64) *registry.AddressSet {
	return registry.NewAddressSet(l.kv, l.prefix, string(scope), idString(id), "allow")
}

func (l scopedLists) block(scope Scope, id uint64) *registry.AddressSet {
	return registry.NewAddressSet(l.kv, l.prefix, string(scope), idString(id), "block")
}

type level struct {
	scope Scope
	id    uint64
}

// levels 返回按实例、模板顺序需要查询的层级。模板自身执行时只有模板一级。
func levels(instance, template uint64) []level {
	if instance == template || template == 0 {
		return []level{{ScopeTemplate, instance}}
	}
	return []level{{ScopeInstance, instance}, {ScopeTemplate, template}}
}

type listDecision int

const (
	decisionAllowed listDecision = iota
	decisionBlocked
	decisionNotAllowed
	decisionUnconfigured
)

// decide 按“阻止优先、两级允许”的规则判断 addr。
func (l scopedLists) decide(ctx context.Context, instance, template uint64, addr common.Address) (listDecision, error) {
	configured := false
	allowed := false
	for _, lv := range levels(instance, template) {
		blocked, err := l.block(lv.scope, lv.id).Contains(ctx, addr)
		if err != nil {
			return 0, err
		}
		if blocked {
			return decisionBlocked, nil
		}
		allowSet := l.allow(lv.scope, lv.id)
		ok, err := allowSet.Configured(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		configured = true
		if !allowed {
			if allowed, err = allowSet.Contains(ctx, addr); err != nil {
				return 0, err
			}
		}
	}
	switch {
	case !configured:
		return decisionUnconfigured, nil
	case allowed:
		return decisionAllowed, nil
	default:
		return decisionNotAllowed, nil
	}
}

// update 在校验 scope 合法后修改 allow 或 block 集合。
func (l scopedLists) update(ctx context.Context, scope Scope, id uint64, blockList, member bool, addrs []common.Address) error {
	if !scope.valid() {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "unknown scope %q", scope)
	}
	set := l.allow(scope, id)
	if blockList {
		set = l.block(scope, id)
	}
	if member {
		return set.Add(ctx, addrs...)
	}
	return set.Remove(ctx, addrs...)
}

package plugins

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kledx/shll-sub001/internal/calldata"
	"github.com/kledx/shll-sub001/internal/storage"
	"github.com/kledx/shll-sub001/pkg/plugin"
)

// DexWhitelist 限制可调用的 router 以及可被授权的 spender。
// 两级 allow 集合都未配置时拒绝一切（fail-closed）。
type DexWhitelist struct {
	access Access
	lists  scopedLists
}

// NewDexWhitelist 创建 DexWhitelist。
func NewDexWhitelist(kv storage.KV, access Access) *DexWhitelist {
	return &DexWhitelist{access: access, lists: scopedLists{kv: kv, prefix: string(plugin.TypeDexWhitelist)}}
}

// Info 实现 plugin.Policy。
func (*DexWhitelist) Info() plugin.Info {
	return plugin.Info{Name: "DEX Whitelist", Description: "call targets and approval spenders must be allowed DEXes"}
}

// PolicyType 实现 plugin.Policy。
func (*DexWhitelist) PolicyType() plugin.Type { return plugin.TypeDexWhitelist }

// RenterConfigurable 实现 plugin.Policy。
func (*DexWhitelist) RenterConfigurable() bool { return false }

// Check 实现 plugin.Policy。授权类调用检查解码出的 spender，其余检查 target。
func (w *DexWhitelist) Check(ctx context.Context, call plugin.Call) (plugin.Verdict, error) {
	subject := call.Target
	if calldata.IsApprovalFamily(call.Selector) {
		spender, err := calldata.DecodeSpender(call.Data)
		if err != nil {
			return decodeVerdict(err)
		}
		subject = spender
	}
	decision, err := w.lists.decide(ctx, call.Instance, call.Template, subject)
	if err != nil {
		return plugin.Verdict{}, err
	}
	switch decision {
	case decisionBlocked:
		return plugin.Reject(ReasonDexBlocked), nil
	case decisionUnconfigured:
		return plugin.Reject(ReasonDexNotConfigured), nil
	case decisionNotAllowed:
		return plugin.Reject(ReasonDexNotAllowed), nil
	default:
		return plugin.Allow(), nil
	}
}

// SetAllowed 修改 scope 级别的 DEX 允许名单。
func (w *DexWhitelist) SetAllowed(ctx context.Context, caller common.Address, scope Scope, id uint64, allowed bool, dexes ...common.Address) error {
	if err := w.access.Require(ctx, caller, scope, id); err != nil {
		return err
	}
	return w.lists.update(ctx, scope, id, false, allowed, dexes)
}

// SetBlocked 修改 scope 级别的 DEX 阻止名单。
func (w *DexWhitelist) SetBlocked(ctx context.Context, caller common.Address, scope Scope, id uint64, blocked bool, dexes ...common.Address) error {
	if err := w.access.Require(ctx, caller, scope, id); err != nil {
		return err
	}
	return w.lists.update(ctx, scope, id, true, blocked, dexes)
}

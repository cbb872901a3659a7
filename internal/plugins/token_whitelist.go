package plugins

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kledx/shll-sub001/internal/calldata"
	"github.com/kledx/shll-sub001/internal/storage"
	"github.com/kledx/shll-sub001/pkg/plugin"
)

// TokenWhitelist 检查 swap 路径上的每一个 token。
// 两级 allow 集合都未配置时放行（fail-open），block 集合始终生效。
type TokenWhitelist struct {
	access Access
	lists  scopedLists
}

// NewTokenWhitelist 创建 TokenWhitelist。
func NewTokenWhitelist(kv storage.KV, access Access) *TokenWhitelist {
	return &TokenWhitelist{access: access, lists: scopedLists{kv: kv, prefix: string(plugin.TypeTokenWhitelist)}}
}

// Info 实现 plugin.Policy。
func (*TokenWhitelist) Info() plugin.Info {
	return plugin.Info{Name: "Token Whitelist", Description: "every swap path token must be allowed and not blocked"}
}

// PolicyType 实现 plugin.Policy。
func (*TokenWhitelist) PolicyType() plugin.Type { return plugin.TypeTokenWhitelist }

// RenterConfigurable 实现 plugin.Policy。
func (*TokenWhitelist) RenterConfigurable() bool { return true }

// Check 实现 plugin.Policy。非 swap 调用不受约束。
func (w *TokenWhitelist) Check(ctx context.Context, call plugin.Call) (plugin.Verdict, error) {
	if !calldata.IsSwap(call.Selector) {
		return plugin.Allow(), nil
	}
	swap, err := calldata.DecodeSwap(call.Data)
	if err != nil {
		return decodeVerdict(err)
	}
	for _, token := range swap.Path {
		decision, err := w.lists.decide(ctx, call.Instance, call.Template, token)
		if err != nil {
			return plugin.Verdict{}, err
		}
		switch decision {
		case decisionBlocked:
			return plugin.Reject(ReasonTokenBlocked), nil
		case decisionNotAllowed:
			return plugin.Reject(ReasonTokenNotAllowed), nil
		}
	}
	return plugin.Allow(), nil
}

// SetAllowed 修改 scope 级别的 token 允许名单。
func (w *TokenWhitelist) SetAllowed(ctx context.Context, caller common.Address, scope Scope, id uint64, allowed bool, tokens ...common.Address) error {
	if err := w.access.Require(ctx, caller, scope, id); err != nil {
		return err
	}
	return w.lists.update(ctx, scope, id, false, allowed, tokens)
}

// SetBlocked 修改 scope 级别的 token 阻止名单。
func (w *TokenWhitelist) SetBlocked(ctx context.Context, caller common.Address, scope Scope, id uint64, blocked bool, tokens ...common.Address) error {
	if err := w.access.Require(ctx, caller, scope, id); err != nil {
		return err
	}
	return w.lists.update(ctx, scope, id, true, blocked, tokens)
}

package guard

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kledx/shll-sub001/internal/calldata"
	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/policy"
	"github.com/kledx/shll-sub001/pkg/plugin"
)

// infiniteThreshold 是 ForbidInfiniteApprove 开启时视为“无限授权”的下限（2^255）。
var infiniteThreshold = new(big.Int).Lsh(big.NewInt(1), 255)

// evaluation 是一次 Validate 中各模块共享的输入。
type evaluation struct {
	instance uint64
	vault    common.Address
	caller   common.Address
	action   Action
	selector calldata.Selector
	binding  *Binding
	schema   *policy.Schema
}

func (ev *evaluation) params() policy.InstanceParams { return ev.binding.Params }

func (g *Guard) checkModule(ctx context.Context, m policy.Module, ev *evaluation) (plugin.Verdict, error) {
	switch m {
	case policy.ModuleSwap:
		return g.checkSwap(ctx, ev)
	case policy.ModuleApprove:
		return g.checkApprove(ctx, ev)
	case policy.ModuleSpendLimit:
		return g.checkSpend(ctx, ev)
	default:
		return plugin.Verdict{}, xerrors.Newf(policy.CodeInvalidParams, "unknown module %d", m)
	}
}

func decodeVerdict(err error) (plugin.Verdict, error) {
	switch xerrors.CodeOf(err) {
	case calldata.CodeCalldataTooShort:
		return plugin.Reject(ReasonCalldataTooShort), nil
	case calldata.CodeMalformed:
		return plugin.Reject(ReasonMalformedCalldata), nil
	default:
		return plugin.Verdict{}, err
	}
}

// checkSwap 校验收款方与 token / DEX 分组。MANUAL 模式跳过 token 分组。
func (g *Guard) checkSwap(ctx context.Context, ev *evaluation) (plugin.Verdict, error) {
	swap, err := calldata.DecodeSwap(ev.action.Data)
	if err != nil {
		return decodeVerdict(err)
	}
	if ev.schema.ReceiverMustBeVault && swap.To != ev.vault {
		return plugin.Reject(ReasonReceiverNotVault), nil
	}
	params := ev.params()
	if ev.binding.Mode != ModeManual {
		for _, token := range swap.Path {
			ok, err := g.registry.InAnyGroup(ctx, params.TokenGroups, token)
			if err != nil {
				return plugin.Verdict{}, err
			}
			if !ok {
				return plugin.Reject(ReasonTokenNotInGroup), nil
			}
		}
	}
	ok, err := g.registry.InAnyGroup(ctx, params.DexGroups, ev.action.Target)
	if err != nil {
		return plugin.Verdict{}, err
	}
	if !ok {
		return plugin.Reject(ReasonDexNotInGroup), nil
	}
	// 滑点只作参考：跨 token 的滑点无法在这一层正确计算。
	if params.MaxSlippageBps > 0 {
		g.log.Debug("slippage advisory", "instance", ev.instance, "max_slippage_bps", params.MaxSlippageBps,
			"amount_out", swap.AmountOut.String())
	}
	return plugin.Allow(), nil
}

// checkApprove 校验 spender 分组与授权额度。MaxUint256 在任何配置下都被拒绝。
// increaseAllowance 按增量累加会绕过额度，permit 不经过 approve 路径，两者一律拒绝。
func (g *Guard) checkApprove(ctx context.Context, ev *evaluation) (plugin.Verdict, error) {
	switch calldata.Classify(ev.selector) {
	case calldata.KindDecreaseAllowance:
		return plugin.Allow(), nil
	case calldata.KindIncreaseAllowance:
		return plugin.Reject(ReasonIncreaseNotAllowed), nil
	case calldata.KindPermit:
		return plugin.Reject(ReasonPermitNotAllowed), nil
	case calldata.KindApprove:
	default:
		return plugin.Reject(ReasonNotApproval), nil
	}
	a, err := calldata.DecodeApprove(ev.action.Data)
	if err != nil {
		return decodeVerdict(err)
	}
	spender, amount := a.Spender, a.Amount

	ok, err := g.registry.InAnyGroup(ctx, ev.params().DexGroups, spender)
	if err != nil {
		return plugin.Verdict{}, err
	}
	if !ok {
		return plugin.Reject(ReasonDexNotInGroup), nil
	}
	if amount.Cmp(calldata.MaxUint256) == 0 {
		return plugin.Reject(ReasonInfiniteApproval), nil
	}
	if ev.schema.ForbidInfiniteApprove && amount.Cmp(infiniteThreshold) >= 0 {
		return plugin.Reject(ReasonInfiniteApproval), nil
	}
	if amount.Cmp(policy.Amount(ev.params().ApprovalLimit)) > 0 {
		return plugin.Reject(ReasonApprovalExceeds), nil
	}
	return plugin.Allow(), nil
}

// checkSpend 校验单笔与滚动日额度。EXPLORER 模式取实例额度与探索子上限的较小者。
func (g *Guard) checkSpend(ctx context.Context, ev *evaluation) (plugin.Verdict, error) {
	spend, err := calldata.EffectiveSpend(ev.action.Data, ev.action.Value)
	if err != nil {
		return decodeVerdict(err)
	}
	if spend.Sign() == 0 {
		return plugin.Allow(), nil
	}
	params := ev.params()
	trade, daily := policy.Amount(params.MaxTradeLimit), policy.Amount(params.MaxDailyLimit)
	if ev.binding.Mode == ModeExplorer {
		trade = minAmount(trade, policy.Amount(ev.schema.ExplorerMaxTradeLimit))
		daily = minAmount(daily, policy.Amount(ev.schema.ExplorerMaxDailyLimit))
	}
	if spend.Cmp(trade) > 0 {
		return plugin.Reject(ReasonExceedsTradeLimit), nil
	}
	today, err := g.spend.Today(ctx, ev.instance, g.clock.Now())
	if err != nil {
		return plugin.Verdict{}, err
	}
	if new(big.Int).Add(today.SpentToday, spend).Cmp(daily) > 0 {
		return plugin.Reject(ReasonDailyLimitReached), nil
	}
	return plugin.Allow(), nil
}

func minAmount(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

package policy

import (
	"math/big"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/registry"
)

// Check 校验 schema 自身的一致性：探索模式的子上限不得高于主上限。
func (s *Schema) Check() error {
	if s == nil {
		return xerrors.New(CodeInvalidParams, "schema is nil")
	}
	if s.MaxSlippageBps > 10_000 {
		return xerrors.Newf(CodeInvalidParams, "max_slippage_bps %d above 10000", s.MaxSlippageBps)
	}
	if err := bounded("explorer_max_trade_limit", s.ExplorerMaxTradeLimit, s.MaxTradeLimit); err != nil {
		return err
	}
	if err := bounded("explorer_max_daily_limit", s.ExplorerMaxDailyLimit, s.MaxDailyLimit); err != nil {
		return err
	}
	return nil
}

// Validate 校验实例参数没有超出 schema 上限。
// 上限非零时，零值被视为退化配置而拒绝，不会被理解为“不限”。
func (s *Schema) Validate(p InstanceParams) error {
	if p.MaxSlippageBps > s.MaxSlippageBps {
		return xerrors.Newf(CodeExceedsCeiling, "max_slippage_bps %d exceeds ceiling %d", p.MaxSlippageBps, s.MaxSlippageBps)
	}
	if err := ceiling("max_trade_limit", p.MaxTradeLimit, s.MaxTradeLimit); err != nil {
		return err
	}
	if err := ceiling("max_daily_limit", p.MaxDailyLimit, s.MaxDailyLimit); err != nil {
		return err
	}
	if err := ceiling("approval_limit", p.ApprovalLimit, s.MaxApproval); err != nil {
		return err
	}
	if Amount(p.MaxTradeLimit).Cmp(Amount(p.MaxDailyLimit)) > 0 {
		return xerrors.New(CodeInvalidParams, "max_trade_limit exceeds max_daily_limit")
	}
	if err := subset("token group", p.TokenGroups, s.AllowedTokenGroups); err != nil {
		return err
	}
	return subset("dex group", p.DexGroups, s.AllowedDexGroups)
}

// ValidateExplorer 校验实例参数已经落在探索模式子上限之内。
func (s *Schema) ValidateExplorer(p InstanceParams) error {
	if !s.AllowExplorerMode {
		return xerrors.New(CodeInvalidParams, "explorer mode not allowed by schema")
	}
	if err := bounded("max_trade_limit", p.MaxTradeLimit, s.ExplorerMaxTradeLimit); err != nil {
		return err
	}
	return bounded("max_daily_limit", p.MaxDailyLimit, s.ExplorerMaxDailyLimit)
}

// Within 校验实例参数不高于模板参数（模板本身已通过 schema 校验）。
func (p InstanceParams) Within(template InstanceParams) error {
	if p.MaxSlippageBps > template.MaxSlippageBps {
		return xerrors.Newf(CodeExceedsCeiling, "max_slippage_bps %d exceeds template %d", p.MaxSlippageBps, template.MaxSlippageBps)
	}
	if err := bounded("max_trade_limit", p.MaxTradeLimit, template.MaxTradeLimit); err != nil {
		return err
	}
	if err := bounded("max_daily_limit", p.MaxDailyLimit, template.MaxDailyLimit); err != nil {
		return err
	}
	if err := bounded("approval_limit", p.ApprovalLimit, template.ApprovalLimit); err != nil {
		return err
	}
	if err := subset("token group", p.TokenGroups, template.TokenGroups); err != nil {
		return err
	}
	return subset("dex group", p.DexGroups, template.DexGroups)
}

// ceiling 是 bounded 加上退化零值检查。
func ceiling(field string, value, max *big.Int) error {
	if err := bounded(field, value, max); err != nil {
		return err
	}
	if Amount(max).Sign() > 0 && Amount(value).Sign() == 0 {
		return xerrors.Newf(CodeInvalidParams, "%s is zero under a non-zero ceiling", field)
	}
	return nil
}

func bounded(field string, value, max *big.Int) error {
	v, m := Amount(value), Amount(max)
	if v.Sign() < 0 {
		return xerrors.Newf(CodeInvalidParams, "%s is negative", field)
	}
	if v.Cmp(m) > 0 {
		return xerrors.Newf(CodeExceedsCeiling, "%s %s exceeds ceiling %s", field, v, m)
	}
	return nil
}

func subset(kind string, groups, allowed []registry.GroupID) error {
	permitted := make(map[registry.GroupID]struct{}, len(allowed))
	for _, g := range allowed {
		permitted[g] = struct{}{}
	}
	for _, g := range groups {
		if _, ok := permitted[g]; !ok {
			return xerrors.Newf(CodeInvalidParams, "%s %d not allowed", kind, g)
		}
	}
	return nil
}

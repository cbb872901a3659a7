// Package policy stores versioned rule-sets: the schema (ceiling) attached to
// each (policy, version) pair, the action rules that say which validation
// modules apply to a (target, selector), and the parameter checks that keep
// instance values under those ceilings.
package policy

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/kledx/shll-sub001/internal/registry"
)

// Ref 标识一个版本化的规则集。Version 从 1 开始，0 表示未绑定。
type Ref struct {
	PolicyID uint32 `json:"policy_id" yaml:"policy_id"`
	Version  uint16 `json:"version" yaml:"version"`
}

// IsZero 报告 ref 是否未设置。
func (r Ref) IsZero() bool { return r.Version == 0 }

func (r Ref) String() string { return fmt.Sprintf("%d@v%d", r.PolicyID, r.Version) }

// Schema 是 (policy, version) 的参数上限。
type Schema struct {
	MaxSlippageBps        uint32             `json:"max_slippage_bps"`
	MaxTradeLimit         *big.Int           `json:"max_trade_limit"`
	MaxDailyLimit         *big.Int           `json:"max_daily_limit"`
	MaxApproval           *big.Int           `json:"max_approval"`
	AllowedTokenGroups    []registry.GroupID `json:"allowed_token_groups"`
	AllowedDexGroups      []registry.GroupID `json:"allowed_dex_groups"`
	ReceiverMustBeVault   bool               `json:"receiver_must_be_vault"`
	ForbidInfiniteApprove bool               `json:"forbid_infinite_approve"`
	AllowExplorerMode     bool               `json:"allow_explorer_mode"`
	ExplorerMaxTradeLimit *big.Int           `json:"explorer_max_trade_limit"`
	ExplorerMaxDailyLimit *big.Int           `json:"explorer_max_daily_limit"`
	AllowParamsUpdate     bool               `json:"allow_params_update"`
}

// InstanceParams 是实例在 schema 上限内的取值，按值复制保存。
type InstanceParams struct {
	MaxSlippageBps uint32             `json:"max_slippage_bps"`
	MaxTradeLimit  *big.Int           `json:"max_trade_limit"`
	MaxDailyLimit  *big.Int           `json:"max_daily_limit"`
	ApprovalLimit  *big.Int           `json:"approval_limit"`
	TokenGroups    []registry.GroupID `json:"token_groups"`
	DexGroups      []registry.GroupID `json:"dex_groups"`
}

// Clone 返回深拷贝。
func (p InstanceParams) Clone() InstanceParams {
	return InstanceParams{
		MaxSlippageBps: p.MaxSlippageBps,
		MaxTradeLimit:  Amount(p.MaxTradeLimit),
		MaxDailyLimit:  Amount(p.MaxDailyLimit),
		ApprovalLimit:  Amount(p.ApprovalLimit),
		TokenGroups:    append([]registry.GroupID(nil), p.TokenGroups...),
		DexGroups:      append([]registry.GroupID(nil), p.DexGroups...),
	}
}

// Amount 返回 v 的副本，nil 视为 0。
func Amount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Module 是 action rule 位掩码中的校验模块。
type Module uint8

const (
	ModuleSwap       Module = 1
	ModuleApprove    Module = 2
	ModuleSpendLimit Module = 4

	moduleMask = ModuleSwap | ModuleApprove | ModuleSpendLimit
)

var moduleNames = map[Module]string{
	ModuleSwap:       "swap",
	ModuleApprove:    "approve",
	ModuleSpendLimit: "spend_limit",
}

func (m Module) String() string {
	if name, ok := moduleNames[m]; ok {
		return name
	}
	var parts []string
	for _, bit := range []Module{ModuleSwap, ModuleApprove, ModuleSpendLimit} {
		if m&bit != 0 {
			parts = append(parts, moduleNames[bit])
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Has 判断位掩码是否包含 bit。
func (m Module) Has(bit Module) bool { return m&bit != 0 }

// ParseModule 解析模块名。
func ParseModule(name string) (Module, bool) {
	for m, n := range moduleNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return m, true
		}
	}
	return 0, false
}

// ActionRule 描述某个 (target, selector) 适用的模块以及执行顺序。
type ActionRule struct {
	Modules Module   `json:"modules"`
	Order   []Module `json:"order,omitempty"`
}

// Sequence 返回模块的执行顺序：先按 Order 中出现且被启用的模块，
// 再按位从低到高补齐剩余模块。
func (r ActionRule) Sequence() []Module {
	seen := Module(0)
	var seq []Module
	for _, m := range r.Order {
		if !r.Modules.Has(m) || seen.Has(m) {
			continue
		}
		seen |= m
		seq = append(seq, m)
	}
	for _, bit := range []Module{ModuleSwap, ModuleApprove, ModuleSpendLimit} {
		if r.Modules.Has(bit) && !seen.Has(bit) {
			seq = append(seq, bit)
		}
	}
	return seq
}

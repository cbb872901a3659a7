package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/kledx/shll-sub001/internal/calldata"
	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/policy"
	"github.com/kledx/shll-sub001/internal/registry"
)

// Bootstrap 是策略引导文件的结构。金额均以十进制字符串书写。
type Bootstrap struct {
	Agents    []AgentSpec    `yaml:"agents"`
	Groups    []GroupSpec    `yaml:"groups"`
	Blocked   []string       `yaml:"blocked"`
	Policies  []PolicySpec   `yaml:"policies"`
	Templates []TemplateSpec `yaml:"templates"`
	DeFiGuard DeFiGuardSpec  `yaml:"defi_guard"`
	// Instances 在启动时绑定到各自模板，已绑定的实例被跳过。
	Instances []uint64 `yaml:"instances"`
}

// AgentSpec 只在 memory oracle 下使用。
type AgentSpec struct {
	ID       uint64 `yaml:"id"`
	Owner    string `yaml:"owner"`
	Operator string `yaml:"operator"`
	Template uint64 `yaml:"template"`
	Instance bool   `yaml:"instance"`
}

// GroupSpec 描述一个地址分组。
type GroupSpec struct {
	ID      registry.GroupID `yaml:"id"`
	Members []string         `yaml:"members"`
}

// PolicySpec 描述一个策略及其按顺序发布的版本。
type PolicySpec struct {
	ID       uint32        `yaml:"id"`
	Versions []VersionSpec `yaml:"versions"`
}

// VersionSpec 描述一个版本的 schema 与 action rule。
type VersionSpec struct {
	Schema SchemaSpec `yaml:"schema"`
	Rules  []RuleSpec `yaml:"rules"`
	Frozen bool       `yaml:"frozen"`
}

// SchemaSpec 是 policy.Schema 的 YAML 形式。
type SchemaSpec struct {
	MaxSlippageBps        uint32             `yaml:"max_slippage_bps"`
	MaxTradeLimit         string             `yaml:"max_trade_limit"`
	MaxDailyLimit         string             `yaml:"max_daily_limit"`
	MaxApproval           string             `yaml:"max_approval"`
	AllowedTokenGroups    []registry.GroupID `yaml:"allowed_token_groups"`
	AllowedDexGroups      []registry.GroupID `yaml:"allowed_dex_groups"`
	ReceiverMustBeVault   bool               `yaml:"receiver_must_be_vault"`
	ForbidInfiniteApprove bool               `yaml:"forbid_infinite_approve"`
	AllowExplorerMode     bool               `yaml:"allow_explorer_mode"`
	ExplorerMaxTradeLimit string             `yaml:"explorer_max_trade_limit"`
	ExplorerMaxDailyLimit string             `yaml:"explorer_max_daily_limit"`
	AllowParamsUpdate     bool               `yaml:"allow_params_update"`
}

// RuleSpec 描述一条 action rule。Target 为空表示通配；Selector 可写签名或 0x 十六进制，
// 为空表示原生转账。Modules 的书写顺序即执行顺序。
type RuleSpec struct {
	Target   string   `yaml:"target"`
	Selector string   `yaml:"selector"`
	Modules  []string `yaml:"modules"`
}

// ParamsSpec 是 policy.InstanceParams 的 YAML 形式。
type ParamsSpec struct {
	MaxSlippageBps uint32             `yaml:"max_slippage_bps"`
	MaxTradeLimit  string             `yaml:"max_trade_limit"`
	MaxDailyLimit  string             `yaml:"max_daily_limit"`
	ApprovalLimit  string             `yaml:"approval_limit"`
	TokenGroups    []registry.GroupID `yaml:"token_groups"`
	DexGroups      []registry.GroupID `yaml:"dex_groups"`
}

// TemplateSpec 描述模板绑定、挂载的插件以及插件的模板级配置。
type TemplateSpec struct {
	ID              uint64             `yaml:"id"`
	Policy          policy.Ref         `yaml:"policy"`
	Params          ParamsSpec         `yaml:"params"`
	Plugins         []string           `yaml:"plugins"`
	SpendingLimit   *SpendingLimitSpec `yaml:"spending_limit"`
	CooldownSeconds int64              `yaml:"cooldown_seconds"`
	TokenWhitelist  *ListSpec          `yaml:"token_whitelist"`
	DexWhitelist    *ListSpec          `yaml:"dex_whitelist"`
}

// SpendingLimitSpec 是 spending_limit 插件的模板配置。
type SpendingLimitSpec struct {
	MaxPerTx    string   `yaml:"max_per_tx"`
	MaxPerDay   string   `yaml:"max_per_day"`
	MaxApproval string   `yaml:"max_approval"`
	Spenders    []string `yaml:"spenders"`
}

// ListSpec 是允许 / 阻止名单。
type ListSpec struct {
	Allow []string `yaml:"allow"`
	Block []string `yaml:"block"`
}

// DeFiGuardSpec 是 defi_guard 插件的全局配置。
type DeFiGuardSpec struct {
	Blocked   []string `yaml:"blocked"`
	Selectors []string `yaml:"selectors"`
	Targets   []string `yaml:"targets"`
}

// LoadBootstrap 解析 YAML 引导文件。路径为空时返回空文档。
func LoadBootstrap(path string) (*Bootstrap, error) {
	if strings.TrimSpace(path) == "" {
		return &Bootstrap{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取引导文件失败: %w", err)
	}
	return ParseBootstrap(content)
}

// ParseBootstrap 解析 YAML 内容并做基本的格式校验。
func ParseBootstrap(content []byte) (*Bootstrap, error) {
	var doc Bootstrap
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("解析引导文件失败: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// validate 在写入任何状态之前检查地址、金额与选择器的格式。
func (b *Bootstrap) validate() error {
	for _, a := range b.Agents {
		if _, err := parseAddress("agents.owner", a.Owner); err != nil {
			return err
		}
		if a.Operator != "" {
			if _, err := parseAddress("agents.operator", a.Operator); err != nil {
				return err
			}
		}
	}
	for _, g := range b.Groups {
		if _, err := parseAddresses("groups.members", g.Members); err != nil {
			return err
		}
	}
	if _, err := parseAddresses("blocked", b.Blocked); err != nil {
		return err
	}
	for _, p := range b.Policies {
		for _, v := range p.Versions {
			if _, err := v.Schema.toSchema(); err != nil {
				return err
			}
			for _, r := range v.Rules {
				if _, _, _, err := r.parse(); err != nil {
					return err
				}
			}
		}
	}
	for _, t := range b.Templates {
		if _, err := t.Params.toParams(); err != nil {
			return err
		}
	}
	if _, err := parseSelectors(b.DeFiGuard.Selectors); err != nil {
		return err
	}
	return nil
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.Newf(xerrors.CodeInvalidArgument, "%s: invalid address %q", field, raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAddresses(field string, raws []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(raws))
	for _, raw := range raws {
		addr, err := parseAddress(field, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func parseSelectors(raws []string) ([]calldata.Selector, error) {
	out := make([]calldata.Selector, 0, len(raws))
	for _, raw := range raws {
		sel, err := calldata.ParseSelector(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, sel)
	}
	return out, nil
}

// parseAmount 解析十进制或 0x 十六进制金额，空串为 nil。
func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 0)
	if !ok || v.Sign() < 0 {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "%s: invalid amount %q", field, raw)
	}
	return v, nil
}

func (s SchemaSpec) toSchema() (policy.Schema, error) {
	out := policy.Schema{
		MaxSlippageBps:        s.MaxSlippageBps,
		AllowedTokenGroups:    s.AllowedTokenGroups,
		AllowedDexGroups:      s.AllowedDexGroups,
		ReceiverMustBeVault:   s.ReceiverMustBeVault,
		ForbidInfiniteApprove: s.ForbidInfiniteApprove,
		AllowExplorerMode:     s.AllowExplorerMode,
		AllowParamsUpdate:     s.AllowParamsUpdate,
	}
	amounts := []struct {
		field string
		raw   string
		dst   **big.Int
	}{
		{"schema.max_trade_limit", s.MaxTradeLimit, &out.MaxTradeLimit},
		{"schema.max_daily_limit", s.MaxDailyLimit, &out.MaxDailyLimit},
		{"schema.max_approval", s.MaxApproval, &out.MaxApproval},
		{"schema.explorer_max_trade_limit", s.ExplorerMaxTradeLimit, &out.ExplorerMaxTradeLimit},
		{"schema.explorer_max_daily_limit", s.ExplorerMaxDailyLimit, &out.ExplorerMaxDailyLimit},
	}
	for _, a := range amounts {
		v, err := parseAmount(a.field, a.raw)
		if err != nil {
			return policy.Schema{}, err
		}
		*a.dst = v
	}
	return out, nil
}

func (p ParamsSpec) toParams() (policy.InstanceParams, error) {
	out := policy.InstanceParams{
		MaxSlippageBps: p.MaxSlippageBps,
		TokenGroups:    p.TokenGroups,
		DexGroups:      p.DexGroups,
	}
	var err error
	if out.MaxTradeLimit, err = parseAmount("params.max_trade_limit", p.MaxTradeLimit); err != nil {
		return policy.InstanceParams{}, err
	}
	if out.MaxDailyLimit, err = parseAmount("params.max_daily_limit", p.MaxDailyLimit); err != nil {
		return policy.InstanceParams{}, err
	}
	if out.ApprovalLimit, err = parseAmount("params.approval_limit", p.ApprovalLimit); err != nil {
		return policy.InstanceParams{}, err
	}
	return out, nil
}

func (r RuleSpec) parse() (common.Address, calldata.Selector, policy.ActionRule, error) {
	var target common.Address
	if strings.TrimSpace(r.Target) != "" {
		addr, err := parseAddress("rules.target", r.Target)
		if err != nil {
			return common.Address{}, calldata.Selector{}, policy.ActionRule{}, err
		}
		target = addr
	}
	var sel calldata.Selector
	if strings.TrimSpace(r.Selector) != "" {
		parsed, err := calldata.ParseSelector(r.Selector)
		if err != nil {
			return common.Address{}, calldata.Selector{}, policy.ActionRule{}, err
		}
		sel = parsed
	}
	var rule policy.ActionRule
	for _, name := range r.Modules {
		m, ok := policy.ParseModule(name)
		if !ok {
			return common.Address{}, calldata.Selector{}, policy.ActionRule{}, xerrors.Newf(xerrors.CodeInvalidArgument, "rules.modules: unknown module %q", name)
		}
		rule.Modules |= m
		rule.Order = append(rule.Order, m)
	}
	if rule.Modules == 0 {
		return common.Address{}, calldata.Selector{}, policy.ActionRule{}, xerrors.New(xerrors.CodeInvalidArgument, "rules.modules must not be empty")
	}
	return target, sel, rule, nil
}

func (l *ListSpec) parse(field string) (allow, block []common.Address, err error) {
	if l == nil {
		return nil, nil, nil
	}
	if allow, err = parseAddresses(field+".allow", l.Allow); err != nil {
		return nil, nil, err
	}
	if block, err = parseAddresses(field+".block", l.Block); err != nil {
		return nil, nil, err
	}
	return allow, block, nil
}

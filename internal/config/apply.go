package config

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/guard"
	"github.com/kledx/shll-sub001/internal/plugins"
	"github.com/kledx/shll-sub001/internal/policy"
	"github.com/kledx/shll-sub001/internal/registry"
	"github.com/kledx/shll-sub001/internal/web3"
	"github.com/kledx/shll-sub001/pkg/logger"
	"github.com/kledx/shll-sub001/pkg/plugin"
)

// Targets 汇总引导过程需要写入的组件。插件字段为 nil 时对应配置被忽略。
type Targets struct {
	Authority common.Address
	Policies  *policy.Service
	Registry  *registry.Registry
	Plugins   *plugin.Manager
	Guard     *guard.Guard
	// Oracle 非 nil 时写入 agents；使用链上 oracle 时留空。
	Oracle *web3.MemoryOracle

	SpendingLimit  *plugins.SpendingLimit
	Cooldown       *plugins.Cooldown
	TokenWhitelist *plugins.TokenWhitelist
	DexWhitelist   *plugins.DexWhitelist
	DeFiGuard      *plugins.DeFiGuard
}

// Apply 以 authority 身份写入引导文件的内容。重复执行是安全的：
// 已存在的策略只补发缺少的版本，已绑定的实例被跳过。
func (b *Bootstrap) Apply(ctx context.Context, t Targets) error {
	log := logger.Named("bootstrap")

	// 未经 ParseBootstrap 构造的文档同样要在写入任何状态前校验。
	if err := b.validate(); err != nil {
		return err
	}

	if t.Oracle != nil {
		for _, a := range b.Agents {
			owner, err := parseAddress("agents.owner", a.Owner)
			if err != nil {
				return err
			}
			agent := web3.Agent{Owner: owner, Template: a.Template, Instance: a.Instance}
			if a.Operator != "" {
				if agent.Operator, err = parseAddress("agents.operator", a.Operator); err != nil {
					return err
				}
			}
			t.Oracle.Set(a.ID, agent)
		}
	} else if len(b.Agents) > 0 {
		log.Warn("链上 oracle 模式下忽略 agents 配置", "count", len(b.Agents))
	}

	for _, g := range b.Groups {
		members, err := parseAddresses("groups.members", g.Members)
		if err != nil {
			return err
		}
		if err := t.Registry.SetGroupMembers(ctx, g.ID, true, members...); err != nil {
			return fmt.Errorf("写入分组 %d 失败: %w", g.ID, err)
		}
	}
	blocked, err := parseAddresses("blocked", b.Blocked)
	if err != nil {
		return err
	}
	if len(blocked) > 0 {
		if err := t.Registry.SetBlocked(ctx, true, blocked...); err != nil {
			return fmt.Errorf("写入阻止名单失败: %w", err)
		}
	}

	for _, p := range b.Policies {
		if err := b.applyPolicy(ctx, t, p); err != nil {
			return fmt.Errorf("写入策略 %d 失败: %w", p.ID, err)
		}
	}

	if err := b.applyDeFiGuard(ctx, t); err != nil {
		return fmt.Errorf("写入 defi guard 配置失败: %w", err)
	}

	for _, tpl := range b.Templates {
		if err := applyTemplate(ctx, t, tpl); err != nil {
			return fmt.Errorf("写入模板 %d 失败: %w", tpl.ID, err)
		}
	}

	for _, id := range b.Instances {
		err := t.Guard.BindInstance(ctx, t.Authority, id)
		if xerrors.HasCode(err, guard.CodeAlreadyBound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("绑定实例 %d 失败: %w", id, err)
		}
	}
	log.Info("引导配置已应用", "groups", len(b.Groups), "policies", len(b.Policies),
		"templates", len(b.Templates), "instances", len(b.Instances))
	return nil
}

func (b *Bootstrap) applyPolicy(ctx context.Context, t Targets, p PolicySpec) error {
	info, err := t.Policies.Info(ctx, p.ID)
	switch {
	case xerrors.HasCode(err, policy.CodePolicyNotFound):
		if err := t.Policies.CreatePolicy(ctx, t.Authority, p.ID); err != nil {
			return err
		}
		info = &policy.Info{ID: p.ID}
	case err != nil:
		return err
	}

	for i, v := range p.Versions {
		if i < int(info.Versions) {
			continue
		}
		schema, err := v.Schema.toSchema()
		if err != nil {
			return err
		}
		ref, err := t.Policies.PublishVersion(ctx, t.Authority, p.ID, schema)
		if err != nil {
			return err
		}
		for _, r := range v.Rules {
			target, sel, rule, err := r.parse()
			if err != nil {
				return err
			}
			if err := t.Policies.SetActionRule(ctx, t.Authority, ref, target, sel, rule); err != nil {
				return err
			}
		}
		if v.Frozen {
			if err := t.Policies.Freeze(ctx, t.Authority, ref); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Bootstrap) applyDeFiGuard(ctx context.Context, t Targets) error {
	spec := b.DeFiGuard
	if t.DeFiGuard == nil {
		return nil
	}
	blocked, err := parseAddresses("defi_guard.blocked", spec.Blocked)
	if err != nil {
		return err
	}
	sels, err := parseSelectors(spec.Selectors)
	if err != nil {
		return err
	}
	targets, err := parseAddresses("defi_guard.targets", spec.Targets)
	if err != nil {
		return err
	}
	if len(blocked) > 0 {
		if err := t.DeFiGuard.SetGlobalBlocked(ctx, t.Authority, true, blocked...); err != nil {
			return err
		}
	}
	if len(sels) > 0 {
		if err := t.DeFiGuard.SetAllowedSelectors(ctx, t.Authority, true, sels...); err != nil {
			return err
		}
	}
	if len(targets) > 0 {
		if err := t.DeFiGuard.SetGlobalTargets(ctx, t.Authority, true, targets...); err != nil {
			return err
		}
	}
	return nil
}

func applyTemplate(ctx context.Context, t Targets, tpl TemplateSpec) error {
	for _, id := range tpl.Plugins {
		if err := t.Plugins.AttachTemplate(ctx, tpl.ID, id); err != nil {
			return err
		}
	}

	if spec := tpl.SpendingLimit; spec != nil && t.SpendingLimit != nil {
		var limits plugins.Limits
		var err error
		if limits.MaxPerTx, err = parseAmount("spending_limit.max_per_tx", spec.MaxPerTx); err != nil {
			return err
		}
		if limits.MaxPerDay, err = parseAmount("spending_limit.max_per_day", spec.MaxPerDay); err != nil {
			return err
		}
		if limits.MaxApproval, err = parseAmount("spending_limit.max_approval", spec.MaxApproval); err != nil {
			return err
		}
		if err := t.SpendingLimit.SetTemplateLimits(ctx, t.Authority, tpl.ID, limits); err != nil {
			return err
		}
		spenders, err := parseAddresses("spending_limit.spenders", spec.Spenders)
		if err != nil {
			return err
		}
		if len(spenders) > 0 {
			if err := t.SpendingLimit.SetApprovedSpenders(ctx, t.Authority, plugins.ScopeTemplate, tpl.ID, true, spenders...); err != nil {
				return err
			}
		}
	}
	if tpl.CooldownSeconds > 0 && t.Cooldown != nil {
		if err := t.Cooldown.SetCooldown(ctx, t.Authority, plugins.ScopeTemplate, tpl.ID, tpl.CooldownSeconds); err != nil {
			return err
		}
	}
	if t.TokenWhitelist != nil {
		allow, block, err := tpl.TokenWhitelist.parse("token_whitelist")
		if err != nil {
			return err
		}
		if err := applyList(ctx, t.Authority, tpl.ID, allow, block, t.TokenWhitelist.SetAllowed, t.TokenWhitelist.SetBlocked); err != nil {
			return err
		}
	}
	if t.DexWhitelist != nil {
		allow, block, err := tpl.DexWhitelist.parse("dex_whitelist")
		if err != nil {
			return err
		}
		if err := applyList(ctx, t.Authority, tpl.ID, allow, block, t.DexWhitelist.SetAllowed, t.DexWhitelist.SetBlocked); err != nil {
			return err
		}
	}

	// 插件配置写完后再绑定，实例绑定时 InitInstance 才能复制到完整的模板配置。
	params, err := tpl.Params.toParams()
	if err != nil {
		return err
	}
	return t.Guard.BindTemplate(ctx, t.Authority, tpl.ID, tpl.Policy, params)
}

type listSetter func(ctx context.Context, caller common.Address, scope plugins.Scope, id uint64, member bool, addrs ...common.Address) error

func applyList(ctx context.Context, caller common.Address, template uint64, allow, block []common.Address, setAllowed, setBlocked listSetter) error {
	if len(allow) > 0 {
		if err := setAllowed(ctx, caller, plugins.ScopeTemplate, template, true, allow...); err != nil {
			return err
		}
	}
	if len(block) > 0 {
		if err := setBlocked(ctx, caller, plugins.ScopeTemplate, template, true, block...); err != nil {
			return err
		}
	}
	return nil
}

// Resolve 解析配置中的固定身份。authority、relay 与 self 必填，binder 与 nfa 可留空。
func (c IdentityConfig) Resolve() (common.Address, guard.Identities, error) {
	var ids guard.Identities
	authority, err := requiredAddress("identities.authority", c.Authority)
	if err != nil {
		return common.Address{}, ids, err
	}
	if ids.Relay, err = requiredAddress("identities.relay", c.Relay); err != nil {
		return common.Address{}, ids, err
	}
	if ids.Self, err = requiredAddress("identities.self", c.Self); err != nil {
		return common.Address{}, ids, err
	}
	if c.Binder != "" {
		if ids.Binder, err = parseAddress("identities.binder", c.Binder); err != nil {
			return common.Address{}, ids, err
		}
	}
	if c.NFA != "" {
		if ids.NFA, err = parseAddress("identities.nfa", c.NFA); err != nil {
			return common.Address{}, ids, err
		}
	}
	return authority, ids, nil
}

// requiredAddress 在 parseAddress 之上额外拒绝零地址。
func requiredAddress(field, raw string) (common.Address, error) {
	addr, err := parseAddress(field, raw)
	if err != nil {
		return common.Address{}, err
	}
	if addr == (common.Address{}) {
		return common.Address{}, xerrors.Newf(xerrors.CodeInvalidArgument, "%s: zero address", field)
	}
	return addr, nil
}

package guard

import (
	"context"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/events"
	"github.com/kledx/shll-sub001/internal/policy"
	"github.com/kledx/shll-sub001/internal/storage"
	"github.com/kledx/shll-sub001/internal/web3"
	"github.com/kledx/shll-sub001/pkg/logger"
	"github.com/kledx/shll-sub001/pkg/plugin"
)

// Binding 是某个 agent 绑定的策略、参数与执行模式。
type Binding struct {
	Ref    policy.Ref            `json:"ref"`
	Params policy.InstanceParams `json:"params"`
	Mode   Mode                  `json:"mode"`
	// Template 为实例所属模板；模板自身的记录为 0。
	Template uint64 `json:"template"`
	BoundAt  int64  `json:"bound_at"`
}

func (b *Binding) templateFor(id uint64) uint64 {
	if b.Template == 0 {
		return id
	}
	return b.Template
}

func idString(id uint64) string { return strconv.FormatUint(id, 10) }

func bindingKey(id uint64) string { return storage.Key("binding", idString(id)) }

func (g *Guard) loadBinding(ctx context.Context, id uint64) (*Binding, bool, error) {
	var b Binding
	found, err := storage.GetJSON(ctx, g.kv, bindingKey(id), &b)
	if err != nil || !found {
		return nil, false, err
	}
	b.Params = b.Params.Clone()
	return &b, true, nil
}

func (g *Guard) saveBinding(ctx context.Context, id uint64, b *Binding) error {
	return storage.PutJSON(ctx, g.kv, bindingKey(id), b)
}

// Binding 返回 agent 的绑定记录，未绑定时返回 NOT_BOUND。
func (g *Guard) Binding(ctx context.Context, id uint64) (*Binding, error) {
	b, found, err := g.loadBinding(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, xerrors.Newf(CodeNotBound, "agent %d has no bound policy", id)
	}
	return b, nil
}

func (g *Guard) emitBinding(ctx context.Context, id uint64, caller common.Address, action string) {
	event := events.New(events.TypeBinding, id, g.clock.Now())
	event.Caller = caller.Hex()
	event.Metadata = map[string]string{"action": action}
	events.Emit(ctx, g.publisher, event)
}

// BindTemplate 为模板设置策略与默认参数。调用者须为 authority 或模板所有者。
// 已绑定的实例保留各自的副本，不受后续修改影响。
func (g *Guard) BindTemplate(ctx context.Context, caller common.Address, template uint64, ref policy.Ref, params policy.InstanceParams) error {
	if err := g.requireTemplateAdmin(ctx, caller, template); err != nil {
		return err
	}
	isInstance, err := g.oracle.IsInstance(ctx, template)
	if err != nil {
		return err
	}
	if isInstance {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "agent %d is an instance, not a template", template)
	}
	schema, err := g.policies.Schema(ctx, ref)
	if err != nil {
		return err
	}
	if err := schema.Validate(params); err != nil {
		return err
	}

	b := &Binding{Ref: ref, Params: params.Clone(), Mode: ModeStrict, BoundAt: g.clock.Now().Unix()}
	if existing, found, err := g.loadBinding(ctx, template); err != nil {
		return err
	} else if found {
		b.Mode = existing.Mode
	}
	if err := g.saveBinding(ctx, template, b); err != nil {
		return err
	}
	logger.Audit().Info("模板已绑定策略", "template", template, "policy", ref.String(), "caller", caller.Hex())
	g.emitBinding(ctx, template, caller, "bind_template")
	return nil
}

// BindInstance 将实例绑定到其模板：复制模板的策略、参数与模式，
// 再调用模板插件的 InitInstance。调用者须为 authority 或 binder。
func (g *Guard) BindInstance(ctx context.Context, caller common.Address, instance uint64) error {
	if caller != g.policies.Authority() && caller != g.ids.Binder {
		return xerrors.Newf(xerrors.CodeUnauthorized, "%s cannot bind instances", caller.Hex())
	}
	isInstance, err := g.oracle.IsInstance(ctx, instance)
	if err != nil {
		return err
	}
	if !isInstance {
		return xerrors.Newf(CodeNotInstance, "agent %d is not an instance", instance)
	}
	if _, found, err := g.loadBinding(ctx, instance); err != nil {
		return err
	} else if found {
		return xerrors.Newf(CodeAlreadyBound, "instance %d already bound", instance)
	}
	template, err := g.oracle.TemplateOf(ctx, instance)
	if err != nil {
		return err
	}
	tb, err := g.Binding(ctx, template)
	if err != nil {
		return err
	}

	b := &Binding{
		Ref:      tb.Ref,
		Params:   tb.Params.Clone(),
		Mode:     tb.Mode,
		Template: template,
		BoundAt:  g.clock.Now().Unix(),
	}
	if err := g.saveBinding(ctx, instance, b); err != nil {
		return err
	}

	policies, err := g.plugins.Resolve(ctx, template, template)
	if err != nil {
		return err
	}
	for _, initializer := range plugin.Initializers(policies) {
		if err := initializer.InitInstance(ctx, g.ids.Self, instance, template); err != nil {
			return err
		}
	}
	logger.Audit().Info("实例已绑定", "instance", instance, "template", template, "policy", b.Ref.String(), "caller", caller.Hex())
	g.emitBinding(ctx, instance, caller, "bind_instance")
	return nil
}

// requireTemplateAdmin 要求 caller 为 authority 或模板所有者。
func (g *Guard) requireTemplateAdmin(ctx context.Context, caller common.Address, template uint64) error {
	if caller == g.policies.Authority() {
		return nil
	}
	owner, err := g.oracle.OwnerOf(ctx, template)
	if err != nil {
		return err
	}
	if owner != caller {
		return xerrors.Newf(xerrors.CodeUnauthorized, "%s cannot administer template %d", caller.Hex(), template)
	}
	return nil
}

func (g *Guard) requireController(ctx context.Context, caller common.Address, instance uint64) error {
	ctrl, err := web3.Controller(ctx, g.oracle, instance)
	if err != nil {
		return err
	}
	if ctrl != caller {
		return xerrors.Newf(xerrors.CodeUnauthorized, "%s does not control agent %d", caller.Hex(), instance)
	}
	return nil
}

// SetExecutionMode 切换实例的执行模式。切换到 EXPLORER 要求 schema 允许，
// 且实例当前额度已落在探索子上限之内。
func (g *Guard) SetExecutionMode(ctx context.Context, caller common.Address, instance uint64, mode Mode) error {
	if _, ok := modeNames[mode]; !ok {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "unknown execution mode %d", mode)
	}
	if err := g.requireController(ctx, caller, instance); err != nil {
		return err
	}
	b, err := g.Binding(ctx, instance)
	if err != nil {
		return err
	}
	if mode == ModeExplorer {
		schema, err := g.policies.Schema(ctx, b.Ref)
		if err != nil {
			return err
		}
		if err := schema.ValidateExplorer(b.Params); err != nil {
			return err
		}
	}
	previous := b.Mode
	b.Mode = mode
	if err := g.saveBinding(ctx, instance, b); err != nil {
		return err
	}
	logger.Audit().Info("执行模式已切换", "instance", instance, "from", previous.String(), "to", mode.String(), "caller", caller.Hex())
	g.emitBinding(ctx, instance, caller, "set_mode")
	return nil
}

// UpdateParams 更新实例参数。要求 schema 允许更新，新值不得超出 schema 上限，
// 也不得高于模板参数与实例当前参数，即控制者只能收紧；EXPLORER 模式下还须满足探索子上限。
// 换租时恢复模板参数使用 ResetParams。
func (g *Guard) UpdateParams(ctx context.Context, caller common.Address, instance uint64, params policy.InstanceParams) error {
	if err := g.requireController(ctx, caller, instance); err != nil {
		return err
	}
	b, err := g.Binding(ctx, instance)
	if err != nil {
		return err
	}
	schema, err := g.policies.Schema(ctx, b.Ref)
	if err != nil {
		return err
	}
	if !schema.AllowParamsUpdate {
		return xerrors.Newf(policy.CodeInvalidParams, "policy %s does not allow params updates", b.Ref)
	}
	if err := schema.Validate(params); err != nil {
		return err
	}
	if b.Template != 0 {
		tb, err := g.Binding(ctx, b.Template)
		if err != nil {
			return err
		}
		if err := params.Within(tb.Params); err != nil {
			return err
		}
		if err := params.Within(b.Params); err != nil {
			return err
		}
	}
	if b.Mode == ModeExplorer {
		if err := schema.ValidateExplorer(params); err != nil {
			return err
		}
	}
	b.Params = params.Clone()
	if err := g.saveBinding(ctx, instance, b); err != nil {
		return err
	}
	logger.Audit().Info("实例参数已更新", "instance", instance, "caller", caller.Hex(),
		"max_trade_limit", policy.Amount(params.MaxTradeLimit).String(), "max_daily_limit", policy.Amount(params.MaxDailyLimit).String())
	g.emitBinding(ctx, instance, caller, "update_params")
	return nil
}

// ResetParams 将实例参数与模式恢复为模板当前的值，调用者须为 authority 或模板所有者。
func (g *Guard) ResetParams(ctx context.Context, caller common.Address, instance uint64) error {
	b, err := g.Binding(ctx, instance)
	if err != nil {
		return err
	}
	if b.Template == 0 {
		return xerrors.Newf(CodeNotInstance, "agent %d is not an instance", instance)
	}
	if err := g.requireTemplateAdmin(ctx, caller, b.Template); err != nil {
		return err
	}
	tb, err := g.Binding(ctx, b.Template)
	if err != nil {
		return err
	}
	b.Params = tb.Params.Clone()
	b.Mode = tb.Mode
	if err := g.saveBinding(ctx, instance, b); err != nil {
		return err
	}
	logger.Audit().Info("实例参数已重置", "instance", instance, "template", b.Template, "caller", caller.Hex())
	g.emitBinding(ctx, instance, caller, "reset_params")
	return nil
}

package guard

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kledx/shll-sub001/internal/calldata"
	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/events"
	"github.com/kledx/shll-sub001/internal/ledger"
	"github.com/kledx/shll-sub001/internal/observability/metrics"
	"github.com/kledx/shll-sub001/internal/policy"
	"github.com/kledx/shll-sub001/internal/registry"
	"github.com/kledx/shll-sub001/internal/storage"
	"github.com/kledx/shll-sub001/internal/storage/memory"
	"github.com/kledx/shll-sub001/internal/web3"
	"github.com/kledx/shll-sub001/pkg/logger"
	"github.com/kledx/shll-sub001/pkg/plugin"
)

// spendNamespace 是编排器自身 spend_limit 模块的计数命名空间，与插件互不影响。
const spendNamespace = "guard"

// Action 是一次待执行的外部调用，由中继构造，不会被持久化。
type Action struct {
	Target common.Address `json:"target"`
	Value  *big.Int       `json:"value"`
	Data   []byte         `json:"data"`
}

// Request 汇总 Validate 所需的全部输入。
type Request struct {
	NFA      common.Address `json:"nfa"`
	Instance uint64         `json:"instance"`
	Vault    common.Address `json:"vault"`
	Caller   common.Address `json:"caller"`
	Action   Action         `json:"action"`
}

// Identities 是编排器识别的固定身份。
type Identities struct {
	// Relay 是唯一可以调用 Commit 的身份。
	Relay common.Address
	// Binder 可以代替 authority 绑定实例，通常是租赁市场合约。
	Binder common.Address
	// Self 是编排器调用插件 OnCommit / InitInstance 时使用的身份。
	Self common.Address
	// NFA 非零时，Validate 只接受该合约的请求。
	NFA common.Address
}

// Guard 协调策略、插件与计数器，是系统的业务核心。
type Guard struct {
	ids       Identities
	kv        storage.KV
	policies  *policy.Service
	registry  *registry.Registry
	plugins   *plugin.Manager
	oracle    web3.Oracle
	clock     ledger.Clock
	locker    storage.Locker
	spend     *ledger.SpendTracker
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       *slog.Logger
}

// Option 定义可选的 Guard 配置。
type Option func(*Guard)

// WithClock 替换时间来源。
func WithClock(clock ledger.Clock) Option {
	return func(g *Guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithLocker 替换 Execute 使用的实例锁。
func WithLocker(locker storage.Locker) Option {
	return func(g *Guard) {
		if locker != nil {
			g.locker = locker
		}
	}
}

// WithPublisher 配置事件发布者。
func WithPublisher(p events.Publisher) Option {
	return func(g *Guard) { g.publisher = p }
}

// WithMetrics 配置指标收集。
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// New 创建 Guard。
func New(kv storage.KV, ids Identities, policies *policy.Service, reg *registry.Registry, plugins *plugin.Manager, oracle web3.Oracle, opts ...Option) *Guard {
	g := &Guard{
		ids:      ids,
		kv:       kv,
		policies: policies,
		registry: reg,
		plugins:  plugins,
		oracle:   oracle,
		clock:    ledger.SystemClock{},
		locker:   memory.NewLocker(),
		spend:    ledger.NewSpendTracker(kv, spendNamespace),
		log:      logger.Named("guard"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Identities 返回配置的身份。
func (g *Guard) Identities() Identities { return g.ids }

// Validate 在执行前检查动作，不写入任何状态。
// 拒绝通过 Verdict 返回；只有配置或存储故障才返回 error。
func (g *Guard) Validate(ctx context.Context, nfa common.Address, instance uint64, vault, caller common.Address, action Action) (plugin.Verdict, error) {
	start := time.Now()
	verdict, mode, err := g.validate(ctx, nfa, instance, vault, caller, action)

	result := "allowed"
	switch {
	case err != nil:
		result = "error"
	case !verdict.Allowed:
		result = "rejected"
	}
	g.metrics.ObserveValidation(mode, result, verdict.Reason, time.Since(start))
	g.log.Debug("validate", "instance", instance, "target", action.Target.Hex(), "caller", caller.Hex(),
		"mode", mode, "result", result, "reason", verdict.Reason, "error", err)

	if err == nil {
		event := events.New(events.TypeDecision, instance, g.clock.Now())
		event.Caller, event.Target, event.Mode = caller.Hex(), action.Target.Hex(), mode
		event.Allowed, event.Reason = verdict.Allowed, verdict.Reason
		if sel, selErr := calldata.ExtractSelector(action.Data); selErr == nil {
			event.Selector = sel.Hex()
		}
		events.Emit(ctx, g.publisher, event)
	}
	return verdict, err
}

func (g *Guard) validate(ctx context.Context, nfa common.Address, instance uint64, vault, caller common.Address, action Action) (plugin.Verdict, string, error) {
	mode := "UNBOUND"
	if g.ids.NFA != (common.Address{}) && nfa != g.ids.NFA {
		return plugin.Verdict{}, mode, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown NFA contract %s", nfa.Hex())
	}

	// 1. 全局阻止名单优先于一切配置。
	blocked, err := g.registry.IsBlocked(ctx, action.Target)
	if err != nil {
		return plugin.Verdict{}, mode, err
	}
	if blocked {
		return plugin.Reject(ReasonTargetBlocked), mode, nil
	}

	// 2. 解析实例绑定的策略。
	binding, found, err := g.loadBinding(ctx, instance)
	if err != nil {
		return plugin.Verdict{}, mode, err
	}
	if !found || binding.Ref.IsZero() {
		return plugin.Reject(ReasonPolicyNotBound), mode, nil
	}
	mode = binding.Mode.String()

	if binding.Mode == ModeManual {
		ok, err := web3.IsOwnerOrOperator(ctx, g.oracle, instance, caller)
		if err != nil {
			return plugin.Verdict{}, mode, err
		}
		if !ok {
			return plugin.Reject(ReasonNotOwnerOrOperator), mode, nil
		}
	}

	// 3. 查找 action rule。
	sel, rejected := selectorOf(action.Data)
	if rejected != nil {
		return *rejected, mode, nil
	}
	rule, ok, err := g.policies.Rule(ctx, binding.Ref, action.Target, sel)
	if err != nil {
		return plugin.Verdict{}, mode, err
	}
	if !ok {
		return plugin.Reject(ReasonActionNotAllowed), mode, nil
	}
	schema, err := g.policies.Schema(ctx, binding.Ref)
	if err != nil {
		return plugin.Verdict{}, mode, err
	}

	// 4. 按规则顺序执行模块，首个拒绝即返回。
	ev := &evaluation{
		instance: instance,
		vault:    vault,
		caller:   caller,
		action:   action,
		selector: sel,
		binding:  binding,
		schema:   schema,
	}
	for _, m := range rule.Sequence() {
		verdict, err := g.checkModule(ctx, m, ev)
		if err != nil || !verdict.Allowed {
			return verdict, mode, err
		}
	}

	// 5. 模板插件与实例追加插件。
	template := binding.templateFor(instance)
	policies, err := g.plugins.Resolve(ctx, instance, template)
	if err != nil {
		return plugin.Verdict{}, mode, err
	}
	call := plugin.Call{
		Instance: instance,
		Template: template,
		Vault:    vault,
		Caller:   caller,
		Target:   action.Target,
		Selector: sel,
		Data:     action.Data,
		Value:    action.Value,
	}
	for _, p := range policies {
		verdict, err := p.Check(ctx, call)
		if err != nil {
			return plugin.Verdict{}, mode, err
		}
		if !verdict.Allowed {
			g.log.Debug("plugin rejected", "instance", instance, "plugin", string(p.PolicyType()), "reason", verdict.Reason)
			return plugin.Reject(verdict.Reason), mode, nil
		}
	}
	return plugin.Allow(), mode, nil
}

// selectorOf 返回调用的选择器。空 data 视为原生转账；1 到 3 字节的 data 被拒绝。
func selectorOf(data []byte) (calldata.Selector, *plugin.Verdict) {
	if len(data) == 0 {
		return calldata.Selector{}, nil
	}
	sel, err := calldata.ExtractSelector(data)
	if err != nil {
		v := plugin.Reject(ReasonCalldataTooShort)
		return calldata.Selector{}, &v
	}
	return sel, nil
}

// Commit 在动作执行成功后记录支出并调用插件的提交钩子。
// 只有中继身份可以调用；其他调用者得到 UNAUTHORIZED 且不产生任何状态变化。
func (g *Guard) Commit(ctx context.Context, caller common.Address, instance uint64, action Action) error {
	if caller != g.ids.Relay {
		g.metrics.CommitAuthFailure()
		logger.Audit().Warn("拒绝非中继身份的提交", "instance", instance, "caller", caller.Hex())
		return xerrors.Newf(xerrors.CodeUnauthorized, "%s is not the relay", caller.Hex())
	}
	err := g.commit(ctx, caller, instance, action)
	result := "ok"
	if err != nil {
		result = "error"
	}
	g.metrics.ObserveCommit(result)
	return err
}

func (g *Guard) commit(ctx context.Context, caller common.Address, instance uint64, action Action) error {
	binding, found, err := g.loadBinding(ctx, instance)
	if err != nil {
		return err
	}
	if !found {
		return xerrors.Newf(CodeNotBound, "instance %d has no bound policy", instance)
	}
	var sel calldata.Selector
	if len(action.Data) > 0 {
		if sel, err = calldata.ExtractSelector(action.Data); err != nil {
			return err
		}
	}
	rule, ok, err := g.policies.Rule(ctx, binding.Ref, action.Target, sel)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "no action rule for %s %s", action.Target.Hex(), sel.Hex())
	}

	now := g.clock.Now()
	if rule.Modules.Has(policy.ModuleSpendLimit) {
		spend, err := calldata.EffectiveSpend(action.Data, action.Value)
		if err != nil {
			return err
		}
		if spend.Sign() > 0 {
			if _, err := g.spend.Add(ctx, instance, spend, now); err != nil {
				return err
			}
		}
	}

	template := binding.templateFor(instance)
	policies, err := g.plugins.Resolve(ctx, instance, template)
	if err != nil {
		return err
	}
	call := plugin.Call{
		Instance: instance,
		Template: template,
		Caller:   caller,
		Target:   action.Target,
		Selector: sel,
		Data:     action.Data,
		Value:    action.Value,
	}
	for _, c := range plugin.Committers(policies) {
		if err := c.OnCommit(ctx, g.ids.Self, call); err != nil {
			return err
		}
	}

	logger.Audit().Info("动作已提交", "instance", instance, "target", action.Target.Hex(), "selector", sel.Hex(),
		"modules", rule.Modules.String())
	event := events.New(events.TypeCommit, instance, now)
	event.Caller, event.Target, event.Selector, event.Allowed = caller.Hex(), action.Target.Hex(), sel.Hex(), true
	events.Emit(ctx, g.publisher, event)
	return nil
}

// Executor 执行已通过校验的动作。
type Executor func(ctx context.Context) error

// Execute 在实例锁内依次执行 Validate、exec 与 Commit，保证同一实例的
// 校验、执行、记账不会与其他动作交错。Commit 以中继身份进行。
// 供嵌入守护逻辑的进程内中继调用；HTTP 中继仍走 Validate 与 Commit 两步。
func (g *Guard) Execute(ctx context.Context, req Request, exec Executor) (plugin.Verdict, error) {
	unlock, err := g.locker.Lock(ctx, storage.Key("guard", "instance", idString(req.Instance)))
	if err != nil {
		return plugin.Verdict{}, err
	}
	defer unlock()

	verdict, err := g.Validate(ctx, req.NFA, req.Instance, req.Vault, req.Caller, req.Action)
	if err != nil || !verdict.Allowed {
		return verdict, err
	}
	if err := exec(ctx); err != nil {
		return verdict, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "action execution failed")
	}
	return verdict, g.Commit(ctx, g.ids.Relay, req.Instance, req.Action)
}

// DailySpend 返回实例当日在编排器命名空间下的累计支出。
func (g *Guard) DailySpend(ctx context.Context, instance uint64) (ledger.Spend, error) {
	return g.spend.Today(ctx, instance, g.clock.Now())
}

// SpentOn 返回实例在指定日的累计支出。
func (g *Guard) SpentOn(ctx context.Context, instance uint64, day uint32) (*big.Int, error) {
	return g.spend.SpentOn(ctx, instance, day)
}

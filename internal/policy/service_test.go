package policy

import (
	"context"
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kledx/shll-sub001/internal/calldata"
	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/registry"
	"github.com/kledx/shll-sub001/internal/storage/memory"
)

var (
	authority = common.HexToAddress("0x000000000000000000000000000000000000a001")
	stranger  = common.HexToAddress("0x000000000000000000000000000000000000beef")
	router    = common.HexToAddress("0x10ED43C718714eb63d5aA57B78B54704E256024E")
)

func baseSchema() Schema {
	return Schema{
		MaxSlippageBps:        500,
		MaxTradeLimit:         big.NewInt(100),
		MaxDailyLimit:         big.NewInt(1000),
		MaxApproval:           big.NewInt(500),
		AllowedTokenGroups:    []registry.GroupID{1, 2},
		AllowedDexGroups:      []registry.GroupID{10},
		ReceiverMustBeVault:   true,
		ForbidInfiniteApprove: true,
		AllowExplorerMode:     true,
		ExplorerMaxTradeLimit: big.NewInt(10),
		ExplorerMaxDailyLimit: big.NewInt(50),
	}
}

func TestPublishFreezeLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.New(), authority)

	if err := svc.CreatePolicy(ctx, stranger, 1); !xerrors.HasCode(err, xerrors.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
	if err := svc.CreatePolicy(ctx, authority, 1); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.CreatePolicy(ctx, authority, 1); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected CONFLICT on duplicate, got %v", err)
	}
	if _, err := svc.PublishVersion(ctx, authority, 9, baseSchema()); !xerrors.HasCode(err, CodePolicyNotFound) {
		t.Fatalf("expected POLICY_NOT_FOUND, got %v", err)
	}

	v1, err := svc.PublishVersion(ctx, authority, 1, baseSchema())
	if err != nil || v1 != (Ref{PolicyID: 1, Version: 1}) {
		t.Fatalf("publish v1: %v %v", v1, err)
	}
	v2, err := svc.PublishVersion(ctx, authority, 1, baseSchema())
	if err != nil || v2.Version != 2 {
		t.Fatalf("versions must be append-only: %v %v", v2, err)
	}

	if err := svc.Freeze(ctx, authority, v1); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := svc.SetSchema(ctx, authority, v1, baseSchema()); !xerrors.HasCode(err, CodePolicyFrozen) {
		t.Fatalf("expected POLICY_FROZEN, got %v", err)
	}
	if err := svc.SetActionRule(ctx, authority, v1, router, calldata.Approve, ActionRule{Modules: ModuleApprove}); !xerrors.HasCode(err, CodePolicyFrozen) {
		t.Fatalf("frozen rules must be immutable, got %v", err)
	}
	if err := svc.SetSchema(ctx, authority, v2, baseSchema()); err != nil {
		t.Fatalf("v2 must stay mutable: %v", err)
	}
	if _, err := svc.Schema(ctx, Ref{PolicyID: 1, Version: 7}); !xerrors.HasCode(err, CodeSchemaNotFound) {
		t.Fatalf("expected SCHEMA_NOT_FOUND, got %v", err)
	}
	if ok, _ := svc.Exists(ctx, Ref{PolicyID: 1, Version: 3}); ok {
		t.Fatalf("v3 was never published")
	}
}

func TestActionRulesWithWildcard(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.New(), authority)
	if err := svc.CreatePolicy(ctx, authority, 1); err != nil {
		t.Fatalf("create: %v", err)
	}
	ref, err := svc.PublishVersion(ctx, authority, 1, baseSchema())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, found, _ := svc.Rule(ctx, ref, router, calldata.SwapExactTokensForTokens); found {
		t.Fatalf("no rule should exist yet")
	}
	if err := svc.SetActionRule(ctx, authority, ref, router, calldata.SwapExactTokensForTokens, ActionRule{Modules: ModuleSwap | ModuleSpendLimit}); err != nil {
		t.Fatalf("set rule: %v", err)
	}
	if err := svc.SetActionRule(ctx, authority, ref, common.Address{}, calldata.Approve, ActionRule{Modules: ModuleApprove}); err != nil {
		t.Fatalf("set wildcard: %v", err)
	}
	if err := svc.SetActionRule(ctx, authority, ref, router, calldata.Transfer, ActionRule{Modules: 8}); !xerrors.HasCode(err, CodeInvalidParams) {
		t.Fatalf("unknown module bits must be rejected, got %v", err)
	}

	rule, found, err := svc.Rule(ctx, ref, router, calldata.SwapExactTokensForTokens)
	if err != nil || !found || rule.Modules != ModuleSwap|ModuleSpendLimit {
		t.Fatalf("unexpected rule %+v %v %v", rule, found, err)
	}
	rule, found, _ = svc.Rule(ctx, ref, stranger, calldata.Approve)
	if !found || rule.Modules != ModuleApprove {
		t.Fatalf("wildcard rule should apply to any target")
	}
	if err := svc.RemoveActionRule(ctx, authority, ref, router, calldata.SwapExactTokensForTokens); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, found, _ := svc.Rule(ctx, ref, router, calldata.SwapExactTokensForTokens); found {
		t.Fatalf("rule should be gone")
	}
}

func TestRuleSequence(t *testing.T) {
	rule := ActionRule{Modules: ModuleSwap | ModuleApprove | ModuleSpendLimit, Order: []Module{ModuleSpendLimit, ModuleSpendLimit}}
	want := []Module{ModuleSpendLimit, ModuleSwap, ModuleApprove}
	if got := rule.Sequence(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected sequence %v", got)
	}
	if (ModuleSwap | ModuleSpendLimit).String() != "swap|spend_limit" {
		t.Fatalf("unexpected module string")
	}
	if m, ok := ParseModule("SPEND_LIMIT"); !ok || m != ModuleSpendLimit {
		t.Fatalf("parse module failed")
	}
}

func TestSchemaValidateParams(t *testing.T) {
	schema := baseSchema()
	valid := InstanceParams{
		MaxSlippageBps: 100,
		MaxTradeLimit:  big.NewInt(10),
		MaxDailyLimit:  big.NewInt(15),
		ApprovalLimit:  big.NewInt(500),
		TokenGroups:    []registry.GroupID{1},
		DexGroups:      []registry.GroupID{10},
	}
	if err := schema.Validate(valid); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}

	over := valid.Clone()
	over.MaxDailyLimit = big.NewInt(1001)
	if err := schema.Validate(over); !xerrors.HasCode(err, CodeExceedsCeiling) {
		t.Fatalf("expected EXCEEDS_CEILING, got %v", err)
	}

	zero := valid.Clone()
	zero.MaxTradeLimit = big.NewInt(0)
	if err := schema.Validate(zero); !xerrors.HasCode(err, CodeInvalidParams) {
		t.Fatalf("zero under non-zero ceiling is degenerate, got %v", err)
	}

	groups := valid.Clone()
	groups.TokenGroups = []registry.GroupID{3}
	if err := schema.Validate(groups); !xerrors.HasCode(err, CodeInvalidParams) {
		t.Fatalf("groups outside schema must be rejected, got %v", err)
	}

	if err := schema.ValidateExplorer(valid); err != nil {
		t.Fatalf("params fit explorer sub-ceiling: %v", err)
	}
	loose := valid.Clone()
	loose.MaxTradeLimit = big.NewInt(11)
	if err := schema.ValidateExplorer(loose); !xerrors.HasCode(err, CodeExceedsCeiling) {
		t.Fatalf("expected EXCEEDS_CEILING for explorer, got %v", err)
	}

	bad := baseSchema()
	bad.ExplorerMaxDailyLimit = big.NewInt(2000)
	if err := bad.Check(); !xerrors.HasCode(err, CodeExceedsCeiling) {
		t.Fatalf("explorer ceiling above main ceiling must fail, got %v", err)
	}
}

func TestParamsWithinTemplate(t *testing.T) {
	template := InstanceParams{MaxSlippageBps: 100, MaxTradeLimit: big.NewInt(10), MaxDailyLimit: big.NewInt(15), ApprovalLimit: big.NewInt(5), TokenGroups: []registry.GroupID{1}}
	instance := template.Clone()
	instance.MaxTradeLimit = big.NewInt(9)
	if err := instance.Within(template); err != nil {
		t.Fatalf("tighter params rejected: %v", err)
	}
	instance.MaxDailyLimit = big.NewInt(16)
	if err := instance.Within(template); !xerrors.HasCode(err, CodeExceedsCeiling) {
		t.Fatalf("expected EXCEEDS_CEILING, got %v", err)
	}
	instance = template.Clone()
	instance.TokenGroups = []registry.GroupID{1, 2}
	if err := instance.Within(template); !xerrors.HasCode(err, CodeInvalidParams) {
		t.Fatalf("expected INVALID_PARAMS for wider groups, got %v", err)
	}
}

package plugins

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/kledx/shll-sub001/internal/calldata"
	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/ledger"
	"github.com/kledx/shll-sub001/internal/policy"
	"github.com/kledx/shll-sub001/internal/storage/memory"
	"github.com/kledx/shll-sub001/internal/web3"
	"github.com/kledx/shll-sub001/pkg/plugin"
)

const (
	templateID uint64 = 1
	instanceID uint64 = 2
)

var (
	authority = common.HexToAddress("0x00000000000000000000000000000000000a0001")
	owner     = common.HexToAddress("0x00000000000000000000000000000000000a0002")
	renter    = common.HexToAddress("0x00000000000000000000000000000000000a0003")
	guardID   = common.HexToAddress("0x00000000000000000000000000000000000a0004")
	vault     = common.HexToAddress("0x00000000000000000000000000000000000a0005")
	router    = common.HexToAddress("0x00000000000000000000000000000000000b0001")
	otherDex  = common.HexToAddress("0x00000000000000000000000000000000000b0002")
	tokenA    = common.HexToAddress("0x00000000000000000000000000000000000c0001")
	tokenB    = common.HexToAddress("0x00000000000000000000000000000000000c0002")
)

type fixture struct {
	kv     *memory.Store
	oracle *web3.MemoryOracle
	access Access
	clock  *ledger.ManualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	oracle := web3.NewMemoryOracle()
	oracle.Set(templateID, web3.Agent{Owner: owner})
	oracle.Set(instanceID, web3.Agent{Owner: owner, Operator: renter, Template: templateID, Instance: true})
	return &fixture{
		kv:     memory.New(),
		oracle: oracle,
		access: Access{Oracle: oracle, Authority: authority},
		clock:  ledger.NewManualClock(time.Unix(20000*ledger.SecondsPerDay+3600, 0)),
	}
}

func pack(t *testing.T, sel calldata.Selector, types []string, args ...any) []byte {
	t.Helper()
	var arguments abi.Arguments
	for _, name := range types {
		typ, err := abi.NewType(name, "", nil)
		if err != nil {
			t.Fatalf("abi type %s: %v", name, err)
		}
		arguments = append(arguments, abi.Argument{Type: typ})
	}
	body, err := arguments.Pack(args...)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return append(append([]byte{}, sel[:]...), body...)
}

func swapCall(t *testing.T, to common.Address, amountIn int64, path ...common.Address) plugin.Call {
	t.Helper()
	data := pack(t, calldata.SwapExactTokensForTokens,
		[]string{"uint256", "uint256", "address[]", "address", "uint256"},
		big.NewInt(amountIn), big.NewInt(1), path, to, big.NewInt(1))
	return plugin.Call{Instance: instanceID, Template: templateID, Vault: vault, Caller: renter,
		Target: router, Selector: calldata.SwapExactTokensForTokens, Data: data}
}

func allowanceCall(t *testing.T, sel calldata.Selector, spender common.Address, amount *big.Int) plugin.Call {
	t.Helper()
	return plugin.Call{Instance: instanceID, Template: templateID, Vault: vault, Caller: renter,
		Target: tokenA, Selector: sel, Data: pack(t, sel, []string{"address", "uint256"}, spender, amount)}
}

func nativeCall(value int64) plugin.Call {
	return plugin.Call{Instance: instanceID, Template: templateID, Vault: vault, Caller: renter,
		Target: vault, Value: big.NewInt(value)}
}

func expectVerdict(t *testing.T, p plugin.Policy, call plugin.Call, allowed bool, reason string) {
	t.Helper()
	v, err := p.Check(context.Background(), call)
	if err != nil {
		t.Fatalf("%s check: %v", p.PolicyType(), err)
	}
	if v.Allowed != allowed || v.Reason != reason {
		t.Fatalf("%s: got %+v, want allowed=%v reason=%q", p.PolicyType(), v, allowed, reason)
	}
}

func TestReceiverGuard(t *testing.T) {
	g := NewReceiverGuard()
	expectVerdict(t, g, swapCall(t, vault, 5, tokenA, tokenB), true, "")
	expectVerdict(t, g, swapCall(t, renter, 5, tokenA, tokenB), false, ReasonReceiverNotVault)

	native := nativeCall(1)
	native.Target = renter
	expectVerdict(t, g, native, false, ReasonNativeNotVault)
	expectVerdict(t, g, nativeCall(1), true, "")

	truncated := swapCall(t, vault, 5, tokenA, tokenB)
	truncated.Data = truncated.Data[:40]
	expectVerdict(t, g, truncated, false, ReasonCalldataTooShort)

	repay := plugin.Call{Instance: instanceID, Vault: vault, Selector: calldata.Repay,
		Data: pack(t, calldata.Repay, []string{"address", "uint256", "uint256", "address"}, tokenA, big.NewInt(3), big.NewInt(2), renter)}
	expectVerdict(t, g, repay, false, ReasonRepayNotVault)
}

func TestTokenWhitelistFailOpenAndBlockWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewTokenWhitelist(f.kv, f.access)

	expectVerdict(t, w, swapCall(t, vault, 5, tokenA, tokenB), true, "")

	if err := w.SetAllowed(ctx, owner, ScopeTemplate, templateID, true, tokenA); err != nil {
		t.Fatalf("template allow: %v", err)
	}
	expectVerdict(t, w, swapCall(t, vault, 5, tokenA, tokenB), false, ReasonTokenNotAllowed)

	if err := w.SetAllowed(ctx, renter, ScopeInstance, instanceID, true, tokenB); err != nil {
		t.Fatalf("instance allow: %v", err)
	}
	expectVerdict(t, w, swapCall(t, vault, 5, tokenA, tokenB), true, "")

	if err := w.SetBlocked(ctx, renter, ScopeInstance, instanceID, true, tokenA); err != nil {
		t.Fatalf("instance block: %v", err)
	}
	expectVerdict(t, w, swapCall(t, vault, 5, tokenA, tokenB), false, ReasonTokenBlocked)

	if err := w.SetAllowed(ctx, renter, ScopeTemplate, templateID, true, tokenB); !xerrors.HasCode(err, xerrors.CodeUnauthorized) {
		t.Fatalf("renter must not edit template lists, got %v", err)
	}
}

func TestTokenWhitelistBlockAppliesWithoutAllowList(t *testing.T) {
	f := newFixture(t)
	w := NewTokenWhitelist(f.kv, f.access)
	if err := w.SetBlocked(context.Background(), authority, ScopeTemplate, templateID, true, tokenB); err != nil {
		t.Fatalf("block: %v", err)
	}
	expectVerdict(t, w, swapCall(t, vault, 5, tokenA, tokenB), false, ReasonTokenBlocked)
}

func TestDexWhitelistFailClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := NewDexWhitelist(f.kv, f.access)

	expectVerdict(t, d, swapCall(t, vault, 5, tokenA, tokenB), false, ReasonDexNotConfigured)

	if err := d.SetAllowed(ctx, owner, ScopeTemplate, templateID, true, router); err != nil {
		t.Fatalf("allow: %v", err)
	}
	expectVerdict(t, d, swapCall(t, vault, 5, tokenA, tokenB), true, "")
	expectVerdict(t, d, allowanceCall(t, calldata.Approve, router, big.NewInt(1)), true, "")
	expectVerdict(t, d, allowanceCall(t, calldata.Approve, otherDex, big.NewInt(1)), false, ReasonDexNotAllowed)

	if err := d.SetBlocked(ctx, renter, ScopeInstance, instanceID, true, router); err != nil {
		t.Fatalf("block: %v", err)
	}
	expectVerdict(t, d, swapCall(t, vault, 5, tokenA, tokenB), false, ReasonDexBlocked)
}

func newSpendingLimit(t *testing.T, f *fixture, perTx, perDay, approval int64) *SpendingLimit {
	t.Helper()
	ctx := context.Background()
	s := NewSpendingLimit(f.kv, f.access, f.clock, guardID)
	limits := Limits{MaxPerTx: big.NewInt(perTx), MaxPerDay: big.NewInt(perDay), MaxApproval: big.NewInt(approval)}
	if err := s.SetTemplateLimits(ctx, owner, templateID, limits); err != nil {
		t.Fatalf("template limits: %v", err)
	}
	if err := s.SetApprovedSpenders(ctx, owner, ScopeTemplate, templateID, true, router); err != nil {
		t.Fatalf("spenders: %v", err)
	}
	if err := s.InitInstance(ctx, guardID, instanceID, templateID); err != nil {
		t.Fatalf("init instance: %v", err)
	}
	return s
}

func commit(t *testing.T, c plugin.Committer, call plugin.Call) {
	t.Helper()
	if err := c.OnCommit(context.Background(), guardID, call); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestSpendingLimitDailyScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := newSpendingLimit(t, f, 10, 15, 100)

	expectVerdict(t, s, nativeCall(11), false, ReasonExceedsPerTx)
	expectVerdict(t, s, nativeCall(10), true, "")
	commit(t, s, nativeCall(10))

	expectVerdict(t, s, nativeCall(10), false, ReasonDailyLimitReached)
	expectVerdict(t, s, nativeCall(5), true, "")
	commit(t, s, nativeCall(5))
	expectVerdict(t, s, nativeCall(1), false, ReasonDailyLimitReached)

	yesterday := ledger.DayIndex(f.clock.Now())
	f.clock.Advance(24 * time.Hour)
	expectVerdict(t, s, nativeCall(10), true, "")

	spent, err := s.SpentToday(ctx, instanceID)
	if err != nil || spent.Sign() != 0 {
		t.Fatalf("expected rollover to zero, got %v %v", spent, err)
	}
	prior, err := s.SpentOn(ctx, instanceID, yesterday)
	if err != nil || prior.Int64() != 15 {
		t.Fatalf("previous day should stay queryable, got %v %v", prior, err)
	}
}

func TestSpendingLimitSwapUsesDecodedInput(t *testing.T) {
	f := newFixture(t)
	s := newSpendingLimit(t, f, 10, 15, 100)
	expectVerdict(t, s, swapCall(t, vault, 11, tokenA, tokenB), false, ReasonExceedsPerTx)
	expectVerdict(t, s, swapCall(t, vault, 9, tokenA, tokenB), true, "")
}

func TestSpendingLimitUnconfiguredRejectsPositiveSpend(t *testing.T) {
	f := newFixture(t)
	s := NewSpendingLimit(f.kv, f.access, f.clock, guardID)
	expectVerdict(t, s, nativeCall(1), false, ReasonLimitNotConfigured)
	expectVerdict(t, s, nativeCall(0), true, "")
}

func TestSpendingLimitApprovals(t *testing.T) {
	f := newFixture(t)
	s := newSpendingLimit(t, f, 10, 15, 100)

	expectVerdict(t, s, allowanceCall(t, calldata.Transfer, renter, big.NewInt(1)), false, ReasonTransferNotAllowed)
	expectVerdict(t, s, allowanceCall(t, calldata.IncreaseAllowance, router, big.NewInt(1)), false, ReasonIncreaseNotAllowed)
	expectVerdict(t, s, allowanceCall(t, calldata.DecreaseAllowance, otherDex, big.NewInt(1)), true, "")
	expectVerdict(t, s, allowanceCall(t, calldata.Approve, otherDex, big.NewInt(1)), false, ReasonSpenderNotApproved)
	expectVerdict(t, s, allowanceCall(t, calldata.Approve, router, big.NewInt(100)), true, "")
	expectVerdict(t, s, allowanceCall(t, calldata.Approve, router, big.NewInt(101)), false, ReasonApprovalExceeds)

	permit := plugin.Call{Instance: instanceID, Template: templateID, Selector: calldata.Permit}
	expectVerdict(t, s, permit, false, ReasonPermitNotAllowed)
}

func TestSpendingLimitMaxApprovalAlwaysRejected(t *testing.T) {
	f := newFixture(t)
	s := NewSpendingLimit(f.kv, f.access, f.clock, guardID)
	ctx := context.Background()
	if err := s.SetTemplateLimits(ctx, authority, templateID, Limits{MaxApproval: calldata.MaxUint256}); err != nil {
		t.Fatalf("limits: %v", err)
	}
	if err := s.SetApprovedSpenders(ctx, renter, ScopeInstance, instanceID, true, router); err != nil {
		t.Fatalf("spenders: %v", err)
	}
	expectVerdict(t, s, allowanceCall(t, calldata.Approve, router, calldata.MaxUint256), false, ReasonInfiniteApproval)
}

func TestSpendingLimitInstanceCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := newSpendingLimit(t, f, 10, 15, 100)

	err := s.SetInstanceLimits(ctx, renter, instanceID, Limits{MaxPerTx: big.NewInt(11), MaxPerDay: big.NewInt(15)})
	if !xerrors.HasCode(err, policy.CodeExceedsCeiling) {
		t.Fatalf("expected EXCEEDS_CEILING, got %v", err)
	}
	if err := s.SetInstanceLimits(ctx, renter, instanceID, Limits{MaxPerTx: big.NewInt(3), MaxPerDay: big.NewInt(5)}); err != nil {
		t.Fatalf("tighten: %v", err)
	}
	expectVerdict(t, s, nativeCall(4), false, ReasonExceedsPerTx)

	// 收紧之后控制者不能再放宽，即使新值仍在模板上限之内。
	err = s.SetInstanceLimits(ctx, renter, instanceID, Limits{MaxPerTx: big.NewInt(10), MaxPerDay: big.NewInt(15)})
	if !xerrors.HasCode(err, policy.CodeExceedsCeiling) {
		t.Fatalf("expected EXCEEDS_CEILING when loosening, got %v", err)
	}
	if err := s.SetInstanceLimits(ctx, renter, instanceID, Limits{MaxPerTx: big.NewInt(2), MaxPerDay: big.NewInt(5)}); err != nil {
		t.Fatalf("tighten again: %v", err)
	}

	if err := s.ResetInstanceLimits(ctx, renter, instanceID); !xerrors.HasCode(err, xerrors.CodeUnauthorized) {
		t.Fatalf("renter must not reset limits, got %v", err)
	}
	if err := s.ResetInstanceLimits(ctx, owner, instanceID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	expectVerdict(t, s, nativeCall(4), true, "")
	expectVerdict(t, s, nativeCall(11), false, ReasonExceedsPerTx)
}

func TestCommitHooksRequireGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := newSpendingLimit(t, f, 10, 15, 100)
	if err := s.OnCommit(ctx, renter, nativeCall(5)); !xerrors.HasCode(err, xerrors.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
	if err := s.InitInstance(ctx, owner, instanceID, templateID); !xerrors.HasCode(err, xerrors.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
	spent, err := s.SpentToday(ctx, instanceID)
	if err != nil || spent.Sign() != 0 {
		t.Fatalf("rejected commit must not change state, got %v %v", spent, err)
	}
}

func TestCooldownBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := NewCooldown(f.kv, f.access, f.clock, guardID)
	if err := c.SetCooldown(ctx, owner, ScopeTemplate, templateID, 60); err != nil {
		t.Fatalf("set cooldown: %v", err)
	}
	if err := c.InitInstance(ctx, guardID, instanceID, templateID); err != nil {
		t.Fatalf("init: %v", err)
	}

	expectVerdict(t, c, nativeCall(0), true, "")
	commit(t, c, nativeCall(0))

	f.clock.Advance(59 * time.Second)
	expectVerdict(t, c, nativeCall(0), false, ReasonCooldownActive)
	f.clock.Advance(time.Second)
	expectVerdict(t, c, nativeCall(0), true, "")
}

func TestCooldownInstanceFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := NewCooldown(f.kv, f.access, f.clock, guardID)
	if err := c.SetCooldown(ctx, owner, ScopeTemplate, templateID, 60); err != nil {
		t.Fatalf("set cooldown: %v", err)
	}
	if err := c.SetCooldown(ctx, renter, ScopeInstance, instanceID, 30); !xerrors.HasCode(err, policy.CodeExceedsCeiling) {
		t.Fatalf("expected EXCEEDS_CEILING, got %v", err)
	}
	if err := c.SetCooldown(ctx, renter, ScopeInstance, instanceID, 120); err != nil {
		t.Fatalf("raise cooldown: %v", err)
	}
	got, err := c.Effective(ctx, instanceID, templateID)
	if err != nil || got != 120 {
		t.Fatalf("effective cooldown: %d %v", got, err)
	}
}

func TestDeFiGuardOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := NewDeFiGuard(f.kv, f.access)
	call := allowanceCall(t, calldata.Approve, router, big.NewInt(1))

	expectVerdict(t, g, call, false, ReasonSelectorsEmpty)
	if err := g.SetAllowedSelectors(ctx, renter, true, calldata.Approve); !xerrors.HasCode(err, xerrors.CodeUnauthorized) {
		t.Fatalf("renter must not edit global selectors, got %v", err)
	}
	if err := g.SetAllowedSelectors(ctx, authority, true, calldata.Approve); err != nil {
		t.Fatalf("selectors: %v", err)
	}
	expectVerdict(t, g, allowanceCall(t, calldata.Transfer, router, big.NewInt(1)), false, ReasonSelectorNotAllowed)
	expectVerdict(t, g, call, false, ReasonTargetsEmpty)

	if err := g.SetGlobalTargets(ctx, authority, true, tokenB); err != nil {
		t.Fatalf("targets: %v", err)
	}
	expectVerdict(t, g, call, false, ReasonTargetNotAllowed)
	if err := g.SetInstanceTargets(ctx, renter, instanceID, true, tokenA); err != nil {
		t.Fatalf("instance targets: %v", err)
	}
	expectVerdict(t, g, call, true, "")

	if err := g.SetGlobalBlocked(ctx, authority, true, tokenA); err != nil {
		t.Fatalf("block: %v", err)
	}
	expectVerdict(t, g, call, false, ReasonTargetBlocked)
}

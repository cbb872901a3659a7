package calldata

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
)

var (
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	vault  = common.HexToAddress("0x000000000000000000000000000000000000fa17")
	router = common.HexToAddress("0x10ED43C718714eb63d5aA57B78B54704E256024E")
)

func encode(t *testing.T, sel Selector, args []any, packer interface {
	Pack(...any) ([]byte, error)
}) []byte {
	t.Helper()
	body, err := packer.Pack(args...)
	if err != nil {
		t.Fatalf("pack arguments: %v", err)
	}
	return append(append([]byte{}, sel[:]...), body...)
}

func TestWellKnownSelectors(t *testing.T) {
	cases := map[string]Selector{
		"0x095ea7b3": Approve,
		"0xa9059cbb": Transfer,
		"0x38ed1739": SwapExactTokensForTokens,
		"0x7ff36ab5": SwapExactETHForTokens,
		"0x23b872dd": TransferFrom,
	}
	for want, sel := range cases {
		if sel.Hex() != want {
			t.Fatalf("selector mismatch: got %s want %s", sel.Hex(), want)
		}
		parsed, err := ParseSelector(want)
		if err != nil || parsed != sel {
			t.Fatalf("parse %s: %v", want, err)
		}
	}
	if _, err := ParseSelector("0x1234"); err == nil {
		t.Fatalf("expected error for short selector")
	}
}

func TestExtractSelectorTooShort(t *testing.T) {
	_, err := ExtractSelector([]byte{0x09, 0x5e, 0xa7})
	if !xerrors.HasCode(err, CodeCalldataTooShort) {
		t.Fatalf("expected CALLDATA_TOO_SHORT, got %v", err)
	}
	if Classify(Selector{}) != KindNative {
		t.Fatalf("zero selector should classify as native")
	}
}

func TestDecodeSwapExactIn(t *testing.T) {
	data := encode(t, SwapExactTokensForTokens, []any{
		big.NewInt(1000), big.NewInt(990), []common.Address{tokenA, tokenB}, vault, big.NewInt(1_700_000_000),
	}, swapTokenArgs)

	swap, err := DecodeSwapExactIn(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if swap.AmountIn.Int64() != 1000 || swap.AmountOut.Int64() != 990 {
		t.Fatalf("unexpected amounts: %s %s", swap.AmountIn, swap.AmountOut)
	}
	if swap.To != vault || len(swap.Path) != 2 || swap.Path[1] != tokenB {
		t.Fatalf("unexpected swap %+v", swap)
	}
	if _, err := DecodeSwapExactOut(data); !xerrors.HasCode(err, CodeMalformed) {
		t.Fatalf("exact-in payload must not decode as exact-out: %v", err)
	}
}

func TestDecodeSwapExactOutTokenInput(t *testing.T) {
	data := encode(t, SwapTokensForExactTokens, []any{
		big.NewInt(50), big.NewInt(70), []common.Address{tokenA, tokenB}, vault, big.NewInt(1),
	}, swapTokenArgs)

	swap, err := DecodeSwap(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !swap.ExactOut || swap.AmountIn.Int64() != 70 || swap.AmountOut.Int64() != 50 {
		t.Fatalf("unexpected swap %+v", swap)
	}

	spend, err := EffectiveSpend(data, big.NewInt(0))
	if err != nil {
		t.Fatalf("effective spend: %v", err)
	}
	if spend.Int64() != 70 {
		t.Fatalf("exact-out spend should be amountInMax, got %s", spend)
	}
}

func TestDecodeNativeSwap(t *testing.T) {
	data := encode(t, SwapExactETHForTokens, []any{
		big.NewInt(5), []common.Address{tokenA, tokenB}, vault, big.NewInt(1),
	}, swapNativeArgs)

	swap, err := DecodeSwapExactIn(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !swap.NativeIn || swap.AmountIn != nil || swap.AmountOut.Int64() != 5 {
		t.Fatalf("unexpected swap %+v", swap)
	}
	spend, err := EffectiveSpend(data, big.NewInt(42))
	if err != nil || spend.Int64() != 42 {
		t.Fatalf("native swap spend should be msg.value, got %v %v", spend, err)
	}
}

func TestDecodeSwapRejectsTruncatedAndShortPath(t *testing.T) {
	data := encode(t, SwapExactTokensForTokens, []any{
		big.NewInt(1), big.NewInt(1), []common.Address{tokenA, tokenB}, vault, big.NewInt(1),
	}, swapTokenArgs)
	if _, err := DecodeSwapExactIn(data[:minSwapTokenIn-1]); !xerrors.HasCode(err, CodeCalldataTooShort) {
		t.Fatalf("expected CALLDATA_TOO_SHORT, got %v", err)
	}

	// A single-hop path encodes to one word less than the minimum.
	single := encode(t, SwapExactTokensForTokens, []any{
		big.NewInt(1), big.NewInt(1), []common.Address{tokenA}, vault, big.NewInt(1),
	}, swapTokenArgs)
	if _, err := DecodeSwapExactIn(single); err == nil {
		t.Fatalf("single-hop path must fail")
	}

	// Pad the single-hop payload past the length check so the path check runs.
	padded := append(append([]byte{}, single...), make([]byte, 64)...)
	if _, err := DecodeSwapExactIn(padded); !xerrors.HasCode(err, CodeMalformed) {
		t.Fatalf("expected MALFORMED_CALLDATA for one-hop path, got %v", err)
	}
}

func TestDecodeApproveFamily(t *testing.T) {
	data := encode(t, Approve, []any{router, MaxUint256}, addrAmountArgs)
	a, err := DecodeApprove(data)
	if err != nil {
		t.Fatalf("decode approve: %v", err)
	}
	if a.Spender != router || a.Amount.Cmp(MaxUint256) != 0 {
		t.Fatalf("unexpected allowance %+v", a)
	}
	if _, err := DecodeApprove(data[:minAddrAmount-1]); !xerrors.HasCode(err, CodeCalldataTooShort) {
		t.Fatalf("expected CALLDATA_TOO_SHORT, got %v", err)
	}

	permit := encode(t, Permit, []any{vault, router, big.NewInt(9), big.NewInt(1), uint8(27), [32]byte{}, [32]byte{}}, permitArgs)
	spender, err := DecodeSpender(permit)
	if err != nil || spender != router {
		t.Fatalf("permit spender: %s %v", spender.Hex(), err)
	}
	if !IsApprovalFamily(Permit) || IsApprovalFamily(Transfer) {
		t.Fatalf("unexpected approval family classification")
	}
}

func TestDecodeRepay(t *testing.T) {
	data := encode(t, Repay, []any{tokenA, big.NewInt(77), big.NewInt(2), vault}, repayArgs)
	r, err := DecodeRepay(data)
	if err != nil {
		t.Fatalf("decode repay: %v", err)
	}
	if r.Asset != tokenA || r.Amount.Int64() != 77 || r.OnBehalfOf != vault {
		t.Fatalf("unexpected repay %+v", r)
	}
	if _, err := DecodeRepay(data[:100]); !xerrors.HasCode(err, CodeCalldataTooShort) {
		t.Fatalf("expected CALLDATA_TOO_SHORT, got %v", err)
	}
	spend, err := EffectiveSpend(data, nil)
	if err != nil || spend.Sign() != 0 {
		t.Fatalf("repay should not count toward spend, got %v %v", spend, err)
	}
}

package calldata

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
)

const (
	CodeCalldataTooShort xerrors.Code = "CALLDATA_TOO_SHORT"
	CodeMalformed        xerrors.Code = "MALFORMED_CALLDATA"
)

func init() {
	xerrors.Register(CodeCalldataTooShort, xerrors.Attributes{Message: "calldata too short", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeMalformed, xerrors.Attributes{Message: "malformed calldata", Severity: xerrors.SeverityInfo})
}

// ErrTooShort builds the CALLDATA_TOO_SHORT error.
func ErrTooShort(got, want int) *xerrors.Error {
	return xerrors.Newf(CodeCalldataTooShort, "calldata too short: %d < %d bytes", got, want)
}

const word = 32

// Minimum payload sizes, selector included. Swaps need room for the static
// head, the path length word and at least two path entries.
const (
	minSwapTokenIn  = SelectorLength + 5*word + word + 2*word
	minSwapNativeIn = SelectorLength + 4*word + word + 2*word
	minAddrAmount   = SelectorLength + 2*word
	minTransferFrom = SelectorLength + 3*word
	minPermit       = SelectorLength + 7*word
	minRepay        = SelectorLength + 4*word
)

// MaxUint256 is the largest representable uint256, used by "infinite" approvals.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var (
	tUint256   = mustType("uint256")
	tAddress   = mustType("address")
	tAddresses = mustType("address[]")
	tUint8     = mustType("uint8")
	tBytes32   = mustType("bytes32")

	// (uint256 amountA, uint256 amountB, address[] path, address to, uint256 deadline)
	swapTokenArgs = abi.Arguments{{Type: tUint256}, {Type: tUint256}, {Type: tAddresses}, {Type: tAddress}, {Type: tUint256}}
	// (uint256 amount, address[] path, address to, uint256 deadline)
	swapNativeArgs = abi.Arguments{{Type: tUint256}, {Type: tAddresses}, {Type: tAddress}, {Type: tUint256}}
	addrAmountArgs = abi.Arguments{{Type: tAddress}, {Type: tUint256}}
	permitArgs     = abi.Arguments{{Type: tAddress}, {Type: tAddress}, {Type: tUint256}, {Type: tUint256}, {Type: tUint8}, {Type: tBytes32}, {Type: tBytes32}}
	repayArgs      = abi.Arguments{{Type: tAddress}, {Type: tUint256}, {Type: tUint256}, {Type: tAddress}}
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// Swap is the decoded form of a router swap.
type Swap struct {
	Selector Selector
	// AmountIn is the exact input (exact-in) or the maximum input (exact-out).
	// It is nil when the input side is the native value of the call.
	AmountIn *big.Int
	// AmountOut is the minimum output (exact-in) or the exact output (exact-out).
	AmountOut *big.Int
	Path      []common.Address
	To        common.Address
	Deadline  *big.Int
	NativeIn  bool
	ExactOut  bool
}

// Allowance is the decoded form of approve / increaseAllowance / decreaseAllowance.
type Allowance struct {
	Spender common.Address
	Amount  *big.Int
}

// PermitCall is the decoded form of an ERC-2612 permit.
type PermitCall struct {
	Owner    common.Address
	Spender  common.Address
	Value    *big.Int
	Deadline *big.Int
}

// RepayCall is the decoded form of repay(asset, amount, rateMode, onBehalfOf).
type RepayCall struct {
	Asset      common.Address
	Amount     *big.Int
	RateMode   *big.Int
	OnBehalfOf common.Address
}

// DecodeSwap dispatches to DecodeSwapExactIn or DecodeSwapExactOut.
func DecodeSwap(data []byte) (*Swap, error) {
	sel, err := ExtractSelector(data)
	if err != nil {
		return nil, err
	}
	switch Classify(sel) {
	case KindSwapExactIn:
		return DecodeSwapExactIn(data)
	case KindSwapExactOut:
		return DecodeSwapExactOut(data)
	default:
		return nil, xerrors.Newf(CodeMalformed, "selector %s is not a swap", sel.Hex())
	}
}

// DecodeSwapExactIn decodes the swapExact* family.
func DecodeSwapExactIn(data []byte) (*Swap, error) {
	sel, err := ExtractSelector(data)
	if err != nil {
		return nil, err
	}
	if Classify(sel) != KindSwapExactIn {
		return nil, xerrors.Newf(CodeMalformed, "selector %s is not an exact-input swap", sel.Hex())
	}
	return decodeSwap(sel, data, false)
}

// DecodeSwapExactOut decodes the swap*ForExact* family.
func DecodeSwapExactOut(data []byte) (*Swap, error) {
	sel, err := ExtractSelector(data)
	if err != nil {
		return nil, err
	}
	if Classify(sel) != KindSwapExactOut {
		return nil, xerrors.Newf(CodeMalformed, "selector %s is not an exact-output swap", sel.Hex())
	}
	return decodeSwap(sel, data, true)
}

func decodeSwap(sel Selector, data []byte, exactOut bool) (*Swap, error) {
	native := nativeInput[sel]
	args, minLen := swapTokenArgs, minSwapTokenIn
	if native {
		args, minLen = swapNativeArgs, minSwapNativeIn
	}
	if len(data) < minLen {
		return nil, ErrTooShort(len(data), minLen)
	}
	values, err := args.Unpack(data[SelectorLength:])
	if err != nil {
		return nil, xerrors.Wrap(CodeMalformed, err, "decode swap arguments")
	}

	swap := &Swap{Selector: sel, NativeIn: native, ExactOut: exactOut}
	if native {
		// amountOutMin (exact-in) or amountOut (exact-out); the input is msg.value.
		swap.AmountOut = values[0].(*big.Int)
		swap.Path = values[1].([]common.Address)
		swap.To = values[2].(common.Address)
		swap.Deadline = values[3].(*big.Int)
	} else if exactOut {
		swap.AmountOut = values[0].(*big.Int)
		swap.AmountIn = values[1].(*big.Int)
		swap.Path = values[2].([]common.Address)
		swap.To = values[3].(common.Address)
		swap.Deadline = values[4].(*big.Int)
	} else {
		swap.AmountIn = values[0].(*big.Int)
		swap.AmountOut = values[1].(*big.Int)
		swap.Path = values[2].([]common.Address)
		swap.To = values[3].(common.Address)
		swap.Deadline = values[4].(*big.Int)
	}
	if len(swap.Path) < 2 {
		return nil, xerrors.Newf(CodeMalformed, "swap path needs at least 2 hops, got %d", len(swap.Path))
	}
	return swap, nil
}

// DecodeApprove decodes approve, increaseAllowance and decreaseAllowance; they
// share the (address, uint256) layout.
func DecodeApprove(data []byte) (*Allowance, error) {
	sel, err := ExtractSelector(data)
	if err != nil {
		return nil, err
	}
	switch Classify(sel) {
	case KindApprove, KindIncreaseAllowance, KindDecreaseAllowance:
	default:
		return nil, xerrors.Newf(CodeMalformed, "selector %s is not an allowance call", sel.Hex())
	}
	spender, amount, err := decodeAddrAmount(data)
	if err != nil {
		return nil, err
	}
	return &Allowance{Spender: spender, Amount: amount}, nil
}

// DecodePermit decodes permit(owner, spender, value, deadline, v, r, s).
func DecodePermit(data []byte) (*PermitCall, error) {
	sel, err := ExtractSelector(data)
	if err != nil {
		return nil, err
	}
	if sel != Permit {
		return nil, xerrors.Newf(CodeMalformed, "selector %s is not permit", sel.Hex())
	}
	if len(data) < minPermit {
		return nil, ErrTooShort(len(data), minPermit)
	}
	values, err := permitArgs.Unpack(data[SelectorLength:])
	if err != nil {
		return nil, xerrors.Wrap(CodeMalformed, err, "decode permit arguments")
	}
	return &PermitCall{
		Owner:    values[0].(common.Address),
		Spender:  values[1].(common.Address),
		Value:    values[2].(*big.Int),
		Deadline: values[3].(*big.Int),
	}, nil
}

// DecodeRepay decodes repay(address asset, uint256 amount, uint256 rateMode, address onBehalfOf).
func DecodeRepay(data []byte) (*RepayCall, error) {
	sel, err := ExtractSelector(data)
	if err != nil {
		return nil, err
	}
	if sel != Repay {
		return nil, xerrors.Newf(CodeMalformed, "selector %s is not repay", sel.Hex())
	}
	if len(data) < minRepay {
		return nil, ErrTooShort(len(data), minRepay)
	}
	values, err := repayArgs.Unpack(data[SelectorLength:])
	if err != nil {
		return nil, xerrors.Wrap(CodeMalformed, err, "decode repay arguments")
	}
	return &RepayCall{
		Asset:      values[0].(common.Address),
		Amount:     values[1].(*big.Int),
		RateMode:   values[2].(*big.Int),
		OnBehalfOf: values[3].(common.Address),
	}, nil
}

// DecodeSpender returns the spender for any approval-family call, permit included.
func DecodeSpender(data []byte) (common.Address, error) {
	sel, err := ExtractSelector(data)
	if err != nil {
		return common.Address{}, err
	}
	if sel == Permit {
		p, err := DecodePermit(data)
		if err != nil {
			return common.Address{}, err
		}
		return p.Spender, nil
	}
	a, err := DecodeApprove(data)
	if err != nil {
		return common.Address{}, err
	}
	return a.Spender, nil
}

func decodeAddrAmount(data []byte) (common.Address, *big.Int, error) {
	if len(data) < minAddrAmount {
		return common.Address{}, nil, ErrTooShort(len(data), minAddrAmount)
	}
	values, err := addrAmountArgs.Unpack(data[SelectorLength:minAddrAmount])
	if err != nil {
		return common.Address{}, nil, xerrors.Wrap(CodeMalformed, err, "decode (address,uint256)")
	}
	return values[0].(common.Address), values[1].(*big.Int), nil
}

// EffectiveSpend returns the amount an action moves out of the vault as seen
// by spending limits: the decoded swap input for token-input swaps, otherwise
// the native value. Repays, approvals and unknown selectors count their native
// value only.
func EffectiveSpend(data []byte, value *big.Int) (*big.Int, error) {
	native := new(big.Int)
	if value != nil {
		native.Set(value)
	}
	if len(data) == 0 {
		return native, nil
	}
	sel, err := ExtractSelector(data)
	if err != nil {
		return nil, err
	}
	if !IsSwap(sel) {
		return native, nil
	}
	swap, err := DecodeSwap(data)
	if err != nil {
		return nil, err
	}
	if swap.NativeIn {
		return native, nil
	}
	return new(big.Int).Set(swap.AmountIn), nil
}

// Package calldata decodes the action payloads the guard needs to bound:
// router swaps, ERC-20 approval family calls, transfers and lending repays.
// Every decoder checks a minimum length before touching the payload so that
// truncated or adversarial input fails cleanly.
package calldata

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
)

// SelectorLength is the size of a function discriminator.
const SelectorLength = 4

// Selector is the first four bytes of keccak256(signature).
type Selector [SelectorLength]byte

// Hex renders the selector as 0x-prefixed lowercase hex.
func (s Selector) Hex() string {
	return "0x" + hex.EncodeToString(s[:])
}

func (s Selector) String() string { return s.Hex() }

// IsZero reports whether s is the empty selector used for plain native transfers.
func (s Selector) IsZero() bool { return s == Selector{} }

// MarshalText implements encoding.TextMarshaler.
func (s Selector) MarshalText() ([]byte, error) {
	return []byte(s.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Selector) UnmarshalText(text []byte) error {
	parsed, err := ParseSelector(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// SelectorOf hashes a canonical signature such as "approve(address,uint256)".
func SelectorOf(signature string) Selector {
	var sel Selector
	copy(sel[:], crypto.Keccak256([]byte(signature))[:SelectorLength])
	return sel
}

// ParseSelector accepts either a 0x-prefixed 4-byte hex string or a canonical
// function signature.
func ParseSelector(raw string) (Selector, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "(") {
		return SelectorOf(raw), nil
	}
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != SelectorLength {
		return Selector{}, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid selector %q", raw)
	}
	var sel Selector
	copy(sel[:], decoded)
	return sel, nil
}

// ExtractSelector returns the discriminator of data. Payloads shorter than
// four bytes fail with CALLDATA_TOO_SHORT.
func ExtractSelector(data []byte) (Selector, error) {
	if len(data) < SelectorLength {
		return Selector{}, ErrTooShort(len(data), SelectorLength)
	}
	var sel Selector
	copy(sel[:], data[:SelectorLength])
	return sel, nil
}

// Known selectors.
var (
	SwapExactTokensForTokens        = SelectorOf("swapExactTokensForTokens(uint256,uint256,address[],address,uint256)")
	SwapExactTokensForTokensFeeOnTx = SelectorOf("swapExactTokensForTokensSupportingFeeOnTransferTokens(uint256,uint256,address[],address,uint256)")
	SwapExactTokensForETH           = SelectorOf("swapExactTokensForETH(uint256,uint256,address[],address,uint256)")
	SwapExactTokensForETHFeeOnTx    = SelectorOf("swapExactTokensForETHSupportingFeeOnTransferTokens(uint256,uint256,address[],address,uint256)")
	SwapExactETHForTokens           = SelectorOf("swapExactETHForTokens(uint256,address[],address,uint256)")
	SwapExactETHForTokensFeeOnTx    = SelectorOf("swapExactETHForTokensSupportingFeeOnTransferTokens(uint256,address[],address,uint256)")
	SwapTokensForExactTokens        = SelectorOf("swapTokensForExactTokens(uint256,uint256,address[],address,uint256)")
	SwapTokensForExactETH           = SelectorOf("swapTokensForExactETH(uint256,uint256,address[],address,uint256)")
	SwapETHForExactTokens           = SelectorOf("swapETHForExactTokens(uint256,address[],address,uint256)")
	Approve                         = SelectorOf("approve(address,uint256)")
	IncreaseAllowance               = SelectorOf("increaseAllowance(address,uint256)")
	DecreaseAllowance               = SelectorOf("decreaseAllowance(address,uint256)")
	Permit                          = SelectorOf("permit(address,address,uint256,uint256,uint8,bytes32,bytes32)")
	Transfer                        = SelectorOf("transfer(address,uint256)")
	TransferFrom                    = SelectorOf("transferFrom(address,address,uint256)")
	Repay                           = SelectorOf("repay(address,uint256,uint256,address)")
)

// Kind groups selectors by how the guard treats them.
type Kind int

const (
	KindUnknown Kind = iota
	KindNative
	KindSwapExactIn
	KindSwapExactOut
	KindApprove
	KindIncreaseAllowance
	KindDecreaseAllowance
	KindPermit
	KindTransfer
	KindRepay
)

var kinds = map[Selector]Kind{
	SwapExactTokensForTokens:        KindSwapExactIn,
	SwapExactTokensForTokensFeeOnTx: KindSwapExactIn,
	SwapExactTokensForETH:           KindSwapExactIn,
	SwapExactTokensForETHFeeOnTx:    KindSwapExactIn,
	SwapExactETHForTokens:           KindSwapExactIn,
	SwapExactETHForTokensFeeOnTx:    KindSwapExactIn,
	SwapTokensForExactTokens:        KindSwapExactOut,
	SwapTokensForExactETH:           KindSwapExactOut,
	SwapETHForExactTokens:           KindSwapExactOut,
	Approve:                         KindApprove,
	IncreaseAllowance:               KindIncreaseAllowance,
	DecreaseAllowance:               KindDecreaseAllowance,
	Permit:                          KindPermit,
	Transfer:                        KindTransfer,
	TransferFrom:                    KindTransfer,
	Repay:                           KindRepay,
}

// Classify maps a selector to its Kind. The zero selector is a native transfer.
func Classify(sel Selector) Kind {
	if sel.IsZero() {
		return KindNative
	}
	return kinds[sel]
}

// IsSwap reports whether sel is one of the recognised router swaps.
func IsSwap(sel Selector) bool {
	k := Classify(sel)
	return k == KindSwapExactIn || k == KindSwapExactOut
}

// IsApprovalFamily reports whether sel grants, raises or lowers an allowance.
func IsApprovalFamily(sel Selector) bool {
	switch Classify(sel) {
	case KindApprove, KindIncreaseAllowance, KindDecreaseAllowance, KindPermit:
		return true
	default:
		return false
	}
}

// IsTransfer reports whether sel moves tokens directly out of the vault.
func IsTransfer(sel Selector) bool {
	return Classify(sel) == KindTransfer
}

// nativeInput lists the swaps whose input side is msg.value.
var nativeInput = map[Selector]bool{
	SwapExactETHForTokens:        true,
	SwapExactETHForTokensFeeOnTx: true,
	SwapETHForExactTokens:        true,
}

package plugin

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kledx/shll-sub001/internal/calldata"
)

// Type is the stable identifier of a policy implementation. Migration and
// hot-swap tooling keys on it, so values never change once shipped.
type Type string

const (
	TypeReceiverGuard  Type = "receiver_guard"
	TypeTokenWhitelist Type = "token_whitelist"
	TypeDexWhitelist   Type = "dex_whitelist"
	TypeSpendingLimit  Type = "spending_limit"
	TypeCooldown       Type = "cooldown"
	TypeDeFiGuard      Type = "defi_guard"
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        Type   `json:"type"`
}

// Call is everything a policy may inspect about a proposed action.
type Call struct {
	Instance uint64
	Template uint64
	Vault    common.Address
	Caller   common.Address
	Target   common.Address
	Selector calldata.Selector
	Data     []byte
	Value    *big.Int
}

// NativeValue returns the call value, treating nil as zero.
func (c Call) NativeValue() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}

// Verdict is the outcome of a policy check. A rejection is a normal result,
// not an error; Reason is always non-empty when Allowed is false.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow is the passing verdict.
func Allow() Verdict { return Verdict{Allowed: true} }

// Reject builds a failing verdict with a stable reason.
func Reject(reason string) Verdict {
	if reason == "" {
		reason = "Rejected"
	}
	return Verdict{Allowed: false, Reason: reason}
}

package plugins

import (
	"context"

	"github.com/kledx/shll-sub001/internal/calldata"
	"github.com/kledx/shll-sub001/pkg/plugin"
)

// ReceiverGuard 要求资产回流到实例自身的 vault。
type ReceiverGuard struct{}

// NewReceiverGuard 创建 ReceiverGuard。
func NewReceiverGuard() *ReceiverGuard { return &ReceiverGuard{} }

// Info 实现 plugin.Policy。
func (*ReceiverGuard) Info() plugin.Info {
	return plugin.Info{Name: "Receiver Guard", Description: "swap output and native transfers must return to the vault"}
}

// PolicyType 实现 plugin.Policy。
func (*ReceiverGuard) PolicyType() plugin.Type { return plugin.TypeReceiverGuard }

// RenterConfigurable 实现 plugin.Policy。租用者不能移除。
func (*ReceiverGuard) RenterConfigurable() bool { return false }

// Check 实现 plugin.Policy。
func (*ReceiverGuard) Check(_ context.Context, call plugin.Call) (plugin.Verdict, error) {
	if len(call.Data) == 0 {
		if call.NativeValue().Sign() > 0 && call.Target != call.Vault {
			return plugin.Reject(ReasonNativeNotVault), nil
		}
		return plugin.Allow(), nil
	}

	switch {
	case calldata.IsSwap(call.Selector):
		swap, err := calldata.DecodeSwap(call.Data)
		if err != nil {
			return decodeVerdict(err)
		}
		if swap.To != call.Vault {
			return plugin.Reject(ReasonReceiverNotVault), nil
		}
	case call.Selector == calldata.Repay:
		repay, err := calldata.DecodeRepay(call.Data)
		if err != nil {
			return decodeVerdict(err)
		}
		if repay.OnBehalfOf != call.Vault {
			return plugin.Reject(ReasonRepayNotVault), nil
		}
	}
	return plugin.Allow(), nil
}

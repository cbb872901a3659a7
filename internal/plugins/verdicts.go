package plugins

import (
	"github.com/kledx/shll-sub001/internal/calldata"
	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/pkg/plugin"
)

// 拒绝原因是对外契约的一部分，修改前需同步调用方。
const (
	ReasonCalldataTooShort   = "Calldata too short"
	ReasonMalformedCalldata  = "Malformed calldata"
	ReasonReceiverNotVault   = "Receiver must be vault"
	ReasonNativeNotVault     = "Native transfer must target vault"
	ReasonRepayNotVault      = "Repay must be on behalf of vault"
	ReasonTokenBlocked       = "Token blocked"
	ReasonTokenNotAllowed    = "Token not allowed"
	ReasonDexNotConfigured   = "DEX whitelist not configured"
	ReasonDexBlocked         = "DEX blocked"
	ReasonDexNotAllowed      = "DEX not allowed"
	ReasonTransferNotAllowed = "Direct transfers not allowed"
	ReasonPermitNotAllowed   = "Permit not allowed"
	ReasonIncreaseNotAllowed = "increaseAllowance not allowed"
	ReasonSpenderNotApproved = "Spender not approved"
	ReasonInfiniteApproval   = "Infinite approval not allowed"
	ReasonApprovalExceeds    = "Approval exceeds limit"
	ReasonLimitNotConfigured = "Spending limit not configured"
	ReasonExceedsPerTx       = "Exceeds per-transaction limit"
	ReasonDailyLimitReached  = "Daily limit reached"
	ReasonCooldownActive     = "Cooldown active"
	ReasonTargetBlocked      = "Target globally blocked"
	ReasonSelectorsEmpty     = "No selectors allowed"
	ReasonSelectorNotAllowed = "Selector not allowed"
	ReasonTargetsEmpty       = "No targets allowed"
	ReasonTargetNotAllowed   = "Target not allowed"
)

// decodeVerdict 将解码错误转为拒绝；其他错误原样返回。
func decodeVerdict(err error) (plugin.Verdict, error) {
	switch xerrors.CodeOf(err) {
	case calldata.CodeCalldataTooShort:
		return plugin.Reject(ReasonCalldataTooShort), nil
	case calldata.CodeMalformed:
		return plugin.Reject(ReasonMalformedCalldata), nil
	default:
		return plugin.Verdict{}, err
	}
}

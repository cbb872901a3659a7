package guard

import xerrors "github.com/kledx/shll-sub001/internal/errors"

const (
	CodeNotInstance  xerrors.Code = "NOT_INSTANCE"
	CodeAlreadyBound xerrors.Code = "ALREADY_BOUND"
	CodeNotBound     xerrors.Code = "NOT_BOUND"
)

func init() {
	xerrors.Register(CodeNotInstance, xerrors.Attributes{Message: "agent is not an instance", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAlreadyBound, xerrors.Attributes{Message: "instance already bound", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeNotBound, xerrors.Attributes{Message: "agent has no bound policy", Severity: xerrors.SeverityInfo})
}

// 拒绝原因。
const (
	ReasonTargetBlocked      = "Target blocked"
	ReasonPolicyNotBound     = "Policy not bound"
	ReasonActionNotAllowed   = "Action not allowed by policy"
	ReasonNotOwnerOrOperator = "Caller not owner or operator"
	ReasonCalldataTooShort   = "Calldata too short"
	ReasonMalformedCalldata  = "Malformed calldata"
	ReasonReceiverNotVault   = "Receiver must be vault"
	ReasonTokenNotInGroup    = "Token not in allowed group"
	ReasonDexNotInGroup      = "DEX not in allowed group"
	ReasonNotApproval        = "Not an approval"
	ReasonIncreaseNotAllowed = "increaseAllowance not allowed"
	ReasonPermitNotAllowed   = "Permit not allowed"
	ReasonInfiniteApproval   = "Infinite approval not allowed"
	ReasonApprovalExceeds    = "Approval exceeds limit"
	ReasonExceedsTradeLimit  = "Exceeds max trade limit"
	ReasonDailyLimitReached  = "Daily limit reached"
)

package api

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/guard"
	"github.com/kledx/shll-sub001/internal/policy"
	"github.com/kledx/shll-sub001/internal/registry"
)

// ActionDTO 是 guard.Action 的传输形式。
type ActionDTO struct {
	Target string `json:"target"`
	Value  string `json:"value,omitempty"`
	Data   string `json:"data,omitempty"`
}

// ValidateRequest 对应 POST /api/v1/validate。
type ValidateRequest struct {
	NFA      string    `json:"nfa,omitempty"`
	Instance uint64    `json:"instance"`
	Vault    string    `json:"vault"`
	Caller   string    `json:"caller"`
	Action   ActionDTO `json:"action"`
}

// ValidateResponse 是校验结果。拒绝同样返回 200。
type ValidateResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// CommitRequest 对应 POST /api/v1/commit，请求体原文即签名内容。
type CommitRequest struct {
	Instance uint64    `json:"instance"`
	Action   ActionDTO `json:"action"`
	// IssuedAt 是签名时的 unix 秒，超出服务端窗口的请求被拒绝。
	IssuedAt int64 `json:"issued_at"`
}

// CommitResponse 是提交结果。
type CommitResponse struct {
	Committed bool   `json:"committed"`
	Relay     string `json:"relay"`
}

// SpendResponse 是 GET /api/v1/spend 的结果。
type SpendResponse struct {
	Instance uint64 `json:"instance"`
	Day      uint32 `json:"day"`
	Spent    string `json:"spent"`
}

// ParamsDTO 是 policy.InstanceParams 的传输形式。
type ParamsDTO struct {
	MaxSlippageBps uint32             `json:"max_slippage_bps"`
	MaxTradeLimit  string             `json:"max_trade_limit"`
	MaxDailyLimit  string             `json:"max_daily_limit"`
	ApprovalLimit  string             `json:"approval_limit"`
	TokenGroups    []registry.GroupID `json:"token_groups"`
	DexGroups      []registry.GroupID `json:"dex_groups"`
}

// BindingResponse 是 GET /api/v1/bindings/{id} 的结果。
type BindingResponse struct {
	Agent    uint64    `json:"agent"`
	PolicyID uint32    `json:"policy_id"`
	Version  uint16    `json:"version"`
	Mode     string    `json:"mode"`
	Template uint64    `json:"template,omitempty"`
	BoundAt  int64     `json:"bound_at"`
	Params   ParamsDTO `json:"params"`
}

// ErrorBody 是错误响应中的 error 字段。
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error ErrorBody `json:"error"`
}

func parseAddress(field, raw string, required bool) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return common.Address{}, xerrors.Newf(xerrors.CodeInvalidArgument, "%s is required", field)
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.Newf(xerrors.CodeInvalidArgument, "%s is not an address: %q", field, raw)
	}
	return common.HexToAddress(raw), nil
}

// parseAmount 接受十进制或 0x 前缀十六进制，空串视为 nil。
func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 0)
	if !ok || v.Sign() < 0 {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "%s is not a non-negative integer: %q", field, raw)
	}
	return v, nil
}

func (a ActionDTO) toAction() (guard.Action, error) {
	target, err := parseAddress("action.target", a.Target, true)
	if err != nil {
		return guard.Action{}, err
	}
	value, err := parseAmount("action.value", a.Value)
	if err != nil {
		return guard.Action{}, err
	}
	var data []byte
	if raw := strings.TrimSpace(a.Data); raw != "" {
		if data, err = hexutil.Decode(raw); err != nil {
			return guard.Action{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "action.data is not 0x-prefixed hex")
		}
	}
	return guard.Action{Target: target, Value: value, Data: data}, nil
}

func toBindingResponse(id uint64, b *guard.Binding) BindingResponse {
	return BindingResponse{
		Agent:    id,
		PolicyID: b.Ref.PolicyID,
		Version:  b.Ref.Version,
		Mode:     b.Mode.String(),
		Template: b.Template,
		BoundAt:  b.BoundAt,
		Params: ParamsDTO{
			MaxSlippageBps: b.Params.MaxSlippageBps,
			MaxTradeLimit:  policy.Amount(b.Params.MaxTradeLimit).String(),
			MaxDailyLimit:  policy.Amount(b.Params.MaxDailyLimit).String(),
			ApprovalLimit:  policy.Amount(b.Params.ApprovalLimit).String(),
			TokenGroups:    b.Params.TokenGroups,
			DexGroups:      b.Params.DexGroups,
		},
	}
}

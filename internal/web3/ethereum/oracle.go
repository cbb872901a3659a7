// Package ethereum reads agent ownership and rental state from the rental
// token contract through any go-ethereum ContractCaller.
package ethereum

import (
	"context"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/web3"
)

// NFAABI covers the view functions the guard needs from the rental token.
const NFAABI = `[
  {"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"userOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"isInstance","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"templateOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// Oracle implements web3.Oracle with eth_call against the NFA contract.
type Oracle struct {
	caller   gethcore.ContractCaller
	contract common.Address
	abi      abi.ABI
	closer   func()
}

var _ web3.Oracle = (*Oracle)(nil)

// NewOracle wraps an existing caller such as *ethclient.Client.
func NewOracle(caller gethcore.ContractCaller, contract common.Address) (*Oracle, error) {
	if caller == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "contract caller is nil")
	}
	if contract == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置 NFA 合约地址")
	}
	parsed, err := abi.JSON(strings.NewReader(NFAABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析 NFA ABI 失败")
	}
	return &Oracle{caller: caller, contract: contract, abi: parsed}, nil
}

// Dial connects to rpcURL and returns an oracle that owns the connection.
func Dial(ctx context.Context, rpcURL string, contract common.Address) (*Oracle, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "连接以太坊节点失败")
	}
	oracle, err := NewOracle(client, contract)
	if err != nil {
		client.Close()
		return nil, err
	}
	oracle.closer = client.Close
	return oracle, nil
}

// Close releases the RPC connection when the oracle owns it.
func (o *Oracle) Close() {
	if o != nil && o.closer != nil {
		o.closer()
		o.closer = nil
	}
}

func (o *Oracle) call(ctx context.Context, method string, id uint64) (any, error) {
	input, err := o.abi.Pack(method, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode "+method)
	}
	output, err := o.caller.CallContract(ctx, gethcore.CallMsg{To: &o.contract, Data: input}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, method+" 调用失败")
	}
	values, err := o.abi.Unpack(method, output)
	if err != nil || len(values) != 1 {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "decode "+method)
	}
	return values[0], nil
}

func (o *Oracle) address(ctx context.Context, method string, id uint64) (common.Address, error) {
	v, err := o.call(ctx, method, id)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := v.(common.Address)
	if !ok {
		return common.Address{}, xerrors.Newf(xerrors.CodeUpstreamFailure, "%s returned %T", method, v)
	}
	return addr, nil
}

// OperatorOf returns the current renter (ERC-4907 userOf).
func (o *Oracle) OperatorOf(ctx context.Context, id uint64) (common.Address, error) {
	return o.address(ctx, "userOf", id)
}

// OwnerOf returns the token owner.
func (o *Oracle) OwnerOf(ctx context.Context, id uint64) (common.Address, error) {
	return o.address(ctx, "ownerOf", id)
}

// IsInstance reports whether id was minted from a template.
func (o *Oracle) IsInstance(ctx context.Context, id uint64) (bool, error) {
	v, err := o.call(ctx, "isInstance", id)
	if err != nil {
		return false, err
	}
	flag, ok := v.(bool)
	if !ok {
		return false, xerrors.Newf(xerrors.CodeUpstreamFailure, "isInstance returned %T", v)
	}
	return flag, nil
}

// TemplateOf returns the template id an instance was bound from.
func (o *Oracle) TemplateOf(ctx context.Context, id uint64) (uint64, error) {
	v, err := o.call(ctx, "templateOf", id)
	if err != nil {
		return 0, err
	}
	n, ok := v.(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, xerrors.Newf(xerrors.CodeUpstreamFailure, "templateOf returned %v", v)
	}
	return n.Uint64(), nil
}

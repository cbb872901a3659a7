package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/web3"
)

type token struct {
	owner, user common.Address
	instance    bool
	template    uint64
}

// fakeCaller answers eth_call by decoding the request with the same ABI.
type fakeCaller struct {
	abi      abi.ABI
	contract common.Address
	tokens   map[uint64]token
	fail     bool
}

func newFakeCaller(t *testing.T, contract common.Address) *fakeCaller {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(NFAABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return &fakeCaller{abi: parsed, contract: contract, tokens: map[uint64]token{}}
}

func (f *fakeCaller) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	if f.fail {
		return nil, errors.New("rpc unavailable")
	}
	if msg.To == nil || *msg.To != f.contract {
		return nil, fmt.Errorf("unexpected contract %v", msg.To)
	}
	method, err := f.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	tok := f.tokens[args[0].(*big.Int).Uint64()]
	switch method.Name {
	case "ownerOf":
		return method.Outputs.Pack(tok.owner)
	case "userOf":
		return method.Outputs.Pack(tok.user)
	case "isInstance":
		return method.Outputs.Pack(tok.instance)
	default:
		return method.Outputs.Pack(new(big.Int).SetUint64(tok.template))
	}
}

func TestOracleReadsContract(t *testing.T) {
	ctx := context.Background()
	contract := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	owner := common.HexToAddress("0x0000000000000000000000000000000000000011")
	renter := common.HexToAddress("0x0000000000000000000000000000000000000022")

	caller := newFakeCaller(t, contract)
	caller.tokens[7] = token{owner: owner, user: renter, instance: true, template: 1}
	caller.tokens[1] = token{owner: owner}

	oracle, err := NewOracle(caller, contract)
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	if got, _ := oracle.OwnerOf(ctx, 7); got != owner {
		t.Fatalf("unexpected owner %s", got.Hex())
	}
	if got, _ := oracle.OperatorOf(ctx, 7); got != renter {
		t.Fatalf("unexpected operator %s", got.Hex())
	}
	if ok, _ := oracle.IsInstance(ctx, 7); !ok {
		t.Fatalf("7 should be an instance")
	}
	if ok, _ := oracle.IsInstance(ctx, 1); ok {
		t.Fatalf("1 is a template")
	}
	if tpl, _ := oracle.TemplateOf(ctx, 7); tpl != 1 {
		t.Fatalf("unexpected template %d", tpl)
	}
	ctrl, err := web3.Controller(ctx, oracle, 1)
	if err != nil || ctrl != owner {
		t.Fatalf("unrented template is controlled by owner: %s %v", ctrl.Hex(), err)
	}

	caller.fail = true
	if _, err := oracle.OwnerOf(ctx, 7); !xerrors.HasCode(err, xerrors.CodeUpstreamFailure) {
		t.Fatalf("expected UPSTREAM_FAILURE, got %v", err)
	}
}

func TestNewOracleValidates(t *testing.T) {
	if _, err := NewOracle(nil, common.Address{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	if _, err := Dial(context.Background(), " ", common.Address{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

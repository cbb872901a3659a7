package plugins

import (
	"context"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/web3"
)

// Scope 区分模板级与实例级配置。
type Scope string

const (
	ScopeTemplate Scope = "template"
	ScopeInstance Scope = "instance"
)

func (s Scope) valid() bool { return s == ScopeTemplate || s == ScopeInstance }

// Access 校验配置接口的调用者。
// 模板级：authority 或模板所有者；实例级：实例控制者（租用者，未出租时为所有者）。
type Access struct {
	Oracle    web3.Oracle
	Authority common.Address
}

// Require 校验 caller 是否可以修改 scope 下 id 的配置。
func (a Access) Require(ctx context.Context, caller common.Address, scope Scope, id uint64) error {
	switch scope {
	case ScopeTemplate:
		if caller == a.Authority {
			return nil
		}
		owner, err := a.Oracle.OwnerOf(ctx, id)
		if err != nil {
			return err
		}
		if owner == caller {
			return nil
		}
		return xerrors.Newf(xerrors.CodeUnauthorized, "%s cannot configure template %d", caller.Hex(), id)
	case ScopeInstance:
		ctrl, err := web3.Controller(ctx, a.Oracle, id)
		if err != nil {
			return err
		}
		if ctrl == caller {
			return nil
		}
		return xerrors.Newf(xerrors.CodeUnauthorized, "%s does not control instance %d", caller.Hex(), id)
	default:
		return xerrors.Newf(xerrors.CodeInvalidArgument, "unknown scope %q", scope)
	}
}

// RequireAuthority 校验 caller 为全局管理身份。
func (a Access) RequireAuthority(caller common.Address) error {
	if caller != a.Authority {
		return xerrors.Newf(xerrors.CodeUnauthorized, "%s is not the authority", caller.Hex())
	}
	return nil
}

func idString(id uint64) string { return strconv.FormatUint(id, 10) }

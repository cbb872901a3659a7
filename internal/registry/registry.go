package registry

import (
	"context"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kledx/shll-sub001/internal/storage"
)

// GroupID 标识一个命名的 token 或 DEX 分组。
type GroupID uint32

// Registry 管理分组成员与全局阻止名单。
type Registry struct {
	kv storage.KV
}

// New 创建 Registry。
func New(kv storage.KV) *Registry {
	return &Registry{kv: kv}
}

// Group 返回分组 id 对应的地址集合。
func (r *Registry) Group(id GroupID) *AddressSet {
	return NewAddressSet(r.kv, "group", strconv.FormatUint(uint64(id), 10))
}

// SetGroupMembers 设置分组成员的布尔状态。
func (r *Registry) SetGroupMembers(ctx context.Context, id GroupID, member bool, addrs ...common.Address) error {
	if member {
		return r.Group(id).Add(ctx, addrs...)
	}
	return r.Group(id).Remove(ctx, addrs...)
}

// InAnyGroup 判断地址是否属于 groups 中的任意一个分组。groups 为空时返回 false。
func (r *Registry) InAnyGroup(ctx context.Context, groups []GroupID, addr common.Address) (bool, error) {
	for _, id := range groups {
		ok, err := r.Group(id).Contains(ctx, addr)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Blocklist 返回全局目标阻止名单，在所有检查之前生效。
func (r *Registry) Blocklist() *AddressSet {
	return NewAddressSet(r.kv, "global", "blocked")
}

// SetBlocked 设置全局阻止状态。
func (r *Registry) SetBlocked(ctx context.Context, blocked bool, addrs ...common.Address) error {
	if blocked {
		return r.Blocklist().Add(ctx, addrs...)
	}
	return r.Blocklist().Remove(ctx, addrs...)
}

// IsBlocked 判断地址是否被全局阻止。
func (r *Registry) IsBlocked(ctx context.Context, addr common.Address) (bool, error) {
	return r.Blocklist().Contains(ctx, addr)
}

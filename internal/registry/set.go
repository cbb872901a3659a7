// Package registry holds the membership sets the guard consults: named token
// and DEX groups, the global target block-list, and the generic address and
// selector sets plugins build their allow/block lists from.
//
// A set that has never held a member is "unconfigured". Each consumer decides
// whether an unconfigured set allows everything or nothing.
package registry

import (
	"context"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kledx/shll-sub001/internal/calldata"
	"github.com/kledx/shll-sub001/internal/storage"
)

type setDocument struct {
	Members []string `json:"members"`
}

// stringSet 以单个 JSON 文档保存有序成员列表。
type stringSet struct {
	kv  storage.KV
	key string
}

func (s stringSet) load(ctx context.Context) (map[string]struct{}, error) {
	var doc setDocument
	if _, err := storage.GetJSON(ctx, s.kv, s.key, &doc); err != nil {
		return nil, err
	}
	members := make(map[string]struct{}, len(doc.Members))
	for _, m := range doc.Members {
		members[m] = struct{}{}
	}
	return members, nil
}

func (s stringSet) save(ctx context.Context, members map[string]struct{}) error {
	if len(members) == 0 {
		return s.kv.Delete(ctx, s.key)
	}
	doc := setDocument{Members: make([]string, 0, len(members))}
	for m := range members {
		doc.Members = append(doc.Members, m)
	}
	sort.Strings(doc.Members)
	return storage.PutJSON(ctx, s.kv, s.key, doc)
}

func (s stringSet) update(ctx context.Context, add bool, values []string) error {
	members, err := s.load(ctx)
	if err != nil {
		return err
	}
	for _, v := range values {
		if add {
			members[v] = struct{}{}
		} else {
			delete(members, v)
		}
	}
	return s.save(ctx, members)
}

func (s stringSet) contains(ctx context.Context, value string) (bool, error) {
	members, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	_, ok := members[value]
	return ok, nil
}

func (s stringSet) list(ctx context.Context) ([]string, error) {
	var doc setDocument
	if _, err := storage.GetJSON(ctx, s.kv, s.key, &doc); err != nil {
		return nil, err
	}
	return doc.Members, nil
}

// AddressSet 是持久化的地址集合。
type AddressSet struct{ set stringSet }

// NewAddressSet 创建以 parts 拼接为键的地址集合。
func NewAddressSet(kv storage.KV, parts ...string) *AddressSet {
	return &AddressSet{set: stringSet{kv: kv, key: storage.Key(append([]string{"set"}, parts...)...)}}
}

func addrKey(a common.Address) string { return strings.ToLower(a.Hex()) }

func addrKeys(addrs []common.Address) []string {
	keys := make([]string, len(addrs))
	for i, a := range addrs {
		keys[i] = addrKey(a)
	}
	return keys
}

// Add 加入地址。
func (s *AddressSet) Add(ctx context.Context, addrs ...common.Address) error {
	return s.set.update(ctx, true, addrKeys(addrs))
}

// Remove 移除地址。
func (s *AddressSet) Remove(ctx context.Context, addrs ...common.Address) error {
	return s.set.update(ctx, false, addrKeys(addrs))
}

// Contains 判断地址是否在集合中。
func (s *AddressSet) Contains(ctx context.Context, a common.Address) (bool, error) {
	return s.set.contains(ctx, addrKey(a))
}

// Members 返回按字典序排列的成员。
func (s *AddressSet) Members(ctx context.Context) ([]common.Address, error) {
	raw, err := s.set.list(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]common.Address, len(raw))
	for i, r := range raw {
		out[i] = common.HexToAddress(r)
	}
	return out, nil
}

// Configured 报告集合是否至少有一个成员。
func (s *AddressSet) Configured(ctx context.Context) (bool, error) {
	raw, err := s.set.list(ctx)
	return len(raw) > 0, err
}

// SelectorSet 是持久化的函数选择器集合。
type SelectorSet struct{ set stringSet }

// NewSelectorSet 创建以 parts 拼接为键的选择器集合。
func NewSelectorSet(kv storage.KV, parts ...string) *SelectorSet {
	return &SelectorSet{set: stringSet{kv: kv, key: storage.Key(append([]string{"selectors"}, parts...)...)}}
}

func selectorKeys(sels []calldata.Selector) []string {
	keys := make([]string, len(sels))
	for i, s := range sels {
		keys[i] = s.Hex()
	}
	return keys
}

// Add 加入选择器。
func (s *SelectorSet) Add(ctx context.Context, sels ...calldata.Selector) error {
	return s.set.update(ctx, true, selectorKeys(sels))
}

// Remove 移除选择器。
func (s *SelectorSet) Remove(ctx context.Context, sels ...calldata.Selector) error {
	return s.set.update(ctx, false, selectorKeys(sels))
}

// Contains 判断选择器是否在集合中。
func (s *SelectorSet) Contains(ctx context.Context, sel calldata.Selector) (bool, error) {
	return s.set.contains(ctx, sel.Hex())
}

// Configured 报告集合是否至少有一个成员。
func (s *SelectorSet) Configured(ctx context.Context) (bool, error) {
	raw, err := s.set.list(ctx)
	return len(raw) > 0, err
}

package policy

import (
	"context"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kledx/shll-sub001/internal/calldata"
	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/storage"
	"github.com/kledx/shll-sub001/pkg/logger"
)

// Info 是策略的元数据：已发布的版本数与冻结状态。
type Info struct {
	ID       uint32          `json:"id"`
	Versions uint16          `json:"versions"`
	Frozen   map[uint16]bool `json:"frozen,omitempty"`
}

// Service 管理策略、版本、schema 与 action rule。只有 authority 可以修改。
type Service struct {
	kv        storage.KV
	authority common.Address
}

// NewService 创建策略服务。
func NewService(kv storage.KV, authority common.Address) *Service {
	return &Service{kv: kv, authority: authority}
}

// Authority 返回管理身份。
func (s *Service) Authority() common.Address { return s.authority }

// RequireAuthority 校验调用者为管理身份。
func (s *Service) RequireAuthority(caller common.Address) error {
	if caller != s.authority {
		return xerrors.Newf(xerrors.CodeUnauthorized, "%s is not the policy authority", caller.Hex())
	}
	return nil
}

func infoKey(id uint32) string { return storage.Key("policy", strconv.FormatUint(uint64(id), 10)) }

func schemaKey(ref Ref) string {
	return storage.Key("schema", strconv.FormatUint(uint64(ref.PolicyID), 10), strconv.FormatUint(uint64(ref.Version), 10))
}

func ruleKey(ref Ref, target common.Address, sel calldata.Selector) string {
	return storage.Key("rule", strconv.FormatUint(uint64(ref.PolicyID), 10), strconv.FormatUint(uint64(ref.Version), 10),
		strings.ToLower(target.Hex()), sel.Hex())
}

// CreatePolicy 注册新的策略 id，尚无版本。
func (s *Service) CreatePolicy(ctx context.Context, caller common.Address, id uint32) error {
	if err := s.RequireAuthority(caller); err != nil {
		return err
	}
	var existing Info
	found, err := storage.GetJSON(ctx, s.kv, infoKey(id), &existing)
	if err != nil {
		return err
	}
	if found {
		return xerrors.Newf(xerrors.CodeConflict, "policy %d already exists", id)
	}
	if err := storage.PutJSON(ctx, s.kv, infoKey(id), Info{ID: id}); err != nil {
		return err
	}
	logger.Audit().Info("策略已创建", "policy_id", id)
	return nil
}

// Info 返回策略元数据。
func (s *Service) Info(ctx context.Context, id uint32) (*Info, error) {
	var info Info
	found, err := storage.GetJSON(ctx, s.kv, infoKey(id), &info)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, xerrors.Newf(CodePolicyNotFound, "policy %d not found", id)
	}
	return &info, nil
}

// PublishVersion 追加一个新版本并写入其 schema。版本号只增不减。
func (s *Service) PublishVersion(ctx context.Context, caller common.Address, id uint32, schema Schema) (Ref, error) {
	if err := s.RequireAuthority(caller); err != nil {
		return Ref{}, err
	}
	if err := schema.Check(); err != nil {
		return Ref{}, err
	}
	info, err := s.Info(ctx, id)
	if err != nil {
		return Ref{}, err
	}
	if info.Versions == ^uint16(0) {
		return Ref{}, xerrors.Newf(CodeInvalidParams, "policy %d has no versions left", id)
	}
	info.Versions++
	ref := Ref{PolicyID: id, Version: info.Versions}
	if err := storage.PutJSON(ctx, s.kv, schemaKey(ref), schema); err != nil {
		return Ref{}, err
	}
	if err := storage.PutJSON(ctx, s.kv, infoKey(id), info); err != nil {
		return Ref{}, err
	}
	logger.Audit().Info("策略版本已发布", "policy", ref.String())
	return ref, nil
}

// Exists 判断 ref 是否指向已发布的版本。
func (s *Service) Exists(ctx context.Context, ref Ref) (bool, error) {
	info, err := s.Info(ctx, ref.PolicyID)
	if err != nil {
		if xerrors.HasCode(err, CodePolicyNotFound) {
			return false, nil
		}
		return false, err
	}
	return ref.Version >= 1 && ref.Version <= info.Versions, nil
}

// IsFrozen 判断版本是否已冻结。
func (s *Service) IsFrozen(ctx context.Context, ref Ref) (bool, error) {
	info, err := s.Info(ctx, ref.PolicyID)
	if err != nil {
		return false, err
	}
	return info.Frozen[ref.Version], nil
}

func (s *Service) requireMutable(ctx context.Context, caller common.Address, ref Ref) error {
	if err := s.RequireAuthority(caller); err != nil {
		return err
	}
	info, err := s.Info(ctx, ref.PolicyID)
	if err != nil {
		return err
	}
	if ref.Version == 0 || ref.Version > info.Versions {
		return xerrors.Newf(CodeSchemaNotFound, "policy %s not published", ref)
	}
	if info.Frozen[ref.Version] {
		return xerrors.Newf(CodePolicyFrozen, "policy %s is frozen", ref)
	}
	return nil
}

// Freeze 永久冻结一个版本，此后其 schema 与 action rule 不可修改。
func (s *Service) Freeze(ctx context.Context, caller common.Address, ref Ref) error {
	if err := s.requireMutable(ctx, caller, ref); err != nil {
		return err
	}
	info, err := s.Info(ctx, ref.PolicyID)
	if err != nil {
		return err
	}
	if info.Frozen == nil {
		info.Frozen = make(map[uint16]bool)
	}
	info.Frozen[ref.Version] = true
	if err := storage.PutJSON(ctx, s.kv, infoKey(ref.PolicyID), info); err != nil {
		return err
	}
	logger.Audit().Info("策略版本已冻结", "policy", ref.String())
	return nil
}

// SetSchema 覆盖未冻结版本的 schema。
func (s *Service) SetSchema(ctx context.Context, caller common.Address, ref Ref, schema Schema) error {
	if err := s.requireMutable(ctx, caller, ref); err != nil {
		return err
	}
	if err := schema.Check(); err != nil {
		return err
	}
	if err := storage.PutJSON(ctx, s.kv, schemaKey(ref), schema); err != nil {
		return err
	}
	logger.Audit().Info("策略 schema 已更新", "policy", ref.String())
	return nil
}

// Schema 返回 ref 的 schema。
func (s *Service) Schema(ctx context.Context, ref Ref) (*Schema, error) {
	var schema Schema
	found, err := storage.GetJSON(ctx, s.kv, schemaKey(ref), &schema)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, xerrors.Newf(CodeSchemaNotFound, "schema for %s not found", ref)
	}
	return &schema, nil
}

// SetActionRule 设置 (target, selector) 的模块位掩码。零地址 target 表示该 selector 的通配规则。
func (s *Service) SetActionRule(ctx context.Context, caller common.Address, ref Ref, target common.Address, sel calldata.Selector, rule ActionRule) error {
	if err := s.requireMutable(ctx, caller, ref); err != nil {
		return err
	}
	if rule.Modules == 0 || rule.Modules&^moduleMask != 0 {
		return xerrors.Newf(CodeInvalidParams, "invalid module mask %d", rule.Modules)
	}
	for _, m := range rule.Order {
		if !rule.Modules.Has(m) {
			return xerrors.Newf(CodeInvalidParams, "order references disabled module %s", m)
		}
	}
	if err := storage.PutJSON(ctx, s.kv, ruleKey(ref, target, sel), rule); err != nil {
		return err
	}
	logger.Audit().Info("action rule 已设置", "policy", ref.String(), "target", target.Hex(), "selector", sel.Hex(), "modules", rule.Modules.String())
	return nil
}

// RemoveActionRule 删除规则，此后该动作被拒绝。
func (s *Service) RemoveActionRule(ctx context.Context, caller common.Address, ref Ref, target common.Address, sel calldata.Selector) error {
	if err := s.requireMutable(ctx, caller, ref); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, ruleKey(ref, target, sel)); err != nil {
		return err
	}
	logger.Audit().Info("action rule 已删除", "policy", ref.String(), "target", target.Hex(), "selector", sel.Hex())
	return nil
}

// Rule 查找 (target, selector) 的规则；不存在精确规则时回退到零地址通配规则。
func (s *Service) Rule(ctx context.Context, ref Ref, target common.Address, sel calldata.Selector) (ActionRule, bool, error) {
	var rule ActionRule
	found, err := storage.GetJSON(ctx, s.kv, ruleKey(ref, target, sel), &rule)
	if err != nil || found {
		return rule, found, err
	}
	if target == (common.Address{}) {
		return ActionRule{}, false, nil
	}
	found, err = storage.GetJSON(ctx, s.kv, ruleKey(ref, common.Address{}, sel), &rule)
	return rule, found, err
}

package web3

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
)

// Oracle 是租赁合约暴露给策略引擎的只读视图。
type Oracle interface {
	// OperatorOf 返回当前租用者；未出租时返回零地址。
	OperatorOf(ctx context.Context, id uint64) (common.Address, error)
	OwnerOf(ctx context.Context, id uint64) (common.Address, error)
	IsInstance(ctx context.Context, id uint64) (bool, error)
	// TemplateOf 返回实例所属的模板；模板自身返回 0。
	TemplateOf(ctx context.Context, id uint64) (uint64, error)
}

// Controller 返回实例的控制者：已出租时为租用者，否则为所有者。
func Controller(ctx context.Context, o Oracle, id uint64) (common.Address, error) {
	operator, err := o.OperatorOf(ctx, id)
	if err != nil {
		return common.Address{}, err
	}
	if operator != (common.Address{}) {
		return operator, nil
	}
	return o.OwnerOf(ctx, id)
}

// IsOwnerOrOperator 判断 caller 是否为所有者或当前租用者。
func IsOwnerOrOperator(ctx context.Context, o Oracle, id uint64, caller common.Address) (bool, error) {
	if caller == (common.Address{}) {
		return false, nil
	}
	owner, err := o.OwnerOf(ctx, id)
	if err != nil {
		return false, err
	}
	if owner == caller {
		return true, nil
	}
	operator, err := o.OperatorOf(ctx, id)
	if err != nil {
		return false, err
	}
	return operator == caller, nil
}

// Agent 是 MemoryOracle 中的一条记录。
type Agent struct {
	Owner    common.Address `yaml:"owner" json:"owner"`
	Operator common.Address `yaml:"operator" json:"operator"`
	Template uint64         `yaml:"template" json:"template"`
	Instance bool           `yaml:"instance" json:"instance"`
}

// MemoryOracle 以内存表实现 Oracle，用于测试与本地部署。
type MemoryOracle struct {
	mu     sync.RWMutex
	agents map[uint64]Agent
}

// NewMemoryOracle 创建空的内存 oracle。
func NewMemoryOracle() *MemoryOracle {
	return &MemoryOracle{agents: make(map[uint64]Agent)}
}

// Set 写入或覆盖一条记录。
func (m *MemoryOracle) Set(id uint64, agent Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[id] = agent
}

// SetOperator 更新租用者，零地址表示租约结束。
func (m *MemoryOracle) SetOperator(id uint64, operator common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent := m.agents[id]
	agent.Operator = operator
	m.agents[id] = agent
}

func (m *MemoryOracle) get(id uint64) (Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return Agent{}, xerrors.Newf(xerrors.CodeNotFound, "agent %d not found", id)
	}
	return agent, nil
}

// OperatorOf 实现 Oracle。
func (m *MemoryOracle) OperatorOf(_ context.Context, id uint64) (common.Address, error) {
	agent, err := m.get(id)
	return agent.Operator, err
}

// OwnerOf 实现 Oracle。
func (m *MemoryOracle) OwnerOf(_ context.Context, id uint64) (common.Address, error) {
	agent, err := m.get(id)
	return agent.Owner, err
}

// IsInstance 实现 Oracle。未知 id 返回 false 而非错误。
func (m *MemoryOracle) IsInstance(_ context.Context, id uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agents[id].Instance, nil
}

// TemplateOf 实现 Oracle。
func (m *MemoryOracle) TemplateOf(_ context.Context, id uint64) (uint64, error) {
	agent, err := m.get(id)
	return agent.Template, err
}

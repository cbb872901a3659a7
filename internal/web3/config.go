package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes the RPC endpoint and the rental token contract
// on one chain.
type ChainDefinition struct {
	RPCURL      string `yaml:"rpc_url"`
	NFAContract string `yaml:"nfa_contract"`
	Description string `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// Select 返回 name 对应的链；name 为空时使用 Default，仅有一条时直接返回它。
func (d ChainDefinitions) Select(name string) (ChainDefinition, error) {
	if name == "" {
		name = d.Default
	}
	if name == "" && len(d.Chains) == 1 {
		for _, def := range d.Chains {
			return def, nil
		}
	}
	def, ok := d.Chains[name]
	if !ok {
		return ChainDefinition{}, fmt.Errorf("未找到链配置 %q", name)
	}
	return def, nil
}

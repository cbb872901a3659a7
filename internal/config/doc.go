// Package config provides the runtime configuration of policyguardd (JSON)
// and the policy bootstrap file (YAML) that seeds groups, block-lists,
// versioned policies, template bindings and plugin settings at startup.
package config

package redis

import "fmt"

const (
	// DefaultNamespace 是所有键的默认前缀。
	DefaultNamespace = "policyguard"

	kvSegment   = "kv"
	lockSegment = "lock"
)

func dataKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s:%s", namespace, kvSegment, key)
}

func lockKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s:%s", namespace, lockSegment, key)
}

package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных control plane в Redis
	RedisNamespace = "controlplane"
)

// Ключи для Sets (состояние)
const (
	RedisKeyBlacklist     = RedisNamespace + ":admission:blacklist_set"
	RedisKeyLockBlacklist = RedisNamespace + ":lock:warmup:blacklist"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanBlacklist — сигналы "ip:on" / "ip:off" для блоклиста.
	RedisChanBlacklist = RedisNamespace + ":admission:blacklist-signal"
	// RedisChanRulesUpdate — сигнал перечитать правила доступа из БД.
	RedisChanRulesUpdate = RedisNamespace + ":admission:rules-update"
	// RedisChanAgentHealth — смена здоровья агентов "name:STATUS" (сброс кэша discovery, внешние алертеры).
	RedisChanAgentHealth = RedisNamespace + ":agents:health-signal"
)

// TwinAgentKey ключ хэша digital twin агента
func TwinAgentKey(namespace, name string) string {
	return fmt.Sprintf("%s:twin:agents:%s", namespace, name)
}

// TwinIndexKey множество имен агентов, известных twin-реестру
func TwinIndexKey(namespace string) string {
	return fmt.Sprintf("%s:twin:index", namespace)
}

package store

import (
	"fmt"
	"log"
	"os"
	"strings"
)

const (
	redisStoreType  string = "redis"
	valkeyStoreType string = "valkey"
)

// New builds a Store from the environment. The caller owns the instance and
// is responsible for Close.
// support Redis, Valkey, Redis as default, can be setting by env STORE_TYPE
// --- redis STORE_TYPE environments ---
// REDIS_ADDR:     redis address, required
// REDIS_PASSWORD: redis password, optional
// --- valkey STORE_TYPE environments ---
// VALKEY_ADDR:          valkey address, required
// VALKEY_PASSWORD:      valkey password, optional
// VALKEY_DISABLE_CACHE: disable valkey client cache, optional
// VALKEY_FORCE_SINGLE:  force setting valkey single mode, optional
func New() (Store, error) {
	// Setting storage provider type by env STORE_TYPE
	providerType, exists := os.LookupEnv("STORE_TYPE")
	if exists == false {
		// redis as default
		providerType = redisStoreType
	}
	// case-insensitive
	providerType = strings.ToLower(providerType)
	switch providerType {
	case redisStoreType:
		redisProvider, err := initRedisStore()
		if err != nil {
			return nil, fmt.Errorf("init redis store failed: %w", err)
		}
		log.Println("init redis store successfully")
		return redisProvider, nil
	case valkeyStoreType:
		valkeyProvider, err := initValkeyStore()
		if err != nil {
			return nil, fmt.Errorf("init valkey store failed: %w", err)
		}
		log.Println("init valkey store successfully")
		return valkeyProvider, nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %v", providerType)
	}
}

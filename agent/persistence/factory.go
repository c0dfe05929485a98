package persistence

import (
	"fmt"
	"strings"
)

// ParseStoreType normalizes a configured backend name. Empty means memory.
func ParseStoreType(s string) (StoreType, error) {
	switch t := StoreType(strings.ToLower(strings.TrimSpace(s))); t {
	case "", StoreTypeMemory:
		return StoreTypeMemory, nil
	case StoreTypeRedis:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported task store type: %s", s)
	}
}

// NewTaskStore opens the task store named by config.Type. The redis backend
// pings the server before returning.
func NewTaskStore(config StoreConfig) (TaskStore, error) {
	typ, err := ParseStoreType(string(config.Type))
	if err != nil {
		return nil, err
	}
	if typ == StoreTypeRedis {
		if config.Redis.Addr == "" {
			return nil, fmt.Errorf("%w: redis task store requires an address", ErrInvalidInput)
		}
		return NewRedisTaskStore(config)
	}
	return NewMemoryTaskStore(config), nil
}

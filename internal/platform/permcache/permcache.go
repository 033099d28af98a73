// Package permcache looks up supplier vaccine-type permissions from a shared
// Redis hash. Permissions are strings like "FLU_FULL" or "COVID19_CREATE";
// the hash is populated out of band by the onboarding tooling.
package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// supplierPermissionsKey is the Redis hash holding supplier -> permissions.
const supplierPermissionsKey = "supplier_permissions"

// ErrSupplierUnknown is returned when no permissions are recorded for the
// supplier.
var ErrSupplierUnknown = errors.New("supplier has no recorded permissions")

// Cache resolves the permission list for a supplier.
type Cache interface {
	SupplierPermissions(ctx context.Context, supplier string) ([]string, error)
}

// AllowsVaccineType reports whether any permission grants access to the
// vaccine type, regardless of the operation suffix.
func AllowsVaccineType(perms []string, vaccineType string) bool {
	prefix := strings.ToUpper(vaccineType) + "_"
	for _, p := range perms {
		if strings.HasPrefix(strings.ToUpper(p), prefix) {
			return true
		}
	}
	return false
}

// RedisCache reads permissions from Redis.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache connects to Redis using a redis:// URL.
func NewRedisCache(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisCache{rdb: redis.NewClient(opts)}, nil
}

func (c *RedisCache) SupplierPermissions(ctx context.Context, supplier string) ([]string, error) {
	raw, err := c.rdb.HGet(ctx, supplierPermissionsKey, supplier).Result()
	if err == redis.Nil {
		return nil, ErrSupplierUnknown
	}
	if err != nil {
		return nil, fmt.Errorf("get permissions for %s: %w", supplier, err)
	}

	var perms []string
	if err := json.Unmarshal([]byte(raw), &perms); err != nil {
		return nil, fmt.Errorf("decode permissions for %s: %w", supplier, err)
	}
	return perms, nil
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

// MemoryCache is an in-memory Cache for testing and development.
type MemoryCache struct {
	mu    sync.RWMutex
	perms map[string][]string
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{perms: make(map[string][]string)}
}

// Grant records permissions for a supplier.
func (c *MemoryCache) Grant(supplier string, perms ...string) {
	c.mu.Lock()
	c.perms[supplier] = append(c.perms[supplier], perms...)
	c.mu.Unlock()
}

func (c *MemoryCache) SupplierPermissions(_ context.Context, supplier string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	perms, ok := c.perms[supplier]
	if !ok {
		return nil, ErrSupplierUnknown
	}
	out := make([]string, len(perms))
	copy(out, perms)
	return out, nil
}

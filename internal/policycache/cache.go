package policycache

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"ms-booking/internal/booking/policy"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"
)

// PolicyVersionKey is the Redis counter bumped on every policy edit. All
// instances compare their cached copy against it, so an admin edit on one
// instance invalidates the others without a restart.
const PolicyVersionKey = "booking:policy_version"

type TierSource interface {
	ActivePolicyTiers(ctx context.Context) (int, []models.PolicyTier, error)
}

// Cache keeps an in-process copy of the active policy table, revalidated
// against the Redis version counter on each read. Policy reads sit on the
// cancellation hot path; the tiers change rarely.
type Cache struct {
	Client  *redis.Client
	Source  TierSource
	FeeRate float64
	Logger  *logger.Logger

	mu     sync.RWMutex
	cached models.PolicyTable
	stamp  int64
	loaded bool
}

func NewCache(client *redis.Client, source TierSource, feeRate float64, log *logger.Logger) *Cache {
	return &Cache{
		Client:  client,
		Source:  source,
		FeeRate: feeRate,
		Logger:  log,
	}
}

func (c *Cache) Table(ctx context.Context) (models.PolicyTable, error) {
	stamp, err := c.Client.Get(ctx, PolicyVersionKey).Int64()
	if err == redis.Nil {
		stamp = 0
	} else if err != nil {
		// Redis being down must not block cancellations; read the tiers
		// straight from the database.
		c.Logger.Warn("POLICY", fmt.Sprintf("Policy version check failed, reading from database: %v", err))
		return c.load(ctx)
	}

	c.mu.RLock()
	if c.loaded && c.stamp == stamp {
		table := c.cached
		c.mu.RUnlock()
		return table, nil
	}
	c.mu.RUnlock()

	table, err := c.load(ctx)
	if err != nil {
		return models.PolicyTable{}, err
	}

	c.mu.Lock()
	c.cached = table
	c.stamp = stamp
	c.loaded = true
	c.mu.Unlock()
	return table, nil
}

// Invalidate bumps the shared version counter so every instance reloads on
// its next read.
func (c *Cache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
	return c.Client.Incr(ctx, PolicyVersionKey).Err()
}

func (c *Cache) load(ctx context.Context) (models.PolicyTable, error) {
	version, tiers, err := c.Source.ActivePolicyTiers(ctx)
	if err != nil {
		return models.PolicyTable{}, fmt.Errorf("load policy tiers: %w", err)
	}
	if version == 0 {
		// Nothing stored yet: run on the built-in defaults.
		table := policy.DefaultTable()
		table.PlatformFeeRate = c.FeeRate
		return table, nil
	}
	table := models.PolicyTable{
		Version:         version,
		PlatformFeeRate: c.FeeRate,
		Tiers:           tiers,
	}
	if err := policy.ValidateTable(table); err != nil {
		return models.PolicyTable{}, err
	}
	return table, nil
}

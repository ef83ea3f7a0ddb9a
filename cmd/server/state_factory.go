package main

import (
	"context"

	"github.com/matst80/vlessedge/internal/obs"
)

// newStateStore creates either an in-memory or Redis-backed registry. The
// Redis backend keeps its keys alive until ctx is done.
func newStateStore(ctx context.Context, c Config) (StateStore, error) {
	if c.RedisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return newServerState(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": c.RedisAddr, "db": c.RedisDB})
	rs, err := newRedisStateStore(c.RedisAddr, c.RedisPassword, c.RedisDB)
	if err != nil {
		return nil, err
	}
	go rs.startMaintenance(ctx)
	return rs, nil
}

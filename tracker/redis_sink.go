package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const totalsKey = "tracker:totals"

// RedisSink mirrors snapshots into redis hashes for external dashboards.
// Keys expire so torrents that vanish from the database age out.
// Nothing is ever read back.
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSink(addr, password string, db int, ttl time.Duration) *RedisSink {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisSinkFromClient(rdb, ttl)
}

func NewRedisSinkFromClient(client *redis.Client, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisSink{client: client, ttl: ttl}
}

func (r *RedisSink) Ping(ctx context.Context) error {
	return errors.Wrap(r.client.Ping(ctx).Err(), "redis ping")
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}

func torrentStatsKey(ih InfoHash) string {
	return fmt.Sprintf("torrent:%s:%s:stats", ih.Key, ih.Version)
}

func (r *RedisSink) Publish(ctx context.Context, snap *Snapshot) error {
	pipe := r.client.Pipeline()

	for _, st := range snap.Torrents {
		key := torrentStatsKey(st.InfoHash)
		pipe.HSet(ctx, key, map[string]interface{}{
			"name":      st.Name,
			"peers":     st.Peers,
			"seeders":   st.Seeders,
			"leechers":  st.Leechers,
			"completed": st.Completed,
			"updated":   snap.Taken.Unix(),
		})
		pipe.Expire(ctx, key, r.ttl)
	}

	pipe.HSet(ctx, totalsKey, map[string]interface{}{
		"torrents":  snap.Totals.Torrents,
		"peers":     snap.Totals.Peers,
		"seeders":   snap.Totals.Seeders,
		"leechers":  snap.Totals.Leechers,
		"completed": snap.Totals.Completed,
		"updated":   snap.Taken.Unix(),
	})

	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "redis publish")
}

package tracker

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu    sync.Mutex
	snaps []*Snapshot
	err   error
}

func (s *recordingSink) Publish(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

func seedReporterDB(t *testing.T) *Database {
	t.Helper()
	db, _ := newTestDB(t, nil)
	a, b := hashOf(1, 20), hashOf(2, 32)
	require.True(t, db.AddTorrent(mustTorrent(t, "a", a)))
	db.Announce(announce(a, 1, 0, EventStarted))
	db.Announce(announce(a, 2, 10, EventStarted))
	db.Announce(announce(a, 2, 0, EventCompleted))
	db.Announce(announce(b, 3, 10, EventStarted))
	return db
}

func TestReporterSnapshot(t *testing.T) {
	db := seedReporterDB(t)
	snap := NewReporter(db.Privileged(), time.Minute).Snapshot()

	require.Len(t, snap.Torrents, 2)
	assert.Equal(t, "a", snap.Torrents[0].Name)
	assert.Equal(t, Totals{Torrents: 2, Peers: 3, Seeders: 2, Leechers: 1, Completed: 1}, snap.Totals)
}

func TestReporterFailingSinkDoesNotStopOthers(t *testing.T) {
	db := seedReporterDB(t)
	bad := &recordingSink{err: errors.New("boom")}
	good := &recordingSink{}

	r := NewReporter(db.Privileged(), time.Minute, bad)
	r.AddSink(good)
	r.Report(context.Background())

	assert.Equal(t, 1, bad.count())
	assert.Equal(t, 1, good.count())
}

func TestReporterRun(t *testing.T) {
	db := seedReporterDB(t)
	sink := &recordingSink{}
	r := NewReporter(db.Privileged(), 5*time.Millisecond, sink, LogSink{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestRedisSink(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis at %s not reachable: %v", addr, err)
	}
	require.NoError(t, rdb.FlushDB(ctx).Err())

	sink := NewRedisSinkFromClient(rdb, time.Minute)
	defer sink.Close()

	db := seedReporterDB(t)
	snap := NewReporter(db.Privileged(), time.Minute).Snapshot()
	require.NoError(t, sink.Publish(ctx, snap))

	key := torrentStatsKey(snap.Torrents[0].InfoHash)
	fields, err := rdb.HGetAll(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, "a", fields["name"])
	assert.Equal(t, "2", fields["seeders"])
	assert.Equal(t, "1", fields["completed"])

	ttl, err := rdb.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	totals, err := rdb.HGetAll(ctx, totalsKey).Result()
	require.NoError(t, err)
	assert.Equal(t, "2", totals["torrents"])
	assert.Equal(t, "3", totals["peers"])
}

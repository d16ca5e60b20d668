package tracker

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestDB builds a database from DefaultOptions whose loop never fires on
// its own; tests call Sweep directly.
func newTestDB(t *testing.T, tweak func(*Options)) (*Database, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts := DefaultOptions()
	opts.Now = clock.Now
	opts.SweepInterval = time.Hour
	if tweak != nil {
		tweak(&opts)
	}
	db := NewDatabase(opts)
	t.Cleanup(func() {
		db.Stop()
		<-db.Done()
		db.Release()
	})
	return db, clock
}

func announce(hash []byte, i int, left uint64, ev Event) *AnnounceRequest {
	k := peerKey(i)
	return &AnnounceRequest{
		InfoHash: hash,
		PeerID:   k.ID,
		Addr:     k.Addr,
		Left:     left,
		Event:    ev,
	}
}

func mustTorrent(t *testing.T, name string, hashes ...[]byte) *Torrent {
	t.Helper()
	tr, err := NewTorrent(name, hashes...)
	require.NoError(t, err)
	return tr
}

func scrapeOne(t *testing.T, db *Database, hash []byte) Stat {
	t.Helper()
	resp := db.Scrape(&ScrapeRequest{InfoHashes: [][]byte{hash}})
	require.NoError(t, resp.Err)
	st, ok := resp.Get(hash)
	require.True(t, ok)
	return st
}

func TestAnnounceSwarmLifecycle(t *testing.T) {
	db, _ := newTestDB(t, nil)
	h := hashOf(0xab, 20)
	require.True(t, db.AddTorrent(mustTorrent(t, "demo", h)))

	resp := db.Announce(announce(h, 1, 0, EventStarted))
	require.NoError(t, resp.Err)
	assert.Empty(t, resp.Peers)
	assert.Equal(t, 15*time.Minute, resp.Interval)
	assert.Equal(t, 5*time.Minute, resp.MinInterval)

	resp = db.Announce(announce(h, 2, 500, EventStarted))
	require.NoError(t, resp.Err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, peerKey(1).Addr, resp.Peers[0].Addr)
	assert.Equal(t, Stat{Seeders: 1, Leechers: 1}, scrapeOne(t, db, h))

	resp = db.Announce(announce(h, 2, 0, EventCompleted))
	require.NoError(t, resp.Err)
	assert.Equal(t, Stat{Seeders: 2, Completed: 1}, scrapeOne(t, db, h))

	resp = db.Announce(announce(h, 1, 0, EventStopped))
	require.NoError(t, resp.Err)
	assert.Empty(t, resp.Peers)
	assert.Equal(t, Stat{Seeders: 1, Completed: 1}, resp.Stat)

	resp = db.Announce(announce(h, 3, 100, EventStarted))
	require.NoError(t, resp.Err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, peerKey(2).ID, resp.Peers[0].ID)
}

func TestAnnounceValidation(t *testing.T) {
	db, _ := newTestDB(t, nil)
	h := hashOf(1, 20)

	cases := []struct {
		name string
		req  *AnnounceRequest
		err  error
	}{
		{"short hash", announce(hashOf(1, 19), 1, 0, EventNone), ErrInvalidHashLength},
		{"long hash", announce(hashOf(1, 33), 1, 0, EventNone), ErrInvalidHashLength},
		{"no peer id", &AnnounceRequest{InfoHash: h, Addr: peerKey(1).Addr}, ErrMissingPeerID},
		{"zero port", &AnnounceRequest{InfoHash: h, PeerID: "x", Addr: netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), 0)}, ErrInvalidPort},
		{"no address", &AnnounceRequest{InfoHash: h, PeerID: "x"}, ErrInvalidPort},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := db.Announce(tc.req)
			assert.ErrorIs(t, resp.Err, tc.err)
			assert.False(t, resp.Valid())
		})
	}

	// nothing was created by a rejected request
	assert.Equal(t, 0, db.Scrape(&ScrapeRequest{}).Len())
}

func TestAnnounceAutoRegister(t *testing.T) {
	db, _ := newTestDB(t, nil)
	h := hashOf(7, 32)

	resp := db.Announce(announce(h, 1, 10, EventStarted))
	require.NoError(t, resp.Err)
	assert.Equal(t, Stat{Leechers: 1}, scrapeOne(t, db, h))

	// same 20-byte prefix as a v1 hash is a different entry
	assert.Equal(t, Stat{}, scrapeOne(t, db, hashOf(7, 20)))
}

func TestAnnounceStoppedUnknownTorrent(t *testing.T) {
	db, _ := newTestDB(t, nil)
	h := hashOf(9, 20)

	resp := db.Announce(announce(h, 1, 0, EventStopped))
	require.NoError(t, resp.Err)
	assert.Empty(t, resp.Peers)
	assert.Equal(t, 0, db.Scrape(&ScrapeRequest{}).Len())
}

func TestAnnounceRegisteredOnly(t *testing.T) {
	db, _ := newTestDB(t, func(o *Options) { o.AutoRegister = false })
	h := hashOf(3, 20)

	resp := db.Announce(announce(h, 1, 0, EventStarted))
	assert.ErrorIs(t, resp.Err, ErrTorrentNotRegistered)

	require.True(t, db.AddTorrent(mustTorrent(t, "ok", h)))
	resp = db.Announce(announce(h, 1, 0, EventStarted))
	require.NoError(t, resp.Err)
	assert.Equal(t, Stat{Seeders: 1}, resp.Stat)
}

func TestConcurrentAnnounces(t *testing.T) {
	db, _ := newTestDB(t, nil)
	h := hashOf(5, 20)
	require.True(t, db.AddTorrent(mustTorrent(t, "busy", h)))

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			left := uint64(0)
			if i%2 == 1 {
				left = 1
			}
			resp := db.Announce(announce(h, i, left, EventStarted))
			assert.NoError(t, resp.Err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, Stat{Seeders: n / 2, Leechers: n / 2}, scrapeOne(t, db, h))
	peers, ok := db.Privileged().Peers(mustParse(t, h))
	require.True(t, ok)
	assert.Len(t, peers, n)
}

func TestAnnounceNumWant(t *testing.T) {
	db, _ := newTestDB(t, func(o *Options) {
		o.DefaultNumWant, o.MaxNumWant = 5, 8
	})
	h := hashOf(4, 20)
	for i := 0; i < 20; i++ {
		db.Announce(announce(h, i, 1, EventStarted))
	}

	req := announce(h, 100, 1, EventNone)
	assert.Len(t, db.Announce(req).Peers, 5)
	req.NumWant = 3
	assert.Len(t, db.Announce(req).Peers, 3)
	req.NumWant = 50
	assert.Len(t, db.Announce(req).Peers, 8)
}

func TestAddTorrentFirstRegistrationWins(t *testing.T) {
	db, _ := newTestDB(t, nil)
	h := hashOf(1, 20)

	first := mustTorrent(t, "first", h)
	require.True(t, db.AddTorrent(first))
	assert.False(t, db.AddTorrent(mustTorrent(t, "second", h)))

	var names []string
	db.Privileged().EachTorrent(func(st TorrentStat) bool {
		names = append(names, st.Name)
		return true
	})
	assert.Equal(t, []string{"first"}, names)
}

func TestAddTorrentHybridOverlap(t *testing.T) {
	db, _ := newTestDB(t, nil)
	v1, v2 := hashOf(1, 20), hashOf(2, 32)

	require.True(t, db.AddTorrent(mustTorrent(t, "v1 only", v1)))
	assert.False(t, db.AddTorrent(mustTorrent(t, "hybrid", v1, v2)))

	resp := db.Scrape(&ScrapeRequest{})
	require.NoError(t, resp.Err)
	assert.Equal(t, 1, resp.Len())
}

func TestHybridTorrentSharesSwarm(t *testing.T) {
	db, _ := newTestDB(t, nil)
	v1, v2 := hashOf(1, 20), hashOf(2, 32)
	require.True(t, db.AddTorrent(mustTorrent(t, "hybrid", v1, v2)))

	db.Announce(announce(v1, 1, 0, EventStarted))
	resp := db.Announce(announce(v2, 2, 10, EventStarted))
	require.NoError(t, resp.Err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, peerKey(1).ID, resp.Peers[0].ID)

	assert.Equal(t, scrapeOne(t, db, v1), scrapeOne(t, db, v2))

	require.NoError(t, db.RemoveTorrent(v2))
	assert.Equal(t, Stat{}, scrapeOne(t, db, v1))
	assert.Equal(t, 0, db.Scrape(&ScrapeRequest{}).Len())
}

func TestRemoveTorrent(t *testing.T) {
	db, _ := newTestDB(t, nil)
	h := hashOf(8, 20)
	require.True(t, db.AddTorrent(mustTorrent(t, "gone", h)))
	db.Announce(announce(h, 1, 0, EventStarted))

	require.NoError(t, db.RemoveTorrent(h))
	assert.Equal(t, Stat{}, scrapeOne(t, db, h))

	// unknown hash is a no-op
	assert.NoError(t, db.RemoveTorrent(hashOf(9, 20)))
	assert.ErrorIs(t, db.RemoveTorrent(hashOf(9, 10)), ErrInvalidHashLength)
}

func TestScrape(t *testing.T) {
	db, _ := newTestDB(t, nil)
	a, b, unknown := hashOf(1, 20), hashOf(2, 32), hashOf(3, 20)
	db.Announce(announce(a, 1, 0, EventStarted))
	db.Announce(announce(b, 1, 1, EventStarted))
	db.Announce(announce(b, 2, 1, EventStarted))

	resp := db.Scrape(&ScrapeRequest{InfoHashes: [][]byte{b, unknown, a, b}})
	require.NoError(t, resp.Err)
	assert.Equal(t, 15*time.Minute, resp.Interval)
	require.Equal(t, 3, resp.Len())

	var order []string
	resp.Each(func(raw string, st Stat) { order = append(order, raw) })
	assert.Equal(t, []string{string(b), string(unknown), string(a)}, order)

	st, _ := resp.Get(b)
	assert.Equal(t, Stat{Leechers: 2}, st)
	st, _ = resp.Get(unknown)
	assert.Equal(t, Stat{}, st)

	resp = db.Scrape(&ScrapeRequest{InfoHashes: [][]byte{a, hashOf(1, 5)}})
	assert.ErrorIs(t, resp.Err, ErrInvalidHashLength)
}

func TestFullScrape(t *testing.T) {
	db, _ := newTestDB(t, nil)
	for i := 0; i < 5; i++ {
		db.Announce(announce(hashOf(byte(i+1), 20), i, 0, EventStarted))
	}
	resp := db.Scrape(&ScrapeRequest{})
	require.NoError(t, resp.Err)
	assert.Equal(t, 5, resp.Len())

	db.opts.FullScrape = false
	assert.Equal(t, 0, db.Scrape(&ScrapeRequest{}).Len())
}

func TestFullScrapeKeysV2ByCanonicalKey(t *testing.T) {
	db, _ := newTestDB(t, nil)
	v2 := hashOf(6, 32)
	db.Announce(announce(v2, 1, 0, EventStarted))

	resp := db.Scrape(&ScrapeRequest{})
	require.NoError(t, resp.Err)
	require.Equal(t, 1, resp.Len())
	st, ok := resp.Get(v2[:KeySize])
	require.True(t, ok)
	assert.Equal(t, Stat{Seeders: 1}, st)

	// the truncated key addresses the v1 entry; v2 needs the full hash
	assert.Equal(t, Stat{}, scrapeOne(t, db, v2[:KeySize]))
	assert.Equal(t, Stat{Seeders: 1}, scrapeOne(t, db, v2))

	// a v1 entry sharing the canonical key wins the full scrape slot
	db.Announce(announce(hashOf(6, 20), 2, 5, EventStarted))
	resp = db.Scrape(&ScrapeRequest{})
	require.Equal(t, 1, resp.Len())
	st, _ = resp.Get(v2[:KeySize])
	assert.Equal(t, Stat{Leechers: 1}, st)
}

func TestDatabaseReleasedRejectsRequests(t *testing.T) {
	opts := DefaultOptions()
	opts.SweepInterval = time.Hour
	db := NewDatabase(opts)
	h := hashOf(1, 20)
	db.Announce(announce(h, 1, 0, EventStarted))

	extra := db.Ref()
	db.Stop()
	<-db.Done()
	db.Release()

	// the extra reference keeps it alive
	assert.NoError(t, db.Announce(announce(h, 2, 0, EventStarted)).Err)

	extra.Release()
	assert.ErrorIs(t, db.Announce(announce(h, 3, 0, EventStarted)).Err, ErrDatabaseClosed)
	assert.ErrorIs(t, db.Scrape(&ScrapeRequest{}).Err, ErrDatabaseClosed)
	assert.False(t, db.AddTorrent(mustTorrent(t, "late", hashOf(2, 20))))
	assert.Panics(t, db.Release)
}

type panickyIndex struct {
	*TrieIndex
	armed atomic.Bool
}

func (p *panickyIndex) Write(fn func(Table)) {
	p.TrieIndex.Write(func(tab Table) {
		if p.armed.Load() {
			panic(fmt.Sprintf("corrupt table with %d entries", tab.Len()))
		}
		fn(tab)
	})
}

func TestAnnounceRecoversFromPanic(t *testing.T) {
	ix := &panickyIndex{TrieIndex: NewTrieIndex()}
	ix.armed.Store(true)
	db, _ := newTestDB(t, func(o *Options) { o.Index = ix })
	defer ix.armed.Store(false)

	resp := db.Announce(announce(hashOf(1, 20), 1, 0, EventStarted))
	assert.ErrorIs(t, resp.Err, ErrInternalInconsistency)
	assert.Nil(t, resp.Peers)

	// the lock was released on the way out
	assert.NotPanics(t, func() { db.Scrape(&ScrapeRequest{}) })
}

func mustParse(t *testing.T, raw []byte) InfoHash {
	t.Helper()
	ih, err := ParseInfoHash(raw)
	require.NoError(t, err)
	return ih
}

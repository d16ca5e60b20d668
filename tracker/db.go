package tracker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elliotchance/orderedmap"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Options struct {
	AnnounceInterval    time.Duration
	MinAnnounceInterval time.Duration
	ScrapeInterval      time.Duration

	// PeerTimeout is how long a peer may stay silent before expiration.
	PeerTimeout   time.Duration
	SweepInterval time.Duration
	// SweepChunk bounds how many torrents one write-lock hold may sweep.
	SweepChunk int

	DefaultNumWant int
	MaxNumWant     int

	// AutoRegister creates unknown torrents on their first announce.
	AutoRegister bool
	// FullScrape lets a scrape without hashes return every torrent.
	FullScrape bool

	Index Index
	Now   func() time.Time
}

func DefaultOptions() Options {
	return Options{
		AnnounceInterval:    15 * time.Minute,
		MinAnnounceInterval: 5 * time.Minute,
		ScrapeInterval:      15 * time.Minute,
		PeerTimeout:         30 * time.Minute,
		SweepInterval:       time.Minute,
		SweepChunk:          1024,
		DefaultNumWant:      50,
		MaxNumWant:          200,
		AutoRegister:        true,
		FullScrape:          true,
	}
}

func (o *Options) setDefaults() {
	def := DefaultOptions()
	if o.AnnounceInterval <= 0 {
		o.AnnounceInterval = def.AnnounceInterval
	}
	if o.MinAnnounceInterval <= 0 {
		o.MinAnnounceInterval = def.MinAnnounceInterval
	}
	if o.ScrapeInterval <= 0 {
		o.ScrapeInterval = def.ScrapeInterval
	}
	if o.PeerTimeout <= 0 {
		o.PeerTimeout = def.PeerTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = def.SweepInterval
	}
	if o.SweepChunk <= 0 {
		o.SweepChunk = def.SweepChunk
	}
	if o.DefaultNumWant <= 0 {
		o.DefaultNumWant = def.DefaultNumWant
	}
	if o.MaxNumWant <= 0 {
		o.MaxNumWant = def.MaxNumWant
	}
	if o.Index == nil {
		o.Index = NewTrieIndex()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Database is the in-memory torrent database. Every exported method is
// safe for concurrent use.
//
// It is reference counted: NewDatabase returns one reference and the
// expiration loop holds another. Stop only asks the loop to exit; the
// index is torn down when the last reference is released.
type Database struct {
	opts  Options
	index Index

	refs   atomic.Int64
	closed atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	sweepMu  sync.Mutex
	sweepGen uint64
}

func NewDatabase(opts Options) *Database {
	opts.setDefaults()
	db := &Database{
		opts:  opts,
		index: opts.Index,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	db.refs.Store(2)
	go db.expirationLoop()
	return db
}

// Ref takes an extra reference. Every Ref must be paired with Release.
func (db *Database) Ref() *Database {
	db.refs.Add(1)
	return db
}

func (db *Database) Release() {
	n := db.refs.Add(-1)
	switch {
	case n == 0:
		db.teardown()
	case n < 0:
		panic("tracker: Database released more times than referenced")
	}
}

// Stop signals the expiration loop. It is idempotent and does not wait.
func (db *Database) Stop() {
	db.stopOnce.Do(func() { close(db.stop) })
}

// Done is closed once the expiration loop has exited.
func (db *Database) Done() <-chan struct{} {
	return db.done
}

func (db *Database) teardown() {
	db.Stop()
	db.closed.Store(true)
	db.index.Write(func(tab Table) {
		logrus.WithField("torrents", tab.Len()).Info("torrent database released")
		tab.Clear()
	})
}

func (db *Database) numWant(n int) int {
	if n <= 0 {
		n = db.opts.DefaultNumWant
	}
	return min(n, db.opts.MaxNumWant)
}

// Announce records the peer and returns peers for it. The response is never
// nil; its Err is set when the request was rejected or failed internally.
func (db *Database) Announce(req *AnnounceRequest) (resp *AnnounceResponse) {
	resp = &AnnounceResponse{
		Interval:    db.opts.AnnounceInterval,
		MinInterval: db.opts.MinAnnounceInterval,
	}

	ih, err := req.validate()
	if err != nil {
		resp.Err = err
		return resp
	}
	if db.closed.Load() {
		resp.Err = ErrDatabaseClosed
		return resp
	}
	defer db.recoverRequest("announce", ih, func(err error) {
		resp.Err, resp.Peers, resp.Stat = err, nil, Stat{}
	})

	stopped := req.Event == EventStopped
	create := db.opts.AutoRegister && !stopped

	// Requests that may not create a torrent are screened under the shared
	// lock so unknown hashes never contend for the exclusive one.
	if !create {
		known := false
		db.index.Read(func(tab Table) {
			known = tab.Lookup(ih) != nil
		})
		if !known {
			if !stopped {
				resp.Err = errors.Wrap(ErrTorrentNotRegistered, ih.String())
			}
			return resp
		}
	}

	key := req.peerKey()
	numWant := db.numWant(req.NumWant)
	now := db.opts.Now()

	db.index.Write(func(tab Table) {
		t := tab.Lookup(ih)
		if t == nil {
			if !create {
				// removed since the shared lookup
				if !stopped {
					resp.Err = errors.Wrap(ErrTorrentNotRegistered, ih.String())
				}
				return
			}
			t = newTorrent("", ih)
			tab.Insert(ih, t)
			logrus.WithField("info_hash", ih).Debug("created torrent on first announce")
		}

		if stopped {
			if t.recordStop(key) {
				logrus.WithFields(logrus.Fields{"info_hash": ih, "peer": key.Addr}).Debug("peer stopped")
			}
		} else {
			t.recordAnnounce(key, req, now)
			resp.Peers = t.selectPeers(numWant, key)
		}
		resp.Stat = t.stat()
	})
	return resp
}

// Scrape reports stats for each requested hash. Unknown torrents report
// zeroed stats. Every torrent is read consistently, the set as a whole is
// not a global snapshot.
func (db *Database) Scrape(req *ScrapeRequest) (resp *ScrapeResponse) {
	resp = &ScrapeResponse{
		Interval: db.opts.ScrapeInterval,
		Files:    orderedmap.NewOrderedMap(),
	}

	hashes := make([]InfoHash, len(req.InfoHashes))
	for i, raw := range req.InfoHashes {
		ih, err := ParseInfoHash(raw)
		if err != nil {
			resp.Err = err
			return resp
		}
		hashes[i] = ih
	}
	if db.closed.Load() {
		resp.Err = ErrDatabaseClosed
		return resp
	}
	if len(hashes) == 0 && !db.opts.FullScrape {
		return resp
	}
	defer db.recoverRequest("scrape", InfoHash{}, func(err error) {
		resp.Err, resp.Files = err, orderedmap.NewOrderedMap()
	})

	db.index.Read(func(tab Table) {
		if len(hashes) == 0 {
			tab.Walk(func(ih InfoHash, t *Torrent) bool {
				key := string(ih.Key[:])
				if _, dup := resp.Files.Get(key); !dup {
					resp.Files.Set(key, t.stat())
				}
				return true
			})
			return
		}

		for i, ih := range hashes {
			var st Stat
			if t := tab.Lookup(ih); t != nil {
				st = t.stat()
			}
			resp.Files.Set(string(req.InfoHashes[i]), st)
		}
	})
	return resp
}

// AddTorrent registers t under each of its hashes. If any of those entries
// already exists the new torrent is dropped and the existing entries are
// left untouched. It reports whether t was added.
func (db *Database) AddTorrent(t *Torrent) bool {
	if t == nil || len(t.hashes) == 0 || db.closed.Load() {
		return false
	}

	added := false
	db.index.Write(func(tab Table) {
		taken := 0
		for _, ih := range t.hashes {
			if tab.Lookup(ih) != nil {
				taken++
			}
		}
		if taken > 0 {
			if taken < len(t.hashes) {
				logrus.WithFields(logrus.Fields{
					"torrent": t.Name,
					"hashes":  fmt.Sprint(t.hashes),
				}).WithError(ErrInternalInconsistency).Warn("hybrid torrent overlaps a registered entry, dropped")
			}
			return
		}
		for _, ih := range t.hashes {
			tab.Insert(ih, t)
		}
		added = true
	})
	if added {
		logrus.WithFields(logrus.Fields{"torrent": t.Name, "hashes": fmt.Sprint(t.hashes)}).Debug("registered torrent")
	}
	return added
}

// RemoveTorrent drops the torrent indexed by the raw hash, along with its
// other entries when it is a hybrid. Unknown hashes are a no-op.
func (db *Database) RemoveTorrent(raw []byte) error {
	ih, err := ParseInfoHash(raw)
	if err != nil {
		return err
	}
	db.remove(ih)
	return nil
}

func (db *Database) remove(ih InfoHash) bool {
	removed := false
	db.index.Write(func(tab Table) {
		if t := tab.Lookup(ih); t != nil {
			dropTorrent(tab, t)
			removed = true
		}
	})
	if removed {
		logrus.WithField("info_hash", ih).Debug("removed torrent")
	}
	return removed
}

// removeExact drops t if it is still registered. Entries that now point at
// another torrent with the same hash are kept.
func (db *Database) removeExact(t *Torrent) bool {
	removed := false
	db.index.Write(func(tab Table) {
		for _, h := range t.hashes {
			if tab.Lookup(h) == t {
				removed = true
			}
		}
		dropTorrent(tab, t)
	})
	if removed {
		logrus.WithFields(logrus.Fields{"torrent": t.Name, "hashes": fmt.Sprint(t.hashes)}).Debug("removed torrent")
	}
	return removed
}

// dropTorrent removes every entry that still points at t.
func dropTorrent(tab Table, t *Torrent) {
	for _, h := range t.hashes {
		if tab.Lookup(h) == t {
			tab.Remove(h)
		}
	}
}

// recoverRequest turns a panic raised while serving one request into an
// error response so other in-flight requests keep being served.
func (db *Database) recoverRequest(op string, ih InfoHash, fail func(error)) {
	r := recover()
	if r == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"op":        op,
		"info_hash": ih,
		"panic":     r,
	}).Error("recovered from internal failure")
	fail(errors.Wrapf(ErrInternalInconsistency, "%s: %v", op, r))
}

package tracker

import (
	"time"

	"github.com/sirupsen/logrus"
)

// SweepResult summarizes one expiration sweep.
type SweepResult struct {
	Torrents        int
	ExpiredPeers    int
	RemovedTorrents int
	Chunks          int
}

func (db *Database) expirationLoop() {
	defer db.Release()
	defer close(db.done)

	ticker := time.NewTicker(db.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-db.stop:
			logrus.Debug("expiration loop stopped")
			return
		case <-ticker.C:
			db.Sweep()
		}
	}
}

// Sweep expires silent peers and removes auto-created torrents that have
// been empty for a full sweep. The write lock is taken once per chunk of
// SweepChunk torrents, so request handlers get in between chunks.
func (db *Database) Sweep() SweepResult {
	db.sweepMu.Lock()
	defer db.sweepMu.Unlock()

	db.sweepGen++
	gen := db.sweepGen
	deadline := db.opts.Now().Add(-db.opts.PeerTimeout)
	start := time.Now()

	var (
		res     SweepResult
		next    InfoHash
		resume  bool
		drop    []*Torrent
		visited int
		more    bool
	)

	visit := func(ih InfoHash, t *Torrent) bool {
		if visited == db.opts.SweepChunk {
			next, more = ih, true
			return false
		}
		visited++
		// hybrid torrents appear under two entries
		if t.sweptGen == gen {
			return true
		}
		t.sweptGen = gen
		res.Torrents++
		res.ExpiredPeers += t.expire(deadline)

		if len(t.peers) > 0 {
			t.idleSweeps = 0
			return true
		}
		t.idleSweeps++
		if !t.pinned && t.idleSweeps > 1 {
			drop = append(drop, t)
		}
		return true
	}

	for {
		visited, more, drop = 0, false, drop[:0]
		db.index.Write(func(tab Table) {
			if resume {
				tab.WalkFrom(next, visit)
			} else {
				tab.Walk(visit)
			}
			for _, t := range drop {
				dropTorrent(tab, t)
			}
		})
		res.Chunks++
		res.RemovedTorrents += len(drop)
		if !more {
			break
		}
		resume = true
	}

	entry := logrus.WithFields(logrus.Fields{
		"torrents": res.Torrents,
		"expired":  res.ExpiredPeers,
		"removed":  res.RemovedTorrents,
		"chunks":   res.Chunks,
		"took":     time.Since(start),
	})
	if res.ExpiredPeers > 0 || res.RemovedTorrents > 0 {
		entry.Info("expiration sweep")
	} else {
		entry.Debug("expiration sweep")
	}
	return res
}

package tracker

// Enumerator gives trusted collaborators (stats reporting, the whitelist,
// admin handlers) read access to the whole index. It is handed out by
// Database.Privileged and is not part of the announce/scrape contract.
type Enumerator interface {
	// EachTorrent visits one TorrentStat per index entry in key order.
	// fn runs after the lock is released, so it may call back into the
	// database.
	EachTorrent(fn func(TorrentStat) bool)
	// Peers copies the peer list of one torrent.
	Peers(ih InfoHash) ([]Peer, bool)
}

type TorrentStat struct {
	InfoHash InfoHash
	Name     string
	Pinned   bool
	Peers    int
	Stat
}

// Privileged returns the enumeration capability for db.
func (db *Database) Privileged() Enumerator {
	return enumerator{db: db}
}

type enumerator struct {
	db *Database
}

func (e enumerator) EachTorrent(fn func(TorrentStat) bool) {
	var stats []TorrentStat
	e.db.index.Read(func(tab Table) {
		stats = make([]TorrentStat, 0, tab.Len())
		tab.Walk(func(ih InfoHash, t *Torrent) bool {
			stats = append(stats, TorrentStat{
				InfoHash: ih,
				Name:     t.Name,
				Pinned:   t.pinned,
				Peers:    len(t.peers),
				Stat:     t.stat(),
			})
			return true
		})
	})
	for _, st := range stats {
		if !fn(st) {
			return
		}
	}
}

func (e enumerator) Peers(ih InfoHash) (peers []Peer, ok bool) {
	e.db.index.Read(func(tab Table) {
		if t := tab.Lookup(ih); t != nil {
			peers, ok = t.peerList(), true
		}
	})
	return peers, ok
}

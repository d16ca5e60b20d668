package tracker

import (
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
)

// Torrent is the swarm state of one torrent. Its fields are guarded by the
// Index lock: read under Read, mutated under Write.
type Torrent struct {
	Name string

	hashes []InfoHash
	// pinned torrents were registered explicitly and are never expired
	pinned bool

	peers     map[PeerKey]*Peer
	seeders   int
	leechers  int
	completed uint64

	idleSweeps int
	sweptGen   uint64
}

// NewTorrent builds a torrent for registration through AddTorrent. Pass a
// v1 hash, a v2 hash, or both for a hybrid torrent.
func NewTorrent(name string, hashes ...[]byte) (*Torrent, error) {
	if len(hashes) == 0 {
		return nil, errors.Wrap(ErrInvalidHashLength, "no info-hash")
	}
	t := newTorrent(name)
	t.pinned = true
	for _, raw := range hashes {
		ih, err := ParseInfoHash(raw)
		if err != nil {
			return nil, err
		}
		for _, h := range t.hashes {
			if h.Version == ih.Version {
				return nil, errors.Errorf("duplicate %s hash for torrent %q", ih.Version, name)
			}
		}
		t.hashes = append(t.hashes, ih)
	}
	return t, nil
}

func newTorrent(name string, hashes ...InfoHash) *Torrent {
	return &Torrent{
		Name:   name,
		hashes: hashes,
		peers:  make(map[PeerKey]*Peer),
	}
}

// InfoHashes lists the index entries the torrent is registered under.
func (t *Torrent) InfoHashes() []InfoHash {
	return append([]InfoHash(nil), t.hashes...)
}

func (t *Torrent) stat() Stat {
	return Stat{Seeders: t.seeders, Leechers: t.leechers, Completed: t.completed}
}

// recordAnnounce inserts or updates a peer and keeps the counters in step.
// The completed counter moves at most once per peer lifetime.
func (t *Torrent) recordAnnounce(key PeerKey, req *AnnounceRequest, now time.Time) *Peer {
	p, ok := t.peers[key]
	if ok {
		t.uncount(p)
	} else {
		p = &Peer{ID: key.ID, Addr: key.Addr}
		t.peers[key] = p
	}

	p.Uploaded, p.Downloaded, p.Left = req.Uploaded, req.Downloaded, req.Left
	p.LastSeen = now
	t.count(p)

	if req.Event == EventCompleted && !p.Completed {
		p.Completed = true
		t.completed++
	}
	t.idleSweeps = 0
	return p
}

func (t *Torrent) recordStop(key PeerKey) bool {
	p, ok := t.peers[key]
	if !ok {
		return false
	}
	t.removePeer(p)
	return true
}

func (t *Torrent) removePeer(p *Peer) {
	t.uncount(p)
	delete(t.peers, p.key())
}

func (t *Torrent) count(p *Peer) {
	if p.Seeder() {
		t.seeders++
	} else {
		t.leechers++
	}
}

func (t *Torrent) uncount(p *Peer) {
	if p.Seeder() {
		t.seeders--
	} else {
		t.leechers--
	}
}

// selectPeers returns up to n copies of peers other than exclude, chosen
// uniformly at random when the swarm is larger than n.
func (t *Torrent) selectPeers(n int, exclude PeerKey) []Peer {
	if n <= 0 || len(t.peers) == 0 {
		return nil
	}

	candidates := make([]*Peer, 0, len(t.peers))
	for k, p := range t.peers {
		if k != exclude {
			candidates = append(candidates, p)
		}
	}
	if n > len(candidates) {
		n = len(candidates)
	}

	// partial Fisher-Yates: the first n slots end up a uniform sample
	out := make([]Peer, n)
	for i := 0; i < n; i++ {
		j := i + rand.IntN(len(candidates)-i)
		candidates[i], candidates[j] = candidates[j], candidates[i]
		out[i] = *candidates[i]
	}
	return out
}

// expire drops peers last seen before deadline.
func (t *Torrent) expire(deadline time.Time) int {
	n := 0
	for _, p := range t.peers {
		if p.LastSeen.Before(deadline) {
			t.removePeer(p)
			n++
		}
	}
	return n
}

func (t *Torrent) peerList() []Peer {
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

package tracker

import (
	"net/netip"
	"time"

	"github.com/elliotchance/orderedmap"
)

type Event uint8

const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

// ParseEvent maps the HTTP event parameter. Unknown values are regular
// updates.
func ParseEvent(s string) Event {
	switch s {
	case "completed":
		return EventCompleted
	case "started":
		return EventStarted
	case "stopped":
		return EventStopped
	default:
		return EventNone
	}
}

func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// PeerKey identifies a peer inside one swarm.
type PeerKey struct {
	ID   string
	Addr netip.AddrPort
}

type Peer struct {
	ID         string
	Addr       netip.AddrPort
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	LastSeen   time.Time
	// Completed is set once the completed event was counted for this peer.
	Completed bool
}

func (p *Peer) Seeder() bool {
	return p.Left == 0
}

func (p *Peer) key() PeerKey {
	return PeerKey{ID: p.ID, Addr: p.Addr}
}

// Stat is the aggregate state of one swarm as reported by scrape.
type Stat struct {
	Seeders   int
	Leechers  int
	Completed uint64
}

// AnnounceRequest is a decoded announce. The transport layer fills it.
type AnnounceRequest struct {
	InfoHash   []byte
	PeerID     string
	Addr       netip.AddrPort
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	// NumWant <= 0 selects the default.
	NumWant int
}

func (r *AnnounceRequest) validate() (InfoHash, error) {
	ih, err := ParseInfoHash(r.InfoHash)
	if err != nil {
		return ih, err
	}
	if r.PeerID == "" {
		return ih, ErrMissingPeerID
	}
	if !r.Addr.Addr().IsValid() || r.Addr.Port() == 0 {
		return ih, ErrInvalidPort
	}
	return ih, nil
}

func (r *AnnounceRequest) peerKey() PeerKey {
	return PeerKey{ID: r.PeerID, Addr: r.Addr}
}

// AnnounceResponse is never nil. Check Valid before using the peer list.
type AnnounceResponse struct {
	Err         error
	Interval    time.Duration
	MinInterval time.Duration
	Peers       []Peer
	Stat
}

func (r *AnnounceResponse) Valid() bool {
	return r.Err == nil
}

// ScrapeRequest with no hashes asks for every torrent.
type ScrapeRequest struct {
	InfoHashes [][]byte
}

// ScrapeResponse holds one Stat per requested hash, keyed by the raw hash
// as a string, in request order.
type ScrapeResponse struct {
	Err      error
	Interval time.Duration
	Files    *orderedmap.OrderedMap
}

func (r *ScrapeResponse) Valid() bool {
	return r.Err == nil
}

func (r *ScrapeResponse) Get(raw []byte) (Stat, bool) {
	v, ok := r.Files.Get(string(raw))
	if !ok {
		return Stat{}, false
	}
	return v.(Stat), true
}

func (r *ScrapeResponse) Len() int {
	return r.Files.Len()
}

// Each visits files in order.
func (r *ScrapeResponse) Each(fn func(raw string, st Stat)) {
	for el := r.Files.Front(); el != nil; el = el.Next() {
		fn(el.Key.(string), el.Value.(Stat))
	}
}

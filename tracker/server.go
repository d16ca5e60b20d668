package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type ServerOptions struct {
	Addr string
	// TrustProxy takes the client address from X-Real-IP / X-Forwarded-For.
	TrustProxy bool
	// RateLimit is requests per second per client IP, 0 disables it.
	RateLimit float64
	RateBurst int
}

// Server is the HTTP frontend: it decodes announce and scrape requests,
// hands them to the Database and bencodes the answers.
type Server struct {
	Server *http.Server

	db         *Database
	enum       Enumerator
	limiter    *ipLimiter
	trustProxy bool
}

func NewServer(db *Database, opts ServerOptions) *Server {
	s := &Server{
		db:         db,
		enum:       db.Privileged(),
		limiter:    newIPLimiter(opts.RateLimit, opts.RateBurst),
		trustProxy: opts.TrustProxy,
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/announce", s.handleAnnounce)
	mux.HandleFunc("/scrape", s.handleScrape)
	mux.HandleFunc("/stats", s.handleStats)

	s.Server = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.Server.Handler
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", s.Server.Addr).Info("tracker listening")
		errCh <- s.Server.ListenAndServe()
	}()

	prune := time.NewTicker(time.Minute)
	defer prune.Stop()

	for {
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return errors.Wrap(err, "http server")
		case now := <-prune.C:
			if n := s.limiter.prune(now.Add(-10 * time.Minute)); n > 0 {
				logrus.WithField("pruned", n).Debug("rate limiter entries pruned")
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.Server.Shutdown(shutdownCtx); err != nil {
				return errors.Wrap(err, "http shutdown")
			}
			logrus.Info("HTTP server shut down")
			return nil
		}
	}
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	//url : GET /announce?info_hash=%12%34%56%78%9a%bc%de%f0%12%34%56%78%9a%bc%de%f0%12%34%56%78&peer_id=-TR2940-k8hj0wgej6ch&port=51413&uploaded=245760&downloaded=1073741824&left=0&numwant=80&key=61038894&compact=1&event=completed HTTP/1.1
	q := r.URL.Query()

	ip, ok := s.clientIP(r)
	if !ok {
		sendErrorResponse(w, "cannot determine client address")
		return
	}
	if !s.limiter.allow(ip, time.Now()) {
		sendErrorResponse(w, "rate limited")
		return
	}

	infoHash := q.Get("info_hash")
	peerID := q.Get("peer_id")
	portStr := q.Get("port")
	if infoHash == "" || peerID == "" || portStr == "" {
		sendErrorResponse(w, "Missing required parameters")
		return
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		sendErrorResponse(w, "invalid port")
		return
	}

	uploaded, _ := strconv.ParseUint(q.Get("uploaded"), 10, 64)
	downloaded, _ := strconv.ParseUint(q.Get("downloaded"), 10, 64)
	left, _ := strconv.ParseUint(q.Get("left"), 10, 64)
	numWant, _ := strconv.Atoi(q.Get("numwant"))

	resp := s.db.Announce(&AnnounceRequest{
		InfoHash:   []byte(infoHash),
		PeerID:     peerID,
		Addr:       netip.AddrPortFrom(ip, uint16(port)),
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      ParseEvent(q.Get("event")),
		NumWant:    numWant,
	})
	if !resp.Valid() {
		sendErrorResponse(w, failureReason(resp.Err))
		return
	}

	sendAnnounceResponse(w, resp, q.Get("compact") == "1")
}

func (s *Server) clientIP(r *http.Request) (netip.Addr, bool) {
	if s.trustProxy {
		if ip := r.Header.Get("X-Real-IP"); ip != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(ip)); err == nil {
				return addr.Unmap(), true
			}
		}
		if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(strings.Split(ip, ",")[0])); err == nil {
				return addr.Unmap(), true
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidHashLength):
		return "invalid info_hash"
	case errors.Is(err, ErrMissingPeerID):
		return "missing peer_id"
	case errors.Is(err, ErrInvalidPort):
		return "invalid port"
	case errors.Is(err, ErrTorrentNotRegistered):
		return "torrent not found"
	case errors.Is(err, ErrDatabaseClosed):
		return "tracker shutting down"
	default:
		return "internal error"
	}
}

func sendAnnounceResponse(w http.ResponseWriter, resp *AnnounceResponse, compact bool) {
	response := map[string]interface{}{
		"interval":     int64(resp.Interval / time.Second),
		"min interval": int64(resp.MinInterval / time.Second),
		"complete":     resp.Seeders,
		"incomplete":   resp.Leechers,
		"downloaded":   int64(resp.Completed),
	}
	if compact {
		peers4, peers6 := compactPeers(resp.Peers)
		response["peers"] = peers4
		if len(peers6) > 0 {
			response["peers6"] = peers6
		}
	} else {
		response["peers"] = convertPeersToList(resp.Peers)
	}

	writeBencode(w, response)
}

// compactPeers packs IPv4 peers as 6 bytes and IPv6 peers as 18 bytes.
func compactPeers(peers []Peer) (string, string) {
	var v4, v6 []byte
	for _, p := range peers {
		ip := p.Addr.Addr()
		if ip.Is4() {
			b := ip.As4()
			v4 = append(v4, b[:]...)
			v4 = append(v4, byte(p.Addr.Port()>>8), byte(p.Addr.Port()))
		} else {
			b := ip.As16()
			v6 = append(v6, b[:]...)
			v6 = append(v6, byte(p.Addr.Port()>>8), byte(p.Addr.Port()))
		}
	}
	return string(v4), string(v6)
}

func convertPeersToList(peers []Peer) []map[string]interface{} {
	result := make([]map[string]interface{}, len(peers))
	for i, peer := range peers {
		result[i] = map[string]interface{}{
			"peer id": peer.ID,
			"ip":      peer.Addr.Addr().String(),
			"port":    int64(peer.Addr.Port()),
		}
	}
	return result
}

func sendErrorResponse(w http.ResponseWriter, reason string) {
	writeBencode(w, map[string]interface{}{
		"failure reason": reason,
	})
}

func writeBencode(w http.ResponseWriter, data interface{}) {
	body, err := encodeToBencode(data)
	if err != nil {
		logrus.WithError(err).Error("bencode encoding failed")
		http.Error(w, "Encoding error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	if _, err := w.Write(body); err != nil {
		logrus.WithError(err).Debug("write response")
	}
}

func encodeToBencode(data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	// URL: GET /scrape?info_hash=%12%34%56%78%9a%bc%de%f0%12%34%56%78%9a%bc%de%f0%12%34%56%78
	ip, ok := s.clientIP(r)
	if !ok {
		sendErrorResponse(w, "cannot determine client address")
		return
	}
	if !s.limiter.allow(ip, time.Now()) {
		sendErrorResponse(w, "rate limited")
		return
	}

	params := r.URL.Query()["info_hash"]
	req := &ScrapeRequest{InfoHashes: make([][]byte, len(params))}
	for i, p := range params {
		req.InfoHashes[i] = []byte(p)
	}

	resp := s.db.Scrape(req)
	if !resp.Valid() {
		sendErrorResponse(w, failureReason(resp.Err))
		return
	}

	files := make(map[string]interface{}, resp.Len())
	resp.Each(func(raw string, st Stat) {
		files[raw] = map[string]interface{}{
			"complete":   st.Seeders,
			"incomplete": st.Leechers,
			"downloaded": int64(st.Completed),
		}
	})

	writeBencode(w, map[string]interface{}{
		"files": files,
		"flags": map[string]interface{}{
			"min_request_interval": int64(resp.Interval / time.Second),
		},
	})
}

type torrentStatJSON struct {
	InfoHash  string `json:"info_hash"`
	Version   string `json:"version"`
	Name      string `json:"name,omitempty"`
	Pinned    bool   `json:"pinned"`
	Peers     int    `json:"peers"`
	Seeders   int    `json:"seeders"`
	Leechers  int    `json:"leechers"`
	Completed uint64 `json:"completed"`
}

// handleStats lists every torrent through the privileged enumerator.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := make([]torrentStatJSON, 0)
	s.enum.EachTorrent(func(st TorrentStat) bool {
		out = append(out, torrentStatJSON{
			InfoHash:  st.InfoHash.Key.String(),
			Version:   st.InfoHash.Version.String(),
			Name:      st.Name,
			Pinned:    st.Pinned,
			Peers:     st.Peers,
			Seeders:   st.Seeders,
			Leechers:  st.Leechers,
			Completed: st.Completed,
		})
		return true
	})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		logrus.WithError(err).Debug("write stats")
	}
}
